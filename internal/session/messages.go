package session

import (
	"github.com/quizwars/teambattle-backend/internal/roster"
)

// Identity is the acting user, as resolved by the upstream auth layer.
type Identity struct {
	UserID   int64
	Username string
}

type Msg interface{ isSessionMsg() }

type TeamReply struct {
	Team *roster.Team
	Err  error
}

type InvitationReply struct {
	Invitation *roster.TeamInvitation
	Err        error
}

type RequestReply struct {
	Request *roster.TeamJoinRequest
	Err     error
}

// CreateTeam creates side A of the session (or fails if two teams exist).
type CreateTeam struct {
	Actor Identity
	Name  string
	Reply chan TeamReply
}

type Invite struct {
	Actor       Identity
	TeamID      string
	InviteeID   int64
	InviteeName string
	Kind        roster.InvitationKind
	Reply       chan InvitationReply
}

// RespondInvitation accepts or declines. TeamName is only read on an
// opponent accept, it names the side-B team.
type RespondInvitation struct {
	Actor        Identity
	InvitationID string
	Accept       bool
	TeamName     string
	Reply        chan TeamReply
}

type RequestJoin struct {
	Actor  Identity
	TeamID string
	Reply  chan RequestReply
}

type RespondJoinRequest struct {
	Actor     Identity
	RequestID string
	Accept    bool
	Reply     chan RequestReply
}

type CancelJoinRequest struct {
	Actor     Identity
	RequestID string
	Reply     chan RequestReply
}

type RenameTeam struct {
	Actor  Identity
	TeamID string
	Name   string
	Reply  chan TeamReply
}

type SetReady struct {
	Actor  Identity
	TeamID string
	Ready  bool
	Reply  chan error
}

// LeaveTeam is the explicit "leaving" signal from a client tearing down.
type LeaveTeam struct {
	Actor Identity
	Reply chan error
}

// MemberGone is the heartbeat-timeout path: same roster effects as
// LeaveTeam, but nobody is waiting on a reply.
type MemberGone struct {
	UserID int64
}

// GetView reflects internal actor state without data races. Test-only.
type GetView struct {
	Reply chan View
}

type Shutdown struct{}

func (CreateTeam) isSessionMsg()         {}
func (Invite) isSessionMsg()             {}
func (RespondInvitation) isSessionMsg()  {}
func (RequestJoin) isSessionMsg()        {}
func (RespondJoinRequest) isSessionMsg() {}
func (CancelJoinRequest) isSessionMsg()  {}
func (RenameTeam) isSessionMsg()         {}
func (SetReady) isSessionMsg()           {}
func (LeaveTeam) isSessionMsg()          {}
func (MemberGone) isSessionMsg()         {}
func (GetView) isSessionMsg()            {}
func (Shutdown) isSessionMsg()           {}

type Phase string

const (
	PhaseUnpaired      Phase = "unpaired"
	PhasePairedForming Phase = "paired-forming"
	PhaseCountdown     Phase = "countdown"
	PhaseStarted       Phase = "started"
)

type View struct {
	Phase          Phase
	CountdownLeft  int
	CountdownArmed bool
}
