package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/quizwars/teambattle-backend/internal/events"
	"github.com/quizwars/teambattle-backend/internal/notify"
	"github.com/quizwars/teambattle-backend/internal/roster"
)

// Publisher fans events out to their audience. Implemented by the hub.
type Publisher interface {
	ToSession(sessionID string, ev events.Event)
	ToUser(userID int64, ev events.Event)
}

type Config struct {
	InvitationTTL    time.Duration
	JoinRequestTTL   time.Duration
	CountdownSeconds int
	SweepInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		InvitationTTL:    5 * time.Minute,
		JoinRequestTTL:   5 * time.Minute,
		CountdownSeconds: 5,
		SweepInterval:    15 * time.Second,
	}
}

type Deps struct {
	Store    roster.Store
	Pub      Publisher
	Notifier notify.Notifier
	Clock    clockwork.Clock
	Config   Config
	Log      *zap.Logger
	// OnEmpty is called after the last team of the session is gone so the
	// hub can drop the actor.
	OnEmpty func(sessionID string)
}

// Session is the single writer for everything in one game session: both
// teams, their invitations and join requests, the ready flags and the
// countdown. All mutations drain serially through its inbox, so a
// check-then-mutate inside one handler can never interleave with another.
// Timers (TTL sweep, countdown ticks) live on the same goroutine, so a
// timer firing and a client command are serialized too.
type Session struct {
	id    string
	inbox chan Msg
	deps  Deps
	log   *zap.Logger

	phase         Phase
	countdownLeft int
	countdown     clockwork.Ticker

	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, id string, deps Deps) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:     id,
		inbox:  make(chan Msg, 64),
		deps:   deps,
		log:    deps.Log.With(zap.String("session_id", id)),
		phase:  PhaseUnpaired,
		ctx:    ctx,
		cancel: cancel,
	}
	s.loadPhase()
	go s.loop()
	return s
}

func (s *Session) ID() string { return s.id }

// Inbox exposes the command queue so the HTTP/WS layers and tests can send
// messages.
func (s *Session) Inbox() chan<- Msg { return s.inbox }

// Done is closed once the actor has shut down, through Shutdown or after its
// last team disbanded. Callers holding a stale handle select against it
// instead of waiting on a reply that will never come.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// loadPhase rebuilds the phase from the store so a process restart does not
// strand a persisted formation. A countdown never survives a restart.
func (s *Session) loadPhase() {
	teams, err := s.deps.Store.GetTeamsBySession(s.ctx, s.id)
	if err != nil || len(teams) < 2 {
		return
	}
	if _, err := s.deps.Store.GetBattleBySession(s.ctx, s.id); err != nil {
		return
	}
	s.phase = PhasePairedForming
	for _, t := range teams {
		if t.Status == roster.TeamPlaying {
			s.phase = PhaseStarted
			return
		}
	}
}

func (s *Session) loop() {
	sweep := s.deps.Clock.NewTicker(s.deps.Config.SweepInterval)
	defer sweep.Stop()

	for {
		var countdownCh <-chan time.Time
		if s.countdown != nil {
			countdownCh = s.countdown.Chan()
		}

		select {
		case <-s.ctx.Done():
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case CreateTeam:
				msg.Reply <- s.handleCreateTeam(msg)
			case Invite:
				msg.Reply <- s.handleInvite(msg)
			case RespondInvitation:
				msg.Reply <- s.handleRespondInvitation(msg)
			case RequestJoin:
				msg.Reply <- s.handleRequestJoin(msg)
			case RespondJoinRequest:
				msg.Reply <- s.handleRespondJoinRequest(msg)
			case CancelJoinRequest:
				msg.Reply <- s.handleCancelJoinRequest(msg)
			case RenameTeam:
				msg.Reply <- s.handleRenameTeam(msg)
			case SetReady:
				msg.Reply <- s.handleSetReady(msg)
			case LeaveTeam:
				msg.Reply <- s.handleLeave(msg.Actor.UserID)
			case MemberGone:
				if err := s.handleLeave(msg.UserID); err != nil && !errors.Is(err, roster.ErrNotFound) {
					s.log.Warn("member-gone cleanup failed", zap.Int64("user_id", msg.UserID), zap.Error(err))
				}
			case GetView:
				msg.Reply <- View{Phase: s.phase, CountdownLeft: s.countdownLeft, CountdownArmed: s.countdown != nil}
			case Shutdown:
				s.cancel()
				return
			}

		case <-sweep.Chan():
			s.sweepExpired()

		case <-countdownCh:
			s.tickCountdown()
		}
	}
}

func (s *Session) teams() ([]roster.Team, error) {
	return s.deps.Store.GetTeamsBySession(s.ctx, s.id)
}

func (s *Session) teamOf(teams []roster.Team, userID int64) *roster.Team {
	for i := range teams {
		if teams[i].Member(userID) != nil {
			return &teams[i]
		}
	}
	return nil
}

func (s *Session) opposing(teams []roster.Team, teamID string) *roster.Team {
	for i := range teams {
		if teams[i].ID != teamID {
			return &teams[i]
		}
	}
	return nil
}

func (s *Session) handleCreateTeam(msg CreateTeam) TeamReply {
	teams, err := s.teams()
	if err != nil {
		return TeamReply{Err: err}
	}
	if len(teams) >= 2 {
		return TeamReply{Err: roster.ErrSlotAlreadyFilled}
	}
	if s.teamOf(teams, msg.Actor.UserID) != nil {
		return TeamReply{Err: roster.ErrConflict}
	}
	now := s.deps.Clock.Now()
	team := &roster.Team{
		ID:        uuid.NewString(),
		SessionID: s.id,
		Name:      msg.Name,
		CaptainID: msg.Actor.UserID,
		Status:    roster.TeamForming,
		CreatedAt: now,
		Members: []roster.TeamMember{{
			UserID:   msg.Actor.UserID,
			Username: msg.Actor.Username,
			Role:     roster.RoleCaptain,
			JoinedAt: now,
		}},
	}
	if err := s.deps.Store.CreateTeam(s.ctx, team); err != nil {
		return TeamReply{Err: err}
	}
	s.deps.Pub.ToSession(s.id, events.Event{
		Type: events.TeamCreated, SessionID: s.id, TeamID: team.ID, Team: team,
	})
	return TeamReply{Team: team}
}

func (s *Session) handleInvite(msg Invite) InvitationReply {
	team, err := s.deps.Store.GetTeam(s.ctx, msg.TeamID)
	if err != nil {
		return InvitationReply{Err: err}
	}
	if team.CaptainID != msg.Actor.UserID {
		return InvitationReply{Err: roster.ErrForbidden}
	}
	teams, err := s.teams()
	if err != nil {
		return InvitationReply{Err: err}
	}
	switch msg.Kind {
	case roster.InviteOpponent:
		if len(teams) >= 2 {
			return InvitationReply{Err: roster.ErrSlotAlreadyFilled}
		}
	case roster.InviteTeammate:
		if !team.HasFreeSlot() {
			return InvitationReply{Err: roster.ErrCapacityExceeded}
		}
	default:
		return InvitationReply{Err: fmt.Errorf("unknown invitation kind %q", msg.Kind)}
	}
	if s.teamOf(teams, msg.InviteeID) != nil {
		return InvitationReply{Err: roster.ErrConflict}
	}

	now := s.deps.Clock.Now()
	inv := &roster.TeamInvitation{
		ID:          uuid.NewString(),
		SessionID:   s.id,
		TeamID:      team.ID,
		InviterID:   msg.Actor.UserID,
		InviteeID:   msg.InviteeID,
		InviteeName: msg.InviteeName,
		Kind:        msg.Kind,
		Status:      roster.InvitationPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.deps.Config.InvitationTTL),
	}
	if err := s.deps.Store.CreateInvitation(s.ctx, inv); err != nil {
		return InvitationReply{Err: err}
	}
	s.deps.Pub.ToUser(inv.InviteeID, events.Event{
		Type: events.InvitationCreated, SessionID: s.id, TeamID: team.ID, Invitation: inv,
	})
	go s.deps.Notifier.InvitationCreated(context.WithoutCancel(s.ctx), inv)
	return InvitationReply{Invitation: inv}
}

func (s *Session) handleRespondInvitation(msg RespondInvitation) TeamReply {
	inv, err := s.deps.Store.GetInvitation(s.ctx, msg.InvitationID)
	if err != nil {
		return TeamReply{Err: err}
	}
	if inv.InviteeID != msg.Actor.UserID {
		return TeamReply{Err: roster.ErrForbidden}
	}
	if inv.Status != roster.InvitationPending {
		return TeamReply{Err: roster.ErrExpired}
	}
	if inv.ExpiredAt(s.deps.Clock.Now()) {
		s.expireInvitation(inv)
		return TeamReply{Err: roster.ErrExpired}
	}

	if !msg.Accept {
		if err := s.deps.Store.SetInvitationStatus(s.ctx, inv.ID, roster.InvitationPending, roster.InvitationDeclined); err != nil {
			return TeamReply{Err: err}
		}
		inv.Status = roster.InvitationDeclined
		s.deps.Pub.ToUser(inv.InviterID, events.Event{
			Type: events.InvitationDeclined, SessionID: s.id, TeamID: inv.TeamID, Invitation: inv,
		})
		return TeamReply{}
	}

	switch inv.Kind {
	case roster.InviteOpponent:
		return s.acceptOpponent(inv, msg)
	default:
		return s.acceptTeammate(inv, msg)
	}
}

// acceptOpponent creates side B. The actor serializes all session mutation,
// so only one of two racing accepts can get past the slot check; the loser's
// invitation ends expired, never accepted.
func (s *Session) acceptOpponent(inv *roster.TeamInvitation, msg RespondInvitation) TeamReply {
	teams, err := s.teams()
	if err != nil {
		return TeamReply{Err: err}
	}
	if len(teams) >= 2 {
		s.expireInvitation(inv)
		return TeamReply{Err: roster.ErrSlotAlreadyFilled}
	}

	name := msg.TeamName
	if name == "" {
		name = fmt.Sprintf("%s's team", msg.Actor.Username)
	}
	now := s.deps.Clock.Now()
	teamB := &roster.Team{
		ID:        uuid.NewString(),
		SessionID: s.id,
		Name:      name,
		CaptainID: msg.Actor.UserID,
		Status:    roster.TeamForming,
		CreatedAt: now,
		Members: []roster.TeamMember{{
			UserID:   msg.Actor.UserID,
			Username: msg.Actor.Username,
			Role:     roster.RoleCaptain,
			JoinedAt: now,
		}},
	}
	if err := s.deps.Store.CreateTeam(s.ctx, teamB); err != nil {
		if errors.Is(err, roster.ErrSlotAlreadyFilled) {
			s.expireInvitation(inv)
		}
		return TeamReply{Err: err}
	}
	battle := &roster.TeamBattle{
		ID:        uuid.NewString(),
		SessionID: s.id,
		TeamAID:   inv.TeamID,
		TeamBID:   teamB.ID,
		CreatedAt: now,
	}
	if err := s.deps.Store.CreateBattle(s.ctx, battle); err != nil {
		// roll side B back, a half-paired session must not survive the error
		if derr := s.deps.Store.DeleteTeam(s.ctx, teamB.ID); derr != nil {
			s.log.Warn("rolling back side B failed", zap.String("team_id", teamB.ID), zap.Error(derr))
		}
		return TeamReply{Err: err}
	}
	if err := s.deps.Store.SetInvitationStatus(s.ctx, inv.ID, roster.InvitationPending, roster.InvitationAccepted); err != nil {
		if derr := s.deps.Store.DeleteBattle(s.ctx, battle.ID); derr != nil {
			s.log.Warn("rolling back battle failed", zap.String("battle_id", battle.ID), zap.Error(derr))
		}
		if derr := s.deps.Store.DeleteTeam(s.ctx, teamB.ID); derr != nil {
			s.log.Warn("rolling back side B failed", zap.String("team_id", teamB.ID), zap.Error(derr))
		}
		return TeamReply{Err: err}
	}
	s.phase = PhasePairedForming
	s.invalidateOtherInvitations(inv)

	s.deps.Pub.ToSession(s.id, events.Event{
		Type: events.TeamCreated, SessionID: s.id, TeamID: teamB.ID, Team: teamB,
	})
	s.deps.Pub.ToUser(inv.InviterID, events.Event{
		Type: events.OpponentAcceptedInvitation, SessionID: s.id, TeamID: teamB.ID, Team: teamB,
	})
	return TeamReply{Team: teamB}
}

func (s *Session) acceptTeammate(inv *roster.TeamInvitation, msg RespondInvitation) TeamReply {
	team, err := s.deps.Store.AddMember(s.ctx, inv.TeamID, roster.TeamMember{
		UserID:   msg.Actor.UserID,
		Username: msg.Actor.Username,
		Role:     roster.RoleMember,
		JoinedAt: s.deps.Clock.Now(),
	})
	if err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			// target team dissolved before the response landed
			s.expireInvitation(inv)
			return TeamReply{Err: roster.ErrExpired}
		}
		return TeamReply{Err: err}
	}
	if err := s.deps.Store.SetInvitationStatus(s.ctx, inv.ID, roster.InvitationPending, roster.InvitationAccepted); err != nil {
		return TeamReply{Err: err}
	}
	s.invalidateOtherInvitations(inv)

	s.deps.Pub.ToSession(s.id, events.Event{
		Type: events.TeamUpdated, SessionID: s.id, TeamID: team.ID, Team: team,
	})
	if !team.HasFreeSlot() {
		s.expireTeamJoinRequests(team)
	}
	return TeamReply{Team: team}
}

// invalidateOtherInvitations enforces commit-to-one: every other pending
// invitation addressed to the invitee in this session flips to expired.
func (s *Session) invalidateOtherInvitations(accepted *roster.TeamInvitation) {
	touched, err := s.deps.Store.ExpireInvitationsForInvitee(s.ctx, s.id, accepted.InviteeID, accepted.ID)
	if err != nil {
		s.log.Warn("invalidating sibling invitations failed", zap.Error(err))
		return
	}
	for i := range touched {
		s.deps.Pub.ToUser(touched[i].InviteeID, events.Event{
			Type: events.InvitationExpired, SessionID: s.id, TeamID: touched[i].TeamID, Invitation: &touched[i],
		})
	}
}

func (s *Session) expireInvitation(inv *roster.TeamInvitation) {
	err := s.deps.Store.SetInvitationStatus(s.ctx, inv.ID, roster.InvitationPending, roster.InvitationExpired)
	if err != nil && !errors.Is(err, roster.ErrConflict) {
		s.log.Warn("expiring invitation failed", zap.String("invitation_id", inv.ID), zap.Error(err))
		return
	}
	inv.Status = roster.InvitationExpired
	s.deps.Pub.ToUser(inv.InviteeID, events.Event{
		Type: events.InvitationExpired, SessionID: s.id, TeamID: inv.TeamID, Invitation: inv,
	})
}

func (s *Session) handleRequestJoin(msg RequestJoin) RequestReply {
	team, err := s.deps.Store.GetTeam(s.ctx, msg.TeamID)
	if err != nil {
		return RequestReply{Err: err}
	}
	if team.Status != roster.TeamForming {
		return RequestReply{Err: roster.ErrConflict}
	}
	if !team.HasFreeSlot() {
		return RequestReply{Err: roster.ErrCapacityExceeded}
	}
	teams, err := s.teams()
	if err != nil {
		return RequestReply{Err: err}
	}
	if s.teamOf(teams, msg.Actor.UserID) != nil {
		return RequestReply{Err: roster.ErrConflict}
	}

	now := s.deps.Clock.Now()
	req := &roster.TeamJoinRequest{
		ID:            uuid.NewString(),
		SessionID:     s.id,
		TeamID:        team.ID,
		RequesterID:   msg.Actor.UserID,
		RequesterName: msg.Actor.Username,
		Status:        roster.RequestPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.deps.Config.JoinRequestTTL),
	}
	if err := s.deps.Store.CreateJoinRequest(s.ctx, req); err != nil {
		return RequestReply{Err: err}
	}
	s.deps.Pub.ToUser(team.CaptainID, events.Event{
		Type: events.JoinRequestCreated, SessionID: s.id, TeamID: team.ID, Request: req,
	})
	return RequestReply{Request: req}
}

func (s *Session) handleRespondJoinRequest(msg RespondJoinRequest) RequestReply {
	req, err := s.deps.Store.GetJoinRequest(s.ctx, msg.RequestID)
	if err != nil {
		return RequestReply{Err: err}
	}
	team, err := s.deps.Store.GetTeam(s.ctx, req.TeamID)
	if err != nil {
		return RequestReply{Err: err}
	}
	if team.CaptainID != msg.Actor.UserID {
		return RequestReply{Err: roster.ErrForbidden}
	}
	if req.Status != roster.RequestPending {
		return RequestReply{Err: roster.ErrExpired}
	}
	if req.ExpiredAt(s.deps.Clock.Now()) {
		s.expireJoinRequest(req, team.CaptainID)
		return RequestReply{Err: roster.ErrExpired}
	}

	if !msg.Accept {
		if err := s.deps.Store.SetJoinRequestStatus(s.ctx, req.ID, roster.RequestPending, roster.RequestRejected); err != nil {
			return RequestReply{Err: err}
		}
		req.Status = roster.RequestRejected
		s.publishRequestUpdate(req, team.CaptainID)
		return RequestReply{Request: req}
	}

	updated, err := s.deps.Store.AddMember(s.ctx, team.ID, roster.TeamMember{
		UserID:   req.RequesterID,
		Username: req.RequesterName,
		Role:     roster.RoleMember,
		JoinedAt: s.deps.Clock.Now(),
	})
	if err != nil {
		return RequestReply{Err: err}
	}
	if err := s.deps.Store.SetJoinRequestStatus(s.ctx, req.ID, roster.RequestPending, roster.RequestAccepted); err != nil {
		return RequestReply{Err: err}
	}
	req.Status = roster.RequestAccepted

	// There should be no other pending request by this user, the store
	// enforces one at a time, but clean up defensively.
	if others, err := s.deps.Store.ExpireJoinRequestsForUser(s.ctx, req.RequesterID, req.ID); err == nil {
		for i := range others {
			s.publishRequestUpdate(&others[i], 0)
		}
	}

	s.publishRequestUpdate(req, team.CaptainID)
	s.deps.Pub.ToSession(s.id, events.Event{
		Type: events.TeamUpdated, SessionID: s.id, TeamID: updated.ID, Team: updated,
	})
	if !updated.HasFreeSlot() {
		s.expireTeamJoinRequests(updated)
	}
	return RequestReply{Request: req}
}

func (s *Session) handleCancelJoinRequest(msg CancelJoinRequest) RequestReply {
	req, err := s.deps.Store.GetJoinRequest(s.ctx, msg.RequestID)
	if err != nil {
		return RequestReply{Err: err}
	}
	if req.RequesterID != msg.Actor.UserID {
		return RequestReply{Err: roster.ErrForbidden}
	}
	if req.Status != roster.RequestPending {
		return RequestReply{Err: roster.ErrExpired}
	}
	if err := s.deps.Store.SetJoinRequestStatus(s.ctx, req.ID, roster.RequestPending, roster.RequestCancelled); err != nil {
		return RequestReply{Err: err}
	}
	req.Status = roster.RequestCancelled
	captainID := int64(0)
	if team, err := s.deps.Store.GetTeam(s.ctx, req.TeamID); err == nil {
		captainID = team.CaptainID
	}
	s.publishRequestUpdate(req, captainID)
	return RequestReply{Request: req}
}

// publishRequestUpdate reaches the requester and, when known, the captain.
func (s *Session) publishRequestUpdate(req *roster.TeamJoinRequest, captainID int64) {
	ev := events.Event{Type: events.JoinRequestUpdated, SessionID: req.SessionID, TeamID: req.TeamID, Request: req}
	s.deps.Pub.ToUser(req.RequesterID, ev)
	if captainID != 0 && captainID != req.RequesterID {
		s.deps.Pub.ToUser(captainID, ev)
	}
}

func (s *Session) expireJoinRequest(req *roster.TeamJoinRequest, captainID int64) {
	err := s.deps.Store.SetJoinRequestStatus(s.ctx, req.ID, roster.RequestPending, roster.RequestExpired)
	if err != nil && !errors.Is(err, roster.ErrConflict) {
		s.log.Warn("expiring join request failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	req.Status = roster.RequestExpired
	s.publishRequestUpdate(req, captainID)
}

// expireTeamJoinRequests invalidates requests that can no longer succeed
// because the team filled or dissolved.
func (s *Session) expireTeamJoinRequests(team *roster.Team) {
	touched, err := s.deps.Store.ExpireJoinRequestsForTeam(s.ctx, team.ID)
	if err != nil {
		s.log.Warn("expiring team join requests failed", zap.String("team_id", team.ID), zap.Error(err))
		return
	}
	for i := range touched {
		s.publishRequestUpdate(&touched[i], team.CaptainID)
	}
}

func (s *Session) handleRenameTeam(msg RenameTeam) TeamReply {
	team, err := s.deps.Store.GetTeam(s.ctx, msg.TeamID)
	if err != nil {
		return TeamReply{Err: err}
	}
	if team.CaptainID != msg.Actor.UserID {
		return TeamReply{Err: roster.ErrForbidden}
	}
	team, err = s.deps.Store.RenameTeam(s.ctx, msg.TeamID, msg.Name)
	if err != nil {
		return TeamReply{Err: err}
	}
	s.deps.Pub.ToSession(s.id, events.Event{
		Type: events.TeamUpdated, SessionID: s.id, TeamID: team.ID, Team: team,
	})
	return TeamReply{Team: team}
}
