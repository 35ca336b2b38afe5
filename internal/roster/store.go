package roster

import (
	"context"
	"time"
)

// Store owns every roster entity. Mutating calls are atomic: capacity and
// one-team-per-session checks happen inside the same transaction (or lock)
// as the write, so two racing AddMember calls can never both succeed past
// the cap. Callers above the store (the session actors) additionally
// serialize per session, the store guarantees hold even without them.
type Store interface {
	CreateTeam(ctx context.Context, team *Team) error
	GetTeam(ctx context.Context, id string) (*Team, error)
	GetTeamsBySession(ctx context.Context, sessionID string) ([]Team, error)
	GetTeamsForUser(ctx context.Context, userID int64) ([]Team, error)
	// ListAvailableTeams returns forming teams with free capacity across all
	// sessions, for the "teams you could ask to join" view.
	ListAvailableTeams(ctx context.Context) ([]Team, error)
	AddMember(ctx context.Context, teamID string, member TeamMember) (*Team, error)
	RemoveMember(ctx context.Context, teamID string, userID int64) (*Team, error)
	DeleteTeam(ctx context.Context, teamID string) error
	RenameTeam(ctx context.Context, teamID, name string) (*Team, error)
	SetTeamStatus(ctx context.Context, teamID string, status TeamStatus) (*Team, error)

	CreateBattle(ctx context.Context, battle *TeamBattle) error
	GetBattleBySession(ctx context.Context, sessionID string) (*TeamBattle, error)
	DeleteBattle(ctx context.Context, id string) error

	CreateInvitation(ctx context.Context, inv *TeamInvitation) error
	GetInvitation(ctx context.Context, id string) (*TeamInvitation, error)
	ListInvitationsForUser(ctx context.Context, inviteeID int64) ([]TeamInvitation, error)
	// SetInvitationStatus is a compare-and-set: it only moves the invitation
	// from `from` to `to` and reports ErrConflict when somebody else won.
	SetInvitationStatus(ctx context.Context, id string, from, to InvitationStatus) error
	// ExpireInvitationsForInvitee flips every pending invitation addressed to
	// the invitee in the session to expired, except the given one, and
	// returns the invitations it touched.
	ExpireInvitationsForInvitee(ctx context.Context, sessionID string, inviteeID int64, exceptID string) ([]TeamInvitation, error)
	// ExpireInvitationsForTeam cascades when a team dissolves.
	ExpireInvitationsForTeam(ctx context.Context, teamID string) ([]TeamInvitation, error)
	ListExpiredInvitations(ctx context.Context, sessionID string, now time.Time) ([]TeamInvitation, error)

	// CreateJoinRequest enforces the single-pending-request invariant: it
	// fails with ErrAlreadyPending if the requester has any pending request
	// anywhere.
	CreateJoinRequest(ctx context.Context, req *TeamJoinRequest) error
	GetJoinRequest(ctx context.Context, id string) (*TeamJoinRequest, error)
	ListJoinRequestsForCaptain(ctx context.Context, captainID int64) ([]TeamJoinRequest, error)
	SetJoinRequestStatus(ctx context.Context, id string, from, to JoinRequestStatus) error
	ExpireJoinRequestsForUser(ctx context.Context, requesterID int64, exceptID string) ([]TeamJoinRequest, error)
	ExpireJoinRequestsForTeam(ctx context.Context, teamID string) ([]TeamJoinRequest, error)
	ListExpiredJoinRequests(ctx context.Context, sessionID string, now time.Time) ([]TeamJoinRequest, error)
}
