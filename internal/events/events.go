package events

import "github.com/quizwars/teambattle-backend/internal/roster"

type Type string

const (
	TeamCreated                Type = "team_created"
	TeamUpdated                Type = "team_updated"
	InvitationCreated          Type = "invitation_created"
	InvitationDeclined         Type = "invitation_declined"
	InvitationExpired          Type = "invitation_expired"
	JoinRequestCreated         Type = "join_request_created"
	JoinRequestUpdated         Type = "join_request_updated"
	OpponentAcceptedInvitation Type = "opponent_accepted_invitation"
	TeamReadyStatus            Type = "team_ready_status"
	TeamBattleCountdown        Type = "team_battle_countdown"
	TeamBattleCancelled        Type = "team_battle_cancelled"
	TeamStateRestored          Type = "team_state_restored"
	OpponentDisconnected       Type = "opponent_disconnected"
	TeammateDisconnected       Type = "teammate_disconnected"
	OpponentMemberDisconnected Type = "opponent_team_member_disconnected"
)

// Event is what goes over the wire. Payloads always carry the full current
// value of the affected entity, never a diff, so clients can treat each one
// as "refresh this entity to this value" and duplicates are harmless.
type Event struct {
	Type       Type                    `json:"type"`
	SessionID  string                  `json:"session_id"`
	TeamID     string                  `json:"team_id,omitempty"`
	UserID     int64                   `json:"user_id,omitempty"`
	Team       *roster.Team            `json:"team,omitempty"`
	Teams      []roster.Team           `json:"teams,omitempty"`
	Invitation *roster.TeamInvitation  `json:"invitation,omitempty"`
	Request    *roster.TeamJoinRequest `json:"join_request,omitempty"`
	Ready      *ReadyStatus            `json:"ready,omitempty"`
	Countdown  *Countdown              `json:"countdown,omitempty"`
}

// ReadyStatus carries the ready flag of every team in the session.
type ReadyStatus struct {
	TeamReady map[string]bool `json:"team_ready"`
}

// Countdown carries the seconds left until the battle starts. Remaining 0
// means the session just transitioned to started.
type Countdown struct {
	Remaining int `json:"remaining"`
}
