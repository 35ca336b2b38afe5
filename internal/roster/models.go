package roster

import "time"

// TeamCapacity is the hard cap on members per team, captain included.
const TeamCapacity = 3

type TeamStatus string

const (
	TeamForming  TeamStatus = "forming"
	TeamReady    TeamStatus = "ready"
	TeamPlaying  TeamStatus = "playing"
	TeamFinished TeamStatus = "finished"
)

type Role string

const (
	RoleCaptain Role = "captain"
	RoleMember  Role = "member"
)

type InvitationKind string

const (
	InviteOpponent InvitationKind = "opponent"
	InviteTeammate InvitationKind = "teammate"
)

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationExpired  InvitationStatus = "expired"
)

type JoinRequestStatus string

const (
	RequestPending   JoinRequestStatus = "pending"
	RequestAccepted  JoinRequestStatus = "accepted"
	RequestRejected  JoinRequestStatus = "rejected"
	RequestExpired   JoinRequestStatus = "expired"
	RequestCancelled JoinRequestStatus = "cancelled"
)

type Team struct {
	ID        string       `gorm:"primaryKey;size:36" json:"id"`
	SessionID string       `gorm:"index;size:64;not null" json:"session_id"`
	Name      string       `gorm:"size:64;not null" json:"name"`
	CaptainID int64        `gorm:"not null;index" json:"captain_id"`
	Status    TeamStatus   `gorm:"size:16;not null;default:'forming'" json:"status"`
	Members   []TeamMember `gorm:"foreignKey:TeamID;constraint:OnDelete:CASCADE" json:"members"`
	CreatedAt time.Time    `json:"created_at"`
}

// HasFreeSlot reports whether another member still fits.
func (t *Team) HasFreeSlot() bool { return len(t.Members) < TeamCapacity }

func (t *Team) Member(userID int64) *TeamMember {
	for i := range t.Members {
		if t.Members[i].UserID == userID {
			return &t.Members[i]
		}
	}
	return nil
}

type TeamMember struct {
	ID       uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	TeamID   string    `gorm:"size:36;not null;index" json:"-"`
	UserID   int64     `gorm:"not null;index" json:"user_id"`
	Username string    `gorm:"size:64;not null" json:"username"`
	Role     Role      `gorm:"size:16;not null;default:'member'" json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// TeamBattle is the explicit pairing of the two teams in one game session.
// Side A is the first team created for the session, side B the one created
// when an opponent invitation is accepted.
type TeamBattle struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	SessionID string    `gorm:"uniqueIndex;size:64;not null" json:"session_id"`
	TeamAID   string    `gorm:"size:36;not null" json:"team_a_id"`
	TeamBID   string    `gorm:"size:36;not null" json:"team_b_id"`
	CreatedAt time.Time `json:"created_at"`
}

type TeamInvitation struct {
	ID          string           `gorm:"primaryKey;size:36" json:"id"`
	SessionID   string           `gorm:"index;size:64;not null" json:"session_id"`
	TeamID      string           `gorm:"size:36;not null" json:"team_id"`
	InviterID   int64            `gorm:"not null" json:"inviter_id"`
	InviteeID   int64            `gorm:"not null;index" json:"invitee_id"`
	InviteeName string           `gorm:"size:64" json:"invitee_name"`
	Kind        InvitationKind   `gorm:"size:16;not null" json:"kind"`
	Status      InvitationStatus `gorm:"size:16;not null;default:'pending'" json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
}

func (inv *TeamInvitation) ExpiredAt(now time.Time) bool {
	return inv.Status == InvitationPending && now.After(inv.ExpiresAt)
}

type TeamJoinRequest struct {
	ID            string            `gorm:"primaryKey;size:36" json:"id"`
	SessionID     string            `gorm:"index;size:64;not null" json:"session_id"`
	TeamID        string            `gorm:"size:36;not null;index" json:"team_id"`
	RequesterID   int64             `gorm:"not null;index" json:"requester_id"`
	RequesterName string            `gorm:"size:64" json:"requester_name"`
	Status        JoinRequestStatus `gorm:"size:16;not null;default:'pending'" json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

func (r *TeamJoinRequest) ExpiredAt(now time.Time) bool {
	return r.Status == RequestPending && now.After(r.ExpiresAt)
}
