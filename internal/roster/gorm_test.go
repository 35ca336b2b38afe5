package roster

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// These run against a real database, set TEST_DATABASE_URL to enable them.
func openTestDB(t *testing.T) *GormStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return NewGormStore(db)
}

func TestGormStore_AddMember_Capacity(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	sessionID := uuid.NewString()

	team := &Team{
		ID: uuid.NewString(), SessionID: sessionID, Name: "Alpha",
		CaptainID: 1, Status: TeamForming, CreatedAt: time.Now(),
		Members: []TeamMember{{UserID: 1, Username: "captain", Role: RoleCaptain, JoinedAt: time.Now()}},
	}
	require.NoError(t, s.CreateTeam(ctx, team))
	t.Cleanup(func() { _ = s.DeleteTeam(ctx, team.ID) })

	for uid := int64(2); uid <= 3; uid++ {
		_, err := s.AddMember(ctx, team.ID, TeamMember{UserID: uid, Username: "member", Role: RoleMember, JoinedAt: time.Now()})
		require.NoError(t, err)
	}
	_, err := s.AddMember(ctx, team.ID, TeamMember{UserID: 4, Username: "late", Role: RoleMember, JoinedAt: time.Now()})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestGormStore_BattleUniquePerSession(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	sessionID := uuid.NewString()

	first := &TeamBattle{ID: uuid.NewString(), SessionID: sessionID, TeamAID: uuid.NewString(), TeamBID: uuid.NewString(), CreatedAt: time.Now()}
	require.NoError(t, s.CreateBattle(ctx, first))
	t.Cleanup(func() { _ = s.DeleteBattle(ctx, first.ID) })

	dup := &TeamBattle{ID: uuid.NewString(), SessionID: sessionID, TeamAID: uuid.NewString(), TeamBID: uuid.NewString(), CreatedAt: time.Now()}
	assert.ErrorIs(t, s.CreateBattle(ctx, dup), ErrSlotAlreadyFilled)
}

func TestGormStore_InvitationCAS(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	inv := &TeamInvitation{
		ID: uuid.NewString(), SessionID: uuid.NewString(), TeamID: uuid.NewString(),
		InviterID: 1, InviteeID: 2, Kind: InviteOpponent, Status: InvitationPending,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, s.CreateInvitation(ctx, inv))

	require.NoError(t, s.SetInvitationStatus(ctx, inv.ID, InvitationPending, InvitationAccepted))
	assert.ErrorIs(t, s.SetInvitationStatus(ctx, inv.ID, InvitationPending, InvitationExpired), ErrConflict)
}
