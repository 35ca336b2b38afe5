package roster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTeam(t *testing.T, s *MemStore, id, sessionID string, captainID int64, extraMembers ...int64) *Team {
	t.Helper()
	now := time.Now()
	team := &Team{
		ID:        id,
		SessionID: sessionID,
		Name:      "team " + id,
		CaptainID: captainID,
		Status:    TeamForming,
		CreatedAt: now,
		Members: []TeamMember{
			{UserID: captainID, Username: "captain", Role: RoleCaptain, JoinedAt: now},
		},
	}
	require.NoError(t, s.CreateTeam(context.Background(), team))
	for _, uid := range extraMembers {
		_, err := s.AddMember(context.Background(), id, TeamMember{UserID: uid, Username: "member", Role: RoleMember, JoinedAt: now})
		require.NoError(t, err)
	}
	return team
}

func TestMemStore_CreateTeam_Limits(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	seedTeam(t, s, "a", "s1", 1)
	seedTeam(t, s, "b", "s1", 2)

	err := s.CreateTeam(ctx, &Team{ID: "c", SessionID: "s1", CaptainID: 3, Status: TeamForming})
	assert.ErrorIs(t, err, ErrSlotAlreadyFilled, "two teams per session is the cap")

	err = s.CreateTeam(ctx, &Team{ID: "d", SessionID: "s2", CaptainID: 1, Status: TeamForming,
		Members: []TeamMember{{UserID: 1, Role: RoleCaptain}}})
	assert.NoError(t, err, "same captain may lead a team in another session")
}

func TestMemStore_AddMember_CapacityRace(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	seedTeam(t, s, "a", "s1", 1, 2)

	// one free slot, two concurrent joiners, exactly one wins
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.AddMember(ctx, "a", TeamMember{UserID: int64(10 + i), Role: RoleMember})
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case assert.ErrorIs(t, err, ErrCapacityExceeded):
			lost++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)

	team, err := s.GetTeam(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, team.Members, TeamCapacity)
}

func TestMemStore_AddMember_OneTeamPerSession(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	seedTeam(t, s, "a", "s1", 1)
	seedTeam(t, s, "b", "s1", 2)

	_, err := s.AddMember(ctx, "a", TeamMember{UserID: 3, Role: RoleMember})
	require.NoError(t, err)
	_, err = s.AddMember(ctx, "b", TeamMember{UserID: 3, Role: RoleMember})
	assert.ErrorIs(t, err, ErrConflict, "a user holds one seat per session")
}

func TestMemStore_GetTeam_ReturnsCopies(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	seedTeam(t, s, "a", "s1", 1)

	first, err := s.GetTeam(ctx, "a")
	require.NoError(t, err)
	first.Name = "mutated"
	first.Members[0].Username = "mutated"

	second, err := s.GetTeam(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "team a", second.Name)
	assert.Equal(t, "captain", second.Members[0].Username)
}

func TestMemStore_ListAvailableTeams(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	seedTeam(t, s, "open", "s1", 1)
	seedTeam(t, s, "full", "s2", 2, 3, 4)
	ready := seedTeam(t, s, "ready", "s3", 5)
	_, err := s.SetTeamStatus(ctx, ready.ID, TeamReady)
	require.NoError(t, err)

	teams, err := s.ListAvailableTeams(ctx)
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, "open", teams[0].ID)
}

func TestMemStore_CreateBattle_OnePerSession(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.CreateBattle(ctx, &TeamBattle{ID: "b1", SessionID: "s1", TeamAID: "a", TeamBID: "b"}))
	err := s.CreateBattle(ctx, &TeamBattle{ID: "b2", SessionID: "s1", TeamAID: "a", TeamBID: "c"})
	assert.ErrorIs(t, err, ErrSlotAlreadyFilled)

	battle, err := s.GetBattleBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "b1", battle.ID)
}

func TestMemStore_SetInvitationStatus_CAS(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	inv := &TeamInvitation{ID: "i1", SessionID: "s1", TeamID: "a", InviteeID: 2,
		Kind: InviteTeammate, Status: InvitationPending}
	require.NoError(t, s.CreateInvitation(ctx, inv))

	require.NoError(t, s.SetInvitationStatus(ctx, "i1", InvitationPending, InvitationAccepted))
	err := s.SetInvitationStatus(ctx, "i1", InvitationPending, InvitationExpired)
	assert.ErrorIs(t, err, ErrConflict, "losing a status race is a conflict, not silent")

	err = s.SetInvitationStatus(ctx, "missing", InvitationPending, InvitationExpired)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetInvitation(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, InvitationAccepted, got.Status)
}

func TestMemStore_ExpireInvitationsForInvitee_SparesWinner(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	for _, id := range []string{"win", "lose1", "lose2"} {
		require.NoError(t, s.CreateInvitation(ctx, &TeamInvitation{
			ID: id, SessionID: "s1", TeamID: "a", InviteeID: 7, Kind: InviteTeammate, Status: InvitationPending,
		}))
	}
	require.NoError(t, s.CreateInvitation(ctx, &TeamInvitation{
		ID: "other-session", SessionID: "s2", TeamID: "z", InviteeID: 7, Kind: InviteTeammate, Status: InvitationPending,
	}))

	touched, err := s.ExpireInvitationsForInvitee(ctx, "s1", 7, "win")
	require.NoError(t, err)
	assert.Len(t, touched, 2)

	winner, _ := s.GetInvitation(ctx, "win")
	assert.Equal(t, InvitationPending, winner.Status)
	foreign, _ := s.GetInvitation(ctx, "other-session")
	assert.Equal(t, InvitationPending, foreign.Status, "other sessions are out of scope")
}

func TestMemStore_CreateJoinRequest_SinglePending(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.CreateJoinRequest(ctx, &TeamJoinRequest{
		ID: "r1", SessionID: "s1", TeamID: "a", RequesterID: 5, Status: RequestPending,
	}))
	err := s.CreateJoinRequest(ctx, &TeamJoinRequest{
		ID: "r2", SessionID: "s2", TeamID: "z", RequesterID: 5, Status: RequestPending,
	})
	assert.ErrorIs(t, err, ErrAlreadyPending, "one pending request per user, session-wide")

	// a resolved request frees the slot
	require.NoError(t, s.SetJoinRequestStatus(ctx, "r1", RequestPending, RequestCancelled))
	assert.NoError(t, s.CreateJoinRequest(ctx, &TeamJoinRequest{
		ID: "r3", SessionID: "s1", TeamID: "a", RequesterID: 5, Status: RequestPending,
	}))
}

func TestMemStore_ExpiryListings(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateInvitation(ctx, &TeamInvitation{
		ID: "stale", SessionID: "s1", TeamID: "a", InviteeID: 2,
		Status: InvitationPending, ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, s.CreateInvitation(ctx, &TeamInvitation{
		ID: "fresh", SessionID: "s1", TeamID: "a", InviteeID: 3,
		Status: InvitationPending, ExpiresAt: now.Add(time.Minute),
	}))
	require.NoError(t, s.CreateJoinRequest(ctx, &TeamJoinRequest{
		ID: "rstale", SessionID: "s1", TeamID: "a", RequesterID: 4,
		Status: RequestPending, ExpiresAt: now.Add(-time.Minute),
	}))

	invs, err := s.ListExpiredInvitations(ctx, "s1", now)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, "stale", invs[0].ID)

	reqs, err := s.ListExpiredJoinRequests(ctx, "s1", now)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "rstale", reqs[0].ID)
}

func TestMemStore_RemoveMember(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	seedTeam(t, s, "a", "s1", 1, 2)

	team, err := s.RemoveMember(ctx, "a", 2)
	require.NoError(t, err)
	assert.Len(t, team.Members, 1)
	assert.Nil(t, team.Member(2))

	_, err = s.RemoveMember(ctx, "a", 2)
	assert.ErrorIs(t, err, ErrNotFound)
}
