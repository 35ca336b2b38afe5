package roster

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is a mutex-guarded in-memory Store. It backs the server when no
// DATABASE_URL is configured and every actor test. Semantics mirror
// GormStore exactly, one lock stands in for the row locks.
type MemStore struct {
	mu       sync.Mutex
	teams    map[string]*Team
	battles  map[string]*TeamBattle
	invites  map[string]*TeamInvitation
	requests map[string]*TeamJoinRequest
}

func NewMemStore() *MemStore {
	return &MemStore{
		teams:    make(map[string]*Team),
		battles:  make(map[string]*TeamBattle),
		invites:  make(map[string]*TeamInvitation),
		requests: make(map[string]*TeamJoinRequest),
	}
}

func copyTeam(t *Team) *Team {
	cp := *t
	cp.Members = append([]TeamMember(nil), t.Members...)
	return &cp
}

func (s *MemStore) userOnSessionTeam(sessionID string, userID int64) bool {
	for _, t := range s.teams {
		if t.SessionID != sessionID {
			continue
		}
		for _, m := range t.Members {
			if m.UserID == userID {
				return true
			}
		}
	}
	return false
}

func (s *MemStore) CreateTeam(_ context.Context, team *Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, t := range s.teams {
		if t.SessionID == team.SessionID {
			count++
		}
	}
	if count >= 2 {
		return ErrSlotAlreadyFilled
	}
	if s.userOnSessionTeam(team.SessionID, team.CaptainID) {
		return ErrConflict
	}
	s.teams[team.ID] = copyTeam(team)
	return nil
}

func (s *MemStore) GetTeam(_ context.Context, id string) (*Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTeam(t), nil
}

func (s *MemStore) GetTeamsBySession(_ context.Context, sessionID string) ([]Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Team
	for _, t := range s.teams {
		if t.SessionID == sessionID {
			out = append(out, *copyTeam(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) GetTeamsForUser(_ context.Context, userID int64) ([]Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Team
	for _, t := range s.teams {
		for _, m := range t.Members {
			if m.UserID == userID {
				out = append(out, *copyTeam(t))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) ListAvailableTeams(_ context.Context) ([]Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Team
	for _, t := range s.teams {
		if t.Status == TeamForming && len(t.Members) < TeamCapacity {
			out = append(out, *copyTeam(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) AddMember(_ context.Context, teamID string, member TeamMember) (*Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[teamID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != TeamForming {
		return nil, ErrConflict
	}
	if len(t.Members) >= TeamCapacity {
		return nil, ErrCapacityExceeded
	}
	if s.userOnSessionTeam(t.SessionID, member.UserID) {
		return nil, ErrConflict
	}
	member.TeamID = teamID
	t.Members = append(t.Members, member)
	return copyTeam(t), nil
}

func (s *MemStore) RemoveMember(_ context.Context, teamID string, userID int64) (*Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[teamID]
	if !ok {
		return nil, ErrNotFound
	}
	for i, m := range t.Members {
		if m.UserID == userID {
			t.Members = append(t.Members[:i], t.Members[i+1:]...)
			return copyTeam(t), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) DeleteTeam(_ context.Context, teamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[teamID]; !ok {
		return ErrNotFound
	}
	delete(s.teams, teamID)
	return nil
}

func (s *MemStore) RenameTeam(_ context.Context, teamID, name string) (*Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[teamID]
	if !ok {
		return nil, ErrNotFound
	}
	t.Name = name
	return copyTeam(t), nil
}

func (s *MemStore) SetTeamStatus(_ context.Context, teamID string, status TeamStatus) (*Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[teamID]
	if !ok {
		return nil, ErrNotFound
	}
	t.Status = status
	return copyTeam(t), nil
}

func (s *MemStore) CreateBattle(_ context.Context, battle *TeamBattle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.battles {
		if b.SessionID == battle.SessionID {
			return ErrSlotAlreadyFilled
		}
	}
	cp := *battle
	s.battles[battle.ID] = &cp
	return nil
}

func (s *MemStore) GetBattleBySession(_ context.Context, sessionID string) (*TeamBattle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.battles {
		if b.SessionID == sessionID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) DeleteBattle(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.battles, id)
	return nil
}

func (s *MemStore) CreateInvitation(_ context.Context, inv *TeamInvitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inv
	s.invites[inv.ID] = &cp
	return nil
}

func (s *MemStore) GetInvitation(_ context.Context, id string) (*TeamInvitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *MemStore) ListInvitationsForUser(_ context.Context, inviteeID int64) ([]TeamInvitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TeamInvitation
	for _, inv := range s.invites {
		if inv.InviteeID == inviteeID && inv.Status == InvitationPending {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) SetInvitationStatus(_ context.Context, id string, from, to InvitationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return ErrNotFound
	}
	if inv.Status != from {
		return ErrConflict
	}
	inv.Status = to
	return nil
}

func (s *MemStore) ExpireInvitationsForInvitee(_ context.Context, sessionID string, inviteeID int64, exceptID string) ([]TeamInvitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var touched []TeamInvitation
	for _, inv := range s.invites {
		if inv.SessionID == sessionID && inv.InviteeID == inviteeID && inv.ID != exceptID && inv.Status == InvitationPending {
			inv.Status = InvitationExpired
			touched = append(touched, *inv)
		}
	}
	return touched, nil
}

func (s *MemStore) ExpireInvitationsForTeam(_ context.Context, teamID string) ([]TeamInvitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var touched []TeamInvitation
	for _, inv := range s.invites {
		if inv.TeamID == teamID && inv.Status == InvitationPending {
			inv.Status = InvitationExpired
			touched = append(touched, *inv)
		}
	}
	return touched, nil
}

func (s *MemStore) ListExpiredInvitations(_ context.Context, sessionID string, now time.Time) ([]TeamInvitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TeamInvitation
	for _, inv := range s.invites {
		if inv.SessionID == sessionID && inv.ExpiredAt(now) {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (s *MemStore) CreateJoinRequest(_ context.Context, req *TeamJoinRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.RequesterID == req.RequesterID && r.Status == RequestPending {
			return ErrAlreadyPending
		}
	}
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *MemStore) GetJoinRequest(_ context.Context, id string) (*TeamJoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *MemStore) ListJoinRequestsForCaptain(_ context.Context, captainID int64) ([]TeamJoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TeamJoinRequest
	for _, req := range s.requests {
		if req.Status != RequestPending {
			continue
		}
		t, ok := s.teams[req.TeamID]
		if ok && t.CaptainID == captainID {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) SetJoinRequestStatus(_ context.Context, id string, from, to JoinRequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != from {
		return ErrConflict
	}
	req.Status = to
	return nil
}

func (s *MemStore) ExpireJoinRequestsForUser(_ context.Context, requesterID int64, exceptID string) ([]TeamJoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var touched []TeamJoinRequest
	for _, req := range s.requests {
		if req.RequesterID == requesterID && req.ID != exceptID && req.Status == RequestPending {
			req.Status = RequestExpired
			touched = append(touched, *req)
		}
	}
	return touched, nil
}

func (s *MemStore) ExpireJoinRequestsForTeam(_ context.Context, teamID string) ([]TeamJoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var touched []TeamJoinRequest
	for _, req := range s.requests {
		if req.TeamID == teamID && req.Status == RequestPending {
			req.Status = RequestExpired
			touched = append(touched, *req)
		}
	}
	return touched, nil
}

func (s *MemStore) ListExpiredJoinRequests(_ context.Context, sessionID string, now time.Time) ([]TeamJoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TeamJoinRequest
	for _, req := range s.requests {
		if req.SessionID == sessionID && req.ExpiredAt(now) {
			out = append(out, *req)
		}
	}
	return out, nil
}
