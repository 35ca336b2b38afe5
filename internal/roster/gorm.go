package roster

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the postgres-backed Store. Check-then-mutate sequences run in
// a transaction with the parent row locked FOR UPDATE, which is what makes
// the capacity and single-pending invariants hold under concurrent writers.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Team{}, &TeamMember{}, &TeamBattle{}, &TeamInvitation{}, &TeamJoinRequest{})
}

func preloadMembers(db *gorm.DB) *gorm.DB {
	return db.Order("team_members.joined_at ASC, team_members.id ASC")
}

func (s *GormStore) CreateTeam(ctx context.Context, team *Team) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sessionTeams []Team
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ?", team.SessionID).Find(&sessionTeams).Error; err != nil {
			return err
		}
		if len(sessionTeams) >= 2 {
			return ErrSlotAlreadyFilled
		}
		var onTeam int64
		if err := tx.Model(&TeamMember{}).
			Joins("JOIN teams ON teams.id = team_members.team_id").
			Where("teams.session_id = ? AND team_members.user_id = ?", team.SessionID, team.CaptainID).
			Count(&onTeam).Error; err != nil {
			return err
		}
		if onTeam > 0 {
			return ErrConflict
		}
		return tx.Create(team).Error
	})
}

func (s *GormStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	var team Team
	err := s.db.WithContext(ctx).Preload("Members", preloadMembers).First(&team, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &team, nil
}

func (s *GormStore) GetTeamsBySession(ctx context.Context, sessionID string) ([]Team, error) {
	var teams []Team
	err := s.db.WithContext(ctx).Preload("Members", preloadMembers).
		Where("session_id = ?", sessionID).Order("created_at ASC").Find(&teams).Error
	return teams, err
}

func (s *GormStore) GetTeamsForUser(ctx context.Context, userID int64) ([]Team, error) {
	var teams []Team
	err := s.db.WithContext(ctx).Preload("Members", preloadMembers).
		Joins("JOIN team_members ON team_members.team_id = teams.id").
		Where("team_members.user_id = ?", userID).Find(&teams).Error
	return teams, err
}

func (s *GormStore) ListAvailableTeams(ctx context.Context) ([]Team, error) {
	var teams []Team
	err := s.db.WithContext(ctx).Preload("Members", preloadMembers).
		Where("status = ?", TeamForming).
		Where("(SELECT COUNT(*) FROM team_members m WHERE m.team_id = teams.id) < ?", TeamCapacity).
		Order("created_at ASC").Find(&teams).Error
	return teams, err
}

func (s *GormStore) AddMember(ctx context.Context, teamID string, member TeamMember) (*Team, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var team Team
		// Lock the team row first; every member write goes through this
		// lock, so the count below cannot go stale before the insert.
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&team, "id = ?", teamID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if team.Status != TeamForming {
			return ErrConflict
		}
		var count int64
		if err := tx.Model(&TeamMember{}).Where("team_id = ?", teamID).Count(&count).Error; err != nil {
			return err
		}
		if count >= TeamCapacity {
			return ErrCapacityExceeded
		}
		var onTeam int64
		if err := tx.Model(&TeamMember{}).
			Joins("JOIN teams ON teams.id = team_members.team_id").
			Where("teams.session_id = ? AND team_members.user_id = ?", team.SessionID, member.UserID).
			Count(&onTeam).Error; err != nil {
			return err
		}
		if onTeam > 0 {
			return ErrConflict
		}
		member.TeamID = teamID
		return tx.Create(&member).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetTeam(ctx, teamID)
}

func (s *GormStore) RemoveMember(ctx context.Context, teamID string, userID int64) (*Team, error) {
	var out Team
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var team Team
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&team, "id = ?", teamID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		res := tx.Where("team_id = ? AND user_id = ?", teamID, userID).Delete(&TeamMember{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Preload("Members", preloadMembers).First(&out, "id = ?", teamID).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GormStore) DeleteTeam(ctx context.Context, teamID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("team_id = ?", teamID).Delete(&TeamMember{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Team{}, "id = ?", teamID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *GormStore) RenameTeam(ctx context.Context, teamID, name string) (*Team, error) {
	res := s.db.WithContext(ctx).Model(&Team{}).Where("id = ?", teamID).Update("name", name)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetTeam(ctx, teamID)
}

func (s *GormStore) SetTeamStatus(ctx context.Context, teamID string, status TeamStatus) (*Team, error) {
	res := s.db.WithContext(ctx).Model(&Team{}).Where("id = ?", teamID).Update("status", status)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetTeam(ctx, teamID)
}

func (s *GormStore) CreateBattle(ctx context.Context, battle *TeamBattle) error {
	err := s.db.WithContext(ctx).Create(battle).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		// unique index on session_id: somebody else paired the session first
		return ErrSlotAlreadyFilled
	}
	return err
}

func (s *GormStore) GetBattleBySession(ctx context.Context, sessionID string) (*TeamBattle, error) {
	var battle TeamBattle
	err := s.db.WithContext(ctx).First(&battle, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &battle, nil
}

func (s *GormStore) DeleteBattle(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&TeamBattle{}, "id = ?", id).Error
}

func (s *GormStore) CreateInvitation(ctx context.Context, inv *TeamInvitation) error {
	return s.db.WithContext(ctx).Create(inv).Error
}

func (s *GormStore) GetInvitation(ctx context.Context, id string) (*TeamInvitation, error) {
	var inv TeamInvitation
	err := s.db.WithContext(ctx).First(&inv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *GormStore) ListInvitationsForUser(ctx context.Context, inviteeID int64) ([]TeamInvitation, error) {
	var invs []TeamInvitation
	err := s.db.WithContext(ctx).
		Where("invitee_id = ? AND status = ?", inviteeID, InvitationPending).
		Order("created_at ASC").Find(&invs).Error
	return invs, err
}

func (s *GormStore) SetInvitationStatus(ctx context.Context, id string, from, to InvitationStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&TeamInvitation{}).Where("id = ? AND status = ?", id, from).Update("status", to)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&TeamInvitation{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		return nil
	})
}

func (s *GormStore) ExpireInvitationsForInvitee(ctx context.Context, sessionID string, inviteeID int64, exceptID string) ([]TeamInvitation, error) {
	return s.expireInvitations(ctx, "session_id = ? AND invitee_id = ? AND id <> ? AND status = ?",
		sessionID, inviteeID, exceptID, InvitationPending)
}

func (s *GormStore) ExpireInvitationsForTeam(ctx context.Context, teamID string) ([]TeamInvitation, error) {
	return s.expireInvitations(ctx, "team_id = ? AND status = ?", teamID, InvitationPending)
}

func (s *GormStore) expireInvitations(ctx context.Context, query string, args ...any) ([]TeamInvitation, error) {
	var touched []TeamInvitation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(query, args...).Find(&touched).Error; err != nil {
			return err
		}
		if len(touched) == 0 {
			return nil
		}
		ids := make([]string, len(touched))
		for i := range touched {
			ids[i] = touched[i].ID
			touched[i].Status = InvitationExpired
		}
		return tx.Model(&TeamInvitation{}).Where("id IN ?", ids).Update("status", InvitationExpired).Error
	})
	return touched, err
}

func (s *GormStore) ListExpiredInvitations(ctx context.Context, sessionID string, now time.Time) ([]TeamInvitation, error) {
	var invs []TeamInvitation
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND status = ? AND expires_at < ?", sessionID, InvitationPending, now).
		Find(&invs).Error
	return invs, err
}

func (s *GormStore) CreateJoinRequest(ctx context.Context, req *TeamJoinRequest) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending int64
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Model(&TeamJoinRequest{}).
			Where("requester_id = ? AND status = ?", req.RequesterID, RequestPending).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending > 0 {
			return ErrAlreadyPending
		}
		return tx.Create(req).Error
	})
}

func (s *GormStore) GetJoinRequest(ctx context.Context, id string) (*TeamJoinRequest, error) {
	var req TeamJoinRequest
	err := s.db.WithContext(ctx).First(&req, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *GormStore) ListJoinRequestsForCaptain(ctx context.Context, captainID int64) ([]TeamJoinRequest, error) {
	var reqs []TeamJoinRequest
	err := s.db.WithContext(ctx).
		Joins("JOIN teams ON teams.id = team_join_requests.team_id").
		Where("teams.captain_id = ? AND team_join_requests.status = ?", captainID, RequestPending).
		Order("team_join_requests.created_at ASC").Find(&reqs).Error
	return reqs, err
}

func (s *GormStore) SetJoinRequestStatus(ctx context.Context, id string, from, to JoinRequestStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&TeamJoinRequest{}).Where("id = ? AND status = ?", id, from).Update("status", to)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&TeamJoinRequest{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		return nil
	})
}

func (s *GormStore) ExpireJoinRequestsForUser(ctx context.Context, requesterID int64, exceptID string) ([]TeamJoinRequest, error) {
	return s.expireJoinRequests(ctx, "requester_id = ? AND id <> ? AND status = ?",
		requesterID, exceptID, RequestPending)
}

func (s *GormStore) ExpireJoinRequestsForTeam(ctx context.Context, teamID string) ([]TeamJoinRequest, error) {
	return s.expireJoinRequests(ctx, "team_id = ? AND status = ?", teamID, RequestPending)
}

func (s *GormStore) expireJoinRequests(ctx context.Context, query string, args ...any) ([]TeamJoinRequest, error) {
	var touched []TeamJoinRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(query, args...).Find(&touched).Error; err != nil {
			return err
		}
		if len(touched) == 0 {
			return nil
		}
		ids := make([]string, len(touched))
		for i := range touched {
			ids[i] = touched[i].ID
			touched[i].Status = RequestExpired
		}
		return tx.Model(&TeamJoinRequest{}).Where("id IN ?", ids).Update("status", RequestExpired).Error
	})
	return touched, err
}

func (s *GormStore) ListExpiredJoinRequests(ctx context.Context, sessionID string, now time.Time) ([]TeamJoinRequest, error) {
	var reqs []TeamJoinRequest
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND status = ? AND expires_at < ?", sessionID, RequestPending, now).
		Find(&reqs).Error
	return reqs, err
}
