package session

import (
	"errors"

	"go.uber.org/zap"

	"github.com/quizwars/teambattle-backend/internal/events"
	"github.com/quizwars/teambattle-backend/internal/roster"
)

// handleLeave repairs the roster after a member is gone, whether through the
// explicit leaving signal or a heartbeat timeout. Captain departure disbands
// the team and cancels the battle, a plain member just frees a slot.
func (s *Session) handleLeave(userID int64) error {
	teams, err := s.teams()
	if err != nil {
		return err
	}
	team := s.teamOf(teams, userID)
	if team == nil {
		return roster.ErrNotFound
	}
	if team.CaptainID == userID {
		return s.disbandTeam(teams, team)
	}
	return s.evictMember(teams, team, userID)
}

func (s *Session) disbandTeam(teams []roster.Team, team *roster.Team) error {
	if s.phase == PhaseCountdown {
		s.abortCountdown()
	}

	// Offers tied to the dissolving team cannot resolve anymore.
	if touched, err := s.deps.Store.ExpireInvitationsForTeam(s.ctx, team.ID); err == nil {
		for i := range touched {
			s.deps.Pub.ToUser(touched[i].InviteeID, events.Event{
				Type: events.InvitationExpired, SessionID: s.id, TeamID: team.ID, Invitation: &touched[i],
			})
		}
	}
	s.expireTeamJoinRequests(team)

	if err := s.deps.Store.DeleteTeam(s.ctx, team.ID); err != nil && !errors.Is(err, roster.ErrNotFound) {
		return err
	}

	opposing := s.opposing(teams, team.ID)
	if battle, err := s.deps.Store.GetBattleBySession(s.ctx, s.id); err == nil {
		if err := s.deps.Store.DeleteBattle(s.ctx, battle.ID); err != nil {
			s.log.Warn("deleting battle failed", zap.String("battle_id", battle.ID), zap.Error(err))
		}
	}
	if opposing != nil {
		// A captain-less team cannot continue, the opposing side learns
		// first, then the whole session sees the cancellation.
		for _, m := range opposing.Members {
			s.deps.Pub.ToUser(m.UserID, events.Event{
				Type: events.OpponentDisconnected, SessionID: s.id, TeamID: team.ID, UserID: team.CaptainID,
			})
		}
		if opposing.Status == roster.TeamReady || opposing.Status == roster.TeamPlaying {
			if _, err := s.deps.Store.SetTeamStatus(s.ctx, opposing.ID, roster.TeamForming); err != nil {
				s.log.Warn("resetting opposing team failed", zap.String("team_id", opposing.ID), zap.Error(err))
			}
		}
	}
	s.deps.Pub.ToSession(s.id, events.Event{
		Type: events.TeamBattleCancelled, SessionID: s.id, TeamID: team.ID,
	})

	s.phase = PhaseUnpaired
	if opposing == nil {
		// last team is gone, the session is dead
		if s.deps.OnEmpty != nil {
			s.deps.OnEmpty(s.id)
		}
		s.cancel()
	}
	s.log.Info("team disbanded", zap.String("team_id", team.ID), zap.Int64("captain_id", team.CaptainID))
	return nil
}

func (s *Session) evictMember(teams []roster.Team, team *roster.Team, userID int64) error {
	updated, err := s.deps.Store.RemoveMember(s.ctx, team.ID, userID)
	if err != nil {
		return err
	}
	if s.phase == PhaseCountdown {
		s.abortCountdown()
	}
	// Losing a member invalidates the ready flag.
	if updated.Status == roster.TeamReady {
		if updated, err = s.deps.Store.SetTeamStatus(s.ctx, team.ID, roster.TeamForming); err != nil {
			return err
		}
		refreshed, err := s.teams()
		if err == nil {
			s.broadcastReady(refreshed)
		}
	}

	s.deps.Pub.ToSession(s.id, events.Event{
		Type: events.TeamUpdated, SessionID: s.id, TeamID: updated.ID, Team: updated,
	})
	for _, m := range updated.Members {
		s.deps.Pub.ToUser(m.UserID, events.Event{
			Type: events.TeammateDisconnected, SessionID: s.id, TeamID: updated.ID, UserID: userID,
		})
	}
	// Lower severity for the other side: the battle can still proceed once
	// the slot refills.
	if opposing := s.opposing(teams, team.ID); opposing != nil {
		for _, m := range opposing.Members {
			s.deps.Pub.ToUser(m.UserID, events.Event{
				Type: events.OpponentMemberDisconnected, SessionID: s.id, TeamID: updated.ID, UserID: userID,
			})
		}
	}
	return nil
}

// sweepExpired runs on the actor's ticker: pending invitations and join
// requests past their TTL flip to expired and their owners are told. Store
// errors are logged and retried on the next tick, a missed expiry would
// leave a stale offer blocking the commit-to-one invariant.
func (s *Session) sweepExpired() {
	now := s.deps.Clock.Now()

	invs, err := s.deps.Store.ListExpiredInvitations(s.ctx, s.id, now)
	if err != nil {
		s.log.Warn("invitation sweep failed", zap.Error(err))
	} else {
		for i := range invs {
			s.expireInvitation(&invs[i])
		}
	}

	reqs, err := s.deps.Store.ListExpiredJoinRequests(s.ctx, s.id, now)
	if err != nil {
		s.log.Warn("join request sweep failed", zap.Error(err))
		return
	}
	for i := range reqs {
		captainID := int64(0)
		if team, err := s.deps.Store.GetTeam(s.ctx, reqs[i].TeamID); err == nil {
			captainID = team.CaptainID
		}
		s.expireJoinRequest(&reqs[i], captainID)
	}
}
