package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/quizwars/teambattle-backend/internal/events"
	"github.com/quizwars/teambattle-backend/internal/roster"
)

func (s *Session) handleSetReady(msg SetReady) error {
	if s.phase != PhasePairedForming && s.phase != PhaseCountdown {
		return roster.ErrConflict
	}
	team, err := s.deps.Store.GetTeam(s.ctx, msg.TeamID)
	if err != nil {
		return err
	}
	if team.CaptainID != msg.Actor.UserID {
		return roster.ErrForbidden
	}

	target := roster.TeamForming
	if msg.Ready {
		target = roster.TeamReady
	}
	if team.Status != target {
		if _, err := s.deps.Store.SetTeamStatus(s.ctx, team.ID, target); err != nil {
			return err
		}
	}

	teams, err := s.teams()
	if err != nil {
		return err
	}
	s.broadcastReady(teams)

	if !msg.Ready && s.phase == PhaseCountdown {
		s.abortCountdown()
		return nil
	}
	if allReady(teams) {
		s.startCountdown()
	}
	return nil
}

func allReady(teams []roster.Team) bool {
	if len(teams) < 2 {
		return false
	}
	for _, t := range teams {
		if t.Status != roster.TeamReady {
			return false
		}
	}
	return true
}

func (s *Session) broadcastReady(teams []roster.Team) {
	ready := make(map[string]bool, len(teams))
	for _, t := range teams {
		ready[t.ID] = t.Status == roster.TeamReady
	}
	s.deps.Pub.ToSession(s.id, events.Event{
		Type: events.TeamReadyStatus, SessionID: s.id, Ready: &events.ReadyStatus{TeamReady: ready},
	})
}

// startCountdown arms the timer exactly once, re-entry while a countdown is
// running is a no-op.
func (s *Session) startCountdown() {
	if s.countdown != nil || s.phase == PhaseStarted {
		return
	}
	s.phase = PhaseCountdown
	s.countdownLeft = s.deps.Config.CountdownSeconds
	s.countdown = s.deps.Clock.NewTicker(time.Second)
	s.deps.Pub.ToSession(s.id, events.Event{
		Type: events.TeamBattleCountdown, SessionID: s.id, Countdown: &events.Countdown{Remaining: s.countdownLeft},
	})
	s.log.Info("countdown started", zap.Int("seconds", s.countdownLeft))
}

func (s *Session) tickCountdown() {
	if s.countdown == nil {
		return
	}
	s.countdownLeft--
	if s.countdownLeft > 0 {
		s.deps.Pub.ToSession(s.id, events.Event{
			Type: events.TeamBattleCountdown, SessionID: s.id, Countdown: &events.Countdown{Remaining: s.countdownLeft},
		})
		return
	}

	s.countdown.Stop()
	s.countdown = nil
	s.phase = PhaseStarted

	teams, err := s.teams()
	if err == nil {
		for _, t := range teams {
			if _, err := s.deps.Store.SetTeamStatus(s.ctx, t.ID, roster.TeamPlaying); err != nil {
				s.log.Warn("marking team playing failed", zap.String("team_id", t.ID), zap.Error(err))
			}
		}
	}
	// Remaining 0 is the handoff signal to the match runner side.
	s.deps.Pub.ToSession(s.id, events.Event{
		Type: events.TeamBattleCountdown, SessionID: s.id, Countdown: &events.Countdown{Remaining: 0},
	})
	s.log.Info("battle started")
}

// abortCountdown drops back to paired-forming. Completion and abort are
// mutually exclusive: whichever runs first on the actor goroutine wins.
// Callers broadcast the fresh ready status themselves.
func (s *Session) abortCountdown() {
	if s.countdown == nil {
		return
	}
	s.countdown.Stop()
	s.countdown = nil
	s.countdownLeft = 0
	s.phase = PhasePairedForming
	s.log.Info("countdown aborted")
}
