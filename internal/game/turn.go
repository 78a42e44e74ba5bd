package game

import (
	"go.uber.org/zap"
)

// nextEligible returns the index of the first member after position from,
// in join order, who is not away. The search wraps around the member list
// and ends with the member at from itself. wrapped reports whether the
// search passed the end of the list, which closes a round.
func nextEligible(g *Game, from int) (idx int, wrapped bool) {
	n := len(g.Members)
	for i := 1; i <= n; i++ {
		j := from + i
		if g.Members[j%n].Away {
			continue
		}
		return j % n, j >= n
	}
	return -1, false
}

// advanceLocked hands the turn to the next eligible member after position
// from, or finishes the game when no one is eligible or the last round is
// complete.
func (s *Service) advanceLocked(g *Game, from int) {
	next, wrapped := nextEligible(g, from)
	if next < 0 {
		s.finishLocked(g, ReasonNoEligiblePlayers)
		return
	}
	if wrapped {
		g.Round++
		if g.Round >= g.TotalRounds {
			s.finishLocked(g, ReasonRoundsComplete)
			return
		}
	}

	g.Turn++
	g.CurrentActor = g.Members[next].PlayerID
	g.TurnDeadline = s.clock.Now().Add(g.TurnTimeout)
	s.emit(g, EventTurnAdvanced, g.CurrentActor, map[string]any{
		"round":    g.Round,
		"turn":     g.Turn,
		"deadline": g.TurnDeadline,
	})
	s.armTurnTimerLocked(g)
}

// passLocked records an implicit pass for the current actor and advances.
func (s *Service) passLocked(g *Game, reason string) {
	actor := g.CurrentActor
	_, idx := g.member(actor)

	if _, err := s.engine.ApplyAction(g.ID, actor, Action{Type: "pass", Implicit: true}); err != nil {
		s.logger.Debug("rules engine rejected implicit pass",
			zap.String("game_id", g.ID),
			zap.Error(err),
		)
	}
	g.ActionCount++
	s.emit(g, EventActionPerformed, actor, map[string]any{
		"action":   "pass",
		"implicit": true,
		"reason":   reason,
		"round":    g.Round,
		"turn":     g.Turn,
	})
	s.advanceLocked(g, idx)
}

func (s *Service) armTurnTimerLocked(g *Game) {
	s.stopTurnTimerLocked(g)
	gameID, turn, actor := g.ID, g.Turn, g.CurrentActor
	g.turnTimer = s.clock.AfterFunc(g.TurnTimeout, func() {
		s.onTurnTimeout(gameID, turn, actor)
	})
}

func (s *Service) stopTurnTimerLocked(g *Game) {
	if g.turnTimer != nil {
		g.turnTimer.Stop()
		g.turnTimer = nil
	}
}

// onTurnTimeout passes the turn on behalf of an idle actor. A timer that
// fires after its turn already moved on is discarded.
func (s *Service) onTurnTimeout(gameID string, turn int, actor string) {
	h, err := s.games.Get(gameID)
	if err != nil {
		s.logger.Debug("turn timer fired for removed game", zap.String("game_id", gameID))
		return
	}
	_ = h.Do(func(g *Game) error {
		if g.State != StateActive || g.Turn != turn || g.CurrentActor != actor {
			s.logger.Debug("stale turn timer discarded",
				zap.String("game_id", gameID),
				zap.Int("turn", turn),
				zap.Int("current_turn", g.Turn),
			)
			return nil
		}
		s.logger.Info("turn timed out",
			zap.String("game_id", gameID),
			zap.String("player_id", actor),
			zap.Int("turn", turn),
		)
		g.turnTimer = nil
		s.passLocked(g, "timeout")
		return nil
	})
}
