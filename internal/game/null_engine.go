package game

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cardroom/cardroom-server/internal/clock"
)

// Action is a move submitted by the current actor.
type Action struct {
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Implicit bool           `json:"implicit,omitempty"`
}

// RulesEngine validates and applies game-specific moves. The service calls it
// while holding the game's lock, so implementations must not call back into
// the service.
type RulesEngine interface {
	StartGame(gameID string, players []string) error
	ApplyAction(gameID, playerID string, action Action) (map[string]any, error)
	EndGame(gameID string)
}

const nullEngineActionCap = 200

// NullEngine is a rules engine that accepts any named action and records it.
type NullEngine struct {
	logger *zap.Logger
	clock  clock.Clock

	mu    sync.RWMutex
	games map[string]*nullGameState
}

type nullGameState struct {
	Players []string
	Actions []RecordedAction
}

// RecordedAction is an action as seen by the null engine.
type RecordedAction struct {
	PlayerID string    `json:"playerId"`
	Type     string    `json:"type"`
	Implicit bool      `json:"implicit,omitempty"`
	At       time.Time `json:"at"`
}

// NullGameView represents a snapshot of the null engine state.
type NullGameView struct {
	GameID  string           `json:"gameId"`
	Players []string         `json:"players"`
	Actions []RecordedAction `json:"actions"`
}

// NewNullEngine creates a new null engine. Recorded actions are stamped with
// clk, the wall clock when nil.
func NewNullEngine(clk clock.Clock, logger *zap.Logger) *NullEngine {
	if clk == nil {
		clk = clock.New()
	}
	return &NullEngine{
		logger: logger,
		clock:  clk,
		games:  make(map[string]*nullGameState),
	}
}

// StartGame initializes a new game state.
func (n *NullEngine) StartGame(gameID string, players []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.games[gameID] = &nullGameState{
		Players: append([]string(nil), players...),
		Actions: make([]RecordedAction, 0, 32),
	}

	if n.logger != nil {
		n.logger.Info("null engine started game",
			zap.String("game_id", gameID),
			zap.Strings("players", players),
		)
	}
	return nil
}

// ApplyAction records the action. Actions without a type are rejected.
func (n *NullEngine) ApplyAction(gameID, playerID string, action Action) (map[string]any, error) {
	if action.Type == "" {
		return nil, fmt.Errorf("action type is required")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	state, ok := n.games[gameID]
	if !ok {
		return nil, fmt.Errorf("game %s not started", gameID)
	}

	state.Actions = append(state.Actions, RecordedAction{
		PlayerID: playerID,
		Type:     action.Type,
		Implicit: action.Implicit,
		At:       n.clock.Now(),
	})
	if len(state.Actions) > nullEngineActionCap {
		state.Actions = state.Actions[len(state.Actions)-nullEngineActionCap:]
	}

	if n.logger != nil {
		n.logger.Debug("null engine processed action",
			zap.String("game_id", gameID),
			zap.String("player_id", playerID),
			zap.String("action_type", action.Type),
		)
	}
	return map[string]any{"recorded": len(state.Actions)}, nil
}

// View returns a snapshot of the recorded actions.
func (n *NullEngine) View(gameID string) (NullGameView, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	state, ok := n.games[gameID]
	if !ok {
		return NullGameView{}, fmt.Errorf("game %s not found", gameID)
	}

	actions := make([]RecordedAction, len(state.Actions))
	copy(actions, state.Actions)

	return NullGameView{
		GameID:  gameID,
		Players: append([]string(nil), state.Players...),
		Actions: actions,
	}, nil
}

// EndGame removes the game state.
func (n *NullEngine) EndGame(gameID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.games, gameID)

	if n.logger != nil {
		n.logger.Info("null engine ended game", zap.String("game_id", gameID))
	}
}
