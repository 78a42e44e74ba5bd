// Package player tracks which game each player belongs to and enforces that a
// player is a member of at most one live game at a time.
package player

import (
	"errors"
	"sync"
)

// ErrAlreadyInSession is returned when a player already belongs to a game.
var ErrAlreadyInSession = errors.New("player already in a game")

// Registry maps player ids to game ids.
type Registry struct {
	mu    sync.Mutex
	games map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		games: make(map[string]string),
	}
}

// TryClaim atomically records that playerID belongs to gameID. It fails when
// the player already maps to any game, including gameID itself.
func (r *Registry) TryClaim(playerID, gameID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.games[playerID]; exists {
		return ErrAlreadyInSession
	}
	r.games[playerID] = gameID
	return nil
}

// Release removes the mapping if it currently points at gameID.
func (r *Registry) Release(playerID, gameID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.games[playerID]; ok && current == gameID {
		delete(r.games, playerID)
	}
}

// Lookup returns the game the player belongs to.
func (r *Registry) Lookup(playerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gameID, ok := r.games[playerID]
	return gameID, ok
}

// Count returns the number of players currently claimed.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.games)
}
