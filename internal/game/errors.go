package game

import (
	"errors"

	"github.com/cardroom/cardroom-server/internal/player"
)

// Precondition failures. They are reported to the caller only and never
// mutate state.
var (
	ErrAlreadyInSession   = player.ErrAlreadyInSession
	ErrJoinNotAllowed     = errors.New("game is not accepting new members")
	ErrNotPlayerTurn      = errors.New("not this player's turn")
	ErrInvalidPlayerCount = errors.New("member count out of range")
	ErrPlayerNotReady     = errors.New("a member is not ready")
	ErrNotHost            = errors.New("only the host can do that")
	ErrNotMember          = errors.New("player is not a member of this game")
	ErrInvalidState       = errors.New("operation not allowed in current game state")
	ErrInvalidAction      = errors.New("action rejected")
	ErrInvalidOptions     = errors.New("invalid game options")
	ErrGameFinished       = errors.New("game already finished")
)

// ErrGameNotFound is an expected outcome of races with cleanup.
var ErrGameNotFound = errors.New("game not found")

var preconditions = []error{
	ErrAlreadyInSession,
	ErrJoinNotAllowed,
	ErrNotPlayerTurn,
	ErrInvalidPlayerCount,
	ErrPlayerNotReady,
	ErrNotHost,
	ErrNotMember,
	ErrInvalidState,
	ErrInvalidAction,
	ErrInvalidOptions,
	ErrGameFinished,
}

// IsPrecondition reports whether err is a rejected precondition.
func IsPrecondition(err error) bool {
	for _, target := range preconditions {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err means the game no longer exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrGameNotFound)
}
