package game

import (
	"iter"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handle guards one game. All reads and writes of the game go through Do.
type Handle struct {
	id    string
	order uint64
	mu    sync.Mutex
	game  *Game
}

// ID returns the game id.
func (h *Handle) ID() string {
	return h.id
}

// Do runs fn with exclusive access to the game. It returns ErrGameNotFound
// once the game has been removed.
func (h *Handle) Do(fn func(*Game) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.game.removed {
		return ErrGameNotFound
	}
	return fn(h.game)
}

// Snapshot returns a consistent copy of the game.
func (h *Handle) Snapshot() (GameSnapshot, error) {
	var snap GameSnapshot
	err := h.Do(func(g *Game) error {
		snap = g.Snapshot()
		return nil
	})
	return snap, err
}

// Manager is the registry of live games.
type Manager struct {
	mu     sync.RWMutex
	games  map[string]*Handle
	order  uint64
	logger *zap.Logger
}

// NewManager creates an empty game registry.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		games:  make(map[string]*Handle),
		logger: logger,
	}
}

// create registers g as is and returns its id. The service creates games
// through createWith so they get a bus and a host claim first.
func (m *Manager) create(g *Game) string {
	h, _ := m.createWith(g, nil)
	return h.id
}

// createWith inserts g while holding its lock and runs init before anyone
// else can observe it. When init fails the game is withdrawn.
func (m *Manager) createWith(g *Game, init func(*Game) error) (*Handle, error) {
	h := &Handle{id: g.ID, game: g}
	h.mu.Lock()
	defer h.mu.Unlock()

	m.mu.Lock()
	m.order++
	h.order = m.order
	m.games[g.ID] = h
	m.mu.Unlock()

	if init == nil {
		return h, nil
	}
	if err := init(g); err != nil {
		g.removed = true
		m.detach(g.ID)
		return nil, err
	}
	return h, nil
}

// Get returns the handle for gameID.
func (m *Manager) Get(gameID string) (*Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.games[gameID]
	if !ok {
		return nil, ErrGameNotFound
	}
	return h, nil
}

// remove withdraws the game from the registry only. It must not be called
// while holding that game's lock; code already inside Do uses detach. Member
// claims, the bus and removal hooks are the service's job, see
// Service.CloseGame.
func (m *Manager) remove(gameID string) {
	m.mu.Lock()
	h, ok := m.games[gameID]
	delete(m.games, gameID)
	m.mu.Unlock()
	if !ok {
		return
	}

	h.mu.Lock()
	h.game.removed = true
	h.mu.Unlock()
}

func (m *Manager) detach(gameID string) {
	m.mu.Lock()
	delete(m.games, gameID)
	m.mu.Unlock()
}

// Count returns the number of registered games, in any state.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.games)
}

// ActiveCount returns the number of games that are not finished.
func (m *Manager) ActiveCount() int {
	n := 0
	for _, h := range m.handles() {
		_ = h.Do(func(g *Game) error {
			if g.State != StateFinished {
				n++
			}
			return nil
		})
	}
	return n
}

// All returns snapshots of every registered game in creation order.
func (m *Manager) All() []GameSnapshot {
	var out []GameSnapshot
	for _, h := range m.handles() {
		if snap, err := h.Snapshot(); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// Joinable returns a single-use sequence over games in the lobby. Nothing is
// read until the first pull, which summarizes every lobby at once; the
// sequence then yields from that snapshot. Ranging over it a second time
// yields nothing.
func (m *Manager) Joinable() iter.Seq[Summary] {
	var used atomic.Bool
	return func(yield func(Summary) bool) {
		if used.Swap(true) {
			return
		}
		for _, s := range m.lobbies() {
			if !yield(s) {
				return
			}
		}
	}
}

func (m *Manager) lobbies() []Summary {
	var out []Summary
	for _, h := range m.handles() {
		_ = h.Do(func(g *Game) error {
			if g.State == StateLobby {
				out = append(out, g.summary())
			}
			return nil
		})
	}
	return out
}

// JoinableList collects Joinable into a slice.
func (m *Manager) JoinableList() []Summary {
	list := slices.Collect(m.Joinable())
	if list == nil {
		list = []Summary{}
	}
	return list
}

// handles copies the registry so that game locks are never taken while
// holding the registry lock.
func (m *Manager) handles() []*Handle {
	m.mu.RLock()
	out := make([]*Handle, 0, len(m.games))
	for _, h := range m.games {
		out = append(out, h)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}
