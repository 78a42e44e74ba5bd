package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cardroom/cardroom-server/internal/auth"
	"github.com/cardroom/cardroom-server/internal/clock"
	"github.com/cardroom/cardroom-server/internal/player"
)

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]Event)}
}

func (r *recorder) listen(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[evt.GameID] = append(r.events[evt.GameID], evt)
}

func (r *recorder) forGame(gameID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events[gameID]...)
}

// waitFor blocks until the game has at least n events and returns them.
func (r *recorder) waitFor(t *testing.T, gameID string, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.forGame(gameID)) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected %d events", n)
	return r.forGame(gameID)
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

type memStore struct {
	mu      sync.Mutex
	records []Record
	initial []Record
	loads   int
}

func (m *memStore) Persist(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) LoadInitialState(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	return append([]Record(nil), m.initial...), nil
}

func (m *memStore) persisted() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

type harness struct {
	svc    *Service
	clock  *clock.Fake
	events *recorder
	store  *memStore
	engine *NullEngine
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	opts := DefaultOptions()
	for _, fn := range mutate {
		fn(&opts)
	}

	clk := clock.NewFake(testStart)
	h := &harness{
		clock:  clk,
		events: newRecorder(),
		store:  &memStore{},
		engine: NewNullEngine(clk, logger),
	}
	h.svc = NewService(NewManager(logger), player.NewRegistry(), h.engine, h.store, h.clock, opts, logger)
	h.svc.AddListener(h.events.listen)
	return h
}

func ident(id string) auth.Identity {
	return auth.Identity{ID: id, DisplayName: id + "-name"}
}

// lobby creates a game hosted by the first player and joins the rest.
func (h *harness) lobby(t *testing.T, players ...string) string {
	t.Helper()
	ctx := context.Background()
	snap, err := h.svc.CreateGame(ctx, ident(players[0]), CreateOptions{Name: "table"})
	require.NoError(t, err)
	for _, p := range players[1:] {
		_, err := h.svc.JoinGame(ctx, ident(p), snap.ID)
		require.NoError(t, err)
	}
	return snap.ID
}

// active creates a game with the given players and drives it into play.
func (h *harness) active(t *testing.T, players ...string) string {
	t.Helper()
	ctx := context.Background()
	gameID := h.lobby(t, players...)
	require.NoError(t, h.svc.StartGame(ctx, players[0], gameID))
	for _, p := range players {
		require.NoError(t, h.svc.SetReady(ctx, p, gameID, true))
	}
	snap, err := h.svc.Snapshot(gameID)
	require.NoError(t, err)
	require.Equal(t, StateActive, snap.State)
	return gameID
}

// settled waits until every event up to the game's last sequence number has
// been delivered.
func (h *harness) settled(t *testing.T, gameID string) []Event {
	t.Helper()
	return h.events.waitFor(t, gameID, int(h.snapshot(t, gameID).LastSeq))
}

func (h *harness) snapshot(t *testing.T, gameID string) GameSnapshot {
	t.Helper()
	snap, err := h.svc.Snapshot(gameID)
	require.NoError(t, err)
	return snap
}
