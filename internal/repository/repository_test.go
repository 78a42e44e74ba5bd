package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cardroom/cardroom-server/internal/config"
	"github.com/cardroom/cardroom-server/internal/game"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func record(id string, finishedAfter time.Duration) game.Record {
	return game.Record{
		ID:     id,
		Name:   "table " + id,
		HostID: "alice",
		Members: []game.RecordMember{
			{PlayerID: "alice", DisplayName: "Alice", JoinOrder: 0},
			{PlayerID: "bob", DisplayName: "Bob", JoinOrder: 1},
		},
		TotalRounds:  3,
		RoundsPlayed: 3,
		Actions:      6,
		Reason:       game.ReasonRoundsComplete,
		CreatedAt:    baseTime,
		FinishedAt:   baseTime.Add(finishedAfter),
	}
}

// exerciseStore runs the behaviour every store must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	empty, err := store.LoadInitialState(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.Persist(ctx, record("g1", time.Minute)))
	require.NoError(t, store.Persist(ctx, record("g2", 3*time.Minute)))
	require.NoError(t, store.Persist(ctx, record("g3", 2*time.Minute)))

	dup := record("g1", time.Hour)
	dup.Name = "rewritten"
	require.NoError(t, store.Persist(ctx, dup), "persisting twice is not an error")

	recs, err := store.LoadInitialState(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"g2", "g3", "g1"}, []string{recs[0].ID, recs[1].ID, recs[2].ID})

	got := recs[2]
	want := record("g1", time.Minute)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.Members, got.Members)
	assert.Equal(t, want.Reason, got.Reason)
	assert.Equal(t, want.Actions, got.Actions)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.FinishedAt.Equal(got.FinishedAt))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreLimitsHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < HistoryLimit+5; i++ {
		require.NoError(t, store.Persist(ctx, record(fmt.Sprintf("g%03d", i), time.Duration(i)*time.Second)))
	}
	recs, err := store.LoadInitialState(ctx)
	require.NoError(t, err)
	require.Len(t, recs, HistoryLimit)
	assert.Equal(t, fmt.Sprintf("g%03d", HistoryLimit+4), recs[0].ID)
}

func TestMemoryStoreRejectsMissingID(t *testing.T) {
	assert.Error(t, NewMemoryStore().Persist(context.Background(), game.Record{}))
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewMemoryStore().Persist(ctx, record("g1", 0)), context.Canceled)
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Persist(context.Background(), record("g1", 0)))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	recs, err := reopened.LoadInitialState(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "g1", recs[0].ID)
}

func TestOpenSQLiteCreatesDirectory(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "dir", "history.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite("  ")
	assert.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("CARDROOM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CARDROOM_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := NewDB(ctx, config.DatabaseConfig{URL: url, MaxConns: 2}, zaptest.NewLogger(t))
	require.NoError(t, err)
	store := NewPostgresStore(pool)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.EnsureSchema(ctx))
	_, err = pool.Exec(ctx, "TRUNCATE finished_games")
	require.NoError(t, err)

	exerciseStore(t, store)
}

func TestOpenSelectsDriver(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	store, err := Open(ctx, config.DatabaseConfig{Driver: "memory"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = Open(ctx, config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "h.db")}, logger)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	require.NoError(t, store.Close())

	_, err = Open(ctx, config.DatabaseConfig{Driver: "mongo"}, logger)
	assert.Error(t, err)
}
