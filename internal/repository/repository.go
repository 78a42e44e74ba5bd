// Package repository persists finished games. Live games are never stored;
// a record is written once, when a game finishes, and the most recent
// records are read back once at startup.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cardroom/cardroom-server/internal/config"
	"github.com/cardroom/cardroom-server/internal/game"
)

// HistoryLimit bounds how many records LoadInitialState returns.
const HistoryLimit = 100

// Store is a game.Store that owns a connection.
type Store interface {
	game.Store
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Info("using in-memory game history")
		return NewMemoryStore(), nil
	case "postgres":
		pool, err := NewDB(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		store := NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("opened sqlite game history", zap.String("path", cfg.Path))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]game.Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]game.Record)}
}

// Persist stores rec. Writing the same game twice keeps the first record.
func (m *MemoryStore) Persist(ctx context.Context, rec game.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; !exists {
		m.records[rec.ID] = cloneRecord(rec)
	}
	return nil
}

// LoadInitialState returns up to HistoryLimit records, newest first.
func (m *MemoryStore) LoadInitialState(ctx context.Context) ([]game.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]game.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, cloneRecord(rec))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if len(out) > HistoryLimit {
		out = out[:HistoryLimit]
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func cloneRecord(rec game.Record) game.Record {
	rec.Members = append([]game.RecordMember(nil), rec.Members...)
	return rec
}

func encodeMembers(members []game.RecordMember) ([]byte, error) {
	if members == nil {
		members = []game.RecordMember{}
	}
	data, err := json.Marshal(members)
	if err != nil {
		return nil, fmt.Errorf("encode members: %w", err)
	}
	return data, nil
}

func decodeMembers(data []byte) ([]game.RecordMember, error) {
	var members []game.RecordMember
	if len(data) == 0 {
		return members, nil
	}
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	return members, nil
}
