package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cardroom/cardroom-server/internal/config"
	"github.com/cardroom/cardroom-server/internal/game"
)

var postgresSchema = []string{`
CREATE TABLE IF NOT EXISTS finished_games (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    host_id       TEXT NOT NULL,
    members       JSONB NOT NULL,
    total_rounds  INTEGER NOT NULL,
    rounds_played INTEGER NOT NULL,
    actions       INTEGER NOT NULL,
    reason        TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    finished_at   TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS finished_games_finished_at_idx ON finished_games (finished_at DESC)`,
}

// NewDB opens and pings a connection pool.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to postgres",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("database", poolCfg.ConnConfig.Database),
		zap.Int32("max_conns", poolCfg.MaxConns),
	)
	return pool, nil
}

// PostgresStore persists records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the history table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Persist inserts rec. Writing the same game twice keeps the first record.
func (s *PostgresStore) Persist(ctx context.Context, rec game.Record) error {
	members, err := encodeMembers(rec.Members)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO finished_games (
		    id, name, host_id, members, total_rounds, rounds_played,
		    actions, reason, created_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Name, rec.HostID, members, rec.TotalRounds, rec.RoundsPlayed,
		rec.Actions, rec.Reason, rec.CreatedAt.UTC(), rec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert finished game %s: %w", rec.ID, err)
	}
	return nil
}

// LoadInitialState returns up to HistoryLimit records, newest first.
func (s *PostgresStore) LoadInitialState(ctx context.Context) ([]game.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, host_id, members, total_rounds, rounds_played,
		       actions, reason, created_at, finished_at
		FROM finished_games
		ORDER BY finished_at DESC, id ASC
		LIMIT $1`, HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("query finished games: %w", err)
	}
	defer rows.Close()

	var out []game.Record
	for rows.Next() {
		var (
			rec     game.Record
			members []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.HostID, &members, &rec.TotalRounds,
			&rec.RoundsPlayed, &rec.Actions, &rec.Reason, &rec.CreatedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan finished game: %w", err)
		}
		if rec.Members, err = decodeMembers(members); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate finished games: %w", err)
	}
	return out, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
