package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/cardroom/cardroom-server/internal/game"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS finished_games (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    host_id       TEXT NOT NULL,
    members       TEXT NOT NULL,
    total_rounds  INTEGER NOT NULL,
    rounds_played INTEGER NOT NULL,
    actions       INTEGER NOT NULL,
    reason        TEXT NOT NULL,
    created_at    INTEGER NOT NULL,
    finished_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS finished_games_finished_at_idx ON finished_games (finished_at DESC);
`

// SQLiteStore persists records in an embedded SQLite database.
type SQLiteStore struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens the database at path and creates the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Persist inserts rec. Writing the same game twice keeps the first record.
func (s *SQLiteStore) Persist(ctx context.Context, rec game.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("record id is required")
	}
	members, err := encodeMembers(rec.Members)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO finished_games (
		    id, name, host_id, members, total_rounds, rounds_played,
		    actions, reason, created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.HostID, string(members), rec.TotalRounds, rec.RoundsPlayed,
		rec.Actions, rec.Reason, toMillis(rec.CreatedAt), toMillis(rec.FinishedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return nil
		}
		return fmt.Errorf("insert finished game %s: %w", rec.ID, err)
	}
	return nil
}

// LoadInitialState returns up to HistoryLimit records, newest first.
func (s *SQLiteStore) LoadInitialState(ctx context.Context) ([]game.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, name, host_id, members, total_rounds, rounds_played,
		       actions, reason, created_at, finished_at
		FROM finished_games
		ORDER BY finished_at DESC, id ASC
		LIMIT ?`, HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("query finished games: %w", err)
	}
	defer rows.Close()

	var out []game.Record
	for rows.Next() {
		var (
			rec                   game.Record
			members               string
			createdAt, finishedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.HostID, &members, &rec.TotalRounds,
			&rec.RoundsPlayed, &rec.Actions, &rec.Reason, &createdAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan finished game: %w", err)
		}
		if rec.Members, err = decodeMembers([]byte(members)); err != nil {
			return nil, err
		}
		rec.CreatedAt = fromMillis(createdAt)
		rec.FinishedAt = fromMillis(finishedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate finished games: %w", err)
	}
	return out, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func isDuplicate(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
