package game

import (
	"context"
	"time"
)

// RecordMember is a member as stored in a finished-game record.
type RecordMember struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	JoinOrder   int    `json:"joinOrder"`
}

// Record is the durable summary of a finished game.
type Record struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	HostID       string         `json:"hostId"`
	Members      []RecordMember `json:"members"`
	TotalRounds  int            `json:"totalRounds"`
	RoundsPlayed int            `json:"roundsPlayed"`
	Actions      int            `json:"actions"`
	Reason       string         `json:"reason"`
	CreatedAt    time.Time      `json:"createdAt"`
	FinishedAt   time.Time      `json:"finishedAt"`
}

// Store persists finished games. LoadInitialState returns previously
// persisted records, newest first.
type Store interface {
	Persist(ctx context.Context, rec Record) error
	LoadInitialState(ctx context.Context) ([]Record, error)
}
