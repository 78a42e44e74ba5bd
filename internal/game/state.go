package game

import (
	"time"

	"github.com/cardroom/cardroom-server/internal/clock"
)

// State is the lifecycle stage of a game.
type State int

const (
	StateLobby State = iota
	StateReadyCheck
	StateActive
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateLobby:
		return "LOBBY"
	case StateReadyCheck:
		return "READY_CHECK"
	case StateActive:
		return "ACTIVE"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reasons recorded when a game finishes.
const (
	ReasonRoundsComplete    = "rounds_complete"
	ReasonNotEnoughPlayers  = "not_enough_players"
	ReasonAbandoned         = "abandoned"
	ReasonNoEligiblePlayers = "no_eligible_players"
	ReasonClosed            = "closed"
)

// Member is a player's participation record within one game.
type Member struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	Ready       bool   `json:"ready"`
	Away        bool   `json:"away"`
	Host        bool   `json:"host"`
	JoinOrder   int    `json:"joinOrder"`
}

// Game is one hosted session. Its fields are only touched while holding the
// owning Handle's lock.
type Game struct {
	ID           string
	Name         string
	State        State
	HostID       string
	Members      []Member // join order
	MinPlayers   int
	MaxPlayers   int
	TotalRounds  int
	TurnTimeout  time.Duration
	Round        int
	CurrentActor string
	Turn         int
	TurnDeadline time.Time
	ActionCount  int
	CreatedAt    time.Time
	FinishedAt   *time.Time
	FinishReason string

	nextJoinOrder int
	seq           uint64
	bus           *EventBus
	turnTimer     clock.Timer
	removed       bool
}

// GameSnapshot is a consistent copy of a game for callers outside the lock.
type GameSnapshot struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	State        State      `json:"state"`
	HostID       string     `json:"hostId"`
	Members      []Member   `json:"members"`
	MinPlayers   int        `json:"minPlayers"`
	MaxPlayers   int        `json:"maxPlayers"`
	TotalRounds  int        `json:"totalRounds"`
	TurnTimeout  float64    `json:"turnTimeoutSeconds"`
	Round        int        `json:"round"`
	CurrentActor string     `json:"currentActor,omitempty"`
	Turn         int        `json:"turn"`
	TurnDeadline *time.Time `json:"turnDeadline,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	FinishReason string     `json:"finishReason,omitempty"`
	LastSeq      uint64     `json:"lastSeq"`
}

// Summary describes a joinable game for the lobby listing.
type Summary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	HostDisplayName string `json:"hostDisplayName"`
	MemberCount     int    `json:"currentMemberCount"`
	MaxMembers      int    `json:"maxMembers"`
}

// Snapshot copies the game state.
func (g *Game) Snapshot() GameSnapshot {
	members := make([]Member, len(g.Members))
	copy(members, g.Members)

	snap := GameSnapshot{
		ID:           g.ID,
		Name:         g.Name,
		State:        g.State,
		HostID:       g.HostID,
		Members:      members,
		MinPlayers:   g.MinPlayers,
		MaxPlayers:   g.MaxPlayers,
		TotalRounds:  g.TotalRounds,
		TurnTimeout:  g.TurnTimeout.Seconds(),
		Round:        g.Round,
		CurrentActor: g.CurrentActor,
		Turn:         g.Turn,
		CreatedAt:    g.CreatedAt,
		FinishedAt:   cloneTime(g.FinishedAt),
		FinishReason: g.FinishReason,
		LastSeq:      g.seq,
	}
	if g.State == StateActive && !g.TurnDeadline.IsZero() {
		deadline := g.TurnDeadline
		snap.TurnDeadline = &deadline
	}
	return snap
}

func (g *Game) summary() Summary {
	s := Summary{
		ID:          g.ID,
		Name:        g.Name,
		MemberCount: len(g.Members),
		MaxMembers:  g.MaxPlayers,
	}
	if host, _ := g.member(g.HostID); host != nil {
		s.HostDisplayName = host.DisplayName
	}
	return s
}

// member returns the member record for playerID and its index.
func (g *Game) member(playerID string) (*Member, int) {
	for i := range g.Members {
		if g.Members[i].PlayerID == playerID {
			return &g.Members[i], i
		}
	}
	return nil, -1
}

func (g *Game) addMember(playerID, displayName string) Member {
	m := Member{
		PlayerID:    playerID,
		DisplayName: displayName,
		JoinOrder:   g.nextJoinOrder,
	}
	g.nextJoinOrder++
	g.Members = append(g.Members, m)
	return m
}

// removeMember drops the member at idx and hands the host flag to the
// earliest remaining member when needed. It returns the new host id, if any.
func (g *Game) removeMember(idx int) string {
	wasHost := g.Members[idx].Host
	g.Members = append(g.Members[:idx], g.Members[idx+1:]...)

	if !wasHost {
		return ""
	}
	if len(g.Members) == 0 {
		g.HostID = ""
		return ""
	}
	g.Members[0].Host = true
	g.HostID = g.Members[0].PlayerID
	return g.HostID
}

func (g *Game) allReady() bool {
	if len(g.Members) == 0 {
		return false
	}
	for _, m := range g.Members {
		if !m.Ready {
			return false
		}
	}
	return true
}

func (g *Game) readyCount() int {
	n := 0
	for _, m := range g.Members {
		if m.Ready {
			n++
		}
	}
	return n
}

func (g *Game) clearReady() {
	for i := range g.Members {
		g.Members[i].Ready = false
	}
}

func (g *Game) playerIDs() []string {
	ids := make([]string, len(g.Members))
	for i, m := range g.Members {
		ids[i] = m.PlayerID
	}
	return ids
}

func (g *Game) record() Record {
	members := make([]RecordMember, len(g.Members))
	for i, m := range g.Members {
		members[i] = RecordMember{
			PlayerID:    m.PlayerID,
			DisplayName: m.DisplayName,
			JoinOrder:   m.JoinOrder,
		}
	}
	rec := Record{
		ID:           g.ID,
		Name:         g.Name,
		HostID:       g.HostID,
		Members:      members,
		TotalRounds:  g.TotalRounds,
		RoundsPlayed: g.Round,
		Actions:      g.ActionCount,
		Reason:       g.FinishReason,
		CreatedAt:    g.CreatedAt,
	}
	if g.FinishedAt != nil {
		rec.FinishedAt = *g.FinishedAt
	}
	return rec
}

func cloneTime(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	cp := *src
	return &cp
}
