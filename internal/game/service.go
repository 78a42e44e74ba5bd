package game

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cardroom/cardroom-server/internal/auth"
	"github.com/cardroom/cardroom-server/internal/clock"
	"github.com/cardroom/cardroom-server/internal/player"
)

const (
	maxNameLength  = 64
	persistTimeout = 10 * time.Second
	historyLimit   = 100
)

// Options are the server-wide limits and defaults for new games.
type Options struct {
	MinPlayers      int
	MaxPlayers      int
	TotalRounds     int
	TurnTimeout     time.Duration
	FinishedGrace   time.Duration
	DisconnectGrace time.Duration
}

// DefaultOptions returns the limits used when no configuration is given.
func DefaultOptions() Options {
	return Options{
		MinPlayers:      2,
		MaxPlayers:      6,
		TotalRounds:     3,
		TurnTimeout:     30 * time.Second,
		FinishedGrace:   30 * time.Second,
		DisconnectGrace: 60 * time.Second,
	}
}

// CreateOptions are the per-game settings chosen by the host. Zero values
// take the server defaults.
type CreateOptions struct {
	Name        string        `json:"name"`
	MaxPlayers  int           `json:"maxPlayers"`
	TotalRounds int           `json:"totalRounds"`
	TurnTimeout time.Duration `json:"-"`
}

type pendingDisconnect struct {
	timer clock.Timer
	gen   uint64
}

// Service runs the game lifecycle. Every mutation of a game happens inside
// that game's Handle.Do, and every accepted change emits exactly one event
// on the game's bus while the lock is still held.
type Service struct {
	games   *Manager
	players *player.Registry
	engine  RulesEngine
	store   Store
	clock   clock.Clock
	opts    Options
	logger  *zap.Logger

	mu          sync.Mutex
	listeners   []Listener
	onRemoved   []func(gameID string)
	disconnects map[string]pendingDisconnect
	disconnGen  uint64

	historyOnce sync.Once
	historyErr  error
	historyMu   sync.RWMutex
	history     []Record

	persistWG sync.WaitGroup
}

// NewService wires the lifecycle service.
func NewService(games *Manager, players *player.Registry, engine RulesEngine, store Store, clk clock.Clock, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if engine == nil {
		engine = NewNullEngine(clk, logger)
	}
	return &Service{
		games:       games,
		players:     players,
		engine:      engine,
		store:       store,
		clock:       clk,
		opts:        opts,
		logger:      logger,
		disconnects: make(map[string]pendingDisconnect),
	}
}

// Games returns the game registry.
func (s *Service) Games() *Manager {
	return s.games
}

// Players returns the player registry.
func (s *Service) Players() *player.Registry {
	return s.players
}

// AddListener subscribes l to the event bus of every game created afterwards.
func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// OnRemoved registers fn to run after a game leaves the registry and every
// event it emitted has been delivered to listeners.
func (s *Service) OnRemoved(fn func(gameID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemoved = append(s.onRemoved, fn)
}

// CreateGame creates a lobby hosted by the caller.
func (s *Service) CreateGame(ctx context.Context, host auth.Identity, opts CreateOptions) (GameSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return GameSnapshot{}, err
	}
	g, err := s.newGame(opts)
	if err != nil {
		return GameSnapshot{}, err
	}

	var snap GameSnapshot
	_, err = s.games.createWith(g, func(g *Game) error {
		if err := s.players.TryClaim(host.ID, g.ID); err != nil {
			return err
		}
		g.addMember(host.ID, host.DisplayName)
		g.Members[0].Host = true
		g.HostID = host.ID

		g.bus = s.newBus()
		s.emit(g, EventSessionCreated, host.ID, map[string]any{
			"name":       g.Name,
			"hostId":     g.HostID,
			"maxPlayers": g.MaxPlayers,
			"state":      g.State,
		})
		snap = g.Snapshot()
		return nil
	})
	if err != nil {
		return GameSnapshot{}, err
	}

	s.logger.Info("game created",
		zap.String("game_id", g.ID),
		zap.String("host_id", host.ID),
		zap.Int("max_players", g.MaxPlayers),
	)
	return snap, nil
}

func (s *Service) newGame(opts CreateOptions) (*Game, error) {
	name := strings.TrimSpace(opts.Name)
	if len(name) > maxNameLength {
		return nil, fmt.Errorf("%w: name longer than %d characters", ErrInvalidOptions, maxNameLength)
	}
	if name == "" {
		name = "Game"
	}

	maxPlayers := opts.MaxPlayers
	if maxPlayers == 0 {
		maxPlayers = s.opts.MaxPlayers
	}
	if maxPlayers < s.opts.MinPlayers || maxPlayers > s.opts.MaxPlayers {
		return nil, fmt.Errorf("%w: max players must be between %d and %d",
			ErrInvalidPlayerCount, s.opts.MinPlayers, s.opts.MaxPlayers)
	}

	rounds := opts.TotalRounds
	if rounds == 0 {
		rounds = s.opts.TotalRounds
	}
	if rounds < 1 {
		return nil, fmt.Errorf("%w: total rounds must be positive", ErrInvalidOptions)
	}

	timeout := opts.TurnTimeout
	if timeout == 0 {
		timeout = s.opts.TurnTimeout
	}
	if timeout < 0 {
		return nil, fmt.Errorf("%w: turn timeout must be positive", ErrInvalidOptions)
	}

	return &Game{
		ID:          uuid.NewString(),
		Name:        name,
		State:       StateLobby,
		MinPlayers:  s.opts.MinPlayers,
		MaxPlayers:  maxPlayers,
		TotalRounds: rounds,
		TurnTimeout: timeout,
		CreatedAt:   s.clock.Now(),
	}, nil
}

func (s *Service) newBus() *EventBus {
	bus := NewEventBus(s.logger)
	s.mu.Lock()
	for _, l := range s.listeners {
		bus.Subscribe(l)
	}
	s.mu.Unlock()
	return bus
}

// Snapshot returns the current state of a game.
func (s *Service) Snapshot(gameID string) (GameSnapshot, error) {
	h, err := s.games.Get(gameID)
	if err != nil {
		return GameSnapshot{}, err
	}
	return h.Snapshot()
}

// withGame runs fn under the game's lock, rejecting finished games.
func (s *Service) withGame(ctx context.Context, gameID string, fn func(*Game) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := s.games.Get(gameID)
	if err != nil {
		return err
	}
	return h.Do(func(g *Game) error {
		if g.State == StateFinished {
			return ErrGameFinished
		}
		return fn(g)
	})
}

// JoinGame adds the caller to a game in the lobby.
func (s *Service) JoinGame(ctx context.Context, id auth.Identity, gameID string) (GameSnapshot, error) {
	var snap GameSnapshot
	err := s.withGame(ctx, gameID, func(g *Game) error {
		if g.State != StateLobby {
			return ErrJoinNotAllowed
		}
		if m, _ := g.member(id.ID); m != nil {
			return ErrAlreadyInSession
		}
		if len(g.Members) >= g.MaxPlayers {
			return ErrInvalidPlayerCount
		}
		if err := s.players.TryClaim(id.ID, g.ID); err != nil {
			return err
		}

		m := g.addMember(id.ID, id.DisplayName)
		s.emit(g, EventMemberJoined, id.ID, map[string]any{
			"displayName": m.DisplayName,
			"joinOrder":   m.JoinOrder,
			"memberCount": len(g.Members),
		})
		snap = g.Snapshot()
		return nil
	})
	if err != nil {
		return GameSnapshot{}, err
	}

	s.logger.Info("player joined game",
		zap.String("game_id", gameID),
		zap.String("player_id", id.ID),
	)
	return snap, nil
}

// LeaveGame removes the caller from a game in any non-finished state.
func (s *Service) LeaveGame(ctx context.Context, playerID, gameID string) error {
	err := s.withGame(ctx, gameID, func(g *Game) error {
		_, idx := g.member(playerID)
		if idx < 0 {
			return ErrNotMember
		}

		wasActor := g.State == StateActive && g.CurrentActor == playerID
		newHost := g.removeMember(idx)
		s.players.Release(playerID, g.ID)

		payload := map[string]any{
			"memberCount": len(g.Members),
		}
		if newHost != "" {
			payload["newHostId"] = newHost
		}
		s.emit(g, EventMemberLeft, playerID, payload)

		switch g.State {
		case StateLobby:
			if len(g.Members) == 0 {
				s.logger.Info("empty lobby removed", zap.String("game_id", g.ID))
				s.removeLocked(g)
			}
		case StateReadyCheck:
			if len(g.Members) == 0 {
				s.finishLocked(g, ReasonAbandoned)
				return nil
			}
			g.clearReady()
			s.setStateLocked(g, StateLobby, "member_left")
		case StateActive:
			switch {
			case len(g.Members) == 0:
				s.finishLocked(g, ReasonAbandoned)
			case len(g.Members) == 1:
				s.finishLocked(g, ReasonNotEnoughPlayers)
			case wasActor:
				s.stopTurnTimerLocked(g)
				s.advanceLocked(g, idx-1)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("player left game",
		zap.String("game_id", gameID),
		zap.String("player_id", playerID),
	)
	return nil
}

// CloseGame ends and removes a game on the host's request, in any state. A
// game still in progress finishes first with reason closed, so every member's
// claim is released and streams see SessionFinished before the game's topics
// close.
func (s *Service) CloseGame(ctx context.Context, playerID, gameID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := s.games.Get(gameID)
	if err != nil {
		return err
	}
	err = h.Do(func(g *Game) error {
		if g.HostID != playerID {
			if m, _ := g.member(playerID); m == nil {
				return ErrNotMember
			}
			return ErrNotHost
		}
		if g.State != StateFinished {
			s.finishLocked(g, ReasonClosed)
		}
		s.removeLocked(g)
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("game closed by host",
		zap.String("game_id", gameID),
		zap.String("player_id", playerID),
	)
	return nil
}

// StartGame moves a lobby into the ready check. Only the host may start.
func (s *Service) StartGame(ctx context.Context, playerID, gameID string) error {
	return s.withGame(ctx, gameID, func(g *Game) error {
		if g.State != StateLobby {
			return ErrInvalidState
		}
		if m, _ := g.member(playerID); m == nil {
			return ErrNotMember
		}
		if g.HostID != playerID {
			return ErrNotHost
		}
		if n := len(g.Members); n < g.MinPlayers || n > g.MaxPlayers {
			return ErrInvalidPlayerCount
		}
		for _, m := range g.Members {
			if m.Away {
				return ErrPlayerNotReady
			}
		}

		s.setStateLocked(g, StateReadyCheck, "host_started")
		if g.allReady() {
			s.startPlayLocked(g)
		}
		return nil
	})
}

// SetReady toggles the caller's ready flag. When every member is ready
// during the ready check, play begins.
func (s *Service) SetReady(ctx context.Context, playerID, gameID string, ready bool) error {
	return s.withGame(ctx, gameID, func(g *Game) error {
		m, _ := g.member(playerID)
		if m == nil {
			return ErrNotMember
		}
		if g.State != StateLobby && g.State != StateReadyCheck {
			return ErrInvalidState
		}
		if m.Ready == ready {
			return nil
		}

		m.Ready = ready
		s.emit(g, EventReadyToggled, playerID, map[string]any{
			"ready":       ready,
			"readyCount":  g.readyCount(),
			"memberCount": len(g.Members),
		})

		if g.State == StateReadyCheck && g.allReady() {
			s.startPlayLocked(g)
		}
		return nil
	})
}

// SetAway toggles the caller's away flag. Going away on one's own turn
// passes the turn.
func (s *Service) SetAway(ctx context.Context, playerID, gameID string, away bool) error {
	return s.withGame(ctx, gameID, func(g *Game) error {
		m, _ := g.member(playerID)
		if m == nil {
			return ErrNotMember
		}
		if m.Away == away {
			return nil
		}

		m.Away = away
		s.emit(g, EventAwayToggled, playerID, map[string]any{
			"away": away,
		})

		if away && g.State == StateActive && g.CurrentActor == playerID {
			s.stopTurnTimerLocked(g)
			s.passLocked(g, "away")
		}
		return nil
	})
}

// PerformAction applies the current actor's move and advances the turn.
func (s *Service) PerformAction(ctx context.Context, playerID, gameID string, action Action) error {
	return s.withGame(ctx, gameID, func(g *Game) error {
		_, idx := g.member(playerID)
		if idx < 0 {
			return ErrNotMember
		}
		if g.State != StateActive {
			return ErrInvalidState
		}
		if g.CurrentActor != playerID {
			return ErrNotPlayerTurn
		}

		action.Implicit = false
		result, err := s.engine.ApplyAction(g.ID, playerID, action)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}

		s.stopTurnTimerLocked(g)
		g.ActionCount++
		payload := map[string]any{
			"action": action.Type,
			"round":  g.Round,
			"turn":   g.Turn,
		}
		if len(action.Payload) > 0 {
			payload["data"] = action.Payload
		}
		if len(result) > 0 {
			payload["result"] = result
		}
		s.emit(g, EventActionPerformed, playerID, payload)
		s.advanceLocked(g, idx)
		return nil
	})
}

func (s *Service) setStateLocked(g *Game, to State, reason string) {
	from := g.State
	g.State = to
	s.emit(g, EventStateChanged, "", map[string]any{
		"from":   from,
		"to":     to,
		"reason": reason,
	})
	s.logger.Debug("game state changed",
		zap.String("game_id", g.ID),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason),
	)
}

func (s *Service) startPlayLocked(g *Game) {
	s.setStateLocked(g, StateActive, "all_ready")
	if err := s.engine.StartGame(g.ID, g.playerIDs()); err != nil {
		s.logger.Warn("rules engine failed to start game",
			zap.String("game_id", g.ID),
			zap.Error(err),
		)
	}
	g.Round = 0
	g.Turn = 0
	s.advanceLocked(g, -1)
}

// finishLocked ends the game: it releases every member's claim, persists a
// record, and schedules removal after the grace period.
func (s *Service) finishLocked(g *Game, reason string) {
	s.stopTurnTimerLocked(g)
	from := g.State
	now := s.clock.Now()
	g.State = StateFinished
	g.CurrentActor = ""
	g.TurnDeadline = time.Time{}
	g.FinishedAt = &now
	g.FinishReason = reason

	for _, m := range g.Members {
		s.players.Release(m.PlayerID, g.ID)
	}
	if from == StateActive {
		s.engine.EndGame(g.ID)
	}

	s.emit(g, EventSessionFinished, "", map[string]any{
		"from":         from,
		"reason":       reason,
		"roundsPlayed": g.Round,
		"actions":      g.ActionCount,
	})
	s.logger.Info("game finished",
		zap.String("game_id", g.ID),
		zap.String("reason", reason),
		zap.Int("rounds", g.Round),
	)

	s.persist(g.record())

	if len(g.Members) == 0 || s.opts.FinishedGrace <= 0 {
		s.removeLocked(g)
		return
	}
	gameID := g.ID
	s.clock.AfterFunc(s.opts.FinishedGrace, func() {
		s.expireFinished(gameID)
	})
}

func (s *Service) expireFinished(gameID string) {
	h, err := s.games.Get(gameID)
	if err != nil {
		return
	}
	_ = h.Do(func(g *Game) error {
		if g.State == StateFinished {
			s.removeLocked(g)
		}
		return nil
	})
}

func (s *Service) removeLocked(g *Game) {
	if g.removed {
		return
	}
	s.stopTurnTimerLocked(g)
	g.removed = true
	s.games.detach(g.ID)
	if g.bus == nil {
		return
	}
	g.bus.Close()

	s.mu.Lock()
	hooks := append([]func(string){}, s.onRemoved...)
	s.mu.Unlock()
	if len(hooks) == 0 {
		return
	}
	gameID, drained := g.ID, g.bus.Done()
	go func() {
		<-drained
		for _, fn := range hooks {
			fn(gameID)
		}
	}()
}

func (s *Service) emit(g *Game, typ EventType, playerID string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["state"] = g.State
	g.seq++
	g.bus.Publish(Event{
		GameID:   g.ID,
		Seq:      g.seq,
		Type:     typ,
		PlayerID: playerID,
		At:       s.clock.Now(),
		Payload:  payload,
	})
}

func (s *Service) persist(rec Record) {
	s.appendHistory(rec)
	if s.store == nil {
		return
	}
	s.persistWG.Add(1)
	go func() {
		defer s.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.store.Persist(ctx, rec); err != nil {
			s.logger.Error("failed to persist finished game",
				zap.String("game_id", rec.ID),
				zap.Error(err),
			)
		}
	}()
}

// LoadHistory loads finished games from the store. Only the first call
// reaches the store; later calls return its result.
func (s *Service) LoadHistory(ctx context.Context) error {
	s.historyOnce.Do(func() {
		if s.store == nil {
			return
		}
		recs, err := s.store.LoadInitialState(ctx)
		if err != nil {
			s.historyErr = fmt.Errorf("load finished games: %w", err)
			return
		}
		s.historyMu.Lock()
		s.history = append(s.history, recs...)
		if len(s.history) > historyLimit {
			s.history = s.history[:historyLimit]
		}
		s.historyMu.Unlock()
		s.logger.Info("loaded finished games", zap.Int("count", len(recs)))
	})
	return s.historyErr
}

func (s *Service) appendHistory(rec Record) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append([]Record{rec}, s.history...)
	if len(s.history) > historyLimit {
		s.history = s.history[:historyLimit]
	}
}

// RecentFinished returns up to limit finished games, newest first.
func (s *Service) RecentFinished(limit int) []Record {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]Record, limit)
	copy(out, s.history[:limit])
	return out
}

// PlayerDisconnected starts the grace timer for a player who lost their
// last private stream. When it expires the player leaves their game.
func (s *Service) PlayerDisconnected(playerID string) {
	if s.opts.DisconnectGrace <= 0 {
		return
	}
	if _, ok := s.players.Lookup(playerID); !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.disconnects[playerID]; ok {
		prev.timer.Stop()
	}
	s.disconnGen++
	gen := s.disconnGen
	s.disconnects[playerID] = pendingDisconnect{
		gen: gen,
		timer: s.clock.AfterFunc(s.opts.DisconnectGrace, func() {
			s.onDisconnectExpired(playerID, gen)
		}),
	}
}

// PlayerReconnected cancels a pending disconnect.
func (s *Service) PlayerReconnected(playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.disconnects[playerID]; ok {
		prev.timer.Stop()
		delete(s.disconnects, playerID)
	}
}

func (s *Service) onDisconnectExpired(playerID string, gen uint64) {
	s.mu.Lock()
	pending, ok := s.disconnects[playerID]
	if !ok || pending.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.disconnects, playerID)
	s.mu.Unlock()

	gameID, ok := s.players.Lookup(playerID)
	if !ok {
		return
	}
	err := s.LeaveGame(context.Background(), playerID, gameID)
	switch {
	case err == nil:
		s.logger.Info("removed disconnected player",
			zap.String("game_id", gameID),
			zap.String("player_id", playerID),
		)
	case IsNotFound(err) || IsPrecondition(err):
		s.logger.Debug("disconnect cleanup skipped",
			zap.String("player_id", playerID),
			zap.Error(err),
		)
	default:
		s.logger.Warn("disconnect cleanup failed",
			zap.String("player_id", playerID),
			zap.Error(err),
		)
	}
}

// Shutdown cancels pending disconnect timers and waits for in-flight
// persistence.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for id, pending := range s.disconnects {
		pending.timer.Stop()
		delete(s.disconnects, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.persistWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
