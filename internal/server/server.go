// Package server is the network edge of the game host. It exposes the
// lifecycle operations over an HTTP JSON API and a WebSocket envelope
// protocol, streams events over SSE and WebSocket emitters, and serves the
// standard gRPC health service. It holds no game state of its own.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cardroom/cardroom-server/internal/auth"
	"github.com/cardroom/cardroom-server/internal/clock"
	"github.com/cardroom/cardroom-server/internal/config"
	"github.com/cardroom/cardroom-server/internal/emitter"
	"github.com/cardroom/cardroom-server/internal/game"
	"github.com/cardroom/cardroom-server/internal/telemetry"
)

const (
	maxBodyBytes      = 64 << 10
	maxMessageBytes   = 64 << 10
	defaultHistoryLen = 20
)

// Server adapts transport requests to the game service and event emitters.
type Server struct {
	cfg      config.ServerConfig
	svc      *game.Service
	emitters *emitter.Manager
	verifier *auth.Verifier
	clock    clock.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
	upgrader websocket.Upgrader

	lobbyVersion atomic.Uint64
	// presenceMu orders private stream opens against the disconnect check
	// on close, so a quick reconnect always cancels the grace timer.
	presenceMu sync.Mutex
}

// New creates the edge and subscribes it to game events, game removal and
// emitter closure.
func New(
	cfg config.ServerConfig,
	svc *game.Service,
	emitters *emitter.Manager,
	verifier *auth.Verifier,
	clk clock.Clock,
	logger *zap.Logger,
) *Server {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		emitters: emitters,
		verifier: verifier,
		clock:    clk,
		logger:   logger,
		tracer:   telemetry.Tracer(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	svc.AddListener(s.fanOut)
	svc.OnRemoved(s.gameRemoved)
	emitters.OnClose(s.emitterClosed)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.route(mux, "POST /v1/games", s.authed(s.handleCreate))
	s.route(mux, "GET /v1/games", s.handleJoinable)
	s.route(mux, "GET /v1/games/finished", s.handleFinished)
	s.route(mux, "GET /v1/games/{id}", s.handleGet)
	s.route(mux, "POST /v1/games/{id}/{op}", s.authed(s.handleCommand))
	s.route(mux, "DELETE /v1/games/{id}", s.authed(s.handleClose))

	s.route(mux, "GET /v1/streams/lobby", s.handleLobbyStream)
	s.route(mux, "GET /v1/streams/games/{id}", s.authed(s.handleGameStream))
	s.route(mux, "GET /v1/streams/me", s.authed(s.handleMeStream))
	s.route(mux, "GET /v1/ws", s.handleWebSocket)

	return s.cors(mux)
}

// identify verifies the bearer token on r. Browsers cannot set headers on
// EventSource or WebSocket requests, so the access_token query parameter is
// accepted as well.
func (s *Server) identify(r *http.Request) (auth.Identity, error) {
	if s.verifier == nil {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return s.verifier.Verify(bearerToken(r))
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return r.URL.Query().Get("access_token")
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.identify(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	}
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.originAllowed(origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	} else {
		s.logger.Debug("request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	s.writeJSON(w, status, map[string]errorBody{
		"error": {Code: errorCode(err), Message: err.Error()},
	})
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case game.IsNotFound(err), errors.Is(err, emitter.ErrEmitterNotFound):
		return http.StatusNotFound
	case game.IsPrecondition(err):
		return http.StatusConflict
	case errors.Is(err, emitter.ErrManagerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var errorCodes = []struct {
	err  error
	code string
}{
	{game.ErrAlreadyInSession, "ALREADY_IN_SESSION"},
	{game.ErrJoinNotAllowed, "JOIN_NOT_ALLOWED"},
	{game.ErrNotPlayerTurn, "NOT_PLAYER_TURN"},
	{game.ErrInvalidPlayerCount, "INVALID_PLAYER_COUNT"},
	{game.ErrPlayerNotReady, "PLAYER_NOT_READY"},
	{game.ErrNotHost, "NOT_HOST"},
	{game.ErrNotMember, "NOT_MEMBER"},
	{game.ErrInvalidState, "INVALID_STATE"},
	{game.ErrInvalidAction, "INVALID_ACTION"},
	{game.ErrInvalidOptions, "INVALID_OPTIONS"},
	{game.ErrGameFinished, "GAME_FINISHED"},
	{game.ErrGameNotFound, "SESSION_NOT_FOUND"},
	{emitter.ErrEmitterNotFound, "EMITTER_NOT_FOUND"},
	{emitter.ErrManagerStopped, "UNAVAILABLE"},
	{auth.ErrMissingToken, "UNAUTHENTICATED"},
	{auth.ErrInvalidToken, "UNAUTHENTICATED"},
	{ErrBadRequest, "BAD_REQUEST"},
}

func errorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}
