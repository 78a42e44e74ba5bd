package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cardroom/cardroom-server/internal/auth"
)

// commandOps maps the path verb of POST /v1/games/{id}/{op} to an envelope
// type.
var commandOps = map[string]string{
	"join":    TypeJoin,
	"leave":   TypeLeave,
	"start":   TypeStart,
	"ready":   TypeReady,
	"away":    TypeAway,
	"actions": TypeAction,
}

// statusRecorder captures the response status for spans and logs. It keeps
// the flushing and hijacking capabilities of the wrapped writer.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.traced(pattern, h))
}

// traced starts a server span per request, continuing any trace context the
// client propagated.
func (s *Server) traced(pattern string, next http.HandlerFunc) http.Handler {
	route := pattern
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		route = pattern[i+1:]
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, pattern,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.HTTPRoute(route),
			),
		)
		defer span.End()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"games":       s.svc.Games().Count(),
		"activeGames": s.svc.Games().ActiveCount(),
		"players":     s.svc.Players().Count(),
		"emitters":    s.emitters.Count(),
	})
}

func (s *Server) handleJoinable(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"games": s.svc.Games().JoinableList()})
}

func (s *Server) handleFinished(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLen
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"games": s.svc.RecentFinished(limit)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Snapshot(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	payload, err := readPayload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dispatchHTTP(w, r, Envelope{Type: TypeCreate, Payload: payload}, http.StatusCreated)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	typ, ok := commandOps[r.PathValue("op")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	payload, err := readPayload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dispatchHTTP(w, r, Envelope{Type: typ, SessionID: r.PathValue("id"), Payload: payload}, http.StatusOK)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.dispatchHTTP(w, r, Envelope{Type: TypeClose, SessionID: r.PathValue("id")}, http.StatusOK)
}

func (s *Server) dispatchHTTP(w http.ResponseWriter, r *http.Request, env Envelope, okStatus int) {
	id, _ := auth.FromContext(r.Context())
	result, err := s.Dispatch(r.Context(), id, env)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, okStatus, result)
}

// readPayload parses an optional JSON request body.
func readPayload(w http.ResponseWriter, r *http.Request) (gjson.Result, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return gjson.Result{}, badRequest("read body: %v", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, badRequest("body is not valid JSON")
	}
	payload := gjson.ParseBytes(body)
	if !payload.IsObject() {
		return gjson.Result{}, badRequest("body must be a JSON object")
	}
	return payload, nil
}
