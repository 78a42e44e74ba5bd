package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cardroom/cardroom-server/internal/auth"
	"github.com/cardroom/cardroom-server/internal/emitter"
)

var errStreamClosed = errors.New("stream closed")

// sseSender writes emitter payloads as Server-Sent Events. The handler that
// created it stays blocked until the sender is closed, so the response
// writer is only used while the request is live.
type sseSender struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	once   sync.Once
	closed chan struct{}
}

func newSSESender(w http.ResponseWriter) *sseSender {
	return &sseSender{
		w:      w,
		rc:     http.NewResponseController(w),
		closed: make(chan struct{}),
	}
}

func (s *sseSender) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.closed:
		return errStreamClosed
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.rc.SetWriteDeadline(deadline)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Close unblocks any write in progress and releases the handler.
func (s *sseSender) Close() error {
	s.once.Do(func() {
		_ = s.rc.SetWriteDeadline(time.Now())
		close(s.closed)
	})
	return nil
}

func (s *Server) handleLobbyStream(w http.ResponseWriter, r *http.Request) {
	// Lobby watchers may be anonymous; a presented token must still be valid.
	var id auth.Identity
	if bearerToken(r) != "" {
		var err error
		if id, err = s.identify(r); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.stream(w, r, emitter.SessionList(), id)
}

func (s *Server) handleGameStream(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	s.stream(w, r, emitter.Session(r.PathValue("id")), id)
}

func (s *Server) handleMeStream(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	s.stream(w, r, emitter.PlayerPrivate(id.ID), id)
}

// stream serves one SSE emitter until the client goes away or the emitter
// is closed.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, topic emitter.Topic, id auth.Identity) {
	if _, ok := w.(http.Flusher); !ok {
		s.writeError(w, r, errors.New("streaming unsupported"))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	sender := newSSESender(w)
	e, err := s.openEmitter(topic, id, sender)
	if err != nil {
		h.Del("Content-Type")
		s.writeError(w, r, err)
		return
	}
	s.logger.Debug("sse stream opened",
		zap.String("emitter_id", e.ID()),
		zap.Stringer("topic", topic),
		zap.String("player_id", id.ID),
	)

	select {
	case <-sender.closed:
	case <-r.Context().Done():
		_ = s.emitters.Close(e.ID())
		<-sender.closed
	}
	<-e.Done()
}
