package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cardroom/cardroom-server/internal/auth"
	"github.com/cardroom/cardroom-server/internal/emitter"
)

const controlWriteWait = time.Second

// wsSender writes emitter payloads as WebSocket text messages. Only the
// emitter's writer goroutine calls Send; control frames go through
// WriteControl, which gorilla allows concurrently.
type wsSender struct {
	conn *websocket.Conn
	once sync.Once
}

func (w *wsSender) Send(ctx context.Context, payload []byte) error {
	deadline, _ := ctx.Deadline()
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsSender) Close() error {
	var err error
	w.once.Do(func() {
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(controlWriteWait))
		err = w.conn.Close()
	})
	return err
}

// handleWebSocket serves GET /v1/ws?topic=lobby|me|game:{id}. The socket
// streams the topic's messages and accepts inbound envelopes; each envelope
// is answered with an Ack or Error message on the same socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var id auth.Identity
	if bearerToken(r) != "" {
		var err error
		if id, err = s.identify(r); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	name := r.URL.Query().Get("topic")
	if name == "" {
		name = "lobby"
	}
	topic, err := emitter.ParseTopic(name, id.ID)
	switch {
	case name == "me" && id.ID == "":
		s.writeError(w, r, auth.ErrMissingToken)
		return
	case err != nil:
		s.writeError(w, r, badRequest("%v", err))
		return
	case topic.Kind != emitter.KindSessionList && id.ID == "":
		s.writeError(w, r, auth.ErrMissingToken)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	sender := &wsSender{conn: conn}
	e, err := s.openEmitter(topic, id, sender)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, errorCode(err)),
			time.Now().Add(controlWriteWait))
		_ = conn.Close()
		return
	}
	s.logger.Debug("websocket opened",
		zap.String("emitter_id", e.ID()),
		zap.Stringer("topic", topic),
		zap.String("player_id", id.ID),
	)

	conn.SetPongHandler(func(string) error {
		_ = s.emitters.Touch(e.ID())
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		_ = s.emitters.Touch(e.ID())
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed",
					zap.String("emitter_id", e.ID()),
					zap.Error(err),
				)
			}
			break
		}
		_ = s.emitters.Touch(e.ID())
		s.handleInbound(r.Context(), e, id, data)
	}
	_ = s.emitters.Close(e.ID())
}

// handleInbound dispatches one envelope and queues the reply behind any
// messages already waiting on the emitter.
func (s *Server) handleInbound(ctx context.Context, e *emitter.Emitter, conn auth.Identity, data []byte) {
	env, err := ParseEnvelope(data)
	var result any
	if err == nil {
		var id auth.Identity
		if id, err = s.resolveIdentity(conn, env); err == nil {
			result, err = s.Dispatch(ctx, id, env)
		}
	}

	reply := Message{Type: MessageAck, GameID: env.SessionID, At: s.clock.Now()}
	if err != nil {
		reply.Type = MessageError
		reply.Payload = map[string]any{
			"requestId": env.RequestID,
			"type":      env.Type,
			"code":      errorCode(err),
			"message":   err.Error(),
		}
	} else {
		reply.Payload = map[string]any{
			"requestId": env.RequestID,
			"type":      env.Type,
			"result":    result,
		}
	}

	out, err := encodeMessage(reply)
	if err != nil {
		s.logger.Error("failed to encode reply", zap.Error(err))
		return
	}
	if err := s.emitters.SendTo(e.ID(), out); err != nil {
		s.logger.Debug("reply dropped",
			zap.String("emitter_id", e.ID()),
			zap.Error(err),
		)
	}
}
