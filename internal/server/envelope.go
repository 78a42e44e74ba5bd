package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cardroom/cardroom-server/internal/auth"
	"github.com/cardroom/cardroom-server/internal/game"
)

// Inbound envelope types.
const (
	TypeCreate = "create"
	TypeJoin   = "join"
	TypeLeave  = "leave"
	TypeStart  = "start"
	TypeReady  = "ready"
	TypeAway   = "away"
	TypeAction = "action"
	TypeClose  = "close"
)

// ErrBadRequest marks malformed input.
var ErrBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// Envelope is one inbound client request. The acting player is always taken
// from a verified token; ActingPlayerID, when sent, must agree with it.
type Envelope struct {
	RequestID      string
	ActingPlayerID string
	Token          string
	SessionID      string
	Type           string
	Payload        gjson.Result
}

// ParseEnvelope decodes a WebSocket text frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, badRequest("envelope is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Envelope{}, badRequest("envelope must be a JSON object")
	}
	env := Envelope{
		RequestID:      root.Get("requestId").String(),
		ActingPlayerID: root.Get("actingPlayerId").String(),
		Token:          root.Get("token").String(),
		SessionID:      root.Get("sessionId").String(),
		Type:           strings.ToLower(root.Get("type").String()),
		Payload:        root.Get("payload"),
	}
	if env.Type == "" {
		return Envelope{}, badRequest("envelope type is required")
	}
	if env.Payload.Exists() && !env.Payload.IsObject() {
		return Envelope{}, badRequest("envelope payload must be an object")
	}
	return env, nil
}

// resolveIdentity picks the identity an envelope acts as. A token inside the
// envelope takes precedence over the connection's identity.
func (s *Server) resolveIdentity(conn auth.Identity, env Envelope) (auth.Identity, error) {
	id := conn
	if env.Token != "" {
		if s.verifier == nil {
			return auth.Identity{}, auth.ErrInvalidToken
		}
		verified, err := s.verifier.Verify(env.Token)
		if err != nil {
			return auth.Identity{}, err
		}
		id = verified
	}
	if id.ID == "" {
		return auth.Identity{}, auth.ErrMissingToken
	}
	if env.ActingPlayerID != "" && env.ActingPlayerID != id.ID {
		return auth.Identity{}, fmt.Errorf("%w: acting player does not match token", auth.ErrInvalidToken)
	}
	return id, nil
}

// Dispatch runs one envelope against the game service on behalf of id. It
// returns the body to send back, nil when there is none.
func (s *Server) Dispatch(ctx context.Context, id auth.Identity, env Envelope) (any, error) {
	if id.ID == "" {
		return nil, auth.ErrMissingToken
	}
	p := env.Payload
	if env.Type != TypeCreate && env.SessionID == "" {
		return nil, badRequest("%s requires a session id", env.Type)
	}

	switch env.Type {
	case TypeCreate:
		opts := game.CreateOptions{
			Name:        p.Get("name").String(),
			MaxPlayers:  int(p.Get("maxPlayers").Int()),
			TotalRounds: int(p.Get("totalRounds").Int()),
		}
		if ts := p.Get("turnTimeoutSeconds"); ts.Exists() {
			opts.TurnTimeout = time.Duration(ts.Float() * float64(time.Second))
		}
		return s.svc.CreateGame(ctx, id, opts)
	case TypeJoin:
		return s.svc.JoinGame(ctx, id, env.SessionID)
	case TypeLeave:
		return nil, s.svc.LeaveGame(ctx, id.ID, env.SessionID)
	case TypeClose:
		return nil, s.svc.CloseGame(ctx, id.ID, env.SessionID)
	case TypeStart:
		return nil, s.svc.StartGame(ctx, id.ID, env.SessionID)
	case TypeReady:
		return nil, s.svc.SetReady(ctx, id.ID, env.SessionID, flag(p, "ready"))
	case TypeAway:
		return nil, s.svc.SetAway(ctx, id.ID, env.SessionID, flag(p, "away"))
	case TypeAction:
		action := game.Action{Type: p.Get("type").String()}
		if action.Type == "" {
			return nil, badRequest("action type is required")
		}
		if inner := p.Get("payload"); inner.IsObject() {
			action.Payload, _ = inner.Value().(map[string]any)
		}
		return nil, s.svc.PerformAction(ctx, id.ID, env.SessionID, action)
	default:
		return nil, badRequest("unknown envelope type %q", env.Type)
	}
}

// flag reads an optional boolean that defaults to true.
func flag(p gjson.Result, key string) bool {
	v := p.Get(key)
	if !v.Exists() {
		return true
	}
	return v.Bool()
}
