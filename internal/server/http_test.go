package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardroom/cardroom-server/internal/auth"
	"github.com/cardroom/cardroom-server/internal/emitter"
	"github.com/cardroom/cardroom-server/internal/game"
)

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	env.createGame(t, "alice", "")

	status, body := env.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, status)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "ok", out["status"])
	assert.EqualValues(t, 1, out["games"])
	assert.EqualValues(t, 1, out["players"])
}

func TestGameFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	gameID := env.createGame(t, "alice", `{"name":"Friday table","maxPlayers":4,"turnTimeoutSeconds":20}`)

	status, body := env.command(t, "bob", gameID, "join", "")
	require.Equal(t, http.StatusOK, status, string(body))
	var joined game.GameSnapshot
	require.NoError(t, json.Unmarshal(body, &joined))
	assert.Equal(t, "Friday table", joined.Name)
	assert.Equal(t, 4, joined.MaxPlayers)
	assert.InDelta(t, 20, joined.TurnTimeout, 0.001)
	require.Len(t, joined.Members, 2)
	assert.Equal(t, "Bob", joined.Members[1].DisplayName)

	status, body = env.do(t, http.MethodGet, "/v1/games", "", "")
	require.Equal(t, http.StatusOK, status)
	var listing struct {
		Games []game.Summary `json:"games"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Games, 1)
	assert.Equal(t, "Alice", listing.Games[0].HostDisplayName)
	assert.Equal(t, 2, listing.Games[0].MemberCount)

	status, body = env.command(t, "bob", gameID, "start", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "NOT_HOST", errorCodeOf(t, body))

	status, _ = env.command(t, "alice", gameID, "start", "")
	assert.Equal(t, http.StatusNoContent, status)
	env.mustCommand(t, "alice", gameID, "ready", "")
	env.mustCommand(t, "bob", gameID, "ready", `{"ready":true}`)

	status, body = env.do(t, http.MethodGet, "/v1/games/"+gameID, "", "")
	require.Equal(t, http.StatusOK, status)
	var snap game.GameSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, game.StateActive, snap.State)
	assert.Equal(t, "alice", snap.CurrentActor)

	status, body = env.command(t, "bob", gameID, "actions", `{"type":"bet","payload":{"amount":5}}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "NOT_PLAYER_TURN", errorCodeOf(t, body))

	env.mustCommand(t, "alice", gameID, "actions", `{"type":"bet","payload":{"amount":5}}`)
	snap, err := env.svc.Snapshot(gameID)
	require.NoError(t, err)
	assert.Equal(t, "bob", snap.CurrentActor)
	assert.Equal(t, 2, snap.Turn)
}

func TestFinishedGamesAreListed(t *testing.T) {
	env := newTestEnv(t)
	gameID := env.createGame(t, "alice", `{"totalRounds":1}`)
	env.mustCommand(t, "bob", gameID, "join", "")
	env.mustCommand(t, "alice", gameID, "ready", "")
	env.mustCommand(t, "bob", gameID, "ready", "")
	env.mustCommand(t, "alice", gameID, "start", "")
	env.mustCommand(t, "alice", gameID, "actions", `{"type":"bet"}`)
	env.mustCommand(t, "bob", gameID, "actions", `{"type":"bet"}`)

	status, body := env.do(t, http.MethodGet, "/v1/games/finished?limit=5", "", "")
	require.Equal(t, http.StatusOK, status)
	var out struct {
		Games []game.Record `json:"games"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Games, 1)
	assert.Equal(t, gameID, out.Games[0].ID)
	assert.Equal(t, game.ReasonRoundsComplete, out.Games[0].Reason)
	assert.Equal(t, 2, out.Games[0].Actions)

	status, body = env.command(t, "alice", gameID, "actions", `{"type":"bet"}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "GAME_FINISHED", errorCodeOf(t, body))

	status, _ = env.do(t, http.MethodGet, "/v1/games/finished?limit=-1", "", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMutationsRequireValidToken(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/v1/games", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHENTICATED", errorCodeOf(t, body))

	status, _ = env.do(t, http.MethodPost, "/v1/games", "not-a-token", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Zero(t, env.svc.Games().Count())
}

func TestRequestErrors(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "alice")

	status, body := env.do(t, http.MethodGet, "/v1/games/missing", "", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "SESSION_NOT_FOUND", errorCodeOf(t, body))

	status, _ = env.do(t, http.MethodPost, "/v1/games/missing/join", token, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = env.do(t, http.MethodPost, "/v1/games", token, `{"name":`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BAD_REQUEST", errorCodeOf(t, body))

	status, _ = env.do(t, http.MethodPost, "/v1/games", token, `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = env.do(t, http.MethodPost, "/v1/games", token, `{"maxPlayers":50}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_PLAYER_COUNT", errorCodeOf(t, body))

	gameID := env.createGame(t, "alice", "")
	status, _ = env.do(t, http.MethodPost, "/v1/games/"+gameID+"/dance", token, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = env.command(t, "alice", gameID, "actions", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BAD_REQUEST", errorCodeOf(t, body))
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/v1/games", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://play.example.com")
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://play.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, env.http.URL+"/v1/games", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = env.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{auth.ErrMissingToken, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{fmt.Errorf("%w: expired", auth.ErrInvalidToken), http.StatusUnauthorized, "UNAUTHENTICATED"},
		{badRequest("nope"), http.StatusBadRequest, "BAD_REQUEST"},
		{game.ErrGameNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
		{emitter.ErrEmitterNotFound, http.StatusNotFound, "EMITTER_NOT_FOUND"},
		{fmt.Errorf("%w: bad move", game.ErrInvalidAction), http.StatusConflict, "INVALID_ACTION"},
		{game.ErrAlreadyInSession, http.StatusConflict, "ALREADY_IN_SESSION"},
		{emitter.ErrManagerStopped, http.StatusServiceUnavailable, "UNAVAILABLE"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, statusFor(tc.err), tc.err.Error())
		assert.Equal(t, tc.code, errorCode(tc.err), tc.err.Error())
	}
}

func TestHostClosesGame(t *testing.T) {
	env := newTestEnv(t)
	gameID := env.createGame(t, "alice", "")
	env.mustCommand(t, "bob", gameID, "join", "")

	stream := env.openSSE(t, "/v1/streams/games/"+gameID, env.token(t, "bob"))
	require.Equal(t, MessageSnapshot, stream.next(t).Type)

	status, body := env.do(t, http.MethodDelete, "/v1/games/"+gameID, env.token(t, "bob"), "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "NOT_HOST", errorCodeOf(t, body))

	status, _ = env.do(t, http.MethodDelete, "/v1/games/"+gameID, env.token(t, "alice"), "")
	assert.Equal(t, http.StatusNoContent, status)

	finished := stream.nextOfType(t, string(game.EventSessionFinished))
	assert.Contains(t, string(finished.Payload), game.ReasonClosed)
	stream.waitClosed(t)

	status, _ = env.do(t, http.MethodGet, "/v1/games/"+gameID, "", "")
	assert.Equal(t, http.StatusNotFound, status)

	// Both players are free again.
	env.createGame(t, "bob", "")
}
