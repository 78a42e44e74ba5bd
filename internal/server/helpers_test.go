package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cardroom/cardroom-server/internal/auth"
	"github.com/cardroom/cardroom-server/internal/clock"
	"github.com/cardroom/cardroom-server/internal/config"
	"github.com/cardroom/cardroom-server/internal/emitter"
	"github.com/cardroom/cardroom-server/internal/game"
	"github.com/cardroom/cardroom-server/internal/player"
	"github.com/cardroom/cardroom-server/internal/repository"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	server   *Server
	http     *httptest.Server
	svc      *game.Service
	emitters *emitter.Manager
	verifier *auth.Verifier
}

func newTestEnv(t *testing.T, mutate ...func(*game.Options)) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:   []byte(testSecret),
		Issuer:   "cardroom",
		Audience: "cardroom-clients",
	})
	require.NoError(t, err)

	opts := game.DefaultOptions()
	for _, fn := range mutate {
		fn(&opts)
	}
	clk := clock.New()
	svc := game.NewService(game.NewManager(logger), player.NewRegistry(), nil,
		repository.NewMemoryStore(), clk, opts, logger)
	emitters := emitter.NewManager(clk, emitter.DefaultOptions(), logger)

	cfg := config.ServerConfig{AllowedOrigins: []string{"https://play.example.com"}}
	s := New(cfg, svc, emitters, verifier, clk, logger)
	ts := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	t.Cleanup(ts.Close)
	t.Cleanup(emitters.Stop)

	return &testEnv{server: s, http: ts, svc: svc, emitters: emitters, verifier: verifier}
}

func (e *testEnv) token(t *testing.T, playerID string) string {
	t.Helper()
	name := strings.ToUpper(playerID[:1]) + playerID[1:]
	token, err := e.verifier.Issue(auth.Identity{ID: playerID, DisplayName: name}, time.Hour)
	require.NoError(t, err)
	return token
}

// do sends a request and returns the status and body.
func (e *testEnv) do(t *testing.T, method, path, token, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// createGame creates a lobby hosted by host and returns its id.
func (e *testEnv) createGame(t *testing.T, host string, body string) string {
	t.Helper()
	status, data := e.do(t, http.MethodPost, "/v1/games", e.token(t, host), body)
	require.Equal(t, http.StatusCreated, status, string(data))
	var snap game.GameSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap.ID
}

func (e *testEnv) command(t *testing.T, player, gameID, op, body string) (int, []byte) {
	t.Helper()
	return e.do(t, http.MethodPost, "/v1/games/"+gameID+"/"+op, e.token(t, player), body)
}

func (e *testEnv) mustCommand(t *testing.T, player, gameID, op, body string) {
	t.Helper()
	status, data := e.command(t, player, gameID, op, body)
	require.Less(t, status, 300, "%s %s: %s", player, op, data)
}

func errorCodeOf(t *testing.T, body []byte) string {
	t.Helper()
	var out struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	return out.Error.Code
}

type wireMessage struct {
	Type     string          `json:"type"`
	GameID   string          `json:"gameId"`
	Seq      uint64          `json:"seq"`
	PlayerID string          `json:"playerId"`
	Payload  json.RawMessage `json:"payload"`
}

// sseClient reads SSE data frames in the background.
type sseClient struct {
	resp     *http.Response
	cancel   context.CancelFunc
	messages chan wireMessage
	done     chan struct{}
}

func (e *testEnv) openSSE(t *testing.T, path, token string) *sseClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.http.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	c := &sseClient{
		resp:     resp,
		cancel:   cancel,
		messages: make(chan wireMessage, 64),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var msg wireMessage
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg) == nil {
				c.messages <- msg
			}
		}
	}()
	t.Cleanup(c.close)
	return c
}

func (c *sseClient) next(t *testing.T) wireMessage {
	t.Helper()
	select {
	case msg := <-c.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream message")
		return wireMessage{}
	}
}

// nextOfType skips messages until one of the given type arrives.
func (c *sseClient) nextOfType(t *testing.T, typ string) wireMessage {
	t.Helper()
	for {
		if msg := c.next(t); msg.Type == typ {
			return msg
		}
	}
}

func (c *sseClient) close() {
	c.cancel()
	_ = c.resp.Body.Close()
}

func (c *sseClient) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not closed")
	}
}
