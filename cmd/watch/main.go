// Command watch connects to a cardroom server over WebSocket and prints every
// message published on one topic. It can also send a single envelope after
// connecting, which is handy for poking at a running server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type options struct {
	server       string
	topic        string
	token        string
	send         string
	pingInterval time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "ws://localhost:8080/v1/ws", "WebSocket endpoint")
	flag.StringVar(&opts.topic, "topic", "lobby", "topic to watch: lobby, me or game:<id>")
	flag.StringVar(&opts.token, "token", os.Getenv("CARDROOM_TOKEN"), "identity token (defaults to $CARDROOM_TOKEN)")
	flag.StringVar(&opts.send, "send", "", "JSON envelope to send once connected")
	flag.DurationVar(&opts.pingInterval, "ping", 20*time.Second, "interval between pings")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := watch(ctx, opts, os.Stdout, logger); err != nil {
		logger.Fatal("watch failed", zap.Error(err))
	}
}

// watch streams messages to out until ctx is done or the server closes the
// socket.
func watch(ctx context.Context, opts options, out io.Writer, logger *zap.Logger) error {
	endpoint, err := url.Parse(opts.server)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	q := endpoint.Query()
	q.Set("topic", opts.topic)
	endpoint.RawQuery = q.Encode()

	header := http.Header{}
	if opts.token != "" {
		header.Set("Authorization", "Bearer "+opts.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", endpoint.Redacted(), err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", endpoint.Redacted(), err)
	}
	defer conn.Close()
	logger.Info("connected", zap.String("server", endpoint.Redacted()), zap.String("topic", opts.topic))

	if opts.send != "" {
		if !json.Valid([]byte(opts.send)) {
			return errors.New("envelope is not valid JSON")
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(opts.send)); err != nil {
			return fmt.Errorf("send envelope: %w", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			fmt.Fprintln(out, string(data))
		}
	}()

	var pings <-chan time.Time
	if opts.pingInterval > 0 {
		ticker := time.NewTicker(opts.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case <-pings:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case err := <-done:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("server closed the connection")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}
