package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cardroom/cardroom-server/internal/config"
)

// dialBuffered serves grpcServer on an in-memory listener and returns a
// client connection to it.
func dialBuffered(t *testing.T, grpcServer *grpc.Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPCHealth(t *testing.T) {
	logger := zaptest.NewLogger(t)
	grpcServer, healthServer := NewGRPCServer(config.ServerConfig{MaxConcurrentStreams: 10}, logger)

	conn := dialBuffered(t, grpcServer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client := healthpb.NewHealthClient(conn)

	for _, service := range []string{"", HealthService} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus(), service)
	}

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	healthServer.Shutdown()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestGRPCServerLogsFailedCalls(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	grpcServer, _ := NewGRPCServer(config.ServerConfig{MaxConcurrentStreams: 10}, zap.New(core))
	conn := dialBuffered(t, grpcServer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	require.Equal(t, codes.NotFound, status.Code(err))

	failed := logs.FilterMessage("gRPC call failed").All()
	require.Len(t, failed, 1)
	fields := failed[0].ContextMap()
	assert.Equal(t, "/grpc.health.v1.Health/Check", fields["method"])
	assert.Equal(t, codes.NotFound.String(), fields["code"])
}

func TestRecoveryInterceptorConvertsPanics(t *testing.T) {
	interceptor := RecoveryInterceptor(zaptest.NewLogger(t))
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/test/Panic"},
		func(context.Context, any) (any, error) {
			panic("boom")
		})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestLoggingInterceptorPassesThrough(t *testing.T) {
	interceptor := LoggingInterceptor(zaptest.NewLogger(t))
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/test/Fail"},
		func(context.Context, any) (any, error) {
			return nil, status.Error(codes.FailedPrecondition, "nope")
		})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Equal(t, "unknown", extractHostFromContext(context.Background()))
}
