package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/cardroom/cardroom-server/internal/auth"
	"github.com/cardroom/cardroom-server/internal/clock"
	"github.com/cardroom/cardroom-server/internal/config"
	"github.com/cardroom/cardroom-server/internal/emitter"
	"github.com/cardroom/cardroom-server/internal/game"
	"github.com/cardroom/cardroom-server/internal/player"
	"github.com/cardroom/cardroom-server/internal/repository"
	"github.com/cardroom/cardroom-server/internal/server"
	"github.com/cardroom/cardroom-server/internal/telemetry"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	version    = "dev" // set via ldflags during build
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting cardroom server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Initialize tracing
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}

	// Identity tokens are verified with a secret taken from the environment
	authCfg, err := auth.LoadConfigFromEnv(time.Now)
	if err != nil {
		logger.Fatal("failed to load auth configuration", zap.Error(err))
	}
	verifier, err := auth.NewVerifier(authCfg)
	if err != nil {
		logger.Fatal("failed to create token verifier", zap.Error(err))
	}

	// Initialize finished-game store
	store, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to open game history store", zap.Error(err))
	}
	defer store.Close()

	clk := clock.New()

	// Initialize game service
	gameMgr := game.NewManager(logger)
	svc := game.NewService(gameMgr, player.NewRegistry(), game.NewNullEngine(clk, logger), store, clk, game.Options{
		MinPlayers:      cfg.Game.MinPlayers,
		MaxPlayers:      cfg.Game.MaxPlayers,
		TotalRounds:     cfg.Game.TotalRounds,
		TurnTimeout:     cfg.Game.TurnTimeout,
		FinishedGrace:   cfg.Game.FinishedGrace,
		DisconnectGrace: cfg.Game.DisconnectGrace,
	}, logger)
	if err := svc.LoadHistory(ctx); err != nil {
		logger.Warn("failed to load game history", zap.Error(err))
	}
	logger.Info("game service initialized",
		zap.Int("min_players", cfg.Game.MinPlayers),
		zap.Int("max_players", cfg.Game.MaxPlayers),
		zap.Int("history", len(svc.RecentFinished(0))),
	)

	// Initialize emitter manager
	emitters := emitter.NewManager(clk, emitter.Options{
		KeepAlive:     cfg.Emitter.KeepAlive,
		IdleTimeout:   cfg.Emitter.IdleTimeout,
		SweepInterval: cfg.Emitter.SweepInterval,
		QueueSize:     cfg.Emitter.QueueSize,
		WriteTimeout:  cfg.Emitter.WriteTimeout,
	}, logger)
	emitters.Start()
	logger.Info("emitter manager initialized",
		zap.Duration("keep_alive", cfg.Emitter.KeepAlive),
		zap.Duration("idle_timeout", cfg.Emitter.IdleTimeout),
	)

	edge := server.New(cfg.Server, svc, emitters, verifier, clk, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddress,
		Handler:           edge.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer, healthServer := server.NewGRPCServer(cfg.Server, logger)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddress)
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		logger.Info("starting HTTP server", zap.String("address", cfg.Server.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Start gRPC server
	g.Go(func() error {
		logger.Info("starting gRPC server", zap.String("address", cfg.Server.GRPCAddress))
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	logger.Info("cardroom server initialized",
		zap.String("version", version),
		zap.String("http_address", cfg.Server.HTTPAddress),
		zap.String("grpc_address", cfg.Server.GRPCAddress),
	)

	// Wait for termination signal or a failed listener
	g.Go(func() error {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		logger.Info("shutting down gracefully...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		healthServer.Shutdown()
		// Closing the emitters ends every open stream so HTTP shutdown is not
		// held up by them.
		emitters.Stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
		grpcServer.GracefulStop()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Warn("pending history writes abandoned", zap.Error(err))
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
	}
	logger.Info("cardroom server stopped")
}

// initLogger initializes the zap logger based on configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
