// Package config loads server configuration from a YAML file with
// CARDROOM_-prefixed environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// CARDROOM_SERVER_HTTP_ADDRESS.
const EnvPrefix = "CARDROOM"

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Game      GameConfig      `mapstructure:"game"`
	Emitter   EmitterConfig   `mapstructure:"emitter"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the network listeners.
type ServerConfig struct {
	HTTPAddress          string        `mapstructure:"http_address"`
	GRPCAddress          string        `mapstructure:"grpc_address"`
	MaxConcurrentStreams uint32        `mapstructure:"max_concurrent_streams"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins       []string      `mapstructure:"allowed_origins"`
}

// GameConfig holds the limits and timers of the game lifecycle.
type GameConfig struct {
	MinPlayers      int           `mapstructure:"min_players"`
	MaxPlayers      int           `mapstructure:"max_players"`
	TotalRounds     int           `mapstructure:"total_rounds"`
	TurnTimeout     time.Duration `mapstructure:"turn_timeout"`
	FinishedGrace   time.Duration `mapstructure:"finished_grace"`
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
}

// EmitterConfig controls push channel upkeep.
type EmitterConfig struct {
	KeepAlive     time.Duration `mapstructure:"keep_alive"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	QueueSize     int           `mapstructure:"queue_size"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig selects the finished-game store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	Path     string `mapstructure:"path"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig controls trace export. An empty endpoint disables export.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_address", ":8080")
	v.SetDefault("server.grpc_address", ":9090")
	v.SetDefault("server.max_concurrent_streams", 1000)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("game.min_players", 2)
	v.SetDefault("game.max_players", 6)
	v.SetDefault("game.total_rounds", 3)
	v.SetDefault("game.turn_timeout", "30s")
	v.SetDefault("game.finished_grace", "30s")
	v.SetDefault("game.disconnect_grace", "60s")

	v.SetDefault("emitter.keep_alive", "15s")
	v.SetDefault("emitter.idle_timeout", "60s")
	v.SetDefault("emitter.sweep_interval", "30s")
	v.SetDefault("emitter.queue_size", 64)
	v.SetDefault("emitter.write_timeout", "10s")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "data/cardroom.db")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "cardroom-server")
}

// Load reads the configuration file at path, when it exists, and applies
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Game.MinPlayers < 1:
		return fmt.Errorf("game.min_players must be at least 1")
	case c.Game.MaxPlayers < c.Game.MinPlayers:
		return fmt.Errorf("game.max_players must be >= game.min_players")
	case c.Game.TotalRounds < 1:
		return fmt.Errorf("game.total_rounds must be at least 1")
	case c.Game.TurnTimeout <= 0:
		return fmt.Errorf("game.turn_timeout must be positive")
	case c.Emitter.KeepAlive <= 0 || c.Emitter.IdleTimeout <= 0:
		return fmt.Errorf("emitter timers must be positive")
	case c.Emitter.KeepAlive >= c.Emitter.IdleTimeout:
		return fmt.Errorf("emitter.keep_alive must be shorter than emitter.idle_timeout")
	case c.Emitter.QueueSize < 1:
		return fmt.Errorf("emitter.queue_size must be at least 1")
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	return nil
}
