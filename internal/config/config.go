// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Prefix is prepended to every variable name.
const Prefix = "ROOMCAST_"

// Server is the configuration of one server process.
type Server struct {
	Addr     string `env:"ADDR"      envDefault:":8080"`
	ServerID string `env:"SERVER_ID"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER" envDefault:"roomcast"`

	OriginPatterns []string `env:"ORIGIN_PATTERNS" envDefault:"*" envSeparator:","`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"10s"`

	// RateLimit is inbound frames per second per connection, with Burst.
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"20"`
	RateBurst int     `env:"RATE_BURST" envDefault:"40"`

	// NATSURL empty runs single-process with in-memory fanout and presence.
	NATSURL           string   `env:"NATS_URL"`
	NATSName          string   `env:"NATS_NAME"      envDefault:"roomcast-node"`
	PresenceKV        string   `env:"PRESENCE_BUCKET" envDefault:"roomcast_presence"`
	ScyllaHosts       []string `env:"SCYLLA_HOSTS" envSeparator:","`
	ScyllaKeyspace    string   `env:"SCYLLA_KEYSPACE" envDefault:"roomcast"`
	ScyllaReplication int      `env:"SCYLLA_REPLICATION" envDefault:"1"`
}

// Client is the configuration of the terminal client.
type Client struct {
	URL      string `env:"URL"       envDefault:"ws://127.0.0.1:8080/ws"`
	Token    string `env:"TOKEN"`
	Username string `env:"USERNAME"`
	Room     string `env:"ROOM"      envDefault:"general"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"warn"`

	ReconnectBase time.Duration `env:"RECONNECT_BASE" envDefault:"1s"`
	ReconnectMax  time.Duration `env:"RECONNECT_MAX"  envDefault:"30s"`
	MaxAttempts   int           `env:"RECONNECT_MAX_ATTEMPTS"`
}

var ErrNoSecret = errors.New("ROOMCAST_JWT_SECRET is required")

// LoadDotenv reads path into the environment if it exists. Variables that
// are already set win.
func LoadDotenv(path string) {
	_ = godotenv.Load(path)
}

func LoadServer() (Server, error) {
	var cfg Server
	if err := parse(&cfg); err != nil {
		return Server{}, err
	}
	if cfg.JWTSecret == "" {
		return Server{}, ErrNoSecret
	}
	if cfg.HeartbeatInterval <= 0 {
		return Server{}, fmt.Errorf("%sHEARTBEAT_INTERVAL must be positive", Prefix)
	}
	return cfg, nil
}

func LoadClient() (Client, error) {
	var cfg Client
	if err := parse(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func parse(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: Prefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
