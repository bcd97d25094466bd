package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MobasirSarkar/roomcast/internal/auth"
	"github.com/MobasirSarkar/roomcast/internal/config"
	"github.com/MobasirSarkar/roomcast/internal/fanout"
	"github.com/MobasirSarkar/roomcast/internal/logging"
	"github.com/MobasirSarkar/roomcast/internal/metrics"
	"github.com/MobasirSarkar/roomcast/internal/nats"
	"github.com/MobasirSarkar/roomcast/internal/presence"
	"github.com/MobasirSarkar/roomcast/internal/server"
	"github.com/MobasirSarkar/roomcast/internal/store"
	"github.com/google/uuid"
)

func main() {
	config.LoadDotenv(".env")
	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()[:8]
	}
	log := logging.New(os.Stdout, cfg.LogLevel, "srv", cfg.ServerID)

	if err := run(cfg, log); err != nil {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	opts := server.Options{
		Verifier:          verifier,
		ServerID:          cfg.ServerID,
		OriginPatterns:    cfg.OriginPatterns,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		RateLimit:         cfg.RateLimit,
		RateBurst:         cfg.RateBurst,
		Metrics:           metrics.New(),
		Logger:            log,
	}
	presenceOpts := presence.Options{Interval: cfg.HeartbeatInterval, Logger: log}

	// Without NATS this process is the whole deployment.
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, cfg.NATSName, log)
		if err != nil {
			return err
		}
		defer func() {
			_ = nc.Drain()
			nc.Close()
		}()
		log.Info("connected to nats", "url", nc.ConnectedUrl())

		kv, err := presence.OpenKVStore(nc, cfg.PresenceKV, cfg.HeartbeatInterval+presence.Grace)
		if err != nil {
			return err
		}
		opts.Presence = presence.NewCoordinator(kv, presenceOpts)
		opts.Bus = fanout.NewNATSBus(nc)
	} else {
		log.Warn("ROOMCAST_NATS_URL not set, running single-process")
		opts.Presence = presence.NewCoordinator(presence.NewMemoryStore(nil), presenceOpts)
	}

	if len(cfg.ScyllaHosts) > 0 {
		session, err := store.Connect(store.ScyllaConfig{
			Hosts:       cfg.ScyllaHosts,
			Keyspace:    cfg.ScyllaKeyspace,
			Replication: cfg.ScyllaReplication,
		})
		if err != nil {
			return err
		}
		defer session.Close()
		log.Info("connected to scylla", "hosts", cfg.ScyllaHosts, "keyspace", cfg.ScyllaKeyspace)
		opts.Messages = store.NewScyllaMessages(session)
		opts.Members = store.NewScyllaMembers(session)
	} else {
		log.Warn("ROOMCAST_SCYLLA_HOSTS not set, messages are kept in memory")
	}

	srv, err := server.New(opts)
	if err != nil {
		return err
	}
	if err := srv.Start(cfg.Addr); err != nil {
		return err
	}
	log.Info("server ready", "ws", "ws://localhost"+cfg.Addr+server.WebSocketEndPoint)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.ShutdownGracefully(ctx); err != nil {
		log.Error("shutdown error", "err", err)
	}
	log.Info("stopped gracefully")
	return nil
}
