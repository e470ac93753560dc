package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/twomark/twomark/internal/config"
	"github.com/twomark/twomark/internal/coordinator"
	"github.com/twomark/twomark/internal/gateway"
	"github.com/twomark/twomark/internal/messaging"
	"github.com/twomark/twomark/internal/presence"
	"github.com/twomark/twomark/internal/ratelimit"
	"github.com/twomark/twomark/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg.SetupLogging()

	opts := gateway.Options{
		MessageRule: cfg.MessageRule(),
		ConnectRule: cfg.ConnectRule(),
	}

	// --- Redis (optional) ---
	var sessionStore *session.Store
	if cfg.RedisAddr != "" {
		sessionStore, err = session.NewStore(cfg.RedisAddr, cfg.ServerName, coordinator.RoomID)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
		}
		opts.Sessions = sessionStore
		opts.Limiter = ratelimit.NewLimiter(sessionStore.Client())
	}

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "twomark-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect to NATS")
		}
		opts.Mirror = natsClient
	}

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Dur("read_timeout", cfg.ReadTimeout).
		Dur("write_timeout", cfg.WriteTimeout).
		Dur("heartbeat", cfg.HeartbeatInterval).
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Str("server_name", cfg.ServerName).
		Str("room", coordinator.RoomID).
		Msg("twomark server starting")

	gw := gateway.New(cfg.Server(), presence.NewRegistry(), opts)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Error().Err(err).Msg("session store close error")
			}
		}
	}()

	if err := gw.Start(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	<-stopped
	log.Info().Msg("server exited")
}
