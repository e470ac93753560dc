// Command roomtap follows the room event stream mirrored to NATS and logs
// every event. With REDIS_ADDR set it also resolves which server instance
// holds the sender of each chat message.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/twomark/twomark/internal/config"
	"github.com/twomark/twomark/internal/coordinator"
	"github.com/twomark/twomark/internal/messaging"
	"github.com/twomark/twomark/internal/protocol"
	"github.com/twomark/twomark/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg.SetupLogging()

	if cfg.NATSURL == "" {
		log.Fatal().Msg("NATS_URL is required")
	}

	room := os.Getenv("ROOM")
	if room == "" {
		room = coordinator.RoomID
	}

	// Redis setup (optional).
	var sessions *session.Store
	if cfg.RedisAddr != "" {
		sessions, err = session.NewStore(cfg.RedisAddr, cfg.ServerName, room)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
		}
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "twomark-roomtap"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect to NATS")
	}

	tap := &tap{sessions: sessions, counts: make(map[string]int)}
	if err := natsClient.SubscribeRoomEvents(room, tap.handle); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to room events")
	}

	log.Info().Str("room", room).Str("subject", messaging.RoomSubject(room)).
		Bool("redis", sessions != nil).Msg("roomtap running")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	natsClient.Close()
	if sessions != nil {
		_ = sessions.Close()
	}
	tap.summary()
}

type tap struct {
	sessions *session.Store

	mu     sync.Mutex
	counts map[string]int
}

func (t *tap) handle(subject string, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("undecodable room event")
		return
	}

	t.mu.Lock()
	t.counts[env.Type]++
	t.mu.Unlock()

	ev := log.Info().Str("subject", subject).Str("type", env.Type)

	switch env.Type {
	case protocol.TypeStatusUpdate:
		var m protocol.StatusUpdateMsg
		if err := json.Unmarshal(env.Raw, &m); err == nil {
			ev = ev.Int("online_count", m.OnlineCount).Bool("recipient_online", m.RecipientOnline)
		}
	case protocol.TypeUpdateReadStatus:
		var m protocol.UpdateReadStatusMsg
		if err := json.Unmarshal(env.Raw, &m); err == nil {
			ev = ev.Str("status", m.Status.String())
		}
	case protocol.TypeReceiveMessage:
		var m protocol.ReceiveMessageMsg
		if err := json.Unmarshal(env.Raw, &m); err == nil {
			ev = ev.Str("sender", m.SenderID).Str("time", m.Time).
				Str("status", m.Status.String()).Int("text_len", len(m.Text))
			if server := t.senderServer(m.SenderID); server != "" {
				ev = ev.Str("sender_server", server)
			}
		}
	}

	ev.Msg("room event")
}

// senderServer looks up the server instance holding sessionID, or "".
func (t *tap) senderServer(sessionID string) string {
	if t.sessions == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sess, err := t.sessions.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return ""
	}
	return sess.Server
}

func (t *tap) summary() {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := zerolog.Dict()
	for typ, n := range t.counts {
		d = d.Int(typ, n)
	}
	log.Info().Dict("events", d).Msg("roomtap summary")
}
