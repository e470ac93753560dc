// Package gateway wires the WebSocket transport to the room coordinator:
// transport lifecycle events become presence changes, send_message frames
// become chat messages, and the rate limiter and session bookkeeping sit in
// between.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/twomark/twomark/internal/coordinator"
	"github.com/twomark/twomark/internal/metrics"
	"github.com/twomark/twomark/internal/presence"
	"github.com/twomark/twomark/internal/protocol"
	"github.com/twomark/twomark/internal/ratelimit"
	"github.com/twomark/twomark/internal/session"
	"github.com/twomark/twomark/internal/ws"
)

// redisTimeout bounds each ambient Redis call made while handling a frame.
const redisTimeout = 2 * time.Second

// Options carries the optional collaborators. Zero values disable them.
type Options struct {
	Sessions    *session.Store
	Limiter     *ratelimit.Limiter
	MessageRule ratelimit.Rule
	ConnectRule ratelimit.Rule
	Mirror      coordinator.Mirror
	Clock       func() time.Time
}

// Gateway owns the server, dispatcher and coordinator of one room.
type Gateway struct {
	server     *ws.Server
	dispatcher *ws.MessageDispatcher
	coord      *coordinator.Coordinator
	opts       Options
}

// New builds the server and coordinator and binds their events.
func New(cfg ws.ServerConfig, registry *presence.Registry, opts Options) *Gateway {
	g := &Gateway{
		dispatcher: ws.NewMessageDispatcher(),
		opts:       opts,
	}
	g.server = ws.NewServer(cfg, opts.Sessions, g.dispatcher.Dispatch)

	var coordOpts []coordinator.Option
	if opts.Mirror != nil {
		coordOpts = append(coordOpts, coordinator.WithMirror(opts.Mirror))
	}
	if opts.Clock != nil {
		coordOpts = append(coordOpts, coordinator.WithClock(opts.Clock))
	}
	g.coord = coordinator.New(registry, g.server, coordOpts...)

	g.server.SetOnConnect(g.handleConnect)
	g.server.SetOnDisconnect(g.handleDisconnect)
	if opts.Limiter != nil && opts.ConnectRule.Limit > 0 {
		g.server.SetAdmit(g.admit)
	}
	g.dispatcher.Register(protocol.TypeSendMessage, g.handleSendMessage)

	return g
}

// Start listens on the configured address and serves until Shutdown.
func (g *Gateway) Start() error { return g.server.Start() }

// Serve serves on ln until Shutdown.
func (g *Gateway) Serve(ln net.Listener) error { return g.server.Serve(ln) }

// Shutdown stops the server.
func (g *Gateway) Shutdown(ctx context.Context) error { return g.server.Shutdown(ctx) }

// Coordinator returns the room coordinator.
func (g *Gateway) Coordinator() *coordinator.Coordinator { return g.coord }

// Server returns the transport.
func (g *Gateway) Server() *ws.Server { return g.server }

func (g *Gateway) handleConnect(conn *ws.Connection) {
	if err := g.coord.OnConnect(conn.ID); err != nil {
		log.Warn().Err(err).Str("module", "gateway").Str("sid", conn.ID).Msg("connect broadcast incomplete")
	}
}

func (g *Gateway) handleDisconnect(connID string) {
	if err := g.coord.OnDisconnect(connID); err != nil {
		log.Warn().Err(err).Str("module", "gateway").Str("sid", connID).Msg("disconnect broadcast incomplete")
	}
}

func (g *Gateway) handleSendMessage(conn *ws.Connection, msg protocol.ClientMessage) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}

	if g.opts.Limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		allowed, _ := g.opts.Limiter.Allow(ctx, conn.ID, g.opts.MessageRule)
		if !allowed {
			retry := g.opts.Limiter.RetryAfter(ctx, conn.ID, g.opts.MessageRule)
			cancel()
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRateLimited).Inc()
			log.Debug().Str("module", "gateway").Str("sid", conn.ID).Int("retry_after", retry).Msg("message rate limited")
			if err := conn.WriteEvent(protocol.RateLimitedMsg{RetryAfter: retry}); err != nil {
				log.Warn().Err(err).Str("module", "gateway").Str("sid", conn.ID).Msg("failed to send rate_limited")
			}
			return
		}
		cancel()
	}

	_, err := g.coord.OnSendMessage(conn.ID, m.Message)
	var verr *coordinator.ValidationError
	switch {
	case errors.As(err, &verr):
		if err := conn.WriteEvent(protocol.ErrorMsg{Code: protocol.CodeInvalidMessage, Message: verr.Err.Error()}); err != nil {
			log.Warn().Err(err).Str("module", "gateway").Str("sid", conn.ID).Msg("failed to send error")
		}
		return
	case err != nil:
		log.Warn().Err(err).Str("module", "gateway").Str("sid", conn.ID).Msg("message broadcast incomplete")
	}

	if g.opts.Sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		if err := g.opts.Sessions.Touch(ctx, conn.ID); err != nil {
			log.Debug().Err(err).Str("module", "gateway").Str("sid", conn.ID).Msg("session touch failed")
		}
		cancel()
	}
}

// admit applies the per-IP connect rule before an upgrade.
func (g *Gateway) admit(r *http.Request) bool {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	ctx, cancel := context.WithTimeout(r.Context(), redisTimeout)
	defer cancel()
	allowed, _ := g.opts.Limiter.Allow(ctx, ip, g.opts.ConnectRule)
	if !allowed {
		log.Info().Str("module", "gateway").Str("ip", ip).Msg("connect rate limited")
	}
	return allowed
}
