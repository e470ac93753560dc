// Package coordinator reacts to the connect, disconnect and send_message
// events of the single chat room. It updates presence, asks the status
// resolver what to announce, and fans the resulting events out to every room
// member through an Emitter.
//
// The registry lock is never held while emitting: each operation reads the
// counts and member list it needs in one critical section, then broadcasts.
// Connects and disconnects are additionally serialized with their own
// announcements, so every member sees presence counts in the order the
// changes happened. Chat messages do not take that lock.
package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/twomark/twomark/internal/chat"
	"github.com/twomark/twomark/internal/metrics"
	"github.com/twomark/twomark/internal/presence"
	"github.com/twomark/twomark/internal/protocol"
	"github.com/twomark/twomark/internal/status"
)

// RoomID is the one room every connection joins.
const RoomID = "main_chat_room"

// Emitter delivers an encoded event to a single connection.
type Emitter interface {
	SendMessage(sessionID string, data []byte) error
}

// Mirror receives a copy of every room broadcast (e.g. a NATS publisher).
type Mirror interface {
	PublishRoomEvent(roomID string, data []byte) error
}

// RoomState is the presence state of the room.
type RoomState int

const (
	Empty RoomState = iota
	OnePresent
	TwoPresent
	Crowded // three or more sessions; status rules treat it like TwoPresent
)

func (s RoomState) String() string {
	switch s {
	case Empty:
		return "empty"
	case OnePresent:
		return "one_present"
	case TwoPresent:
		return "two_present"
	default:
		return "crowded"
	}
}

// StateFor maps a member count to a RoomState.
func StateFor(count int) RoomState {
	switch {
	case count <= 0:
		return Empty
	case count == 1:
		return OnePresent
	case count == 2:
		return TwoPresent
	default:
		return Crowded
	}
}

// Coordinator owns the presence registry for the room and turns transport
// events into outbound broadcasts.
type Coordinator struct {
	lifecycle sync.Mutex // held across a join/leave and its announcements

	registry *presence.Registry
	emitter  Emitter
	mirror   Mirror
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the clock used to timestamp messages.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithMirror publishes a copy of every broadcast to m.
func WithMirror(m Mirror) Option {
	return func(c *Coordinator) { c.mirror = m }
}

// New creates a Coordinator over registry that emits through emitter.
func New(registry *presence.Registry, emitter Emitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: registry,
		emitter:  emitter,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	registry.OnChange(func(room string, count int) {
		if room == RoomID {
			metrics.RoomOnline.Set(float64(count))
		}
	})
	return c
}

// OnConnect adds sessionID to the room and announces the new presence to
// every member. When this join is the one that brings the second participant
// in, it also tells every member to upgrade delivered messages to read.
func (c *Coordinator) OnConnect(sessionID string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	t := c.registry.Join(RoomID, sessionID)

	log.Info().Str("module", "coordinator").Str("sid", sessionID).
		Int("online", t.Current).Str("state", StateFor(t.Current).String()).Msg("connected")

	ann := status.ResolvePresenceAnnouncement(t.Current)
	presenceErr := c.broadcast(protocol.NewStatusUpdate(ann), t.Members)

	var upgradeErr error
	if status.ShouldAnnounceRetroactiveUpgrade(t.Previous, t.Current) {
		metrics.ReadUpgradesTotal.Inc()
		log.Info().Str("module", "coordinator").Str("sid", sessionID).Msg("second participant joined, announcing read upgrade")
		upgradeErr = c.broadcast(protocol.UpdateReadStatusMsg{Status: status.Read}, t.Members)
	}

	return errors.Join(presenceErr, upgradeErr)
}

// OnDisconnect removes sessionID from the room and announces the new presence
// to the members that remain. Disconnecting a session that never joined, or
// one that already left, still announces the current count.
func (c *Coordinator) OnDisconnect(sessionID string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	t := c.registry.Leave(RoomID, sessionID)

	if !t.Changed {
		log.Debug().Str("module", "coordinator").Str("sid", sessionID).Msg("disconnect for session not in room")
	}
	log.Info().Str("module", "coordinator").Str("sid", sessionID).
		Int("online", t.Current).Str("state", StateFor(t.Current).String()).Msg("disconnected")

	ann := status.ResolvePresenceAnnouncement(t.Current)
	return c.broadcast(protocol.NewStatusUpdate(ann), t.Members)
}

// OnSendMessage validates text, stamps it with the status derived from the
// current presence count and broadcasts it to every member, the sender
// included, so the sender's own view shows the same marks. The returned
// message is valid even when some recipients could not be reached.
func (c *Coordinator) OnSendMessage(sessionID, text string) (chat.Message, error) {
	if err := chat.ValidateMessage(text); err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return chat.Message{}, &ValidationError{SessionID: sessionID, Err: err}
	}

	snap := c.registry.Snapshot(RoomID)
	msg := chat.NewMessage(sessionID, text, snap.Count, c.now())
	metrics.MessagesTotal.WithLabelValues(msg.Status.String()).Inc()

	log.Debug().Str("module", "coordinator").Str("sid", sessionID).
		Int("online", snap.Count).Int("status", int(msg.Status)).Int("text_len", len(text)).Msg("message")

	return msg, c.broadcast(protocol.NewReceiveMessage(msg), snap.Members)
}

// OnlineCount returns the number of sessions currently in the room.
func (c *Coordinator) OnlineCount() int {
	return c.registry.Count(RoomID)
}

// State returns the room's current presence state.
func (c *Coordinator) State() RoomState {
	return StateFor(c.registry.Count(RoomID))
}

// broadcast encodes ev once and emits it to each member. Every recipient is
// attempted; failures are collected into a TransportError.
func (c *Coordinator) broadcast(ev protocol.ServerEvent, members []string) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return fmt.Errorf("coordinator: encode %s: %w", ev.EventType(), err)
	}

	start := time.Now()
	var (
		failed []string
		errs   []error
	)
	for _, sid := range members {
		if err := c.emitter.SendMessage(sid, data); err != nil {
			failed = append(failed, sid)
			errs = append(errs, fmt.Errorf("session %s: %w", sid, err))
		}
	}
	metrics.BroadcastLatency.WithLabelValues(ev.EventType()).Observe(time.Since(start).Seconds())

	if c.mirror != nil {
		if err := c.mirror.PublishRoomEvent(RoomID, data); err != nil {
			log.Warn().Err(err).Str("module", "coordinator").Str("event", ev.EventType()).Msg("mirror publish failed")
		}
	}

	if len(errs) > 0 {
		return &TransportError{Event: ev.EventType(), Sessions: failed, Err: errors.Join(errs...)}
	}
	return nil
}
