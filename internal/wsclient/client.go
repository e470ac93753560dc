// Package wsclient is a small WebSocket client for the chat room. It dials
// with gobwas/ws (the same library the server uses), waits for the
// session_created handshake and hands received events back in order. It
// backs the end-to-end tests and the load tool.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/twomark/twomark/internal/protocol"
)

// ErrClosed is returned by Next once the connection is gone and every
// buffered event has been consumed.
var ErrClosed = errors.New("wsclient: connection closed")

// Event is one server frame.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the frame into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Raw, v)
}

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	PongsReceived    int
	LastPong         []byte // payload of the most recent pong
	Errors           int
}

// Client is one chat participant.
type Client struct {
	conn      net.Conn
	reader    io.Reader
	sessionID string

	writeMu sync.Mutex
	mu      sync.Mutex
	metrics Metrics

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url and blocks until the server assigns a session ID or
// ctx is done.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}

	c := &Client{
		conn:   conn,
		reader: conn,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	// Frames sent right after the handshake may already sit in br.
	if br != nil {
		c.reader = br
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	ev, err := c.NextOfType(ctx, protocol.TypeSessionCreated)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("wsclient: waiting for session: %w", err)
	}
	var created protocol.SessionCreatedMsg
	if err := ev.Decode(&created); err != nil || created.SessionID == "" {
		c.Close()
		return nil, fmt.Errorf("wsclient: bad session_created frame %s", ev.Raw)
	}
	c.sessionID = created.SessionID

	return c, nil
}

// SessionID returns the session ID assigned by the server.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Send marshals msg and writes it as a text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsclient: marshal: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes data as a text frame without inspecting it.
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// WriteFrame masks f and writes it in one call. Unlike Send it does not
// build a message, so callers can emit control frames and fragments.
func (c *Client) WriteFrame(f ws.Frame) error {
	if !f.Header.Masked {
		f = ws.MaskFrame(f)
	}
	data, err := ws.CompileFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// WriteHeader writes a bare frame header. Any payload must follow through
// further raw writes.
func (c *Client) WriteHeader(h ws.Header) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteHeader(c.conn, h)
}

// SendMessage posts a chat message to the room.
func (c *Client) SendMessage(text string) error {
	return c.Send(protocol.SendMessageMsg{Type: protocol.TypeSendMessage, Message: text})
}

// Ping sends an application-level ping; the server answers with pong.
func (c *Client) Ping() error {
	return c.Send(protocol.PingMsg{Type: protocol.TypePing})
}

// Next returns the next event in arrival order.
func (c *Client) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// NextOfType discards events until one of type typ arrives.
func (c *Client) NextOfType(ctx context.Context, typ string) (Event, error) {
	for {
		ev, err := c.Next(ctx)
		if err != nil {
			return Event{}, err
		}
		if ev.Type == typ {
			return ev, nil
		}
	}
}

// Expect is NextOfType with a timeout.
func (c *Client) Expect(typ string, timeout time.Duration) (Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.NextOfType(ctx, typ)
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop reads frames until the connection fails, then closes events.
// Control frames (the server's heartbeat pings) are answered by wsutil.
func (c *Client) readLoop() {
	defer close(c.events)

	control := wsutil.ControlFrameHandler(lockedWriter{c}, ws.StateClientSide)
	rd := &wsutil.Reader{
		Source:         c.reader,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			c.countError()
			return
		}
		if hdr.OpCode == ws.OpPong {
			payload, err := io.ReadAll(rd)
			if err != nil {
				c.countError()
				return
			}
			c.mu.Lock()
			c.metrics.PongsReceived++
			c.metrics.LastPong = payload
			c.mu.Unlock()
			continue
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				var closed wsutil.ClosedError
				if !errors.As(err, &closed) {
					c.countError()
				}
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			c.countError()
			return
		}
		if hdr.OpCode != ws.OpText {
			continue
		}

		var envelope protocol.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.countError()
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		select {
		case c.events <- Event{Type: envelope.Type, Raw: envelope.Raw}:
		case <-c.done:
			return
		}
	}
}

func (c *Client) countError() {
	select {
	case <-c.done:
		// Closed on purpose; not an error.
		return
	default:
	}
	c.mu.Lock()
	c.metrics.Errors++
	c.mu.Unlock()
}

// lockedWriter serializes control-frame replies with Send.
type lockedWriter struct{ c *Client }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
