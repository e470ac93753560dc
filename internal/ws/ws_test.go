package ws

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twomark/twomark/internal/protocol"
)

// pipeConn returns a server-side Connection and the client end of its pipe.
func pipeConn(t *testing.T, id string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c := &Connection{ID: id, Conn: server, Fd: -1, CreatedAt: time.Now()}
	c.Touch(c.CreatedAt)
	return c, client
}

// readEvent reads one server text frame from client and decodes its type.
func readEvent(t *testing.T, client net.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(client)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// ---------------------------------------------------------------------------
// ConnectionManager
// ---------------------------------------------------------------------------

func TestConnectionManager_AddGetRemove(t *testing.T) {
	cm := NewConnectionManager()
	a, _ := pipeConn(t, "a")
	b, _ := pipeConn(t, "b")

	cm.Add(a)
	cm.Add(b)
	assert.Equal(t, 2, cm.Count())
	assert.Same(t, a, cm.Get("a"))
	assert.Same(t, b, cm.GetByConn(b.Conn))
	assert.Len(t, cm.All(), 2)

	assert.True(t, cm.Remove("a"))
	assert.False(t, cm.Remove("a"), "second remove reports nothing removed")
	assert.Nil(t, cm.Get("a"))
	assert.Nil(t, cm.GetByConn(a.Conn))
	assert.Equal(t, 1, cm.Count())
}

func TestConnectionManager_ConcurrentRemoveOnce(t *testing.T) {
	cm := NewConnectionManager()
	c, _ := pipeConn(t, "x")
	cm.Add(c)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removed int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cm.Remove("x") {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, removed)
}

// ---------------------------------------------------------------------------
// MessageDispatcher
// ---------------------------------------------------------------------------

func TestDispatch_RoutesToHandler(t *testing.T) {
	d := NewMessageDispatcher()
	conn, _ := pipeConn(t, "s1")

	got := make(chan protocol.ClientMessage, 1)
	d.Register(protocol.TypeSendMessage, func(c *Connection, msg protocol.ClientMessage) {
		assert.Equal(t, "s1", c.ID)
		got <- msg
	})

	d.Dispatch(conn, []byte(`{"type":"send_message","message":"hi"}`))

	select {
	case msg := <-got:
		m, ok := msg.(protocol.SendMessageMsg)
		require.True(t, ok)
		assert.Equal(t, "hi", m.Message)
	default:
		t.Fatal("handler not called")
	}
}

func TestDispatch_Responses(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType string
		wantCode string
	}{
		{"ping", `{"type":"ping"}`, protocol.TypePong, ""},
		{"malformed", `{"type":`, protocol.TypeError, protocol.CodeParseError},
		{"unknown type", `{"type":"end_chat"}`, protocol.TypeError, protocol.CodeUnsupportedType},
		{"known but unregistered", `{"type":"send_message","message":"x"}`, protocol.TypeError, protocol.CodeUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewMessageDispatcher()
			conn, client := pipeConn(t, "s1")

			go d.Dispatch(conn, []byte(tt.data))

			ev := readEvent(t, client)
			assert.Equal(t, tt.wantType, ev["type"])
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, ev["code"])
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

func TestCheckConnections(t *testing.T) {
	cfg := HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
	s := NewServer(DefaultServerConfig(), nil, nil)

	var (
		mu   sync.Mutex
		gone []string
	)
	s.SetOnDisconnect(func(id string) {
		mu.Lock()
		gone = append(gone, id)
		mu.Unlock()
	})

	now := time.Now()
	stale, _ := pipeConn(t, "stale")
	stale.Touch(now.Add(-time.Minute))
	fresh, client := pipeConn(t, "fresh")
	fresh.Touch(now.Add(-5 * time.Second))
	s.Connections().Add(stale)
	s.Connections().Add(fresh)

	// Drain raw bytes: a pipe write of the empty ping payload blocks until read.
	pinged := make(chan byte, 1)
	go func() {
		buf := make([]byte, 16)
		sent := false
		for {
			n, err := client.Read(buf)
			if n > 0 && !sent {
				pinged <- buf[0]
				sent = true
			}
			if err != nil {
				return
			}
		}
	}()

	checkConnections(s, cfg, now)

	assert.Equal(t, []string{"stale"}, gone)
	assert.Nil(t, s.Connections().Get("stale"))
	assert.NotNil(t, s.Connections().Get("fresh"))

	select {
	case b := <-pinged:
		assert.Equal(t, byte(0x80)|byte(ws.OpPing), b, "FIN ping frame")
	case <-time.After(2 * time.Second):
		t.Fatal("fresh connection was not pinged")
	}
}

func TestRemoveConnectionRunsDisconnectOnce(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	calls := 0
	s.SetOnDisconnect(func(string) { calls++ })

	c, _ := pipeConn(t, "x")
	s.Connections().Add(c)

	s.RemoveConnection(c)
	s.RemoveConnection(c)
	assert.Equal(t, 1, calls)
}

func TestSendMessageUnknownConnection(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	assert.Error(t, s.SendMessage("nobody", []byte(`{}`)))
}

func TestWriteCloseCarriesStatus(t *testing.T) {
	c, client := pipeConn(t, "big")

	errc := make(chan error, 1)
	go func() { errc <- c.WriteClose(ws.StatusMessageTooBig, "message too large") }()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	f, err := ws.ReadFrame(client)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	assert.Equal(t, ws.OpClose, f.Header.OpCode)
	assert.False(t, f.Header.Masked)
	code, reason := ws.ParseCloseFrameData(f.Payload)
	assert.Equal(t, ws.StatusMessageTooBig, code)
	assert.Equal(t, "message too large", reason)
}

func TestMaxMessageSizeFallsBackToDefault(t *testing.T) {
	s := NewServer(ServerConfig{WorkerPoolSize: 1}, nil, nil)
	assert.Equal(t, int64(DefaultMaxMessageSize), s.maxMessageSize())

	s = NewServer(ServerConfig{WorkerPoolSize: 1, MaxMessageSize: 512}, nil, nil)
	assert.Equal(t, int64(512), s.maxMessageSize())
}
