package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to a local NATS server. Tests that call this helper
// require nats-server on localhost:4222.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = "twomark-test"
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestRoomSubject(t *testing.T) {
	assert.Equal(t, "room.main_chat_room", RoomSubject("main_chat_room"))
	assert.Equal(t, "room.*", RoomSubject("*"))
}

func TestPublishSubscribeRoomEvents(t *testing.T) {
	c := newTestClient(t)

	got := make(chan string, 4)
	require.NoError(t, c.SubscribeRoomEvents("test_room", func(subject string, data []byte) {
		got <- subject + " " + string(data)
	}))
	require.NoError(t, c.Flush())

	require.NoError(t, c.PublishRoomEvent("test_room", []byte(`{"type":"status_update"}`)))
	require.NoError(t, c.PublishRoomEvent("other_room", []byte(`{"type":"ignored"}`)))
	require.NoError(t, c.Flush())

	select {
	case msg := <-got:
		assert.Equal(t, `room.test_room {"type":"status_update"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room event")
	}

	select {
	case msg := <-got:
		t.Fatalf("unexpected event %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeRoomEvents(t *testing.T) {
	c := newTestClient(t)

	require.NoError(t, c.SubscribeRoomEvents("test_unsub", func(string, []byte) {}))
	require.NoError(t, c.UnsubscribeRoomEvents("test_unsub"))
	assert.Error(t, c.UnsubscribeRoomEvents("test_unsub"), "second unsubscribe has nothing to remove")
}
