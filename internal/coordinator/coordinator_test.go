package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twomark/twomark/internal/chat"
	"github.com/twomark/twomark/internal/metrics"
	"github.com/twomark/twomark/internal/presence"
	"github.com/twomark/twomark/internal/protocol"
	"github.com/twomark/twomark/internal/status"
)

// recorder is an Emitter that keeps every frame per session and can be told
// to fail for specific sessions.
type recorder struct {
	mu     sync.Mutex
	frames map[string][]map[string]interface{}
	fail   map[string]bool
}

func newRecorder() *recorder {
	return &recorder{
		frames: make(map[string][]map[string]interface{}),
		fail:   make(map[string]bool),
	}
}

func (r *recorder) SendMessage(sessionID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[sessionID] {
		return fmt.Errorf("connection %s not found", sessionID)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.frames[sessionID] = append(r.frames[sessionID], m)
	return nil
}

// take returns and clears the frames recorded for sessionID.
func (r *recorder) take(sessionID string) []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.frames[sessionID]
	delete(r.frames, sessionID)
	return out
}

func (r *recorder) setFail(sessionID string, fail bool) {
	r.mu.Lock()
	r.fail[sessionID] = fail
	r.mu.Unlock()
}

func types(frames []map[string]interface{}) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f["type"].(string))
	}
	return out
}

type mirrorRecorder struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (m *mirrorRecorder) PublishRoomEvent(roomID string, data []byte) error {
	var env struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &env)
	m.mu.Lock()
	m.events = append(m.events, roomID+":"+env.Type)
	m.mu.Unlock()
	return m.err
}

var fixedNow = time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)

func newTestCoordinator(opts ...Option) (*Coordinator, *recorder) {
	rec := newRecorder()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(presence.NewRegistry(), rec, opts...), rec
}

func TestScenarioA_FirstConnect(t *testing.T) {
	c, rec := newTestCoordinator()

	require.NoError(t, c.OnConnect("x"))

	frames := rec.take("x")
	require.Equal(t, []string{protocol.TypeStatusUpdate}, types(frames))
	assert.Equal(t, float64(1), frames[0]["online_count"])
	assert.Equal(t, false, frames[0]["recipient_online"])
	assert.Equal(t, OnePresent, c.State())
}

func TestScenarioB_SendWhileAlone(t *testing.T) {
	c, rec := newTestCoordinator()
	require.NoError(t, c.OnConnect("x"))
	rec.take("x")

	msg, err := c.OnSendMessage("x", "hi")
	require.NoError(t, err)
	assert.Equal(t, status.Delivered, msg.Status)
	assert.Equal(t, 1, msg.OnlineCount)

	frames := rec.take("x")
	require.Len(t, frames, 1)
	f := frames[0]
	assert.Equal(t, protocol.TypeReceiveMessage, f["type"])
	assert.Equal(t, "x", f["sender_id"])
	assert.Equal(t, "hi", f["text"])
	assert.Equal(t, "2024-03-09 14:05:07", f["time"])
	assert.Equal(t, float64(1), f["status"])
	assert.Equal(t, float64(1), f["online_count"])
}

func TestScenarioC_SecondParticipantJoins(t *testing.T) {
	c, rec := newTestCoordinator()
	require.NoError(t, c.OnConnect("x"))
	rec.take("x")

	before := testutil.ToFloat64(metrics.ReadUpgradesTotal)
	require.NoError(t, c.OnConnect("y"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ReadUpgradesTotal))

	for _, sid := range []string{"x", "y"} {
		frames := rec.take(sid)
		require.Equal(t, []string{protocol.TypeStatusUpdate, protocol.TypeUpdateReadStatus}, types(frames), sid)
		assert.Equal(t, float64(2), frames[0]["online_count"])
		assert.Equal(t, true, frames[0]["recipient_online"])
		assert.Equal(t, float64(2), frames[1]["status"])
	}
	assert.Equal(t, TwoPresent, c.State())
}

func TestScenarioD_SendWhileBothPresent(t *testing.T) {
	c, rec := newTestCoordinator()
	require.NoError(t, c.OnConnect("x"))
	require.NoError(t, c.OnConnect("y"))
	rec.take("x")
	rec.take("y")

	msg, err := c.OnSendMessage("x", "hi")
	require.NoError(t, err)
	assert.Equal(t, status.Read, msg.Status)

	for _, sid := range []string{"x", "y"} {
		frames := rec.take(sid)
		require.Len(t, frames, 1, sid)
		assert.Equal(t, protocol.TypeReceiveMessage, frames[0]["type"])
		assert.Equal(t, "x", frames[0]["sender_id"])
		assert.Equal(t, float64(2), frames[0]["status"])
		assert.Equal(t, float64(2), frames[0]["online_count"])
	}
}

func TestScenarioE_PartnerDisconnects(t *testing.T) {
	c, rec := newTestCoordinator()
	require.NoError(t, c.OnConnect("x"))
	require.NoError(t, c.OnConnect("y"))
	rec.take("x")
	rec.take("y")

	require.NoError(t, c.OnDisconnect("y"))

	frames := rec.take("x")
	require.Equal(t, []string{protocol.TypeStatusUpdate}, types(frames))
	assert.Equal(t, float64(1), frames[0]["online_count"])
	assert.Equal(t, false, frames[0]["recipient_online"])
	assert.Empty(t, rec.take("y"), "departed session gets nothing")
}

func TestReconnectAnnouncesUpgradeAgain(t *testing.T) {
	c, rec := newTestCoordinator()
	require.NoError(t, c.OnConnect("x"))
	require.NoError(t, c.OnConnect("y"))
	require.NoError(t, c.OnDisconnect("y"))
	rec.take("x")

	require.NoError(t, c.OnConnect("y2"))
	assert.Equal(t, []string{protocol.TypeStatusUpdate, protocol.TypeUpdateReadStatus}, types(rec.take("x")))
}

func TestNoUpgradeBeyondTwo(t *testing.T) {
	c, rec := newTestCoordinator()
	require.NoError(t, c.OnConnect("x"))
	require.NoError(t, c.OnConnect("y"))
	rec.take("x")

	require.NoError(t, c.OnConnect("z"))
	frames := rec.take("x")
	require.Equal(t, []string{protocol.TypeStatusUpdate}, types(frames))
	assert.Equal(t, float64(3), frames[0]["online_count"])
	assert.Equal(t, false, frames[0]["recipient_online"])
	assert.Equal(t, Crowded, c.State())

	msg, err := c.OnSendMessage("z", "hello all")
	require.NoError(t, err)
	assert.Equal(t, status.Read, msg.Status)
}

func TestDuplicateConnectDoesNotUpgrade(t *testing.T) {
	c, rec := newTestCoordinator()
	require.NoError(t, c.OnConnect("x"))
	rec.take("x")

	require.NoError(t, c.OnConnect("x"))
	frames := rec.take("x")
	require.Equal(t, []string{protocol.TypeStatusUpdate}, types(frames))
	assert.Equal(t, 1, c.OnlineCount())
}

func TestDisconnectUnknownSessionIsNoop(t *testing.T) {
	c, rec := newTestCoordinator()

	require.NoError(t, c.OnDisconnect("ghost"))
	assert.Equal(t, 0, c.OnlineCount())
	assert.Equal(t, Empty, c.State())

	require.NoError(t, c.OnConnect("x"))
	rec.take("x")
	require.NoError(t, c.OnDisconnect("x"))
	require.NoError(t, c.OnDisconnect("x"))
	assert.Equal(t, 0, c.OnlineCount())
}

func TestSendMessageValidation(t *testing.T) {
	c, rec := newTestCoordinator()
	require.NoError(t, c.OnConnect("x"))
	rec.take("x")

	_, err := c.OnSendMessage("x", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.True(t, errors.Is(err, chat.ErrInvalidMessage))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "x", verr.SessionID)

	assert.Empty(t, rec.take("x"), "rejected messages are not broadcast")
	assert.Equal(t, 1, c.OnlineCount())
}

func TestTransportErrorSurfacesWithoutCorruptingRoom(t *testing.T) {
	c, rec := newTestCoordinator()
	require.NoError(t, c.OnConnect("x"))
	rec.setFail("y", true)

	err := c.OnConnect("y")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, []string{"y"}, terr.Sessions)

	// Membership was applied and the healthy member still got both events.
	assert.Equal(t, 2, c.OnlineCount())
	assert.Equal(t, []string{protocol.TypeStatusUpdate, protocol.TypeStatusUpdate, protocol.TypeUpdateReadStatus}, types(rec.take("x")))

	_, err = c.OnSendMessage("x", "hi")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, protocol.TypeReceiveMessage, terr.Event)
	assert.Len(t, rec.take("x"), 1)
}

func TestMirrorReceivesEveryBroadcast(t *testing.T) {
	m := &mirrorRecorder{err: errors.New("nats down")}
	c, _ := newTestCoordinator(WithMirror(m))

	require.NoError(t, c.OnConnect("x"))
	require.NoError(t, c.OnConnect("y"))
	_, err := c.OnSendMessage("y", "hey")
	require.NoError(t, err, "mirror failures are not transport failures")

	assert.Equal(t, []string{
		RoomID + ":" + protocol.TypeStatusUpdate,
		RoomID + ":" + protocol.TypeStatusUpdate,
		RoomID + ":" + protocol.TypeUpdateReadStatus,
		RoomID + ":" + protocol.TypeReceiveMessage,
	}, m.events)
}

func TestConcurrentConnectsAnnounceUpgradeOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		c, rec := newTestCoordinator()

		var wg sync.WaitGroup
		wg.Add(2)
		for _, sid := range []string{"x", "y"} {
			go func(sid string) {
				defer wg.Done()
				_ = c.OnConnect(sid)
			}(sid)
		}
		wg.Wait()

		upgrades := 0
		for _, sid := range []string{"x", "y"} {
			for _, typ := range types(rec.take(sid)) {
				if typ == protocol.TypeUpdateReadStatus {
					upgrades++
				}
			}
		}
		// One announcement, delivered to both members.
		require.Equal(t, 2, upgrades)
	}
}

func TestConcurrentConnectsNeverShowStaleCount(t *testing.T) {
	for i := 0; i < 50; i++ {
		c, rec := newTestCoordinator()

		var wg sync.WaitGroup
		wg.Add(2)
		for _, sid := range []string{"x", "y"} {
			go func(sid string) {
				defer wg.Done()
				_ = c.OnConnect(sid)
			}(sid)
		}
		wg.Wait()

		for _, sid := range []string{"x", "y"} {
			var counts []float64
			for _, f := range rec.take(sid) {
				if f["type"] == protocol.TypeStatusUpdate {
					counts = append(counts, f["online_count"].(float64))
				}
			}
			require.NotEmpty(t, counts, sid)
			assert.Equal(t, float64(2), counts[len(counts)-1], "%s last saw %v", sid, counts)
		}
	}
}

func TestRoomOnlineGaugeTracksFinalCount(t *testing.T) {
	c, _ := newTestCoordinator()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = c.OnConnect(sid)
				_ = c.OnDisconnect(sid)
			}
			_ = c.OnConnect(sid)
		}(fmt.Sprintf("s%d", i))
	}
	wg.Wait()

	require.Equal(t, 16, c.OnlineCount())
	assert.Equal(t, float64(16), testutil.ToFloat64(metrics.RoomOnline))

	require.NoError(t, c.OnDisconnect("s0"))
	assert.Equal(t, float64(15), testutil.ToFloat64(metrics.RoomOnline))
}

func TestStateFor(t *testing.T) {
	assert.Equal(t, Empty, StateFor(0))
	assert.Equal(t, OnePresent, StateFor(1))
	assert.Equal(t, TwoPresent, StateFor(2))
	assert.Equal(t, Crowded, StateFor(5))
	assert.Equal(t, "two_present", TwoPresent.String())
}
