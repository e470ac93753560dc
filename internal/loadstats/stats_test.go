package loadstats

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMetrics = `# HELP twomark_connections_total Current number of active WebSocket connections
# TYPE twomark_connections_total gauge
twomark_connections_total 4
# HELP twomark_room_online Number of sessions currently present in the chat room
# TYPE twomark_room_online gauge
twomark_room_online 3
# HELP twomark_messages_total Total number of chat messages processed, by outcome
# TYPE twomark_messages_total counter
twomark_messages_total{outcome="delivered"} 5
twomark_messages_total{outcome="read"} 7
# HELP twomark_read_upgrades_total Total number of update_read_status broadcasts
# TYPE twomark_read_upgrades_total counter
twomark_read_upgrades_total 2
# HELP twomark_broadcast_latency_seconds Room broadcast fan-out latency in seconds, by event type
# TYPE twomark_broadcast_latency_seconds histogram
twomark_broadcast_latency_seconds_bucket{event="receive_message",le="+Inf"} 12
twomark_broadcast_latency_seconds_sum{event="receive_message"} 0.024
twomark_broadcast_latency_seconds_count{event="receive_message"} 12
twomark_broadcast_latency_seconds_bucket{event="status_update",le="+Inf"} 4
twomark_broadcast_latency_seconds_sum{event="status_update"} 0.004
twomark_broadcast_latency_seconds_count{event="status_update"} 4
`

func TestParseSnapshot(t *testing.T) {
	at := time.Unix(100, 0)
	snap, err := ParseSnapshot(strings.NewReader(sampleMetrics), at)
	require.NoError(t, err)

	assert.Equal(t, at, snap.Timestamp)
	assert.Equal(t, 4.0, snap.Connections)
	assert.Equal(t, 3.0, snap.RoomOnline)
	assert.Equal(t, 12.0, snap.MessagesTotal)
	assert.Equal(t, 2.0, snap.ReadUpgrades)
	assert.InDelta(t, 0.028, snap.BroadcastSum, 1e-9)
	assert.Equal(t, 16.0, snap.BroadcastN)
}

func TestParseSnapshot_Malformed(t *testing.T) {
	_, err := ParseSnapshot(strings.NewReader("twomark_room_online{ 3\n"), time.Now())
	assert.Error(t, err)
}

func TestComputePercentiles(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	p := ComputePercentiles(ds)
	assert.Equal(t, 100, p.N)
	assert.Equal(t, 51*time.Millisecond, p.P50)
	assert.Equal(t, 95*time.Millisecond, p.P95)
	assert.Equal(t, 99*time.Millisecond, p.P99)
	assert.Equal(t, 100*time.Millisecond, p.Max)
	assert.Equal(t, 50500*time.Microsecond, p.Avg)

	assert.Equal(t, Percentiles{}, ComputePercentiles(nil))
}

func TestCollectorReport(t *testing.T) {
	c := NewCollector()
	c.AddConnect(2 * time.Millisecond)
	c.AddConnect(4 * time.Millisecond)
	c.AddError()
	c.AddMsgLatency(time.Millisecond)
	c.AddStatus("read")
	c.AddStatus("read")
	c.AddStatus("delivered")

	assert.Equal(t, 2, c.ConnectionCount())
	assert.Equal(t, 1, c.ErrorCount())

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Connections:  2")
	assert.Contains(t, out, "Error rate:   50.00%")
	assert.Contains(t, out, "--- Message Echo Latency ---")
	assert.Contains(t, out, "delivered  1")
	assert.Contains(t, out, "read       2")
}

func TestScraperCollectsSnapshots(t *testing.T) {
	var online atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "# TYPE twomark_room_online gauge\ntwomark_room_online %d\n", online.Add(1))
	}))
	defer srv.Close()

	s := NewScraper(srv.URL, 10*time.Millisecond)
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	snaps := s.Snapshots()
	require.GreaterOrEqual(t, len(snaps), 2)
	assert.Equal(t, 1.0, snaps[0].RoomOnline)

	var buf bytes.Buffer
	s.Report(&buf)
	assert.Contains(t, buf.String(), "Room Online")
}
