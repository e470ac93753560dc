package loadstats

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// Server metric names read by the scraper.
const (
	metricConnections  = "twomark_connections_total"
	metricRoomOnline   = "twomark_room_online"
	metricMessages     = "twomark_messages_total"
	metricReadUpgrades = "twomark_read_upgrades_total"
	metricBroadcast    = "twomark_broadcast_latency_seconds"
)

// Snapshot holds the tracked server metrics at a point in time.
type Snapshot struct {
	Timestamp     time.Time
	Connections   float64
	RoomOnline    float64
	MessagesTotal float64 // summed over every outcome
	ReadUpgrades  float64
	BroadcastSum  float64 // histogram _sum over every event type
	BroadcastN    float64 // histogram _count over every event type
}

// Scraper periodically fetches the server's Prometheus endpoint and records
// snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []Snapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx
// is cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Snapshots returns a copy of the recorded snapshots.
func (s *Scraper) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// The server may not be up yet.
		return
	}

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (Snapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("loadstats: %s returned %s", s.metricsURL, resp.Status)
	}
	return ParseSnapshot(resp.Body, time.Now())
}

// ParseSnapshot reads Prometheus text exposition from r.
func ParseSnapshot(r io.Reader, at time.Time) (Snapshot, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("loadstats: parse metrics: %w", err)
	}

	snap := Snapshot{Timestamp: at}
	for name, mf := range families {
		for _, m := range mf.GetMetric() {
			switch name {
			case metricConnections:
				snap.Connections = m.GetGauge().GetValue()
			case metricRoomOnline:
				snap.RoomOnline = m.GetGauge().GetValue()
			case metricMessages:
				snap.MessagesTotal += m.GetCounter().GetValue()
			case metricReadUpgrades:
				snap.ReadUpgrades += m.GetCounter().GetValue()
			case metricBroadcast:
				h := m.GetHistogram()
				snap.BroadcastSum += h.GetSampleSum()
				snap.BroadcastN += float64(h.GetSampleCount())
			}
		}
	}
	return snap, nil
}

// Report writes initial, final, delta and peak values for each tracked
// metric and the average broadcast latency over the run.
func (s *Scraper) Report(w io.Writer) {
	snaps := s.Snapshots()
	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.Timestamp.Sub(first.Timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(Snapshot) float64
	}{
		{"Connections", func(s Snapshot) float64 { return s.Connections }},
		{"Room Online", func(s Snapshot) float64 { return s.RoomOnline }},
		{"Messages Total", func(s Snapshot) float64 { return s.MessagesTotal }},
		{"Read Upgrades", func(s Snapshot) float64 { return s.ReadUpgrades }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peakValue(snaps, r.extract))
	}

	fmt.Fprintln(w)
	deltaN := last.BroadcastN - first.BroadcastN
	if deltaN > 0 {
		avg := (last.BroadcastSum - first.BroadcastSum) / deltaN
		fmt.Fprintf(w, "  %-16s avg: %.6fs  (%.0f observations)\n", "Broadcast", avg, deltaN)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", "Broadcast")
	}
}

func peakValue(snaps []Snapshot, extract func(Snapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
