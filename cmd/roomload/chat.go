package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/twomark/twomark/internal/loadstats"
	"github.com/twomark/twomark/internal/protocol"
	"github.com/twomark/twomark/internal/wsclient"
)

// runChat connects the participants to the room and has each one send a
// message every interval. Every participant receives every message, so the
// server's fan-out grows with the square of the participant count. Echo
// latency is measured from send to the sender's own receive_message.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	participants := fs.Int("participants", 2, "Number of clients in the room")
	ramp := fs.Duration("ramp", 2*time.Second, "Ramp-up duration for connection creation")
	duration := fs.Duration("duration", 30*time.Second, "How long participants chat")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per participant")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d participants to %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		*participants, *url, *ramp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect participants ---")
	clients, interrupted := rampUp(ctx, rampConfig{
		url: *url, total: *participants, ramp: *ramp, concurrency: *concurrency,
	}, collector)

	if interrupted || len(clients) == 0 {
		fmt.Println("Skipping chat phase.")
		closeAll(clients)
		scraper.Stop()
		collector.Report(os.Stdout)
		return
	}

	fmt.Printf("\n--- Phase 2: Chat for %s ---\n", *duration)

	payload := strings.Repeat("abcdefgh", (*msgSize/8)+1)[:*msgSize]
	chatCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var (
		sent, recv, limited atomic.Int64
		wg                  sync.WaitGroup
	)

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] sent: %d  recv: %d  rate_limited: %d  errors: %d\n",
					sent.Load(), recv.Load(), limited.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	start := time.Now()
	for _, c := range clients {
		p := &participant{client: c, pending: make(map[int]time.Time)}
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.receive(chatCtx, collector, &recv, &limited)
		}()
		go func() {
			defer wg.Done()
			p.send(chatCtx, *msgInterval, payload, collector, &sent)
		}()
	}

	wg.Wait()
	close(progressStop)
	elapsed := time.Since(start)

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Participants:      %d\n", len(clients))
	fmt.Printf("Total msg sent:    %d\n", sent.Load())
	fmt.Printf("Total msg recv:    %d (expected ~%d)\n", recv.Load(), sent.Load()*int64(len(clients)))
	fmt.Printf("Rate limited:      %d\n", limited.Load())
	if elapsed.Seconds() > 0 && sent.Load() > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s in, %.1f msg/s out\n",
			float64(sent.Load())/elapsed.Seconds(), float64(recv.Load())/elapsed.Seconds())
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)
	scraper.Stop()
	collector.Report(os.Stdout)
}

// participant tracks the send time of its own in-flight messages.
type participant struct {
	client *wsclient.Client

	mu      sync.Mutex
	seq     int
	pending map[int]time.Time
}

func (p *participant) send(ctx context.Context, interval time.Duration, payload string,
	collector *loadstats.Collector, sent *atomic.Int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			p.seq++
			seq := p.seq
			p.pending[seq] = time.Now()
			p.mu.Unlock()

			if err := p.client.SendMessage(strconv.Itoa(seq) + ":" + payload); err != nil {
				collector.AddError()
				return
			}
			sent.Add(1)
		}
	}
}

func (p *participant) receive(ctx context.Context, collector *loadstats.Collector, recv, limited *atomic.Int64) {
	for {
		ev, err := p.client.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				collector.AddError()
			}
			return
		}

		switch ev.Type {
		case protocol.TypeReceiveMessage:
			var m protocol.ReceiveMessageMsg
			if err := ev.Decode(&m); err != nil {
				collector.AddError()
				continue
			}
			recv.Add(1)
			collector.AddStatus(m.Status.String())
			if m.SenderID == p.client.SessionID() {
				p.echoed(m.Text, collector)
			}
		case protocol.TypeRateLimited:
			limited.Add(1)
		case protocol.TypeError:
			collector.AddError()
		}
	}
}

// echoed records the latency of one of our own messages coming back.
func (p *participant) echoed(text string, collector *loadstats.Collector) {
	prefix, _, ok := strings.Cut(text, ":")
	if !ok {
		return
	}
	seq, err := strconv.Atoi(prefix)
	if err != nil {
		return
	}

	p.mu.Lock()
	sentAt, found := p.pending[seq]
	delete(p.pending, seq)
	p.mu.Unlock()

	if found {
		collector.AddMsgLatency(time.Since(sentAt))
	}
}
