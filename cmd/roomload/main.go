// Command roomload drives load against the chat room.
//
//   - saturate: open N idle connections and hold them
//   - chat:     N participants exchange messages in the room
//
// Usage:
//
//	roomload <command> [options]
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/twomark/twomark/internal/loadstats"
	"github.com/twomark/twomark/internal/wsclient"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: roomload <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens N idle connections")
	fmt.Println("  chat        Room chat test: N participants send messages at an interval")
	fmt.Println()
	fmt.Println("Run 'roomload <command> -h' for command-specific options.")
}

// rampConfig controls how connections are opened.
type rampConfig struct {
	url         string
	total       int
	ramp        time.Duration
	concurrency int
}

// rampUp opens cfg.total connections spread over cfg.ramp, recording connect
// latency and failures in collector. It stops early when ctx is cancelled and
// reports whether it was interrupted.
func rampUp(ctx context.Context, cfg rampConfig, collector *loadstats.Collector) ([]*wsclient.Client, bool) {
	interval := cfg.ramp / time.Duration(cfg.total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*wsclient.Client, 0, cfg.total)
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, cfg.concurrency)

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount, lastTime := 0, time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				conns := collector.ConnectionCount()
				rate := float64(conns-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					conns, cfg.total, collector.ErrorCount(), rate)
				lastCount, lastTime = conns, now
			case <-progressStop:
				return
			}
		}
	}()

	start := time.Now()
	ticker := time.NewTicker(interval)
	interrupted := false

	for launched := 0; launched < cfg.total && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
		case <-ticker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()

				c, err := wsclient.Dial(connCtx, cfg.url)
				if err != nil {
					collector.AddError()
					return
				}
				collector.AddConnect(c.GetMetrics().ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}

	ticker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		len(clients), cfg.total, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	return clients, interrupted
}

func closeAll(clients []*wsclient.Client) {
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
