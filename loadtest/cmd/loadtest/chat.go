package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/parley/chat-server/loadtest/client"
	"github.com/parley/chat-server/loadtest/stats"
)

// runChat implements the room fan-out load test. Users are spread over a set
// of rooms; every user sends chat messages at a fixed interval and counts the
// chat_message frames it receives back. Because the server echoes persisted
// messages to the sender as well, each member of a room with M users should
// observe M * (messages sent per user) deliveries. Round-trip latency is
// measured on the sender's own echo.
//
// Sender usernames must exist in the users table (see 'loadtest help').
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	base := fs.String("url", "ws://localhost:8080", "WebSocket server base URL")
	users := fs.Int("users", 200, "Number of simulated users")
	rooms := fs.Int("rooms", 10, "Number of rooms to spread users over")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each user chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d users over %d rooms to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*users, *rooms, *base, *rampUp, *chatDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Slice to track all open connections for cleanup.
	var mu sync.Mutex
	clients := make([]*client.Client, 0, *users)

	// Global atomic counters for progress reporting.
	var totalMsgSent atomic.Int64
	var totalMsgRecv atomic.Int64
	var errorFrames atomic.Int64

	// Track whether ramp-up was interrupted so we can skip the chat phase.
	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1 — Connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	interval := *rampUp / time.Duration(*users)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentConns := collector.ConnectionCount()
				currentErrs := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentConns-lastCount) / dt
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, *users, currentErrs, rate)
				lastCount = currentConns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < *users {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = *users // Break the loop.
		case <-rampTicker.C:
			launched++
			n := launched
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				roomName := fmt.Sprintf("load-%d", n%*rooms)
				username := fmt.Sprintf("loadtest-%d", n)

				c, err := client.New(connCtx, *base, roomName, username)
				if err != nil {
					collector.AddError()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)
	mu.Lock()
	connectedCount := len(clients)
	mu.Unlock()
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		connectedCount, *users,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted || connectedCount == 0 {
		fmt.Println("Skipping chat phase.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — Chat
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: Chatting for %s ---\n", *chatDuration)

	// Generate message payload once (reused by all users). A marker prefix is
	// left in front so each sender can recognise its own echo for round-trip
	// latency measurement.
	filler := strings.Repeat("abcdefgh", (*msgSize/8)+1)

	// Progress reporting every 5 seconds.
	chatProgressStop := make(chan struct{})
	var chatProgressWg sync.WaitGroup
	chatProgressWg.Add(1)
	go func() {
		defer chatProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] sent: %d  recv: %d  error-frames: %d\n",
					totalMsgSent.Load(), totalMsgRecv.Load(), errorFrames.Load())
			case <-chatProgressStop:
				return
			}
		}
	}()

	chatStart := time.Now()
	chatCtx, chatCancel := context.WithTimeout(ctx, *chatDuration)
	defer chatCancel()

	var chatWg sync.WaitGroup
	mu.Lock()
	active := make([]*client.Client, len(clients))
	copy(active, clients)
	mu.Unlock()

	for i, c := range active {
		i, c := i, c
		chatWg.Add(1)
		go func() {
			defer chatWg.Done()
			runUser(chatCtx, c, *msgInterval, filler[:*msgSize],
				&totalMsgSent, &totalMsgRecv, &errorFrames, collector)
		}()

		// Stagger send loops slightly so rooms do not tick in lockstep.
		if i%50 == 49 {
			select {
			case <-time.After(100 * time.Millisecond):
			case <-chatCtx.Done():
			}
		}
	}

	chatWg.Wait()
	close(chatProgressStop)
	chatProgressWg.Wait()

	chatElapsed := time.Since(chatStart)

	// Drain: give in-flight fan-out a moment to land before counting.
	time.Sleep(2 * time.Second)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	sent := totalMsgSent.Load()
	recv := totalMsgRecv.Load()

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Users chatting:   %d\n", connectedCount)
	fmt.Printf("Total msg sent:   %d\n", sent)
	fmt.Printf("Total msg recv:   %d\n", recv)
	fmt.Printf("Error frames:     %d\n", errorFrames.Load())
	fmt.Printf("Chat duration:    %s\n", chatElapsed.Round(time.Millisecond))
	if chatElapsed.Seconds() > 0 && sent > 0 {
		fmt.Printf("Send throughput:  %.1f msg/s\n", float64(sent)/chatElapsed.Seconds())
		fmt.Printf("Recv throughput:  %.1f msg/s\n", float64(recv)/chatElapsed.Seconds())
	}
	if sent > 0 {
		// Every member of a room receives every message, sender included, so
		// the expected amplification is the average room population.
		fmt.Printf("Fan-out ratio:    %.2f recv/sent\n", float64(recv)/float64(sent))
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// runUser drives one connected user: it sends a chat message every interval
// until the context expires, counting received chat_message frames and
// measuring round-trip latency on its own echoes.
func runUser(
	ctx context.Context,
	c *client.Client,
	msgInterval time.Duration,
	payload string,
	totalMsgSent, totalMsgRecv, errorFrames *atomic.Int64,
	collector *stats.Collector,
) {
	// Pending send times keyed by message marker, for echo latency.
	var pending sync.Map

	c.On(client.TypeChatMessage, func(raw json.RawMessage) {
		totalMsgRecv.Add(1)

		var msg struct {
			Message  string `json:"message"`
			Username string `json:"username"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		if msg.Username != c.Username() {
			return
		}
		// Own echo: marker is the prefix up to the first space.
		marker, _, _ := strings.Cut(msg.Message, " ")
		if v, ok := pending.LoadAndDelete(marker); ok {
			collector.AddMsgLatency(time.Since(v.(time.Time)))
		}
	})

	c.On(client.TypeError, func(raw json.RawMessage) {
		errorFrames.Add(1)
	})

	ticker := time.NewTicker(msgInterval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			marker := fmt.Sprintf("%s-%d", c.Username(), seq)
			pending.Store(marker, time.Now())
			if err := c.SendChat(marker + " " + payload); err != nil {
				collector.AddError()
				return
			}
			totalMsgSent.Add(1)
		}
	}
}

// cleanup closes every tracked client connection.
func cleanup(clients []*client.Client, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("\nClosing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
