// Command ionrelay-bench is a WebSocket load generator for an ionrelay
// server: it ramps up N connections subscribed to a channel, optionally
// publishes through one of them, and reports message throughput and
// end-to-end latency.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type benchConfig struct {
	url         string
	connections int
	rampRate    int
	duration    time.Duration
	channel     string
	publishRate int
	payloadSize int
}

type benchState struct {
	active       atomic.Int64
	created      atomic.Int64
	failed       atomic.Int64
	received     atomic.Int64
	published    atomic.Int64
	latencySumNs atomic.Int64
	latencyCount atomic.Int64
}

func main() {
	cfg := benchConfig{}
	flag.StringVar(&cfg.url, "url", "ws://127.0.0.1:3000/ws", "server WebSocket URL")
	flag.IntVar(&cfg.connections, "c", 100, "target connections")
	flag.IntVar(&cfg.rampRate, "ramp", 50, "connections opened per second")
	flag.DurationVar(&cfg.duration, "d", 30*time.Second, "sustain duration after ramp")
	flag.StringVar(&cfg.channel, "channel", "bench", "channel every connection subscribes to")
	flag.IntVar(&cfg.publishRate, "rate", 10, "publishes per second from the publisher connection")
	flag.IntVar(&cfg.payloadSize, "size", 256, "publish payload bytes")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state := &benchState{}
	var wg sync.WaitGroup

	log.Printf("ramping %d connections to %s at %d/s", cfg.connections, cfg.url, cfg.rampRate)

	subscribeURL := fmt.Sprintf("%s?subscribe=%s", cfg.url, cfg.channel)
	interval := time.Second / time.Duration(cfg.rampRate)
	for i := 0; i < cfg.connections && ctx.Err() == nil; i++ {
		wg.Add(1)
		go runSubscriber(ctx, &wg, subscribeURL, state)
		time.Sleep(interval)
	}

	// One extra connection publishes; everyone else measures.
	wg.Add(1)
	go runPublisher(ctx, &wg, cfg, state)

	go reportLoop(ctx, state)

	select {
	case <-ctx.Done():
	case <-time.After(cfg.duration + time.Duration(cfg.connections/cfg.rampRate)*time.Second):
	}
	stop()
	wg.Wait()
	report(state)
}

func runSubscriber(ctx context.Context, wg *sync.WaitGroup, url string, state *benchState) {
	defer wg.Done()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		state.failed.Add(1)
		return
	}
	defer conn.Close()
	state.created.Add(1)
	state.active.Add(1)
	defer state.active.Add(-1)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		state.received.Add(1)
		if ts, ok := parseTimestamp(payload); ok {
			state.latencySumNs.Add(time.Since(ts).Nanoseconds())
			state.latencyCount.Add(1)
		}
	}
}

func runPublisher(ctx context.Context, wg *sync.WaitGroup, cfg benchConfig, state *benchState) {
	defer wg.Done()

	url := fmt.Sprintf("%s?publish_to=%s", cfg.url, cfg.channel)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		log.Printf("publisher dial failed: %v", err)
		return
	}
	defer conn.Close()

	padding := make([]byte, cfg.payloadSize)
	for i := range padding {
		padding[i] = 'x'
	}

	ticker := time.NewTicker(time.Second / time.Duration(cfg.publishRate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload := append(strconv.AppendInt(nil, time.Now().UnixNano(), 10), ' ')
			payload = append(payload, padding...)
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			state.published.Add(1)
		}
	}
}

// parseTimestamp recovers the publisher's send time from a payload's
// leading "unixnano " prefix.
func parseTimestamp(payload []byte) (time.Time, bool) {
	for i, b := range payload {
		if b == ' ' {
			ns, err := strconv.ParseInt(string(payload[:i]), 10, 64)
			if err != nil {
				return time.Time{}, false
			}
			return time.Unix(0, ns), true
		}
	}
	return time.Time{}, false
}

func reportLoop(ctx context.Context, state *benchState) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastReceived int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			received := state.received.Load()
			log.Printf("active=%d received=%d (+%d) published=%d failed=%d",
				state.active.Load(), received, received-lastReceived,
				state.published.Load(), state.failed.Load())
			lastReceived = received
		}
	}
}

func report(state *benchState) {
	fmt.Printf("\nconnections: created=%d failed=%d\n", state.created.Load(), state.failed.Load())
	fmt.Printf("messages: published=%d received=%d\n", state.published.Load(), state.received.Load())
	if n := state.latencyCount.Load(); n > 0 {
		avg := time.Duration(state.latencySumNs.Load() / n)
		fmt.Printf("latency: avg=%s over %d samples\n", avg, n)
	}
	os.Exit(0)
}
