package capacity

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestConnectionLimitRejects(t *testing.T) {
	g := NewGuard(Config{MaxConnections: 2}, zerolog.Nop())

	if ok, _ := g.ShouldAcceptConnection(); !ok {
		t.Fatal("empty guard rejected a connection")
	}
	g.ConnOpened()
	g.ConnOpened()
	if ok, reason := g.ShouldAcceptConnection(); ok {
		t.Fatal("guard accepted past the connection limit")
	} else if reason == "" {
		t.Fatal("rejection carried no reason")
	}
	g.ConnClosed()
	if ok, _ := g.ShouldAcceptConnection(); !ok {
		t.Fatal("guard still rejecting after a close freed a slot")
	}
}

func TestUnlimitedEventKindAlwaysPasses(t *testing.T) {
	g := NewGuard(Config{}, zerolog.Nop())
	for i := 0; i < 1000; i++ {
		if !g.AllowEvent(EventPublish) {
			t.Fatal("unlimited kind was throttled")
		}
	}
}

func TestRateLimitedEventKindThrottles(t *testing.T) {
	g := NewGuard(Config{
		EventRates: map[Event]int{EventPublish: 10},
	}, zerolog.Nop())

	// Burst capacity is 2x the rate; draining well past it must hit the
	// limiter.
	throttled := false
	for i := 0; i < 100; i++ {
		if !g.AllowEvent(EventPublish) {
			throttled = true
			break
		}
	}
	if !throttled {
		t.Fatal("rate-limited kind never throttled")
	}
}

func TestZeroThresholdsDisableBrakes(t *testing.T) {
	g := NewGuard(Config{}, zerolog.Nop())
	g.currentCPU.Store(99.9)
	if ok, _ := g.ShouldAcceptConnection(); !ok {
		t.Fatal("CPU brake fired with no threshold configured")
	}
	if g.ShouldPauseEngines() {
		t.Fatal("engine pause fired with no threshold configured")
	}
}
