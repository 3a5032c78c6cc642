package asyncpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSubmitRunsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(4, zerolog.Nop())
	p.Start(ctx)

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if !p.Submit(func() {
			defer wg.Done()
			count.Add(1)
		}) {
			wg.Done()
		}
	}
	wg.Wait()
	if got := count.Load(); got != 100 {
		t.Fatalf("ran %d tasks, want 100", got)
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(1, zerolog.Nop())
	p.Start(ctx)

	p.Submit(func() { panic("boom") })

	done := make(chan struct{})
	deadline := time.After(2 * time.Second)
	for {
		if p.Submit(func() { close(done) }) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-done:
	case <-deadline:
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestFullQueueDrops(t *testing.T) {
	// Never started: no consumer drains the queue, so it fills.
	p := New(1, zerolog.Nop())

	dropped := false
	for i := 0; i < 1000; i++ {
		if !p.Submit(func() {}) {
			dropped = true
			break
		}
	}
	if !dropped {
		t.Fatal("expected Submit to report a drop once the queue filled")
	}
	if p.Dropped() == 0 {
		t.Fatal("drop counter not incremented")
	}
}
