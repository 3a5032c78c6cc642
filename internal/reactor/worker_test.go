package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	closed int32
}

func (f *fakeConn) OnReactorClose() { atomic.StoreInt32(&f.closed, 1) }

func TestBindAndUnbind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWorker(0, 4)
	go w.Run(ctx)

	c := &fakeConn{}
	h, err := w.Bind(ctx, c)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	w.Unbind(h)
	deadline := time.After(time.Second)
	for atomic.LoadInt32(&c.closed) == 0 {
		select {
		case <-deadline:
			t.Fatal("OnReactorClose was not called")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestDeferRunsOnWorkerGoroutine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWorker(0, 4)
	go w.Run(ctx)

	done := make(chan struct{})
	w.Defer(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred task never ran")
	}
}

func TestAfterFiresOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWorker(0, 4)
	go w.Run(ctx)

	var count int32
	w.After(10*time.Millisecond, func() { atomic.AddInt32(&count, 1) }, nil)

	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("timer fired %d times, want 1", got)
	}
}

func TestEveryRepeatsUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWorker(0, 4)
	go w.Run(ctx)

	var count int32
	h := w.Every(10*time.Millisecond, func() { atomic.AddInt32(&count, 1) })

	time.Sleep(55 * time.Millisecond)
	h.Cancel()
	seenAtCancel := atomic.LoadInt32(&count)
	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != seenAtCancel {
		t.Fatalf("timer kept firing after Cancel: had %d, now %d", seenAtCancel, got)
	}
	if seenAtCancel < 2 {
		t.Fatalf("expected at least 2 fires before cancel, got %d", seenAtCancel)
	}
}

func TestPoolAssignIsStable(t *testing.T) {
	p := NewPool(4, 4)
	for _, key := range []int64{0, 1, 7, 1000, -5} {
		w1 := p.Assign(key)
		w2 := p.Assign(key)
		if w1 != w2 {
			t.Fatalf("Assign(%d) not stable: %v != %v", key, w1, w2)
		}
	}
}
