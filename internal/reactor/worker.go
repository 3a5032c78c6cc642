// Package reactor implements the single-goroutine-per-worker event loop at
// the core of the runtime. It generalizes the teacher's per-shard
// goroutine (one map of clients, one map of subscriptions, all state
// mutated only from inside that goroutine's select loop) from a
// WebSocket-specific client registry into a protocol-agnostic connection
// registry plus a deferred-task queue and a timer heap, so the same
// no-lock-needed discipline serves HTTP, WebSocket, and SSE connections
// alike.
package reactor

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/ionrelay/ionrelay/internal/connhandle"
	"github.com/ionrelay/ionrelay/internal/metrics"
)

// Conn is the minimal lifecycle contract a reactor worker needs from
// anything it owns a slot for. Protocol engines embed a concrete
// connection type that satisfies this and register it with Bind.
type Conn interface {
	// OnReactorClose is called exactly once, on the owning worker's
	// goroutine, when the connection is removed from the worker (either
	// because it closed itself or the worker is shutting down).
	OnReactorClose()
}

// command is the sealed set of cross-goroutine requests a Worker accepts.
// Every command is executed only inside Run's select loop, which is what
// keeps the registry and timer heap lock-free.
type command struct {
	bind   *bindCmd
	unbind *connhandle.Handle
	task   Task
	timer  *timerEntry
	cancel *timerEntry
}

type bindCmd struct {
	conn  Conn
	reply chan connhandle.Handle
}

// Worker is one reactor: a connection arena, a deferred task queue, and a
// timer heap, all owned by the single goroutine running Run.
type Worker struct {
	id int

	arena  *connhandle.Arena
	tasks  taskQueue
	timers timerHeap

	commands chan command
	done     chan struct{}
}

// NewWorker constructs a worker with the given id (used only for logging and
// metrics labels) and a connection-count hint for its arena.
func NewWorker(id, connCapacityHint int) *Worker {
	return &Worker{
		id:       id,
		arena:    connhandle.New(connCapacityHint),
		commands: make(chan command, 1024),
		done:     make(chan struct{}),
	}
}

// ID returns the worker's numeric identity.
func (w *Worker) ID() int { return w.id }

// Arena exposes the connection arena for read-only inspection (metrics,
// health checks). Mutating it from outside Run is not supported.
func (w *Worker) Arena() *connhandle.Arena { return w.arena }

// Run is the event loop. It blocks until ctx is canceled, draining the
// deferred task queue and firing due timers every turn, exactly as the
// teacher's shard select loop handles its broadcast/subscribe/register
// channels every turn.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	tick := time.NewTimer(time.Hour)
	defer tick.Stop()

	for {
		w.rearmTimer(tick)

		select {
		case <-ctx.Done():
			w.shutdown()
			return

		case cmd := <-w.commands:
			w.handle(cmd)
			w.drainPending()

		case <-tick.C:
			w.fireDueTimers()
		}
	}
}

// drainPending handles any commands and timer fires queued up behind the one
// just handled, then runs the deferred task queue once, matching the
// teacher's one-drain-per-turn cadence.
func (w *Worker) drainPending() {
	for {
		select {
		case cmd := <-w.commands:
			w.handle(cmd)
			continue
		default:
		}
		break
	}
	w.fireDueTimers()
	if n := w.tasks.drain(); n > 0 {
		metrics.RecordDeferredTasks(n)
	}
}

func (w *Worker) handle(cmd command) {
	switch {
	case cmd.bind != nil:
		h := w.arena.Insert(cmd.bind.conn)
		cmd.bind.reply <- h
	case cmd.unbind != nil:
		if v, ok := w.arena.Lookup(*cmd.unbind); ok {
			w.arena.Remove(*cmd.unbind)
			v.(Conn).OnReactorClose()
		}
	case cmd.task != nil:
		w.tasks.push(cmd.task)
	case cmd.timer != nil:
		heap.Push(&w.timers, cmd.timer)
	case cmd.cancel != nil:
		cmd.cancel.canceled = true
	}
}

func (w *Worker) fireDueTimers() {
	now := time.Now().UnixNano()
	for w.timers.Len() > 0 {
		next := w.timers[0]
		if next.canceled {
			heap.Pop(&w.timers)
			continue
		}
		if next.deadline > now {
			return
		}
		heap.Pop(&w.timers)
		next.task()
		metrics.RecordTimerFired()
		if next.every > 0 && !next.canceled {
			next.deadline = now + next.every
			heap.Push(&w.timers, next)
		} else if next.onFinish != nil {
			next.onFinish()
		}
	}
}

// rearmTimer sets tick to fire at the next timer deadline, or far in the
// future if no timers are scheduled, so Run's select doesn't busy-loop.
func (w *Worker) rearmTimer(tick *time.Timer) {
	if !tick.Stop() {
		select {
		case <-tick.C:
		default:
		}
	}
	if w.timers.Len() == 0 {
		tick.Reset(time.Hour)
		return
	}
	d := time.Until(time.Unix(0, w.timers[0].deadline))
	if d < 0 {
		d = 0
	}
	tick.Reset(d)
}

func (w *Worker) shutdown() {
	w.arena.Range(func(h connhandle.Handle, v any) bool {
		v.(Conn).OnReactorClose()
		return true
	})
}

// Bind registers conn with the worker and returns its handle. Safe to call
// from any goroutine.
func (w *Worker) Bind(ctx context.Context, conn Conn) (connhandle.Handle, error) {
	reply := make(chan connhandle.Handle, 1)
	select {
	case w.commands <- command{bind: &bindCmd{conn: conn, reply: reply}}:
	case <-ctx.Done():
		return connhandle.Handle{}, ctx.Err()
	}
	select {
	case h := <-reply:
		return h, nil
	case <-ctx.Done():
		return connhandle.Handle{}, ctx.Err()
	}
}

// Unbind removes h from the worker, invoking its OnReactorClose on the
// worker's own goroutine. Safe to call from any goroutine; a no-op if h is
// already stale.
func (w *Worker) Unbind(h connhandle.Handle) {
	w.commands <- command{unbind: &h}
}

// Defer enqueues t to run on the worker's goroutine on a future turn. Safe
// to call from any goroutine, including from within a running Task.
func (w *Worker) Defer(t Task) {
	w.commands <- command{task: t}
}

// TimerHandle identifies a scheduled timer for cancellation via Cancel.
type TimerHandle struct {
	entry *timerEntry
	w     *Worker
}

// After schedules t to run once, approximately after d elapses, on the
// worker's own goroutine. onFinish, if non-nil, runs after t completes.
func (w *Worker) After(d time.Duration, t Task, onFinish func()) TimerHandle {
	e := &timerEntry{deadline: time.Now().Add(d).UnixNano(), task: t, onFinish: onFinish}
	w.commands <- command{timer: e}
	return TimerHandle{entry: e, w: w}
}

// Every schedules t to run repeatedly, once per interval, on the worker's
// own goroutine, until Cancel is called. A non-zero return from t is not
// required to stop it, matching the deferred-task contract's
// nonzero-return-cancels rule, honored by having the caller call Cancel
// from inside t when it wants to stop.
func (w *Worker) Every(interval time.Duration, t Task) TimerHandle {
	e := &timerEntry{deadline: time.Now().Add(interval).UnixNano(), every: interval.Nanoseconds(), task: t}
	w.commands <- command{timer: e}
	return TimerHandle{entry: e, w: w}
}

// Cancel stops a scheduled or repeating timer. Safe to call from any
// goroutine; canceling an already-fired one-shot timer is a no-op.
func (h TimerHandle) Cancel() {
	if h.entry == nil {
		return
	}
	h.w.commands <- command{cancel: h.entry}
}

// Done returns a channel closed once Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// String implements fmt.Stringer for log lines.
func (w *Worker) String() string { return fmt.Sprintf("worker[%d]", w.id) }
