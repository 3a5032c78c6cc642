// Package protocol binds everything together: it owns the per-connection
// state machine that promotes an accepted socket through HTTP parsing into
// a response cycle, a WebSocket session, or an SSE stream, and wires each
// connection into the pub/sub table, the reactor worker that owns its
// timers, and the async pool that runs its handler callbacks.
package protocol

import (
	"bufio"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/ionrelay/ionrelay/internal/connhandle"
	"github.com/ionrelay/ionrelay/internal/handler"
	"github.com/ionrelay/ionrelay/internal/httpcodec"
	"github.com/ionrelay/ionrelay/internal/logging"
	"github.com/ionrelay/ionrelay/internal/metrics"
	"github.com/ionrelay/ionrelay/internal/netkit"
	"github.com/ionrelay/ionrelay/internal/pubsub"
	"github.com/ionrelay/ionrelay/internal/reactor"
	"github.com/ionrelay/ionrelay/internal/sseengine"
	"github.com/ionrelay/ionrelay/internal/wsengine"
)

// binding names the protocol a connection is currently speaking.
type binding int32

const (
	bindingHTTP binding = iota
	bindingWS
	bindingSSE
	bindingRaw
)

func (b binding) String() string {
	switch b {
	case bindingWS:
		return "ws"
	case bindingSSE:
		return "sse"
	case bindingRaw:
		return "raw"
	default:
		return "http"
	}
}

// outboundFragmentThreshold is the payload size above which an outbound
// WebSocket message is split into continuation frames.
const outboundFragmentThreshold = 64 * 1024

// Conn is one live connection. Its read pump goroutine drives the protocol
// state machine; handler callbacks run on the server's async pool,
// serialized per connection by cbMu; outbound packets drain through a
// dedicated write pump so no protocol code ever blocks on a socket write.
type Conn struct {
	id     int64
	handle connhandle.Handle
	srv    *Server
	worker *reactor.Worker
	logger zerolog.Logger

	sock netkit.Socket
	br   *bufio.Reader

	// Outbox and its signal. outMu guards the outbox; writeCh wakes the
	// write pump after a push; done ends both pumps on close.
	outMu   sync.Mutex
	outbox  *netkit.Outbox
	writeCh chan struct{}
	done    chan struct{}

	binding atomic.Int32
	closed  atomic.Bool
	closeWG sync.WaitGroup

	// cbMu serializes handler callbacks per connection: on_open, on_message,
	// on_drained, on_shutdown, on_close never run concurrently for the
	// same connection.
	cbMu sync.Mutex

	h   handler.Handler
	env map[string]any

	// HTTP state
	parser *httpcodec.Parser

	// WebSocket state
	wsEngine        *wsengine.Engine
	pongSeen        atomic.Bool
	pingOutstanding atomic.Bool

	// pingTimer is set by the read pump and canceled from shutdownSocket,
	// which may run on any goroutine.
	timerMu   sync.Mutex
	pingTimer reactor.TimerHandle

	// SSE state
	sseWriter   *sseengine.Writer
	lastEventID string

	// Plain channel subscriptions, for SSE replay.
	subsMu   sync.Mutex
	channels []string

	// Backpressure: set while the outbox sits above the high-water mark;
	// cleared (and on_drained dispatched) when the pump drains it to zero.
	backlogged atomic.Bool

	lastActivity atomic.Int64 // unix nanos
	openedAt     time.Time
}

func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// idleFor reports how long the connection has been without inbound bytes.
func (c *Conn) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - c.lastActivity.Load())
}

// ID implements pubsub.Subscriber.
func (c *Conn) ID() int64 { return c.id }

// Deliver implements pubsub.Subscriber: WS and SSE subscribers get the
// direct-write path, skipping the handler entirely.
func (c *Conn) Deliver(msg pubsub.Message) {
	if c.closed.Load() {
		return
	}
	metrics.RecordDelivery()

	switch binding(c.binding.Load()) {
	case bindingWS:
		c.writeWSMessage(msg.Data, true)
	case bindingSSE:
		c.writeSSE(sseengine.Event{ID: strconv.FormatInt(msg.ID, 10), Data: msg.Data})
	case bindingRaw:
		_ = c.Write(msg.Data)
	default:
		// A plain HTTP connection subscribing is a handler-driven pattern:
		// hand the message to on_message instead of inventing a framing.
		c.dispatch(func() { c.h.OnMessage(c, msg.Data, true) })
	}
}

// OnUnsubscribe implements pubsub.Subscriber.
func (c *Conn) OnUnsubscribe() {}

// OnReactorClose implements reactor.Conn; runs on the owning worker's
// goroutine when the worker shuts down.
func (c *Conn) OnReactorClose() { c.shutdownSocket() }

// --- handler.Conn API -------------------------------------------------

// Env returns the connection's handler-visible side-channel map.
func (c *Conn) Env() map[string]any { return c.env }

// Write enqueues data according to the connection's current protocol
// binding: a text frame on WS, a data event on SSE, raw bytes otherwise.
func (c *Conn) Write(data []byte) error {
	switch binding(c.binding.Load()) {
	case bindingWS:
		c.writeWSMessage(data, true)
	case bindingSSE:
		c.writeSSE(sseengine.Event{Data: data})
	default:
		buf := c.srv.bufPool.Get(len(data))
		*buf = append(*buf, data...)
		c.push(netkit.NewBufferPacket(*buf, func() { c.srv.bufPool.Put(buf) }))
	}
	return nil
}

// WriteBinary enqueues data as a binary WebSocket message. On non-WS
// bindings it behaves like Write.
func (c *Conn) WriteBinary(data []byte) error {
	if binding(c.binding.Load()) == bindingWS {
		c.writeWSMessage(data, false)
		return nil
	}
	return c.Write(data)
}

// WriteSSE writes one explicit server-sent event, the write_sse surface.
func (c *Conn) WriteSSE(id, event string, data []byte) {
	c.writeSSE(sseengine.Event{ID: id, Name: event, Data: data})
}

// Close flushes queued output and closes. Idempotent; safe from any
// goroutine.
func (c *Conn) Close() {
	c.push(netkit.Packet{Close: true})
}

// Pending implements the backlog query: outstanding outbound bytes.
func (c *Conn) Pending() int {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.outbox.QueuedBytes()
}

// PeerAddr returns the remote address string.
func (c *Conn) PeerAddr() string {
	if addr := c.sock.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Subscribe registers this connection on (channel, filter). The channel is
// also remembered locally so an SSE reconnect can replay history for
// exactly the channels this connection follows.
func (c *Conn) Subscribe(channel string, filter int16) error {
	if err := c.srv.table.Subscribe(c, channel, filter); err != nil {
		return err
	}
	if filter == 0 {
		c.subsMu.Lock()
		c.channels = append(c.channels, channel)
		c.subsMu.Unlock()
	}
	metrics.SetSubscriptionCount(c.srv.table.SubscriptionCount())
	return nil
}

// Unsubscribe cancels a Subscribe.
func (c *Conn) Unsubscribe(channel string, filter int16) error {
	if filter == 0 {
		c.subsMu.Lock()
		for i, ch := range c.channels {
			if ch == channel {
				c.channels = append(c.channels[:i], c.channels[i+1:]...)
				break
			}
		}
		c.subsMu.Unlock()
	}
	err := c.srv.table.Unsubscribe(c, channel, filter)
	metrics.SetSubscriptionCount(c.srv.table.SubscriptionCount())
	return err
}

// subscribedChannels snapshots the plain (filter 0) channel names this
// connection follows.
func (c *Conn) subscribedChannels() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return append([]string(nil), c.channels...)
}

// PSubscribe registers this connection on a glob pattern.
func (c *Conn) PSubscribe(pattern string) error {
	return c.srv.table.PSubscribe(c, pattern)
}

// Publish fans msg out through the process's channel table (and its
// attached engines).
func (c *Conn) Publish(channel string, filter int16, data []byte) error {
	return c.srv.publish(pubsub.Message{Channel: channel, Filter: filter, Data: data})
}

// --- outbound machinery -----------------------------------------------

// push enqueues p and wakes the write pump. Backlog state is sampled here
// so the on_drained edge can be armed.
func (c *Conn) push(p netkit.Packet) {
	if c.closed.Load() {
		p.Release()
		return
	}
	c.outMu.Lock()
	c.outbox.Push(p)
	if c.outbox.Backlogged() {
		c.backlogged.Store(true)
	}
	c.outMu.Unlock()

	select {
	case c.writeCh <- struct{}{}:
	default:
	}
}

// writePump is the only goroutine that writes to the socket. It pops
// packets in FIFO order, preserving the one-packet-fully-sent-or-closed
// invariant, and fires on_drained when a backlogged queue reaches zero.
func (c *Conn) writePump() {
	defer c.closeWG.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.writeCh:
		}

		for {
			c.outMu.Lock()
			p, ok := c.outbox.Pop()
			empty := c.outbox.Len() == 0
			c.outMu.Unlock()
			if !ok {
				break
			}

			if p.Kind == netkit.PacketBuffer && len(p.Buffer) > 0 || p.Kind == netkit.PacketFile {
				n, err := netkit.WritePacket(c.sock, p)
				if p.Kind == netkit.PacketFile && p.File != nil {
					p.File.Close()
				}
				if err != nil {
					c.shutdownSocket()
					return
				}
				metrics.RecordBytes(n, 0)
			} else {
				p.Release()
			}

			if p.Close {
				c.shutdownSocket()
				return
			}

			if empty && c.backlogged.CompareAndSwap(true, false) {
				c.dispatch(func() { c.h.OnDrained(c) })
			}
		}
	}
}

// --- lifecycle ---------------------------------------------------------

// dispatch runs fn on the async pool, serialized with every other callback
// for this connection. When the pool is saturated the callback runs inline
// on the caller; lifecycle callbacks must not be droppable.
func (c *Conn) dispatch(fn func()) {
	run := func() {
		defer func() {
			if r := recover(); r != nil {
				logging.LogPanic(c.logger, r, "handler callback panic recovered")
				c.Close()
			}
		}()
		c.cbMu.Lock()
		defer c.cbMu.Unlock()
		fn()
	}
	if !c.srv.async.Submit(run) {
		run()
	}
}

// shutdownSocket tears the socket down and fires on_close exactly once.
func (c *Conn) shutdownSocket() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancelTimer()
	c.sock.Close()
	close(c.done)

	c.outMu.Lock()
	c.outbox.Drain()
	c.outMu.Unlock()

	c.srv.table.UnsubscribeAll(c)
	metrics.SetSubscriptionCount(c.srv.table.SubscriptionCount())
	c.srv.forget(c)

	c.dispatch(func() { c.h.OnClose(c) })
	metrics.RecordConnectionClosed(time.Since(c.openedAt))
	c.srv.guard.ConnClosed()
}

// setTimer swaps the connection's active protocol timer, canceling any
// previous one.
func (c *Conn) setTimer(t reactor.TimerHandle) {
	c.timerMu.Lock()
	old := c.pingTimer
	c.pingTimer = t
	c.timerMu.Unlock()
	old.Cancel()
}

func (c *Conn) cancelTimer() {
	c.timerMu.Lock()
	t := c.pingTimer
	c.pingTimer = reactor.TimerHandle{}
	c.timerMu.Unlock()
	t.Cancel()
}

// --- WS/SSE write helpers ----------------------------------------------

// writeWSMessage frames data as a server-to-client message, fragmenting
// above the outbound threshold.
func (c *Conn) writeWSMessage(data []byte, isText bool) {
	opcode := ws.OpBinary
	if isText {
		opcode = ws.OpText
	}
	metrics.RecordWSMessage(true)

	if len(data) <= outboundFragmentThreshold {
		c.pushFrame(wsengine.EncodeFrame(true, opcode, data))
		return
	}

	for start := 0; start < len(data); start += outboundFragmentThreshold {
		end := start + outboundFragmentThreshold
		if end > len(data) {
			end = len(data)
		}
		op := ws.OpContinuation
		if start == 0 {
			op = opcode
		}
		c.pushFrame(wsengine.EncodeFrame(end == len(data), op, data[start:end]))
	}
}

func (c *Conn) pushFrame(frame []byte) {
	buf := c.srv.bufPool.Get(len(frame))
	*buf = append(*buf, frame...)
	c.push(netkit.NewBufferPacket(*buf, func() { c.srv.bufPool.Put(buf) }))
}

func (c *Conn) writeSSE(ev sseengine.Event) {
	encoded := c.sseWriter.Write(ev)
	metrics.RecordSSEEvent()
	buf := c.srv.bufPool.Get(len(encoded))
	*buf = append(*buf, encoded...)
	c.push(netkit.NewBufferPacket(*buf, func() { c.srv.bufPool.Put(buf) }))
}

var _ handler.Conn = (*Conn)(nil)
var _ pubsub.Subscriber = (*Conn)(nil)
var _ reactor.Conn = (*Conn)(nil)
