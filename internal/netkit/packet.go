package netkit

import "os"

// PacketKind distinguishes the two ways an outbound packet can carry its
// payload: an owned in-memory buffer, or a file descriptor to be sent with a
// zero-copy transfer (static file responses).
type PacketKind uint8

const (
	// PacketBuffer carries payload as an owned byte slice.
	PacketBuffer PacketKind = iota
	// PacketFile carries payload as an open *os.File to be streamed via
	// sendfile (or a plain copy loop when sendfile isn't applicable, e.g.
	// over TLS).
	PacketFile
)

// Packet is one entry in a connection's outbound queue. The reactor drains
// this queue in order, so ordering within a connection is preserved even
// when a response is built from several packets (headers, then a file body,
// then a chunk terminator).
type Packet struct {
	Kind PacketKind

	// Buffer is valid when Kind == PacketBuffer. release, if non-nil, is
	// invoked once the buffer has been fully written so the owner (a
	// BufferPool) can reclaim it.
	Buffer  []byte
	release func()

	// File, Offset and Length are valid when Kind == PacketFile.
	File   *os.File
	Offset int64
	Length int64

	// Close, when true, tells the reactor to half-close or fully close the
	// connection once this packet has been flushed (used for framed
	// connection:close responses and WebSocket/SSE teardown).
	Close bool
}

// NewBufferPacket wraps buf as an outbound packet. release is called exactly
// once after the packet is fully written (or dropped due to connection
// close); it may be nil.
func NewBufferPacket(buf []byte, release func()) Packet {
	return Packet{Kind: PacketBuffer, Buffer: buf, release: release}
}

// NewFilePacket wraps a byte range of f as an outbound packet.
func NewFilePacket(f *os.File, offset, length int64) Packet {
	return Packet{Kind: PacketFile, File: f, Offset: offset, Length: length}
}

// Release runs the packet's buffer-reclaim callback, if any. Safe to call on
// file packets (no-op) and on the zero Packet.
func (p Packet) Release() {
	if p.release != nil {
		p.release()
	}
}

// PacketSink accepts outbound packets. The Outbox below is the plain
// implementation; a connection wraps its outbox in a sink that also takes
// the queue lock and wakes the write pump.
type PacketSink interface {
	Push(p Packet)
}

// Outbox is a connection's outbound packet FIFO. It is not safe for
// concurrent use by multiple goroutines: only the reactor worker that owns
// the connection may call its methods, which is what makes the lock-free
// per-connection design in the reactor package possible.
type Outbox struct {
	packets []Packet
	// highWaterMark is the queued-byte threshold past which the connection
	// is considered backlogged; see Backlog and the on_drained contract.
	highWaterMark int
	queuedBytes   int
}

// NewOutbox creates an empty outbox with the given high-water mark, in
// bytes, used to decide when a connection should be reported as
// backlogged (see Backlogged).
func NewOutbox(highWaterMark int) *Outbox {
	return &Outbox{highWaterMark: highWaterMark}
}

// Push enqueues p.
func (o *Outbox) Push(p Packet) {
	o.packets = append(o.packets, p)
	if p.Kind == PacketBuffer {
		o.queuedBytes += len(p.Buffer)
	}
}

// Pop removes and returns the oldest packet, or false if the outbox is
// empty.
func (o *Outbox) Pop() (Packet, bool) {
	if len(o.packets) == 0 {
		return Packet{}, false
	}
	p := o.packets[0]
	o.packets = o.packets[1:]
	if p.Kind == PacketBuffer {
		o.queuedBytes -= len(p.Buffer)
	}
	return p, true
}

// Len reports how many packets are queued.
func (o *Outbox) Len() int { return len(o.packets) }

// QueuedBytes reports the total size of buffered (non-file) packets still
// queued, used to decide backlog state.
func (o *Outbox) QueuedBytes() int { return o.queuedBytes }

// Backlogged reports whether queued bytes exceed the configured
// high-water mark, meaning the connection's on_drained callback should
// fire once the queue empties.
func (o *Outbox) Backlogged() bool {
	return o.highWaterMark > 0 && o.queuedBytes >= o.highWaterMark
}

// Drain releases every remaining packet's buffer (used on connection close
// to return pooled buffers without writing them).
func (o *Outbox) Drain() {
	for _, p := range o.packets {
		p.Release()
	}
	o.packets = nil
	o.queuedBytes = 0
}
