// Package netkit holds the socket-layer building blocks shared by every
// protocol engine: a tiered buffer pool, the outbound packet queue, and the
// plaintext/TLS vtable seam described in the socket layer design.
package netkit

import "sync"

// BufferPool hands out reusable byte slices in three size tiers so HTTP
// headers, WebSocket frames, and SSE events don't each force a fresh
// allocation. Buffers larger than the largest tier are allocated directly
// and not returned to the pool.
type BufferPool struct {
	small  sync.Pool // 4KB
	medium sync.Pool // 16KB
	large  sync.Pool // 64KB
}

// NewBufferPool constructs a pool with the standard 4/16/64 KiB tiers.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		small: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, 4096)
				return &buf
			},
		},
		medium: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, 16384)
				return &buf
			},
		},
		large: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, 65536)
				return &buf
			},
		},
	}
}

// Get returns a buffer with at least size capacity, length reset to zero.
func (bp *BufferPool) Get(size int) *[]byte {
	var pool *sync.Pool
	switch {
	case size <= 4096:
		pool = &bp.small
	case size <= 16384:
		pool = &bp.medium
	case size <= 65536:
		pool = &bp.large
	default:
		buf := make([]byte, 0, size)
		return &buf
	}

	buf := pool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// Put returns buf to the tier matching its capacity. Buffers larger than the
// large tier are dropped for the garbage collector to reclaim.
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	c := cap(*buf)
	*buf = (*buf)[:0]

	switch {
	case c <= 4096:
		bp.small.Put(buf)
	case c <= 16384:
		bp.medium.Put(buf)
	case c <= 65536:
		bp.large.Put(buf)
	}
}
