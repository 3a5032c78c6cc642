package reactor

import (
	"context"
	"runtime"
	"sync"
)

// Pool owns a fixed set of Workers and assigns each new connection to
// exactly one of them for its lifetime, grounded directly on the router's
// consistent-hash shard assignment (client ID mod shard count) — here
// generalized to any caller-supplied key, typically a connection's arena
// slot-independent monotonic id.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool creates a pool of n workers, each pre-sized for connCapacityHint
// connections. n <= 0 defaults to twice the available CPUs, matching the
// teacher's default shard count.
func NewPool(n, connCapacityHint int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU() * 2
	}
	p := &Pool{workers: make([]*Worker, n)}
	for i := range p.workers {
		p.workers[i] = NewWorker(i, connCapacityHint)
	}
	return p
}

// Run starts every worker's event loop and blocks until ctx is canceled and
// all workers have finished shutting down.
func (p *Pool) Run(ctx context.Context) {
	p.wg.Add(len(p.workers))
	for _, w := range p.workers {
		w := w
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}
	<-ctx.Done()
	p.wg.Wait()
}

// Assign picks the worker for key using the same modulo assignment the
// teacher's router uses, giving a connection a stable home for its
// lifetime.
func (p *Pool) Assign(key int64) *Worker {
	idx := int(key % int64(len(p.workers)))
	if idx < 0 {
		idx += len(p.workers)
	}
	return p.workers[idx]
}

// Workers returns the pool's workers, for metrics/health aggregation.
func (p *Pool) Workers() []*Worker { return p.workers }

// Len returns the number of workers in the pool.
func (p *Pool) Len() int { return len(p.workers) }
