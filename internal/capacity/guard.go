// Package capacity implements the runtime's admission control and overload
// protection: a hard connection cap, CPU and memory emergency brakes, a
// goroutine ceiling, and per-event-kind rate limiting shared by the
// reactor, the pub/sub fan-out, and the cluster IPC.
package capacity

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"

	"github.com/ionrelay/ionrelay/internal/metrics"
)

// Event identifies a rate-limited work kind.
type Event string

const (
	// EventPublish covers locally-originated Table.Publish calls.
	EventPublish Event = "publish"
	// EventFanout covers per-subscriber delivery bursts.
	EventFanout Event = "fanout"
	// EventClusterRecord covers records written to the cluster IPC socket.
	EventClusterRecord Event = "cluster_record"
	// EventEngineMessage covers messages arriving from an external engine
	// (NATS, cluster peer) that feed back into local delivery.
	EventEngineMessage Event = "engine_message"
)

// Config holds the static limits the guard enforces. The guard never
// auto-adjusts these; predictable behavior beats adaptive cleverness here.
type Config struct {
	MaxConnections int
	MemoryLimit    int64 // bytes; 0 means unlimited
	MaxGoroutines  int

	CPURejectThreshold float64 // reject new connections above this CPU %
	CPUPauseThreshold  float64 // pause external-engine consumption above this %

	// EventRates maps each Event to its per-second allowance. A kind with
	// no entry is never limited.
	EventRates map[Event]int
}

// Guard enforces Config. One Guard serves a whole worker process.
type Guard struct {
	cfg    Config
	logger zerolog.Logger

	limiters map[Event]*rate.Limiter

	currentConns  atomic.Int64
	currentCPU    atomic.Value // float64
	currentMemory atomic.Int64
}

// NewGuard constructs a guard. Rate limiters get a 2x burst allowance over
// their configured per-second rate to absorb traffic spikes.
func NewGuard(cfg Config, logger zerolog.Logger) *Guard {
	limiters := make(map[Event]*rate.Limiter, len(cfg.EventRates))
	for kind, perSec := range cfg.EventRates {
		limiters[kind] = rate.NewLimiter(rate.Limit(perSec), perSec*2)
	}

	g := &Guard{cfg: cfg, logger: logger, limiters: limiters}
	g.currentCPU.Store(0.0)

	logger.Info().
		Int("max_connections", cfg.MaxConnections).
		Int64("memory_limit", cfg.MemoryLimit).
		Int("max_goroutines", cfg.MaxGoroutines).
		Float64("cpu_reject_threshold", cfg.CPURejectThreshold).
		Msg("capacity guard initialized")

	return g
}

// ConnOpened / ConnClosed maintain the live connection count the accept
// check reads.
func (g *Guard) ConnOpened() { g.currentConns.Add(1) }
func (g *Guard) ConnClosed() { g.currentConns.Add(-1) }

// Connections returns the current open-connection count.
func (g *Guard) Connections() int64 { return g.currentConns.Load() }

// ShouldAcceptConnection runs the accept-time checks in order: hard
// connection limit, CPU brake, memory brake, goroutine ceiling.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	conns := g.currentConns.Load()
	cpuNow := g.currentCPU.Load().(float64)
	memNow := g.currentMemory.Load()
	goros := runtime.NumGoroutine()

	if g.cfg.MaxConnections > 0 && conns >= int64(g.cfg.MaxConnections) {
		metrics.RecordConnectionRejected("at_max_connections")
		g.logger.Warn().
			Int64("current_conns", conns).
			Int("max_conns", g.cfg.MaxConnections).
			Msg("connection rejected: at max connections")
		return false, fmt.Sprintf("at max connections (%d)", g.cfg.MaxConnections)
	}

	if g.cfg.CPURejectThreshold > 0 && cpuNow > g.cfg.CPURejectThreshold {
		metrics.RecordConnectionRejected("cpu_overload")
		g.logger.Warn().
			Float64("current_cpu", cpuNow).
			Float64("threshold", g.cfg.CPURejectThreshold).
			Msg("connection rejected: CPU overload")
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuNow, g.cfg.CPURejectThreshold)
	}

	if g.cfg.MemoryLimit > 0 && memNow > g.cfg.MemoryLimit {
		metrics.RecordConnectionRejected("memory_limit")
		g.logger.Warn().
			Int64("current_memory_mb", memNow/(1024*1024)).
			Int64("limit_mb", g.cfg.MemoryLimit/(1024*1024)).
			Msg("connection rejected: memory limit exceeded")
		return false, "memory limit exceeded"
	}

	if g.cfg.MaxGoroutines > 0 && goros > g.cfg.MaxGoroutines {
		metrics.RecordConnectionRejected("goroutine_limit")
		g.logger.Warn().
			Int("current_goroutines", goros).
			Int("max_goroutines", g.cfg.MaxGoroutines).
			Msg("connection rejected: goroutine limit exceeded")
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", goros, g.cfg.MaxGoroutines)
	}

	return true, "OK"
}

// AllowEvent reports whether one unit of the given kind may proceed now.
// Unlimited kinds always pass.
func (g *Guard) AllowEvent(kind Event) bool {
	l, ok := g.limiters[kind]
	if !ok {
		return true
	}
	return l.Allow()
}

// ReserveEvent is the non-consuming variant: it reports whether the event
// would be allowed now and, if not, how long the caller should wait before
// retrying. Used by external-engine consumers that can NAK and redeliver.
func (g *Guard) ReserveEvent(kind Event) (allow bool, wait time.Duration) {
	l, ok := g.limiters[kind]
	if !ok {
		return true, 0
	}
	r := l.Reserve()
	if !r.OK() {
		return false, 0
	}
	delay := r.Delay()
	if delay == 0 {
		return true, 0
	}
	r.Cancel()
	return false, delay
}

// ShouldPauseEngines reports whether external-engine consumption should be
// paused for backpressure (CPU critically high; messages will be
// redelivered by the engine's own retry machinery).
func (g *Guard) ShouldPauseEngines() bool {
	if g.cfg.CPUPauseThreshold <= 0 {
		return false
	}
	return g.currentCPU.Load().(float64) > g.cfg.CPUPauseThreshold
}

// UpdateResources refreshes the CPU and memory samples the accept checks
// read. The 100ms CPU sample interval is long enough to be meaningful and
// short enough not to stall the monitoring loop.
func (g *Guard) UpdateResources() {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to sample CPU usage")
	} else if len(cpuPercent) > 0 {
		g.currentCPU.Store(cpuPercent[0])
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMemory.Store(int64(mem.Alloc))

	metrics.UpdateSystem(g.currentCPU.Load().(float64), g.currentMemory.Load())
}

// StartMonitoring samples resources every interval until ctx is done,
// publishing headroom gauges as it goes.
func (g *Guard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.UpdateResources()

				cpuNow := g.currentCPU.Load().(float64)
				memNow := g.currentMemory.Load()

				memPercent := 0.0
				if g.cfg.MemoryLimit > 0 {
					memPercent = float64(memNow) / float64(g.cfg.MemoryLimit) * 100
				}
				metrics.UpdateHeadroom(100.0-cpuNow, 100.0-memPercent)

			case <-ctx.Done():
				g.logger.Info().Msg("capacity monitoring stopped")
				return
			}
		}
	}()

	g.logger.Info().Dur("interval", interval).Msg("capacity monitoring started")
}

// Stats returns a point-in-time snapshot for the /health endpoint.
func (g *Guard) Stats() map[string]any {
	return map[string]any{
		"max_connections":      g.cfg.MaxConnections,
		"current_connections":  g.currentConns.Load(),
		"cpu_percent":          g.currentCPU.Load().(float64),
		"cpu_reject_threshold": g.cfg.CPURejectThreshold,
		"cpu_pause_threshold":  g.cfg.CPUPauseThreshold,
		"memory_bytes":         g.currentMemory.Load(),
		"memory_limit_bytes":   g.cfg.MemoryLimit,
		"goroutines_current":   runtime.NumGoroutine(),
		"goroutines_limit":     g.cfg.MaxGoroutines,
	}
}
