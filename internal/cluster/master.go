package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ionrelay/ionrelay/internal/metrics"
	"github.com/ionrelay/ionrelay/internal/pubsub"
)

// Master owns the cluster's Unix-domain IPC socket. It tracks each
// attached worker's subscription interest and forwards PUBLISH records
// only to workers subscribed to the published channel — never back to the
// origin worker.
type Master struct {
	path   string
	secret string
	logger zerolog.Logger

	// onPublish, if set, receives every PUBLISH the master sees, for
	// master-local (ROOT engine) subscribers.
	onPublish func(pubsub.Message)

	mu       sync.Mutex
	listener *net.UnixListener
	workers  map[int64]*workerConn
	nextID   int64
}

// workerConn is the master's view of one attached worker.
type workerConn struct {
	id   int64
	conn *net.UnixConn

	writeMu sync.Mutex

	// Interest set: mutated by this worker's read loop, read by other
	// workers' read loops during forward, so every access holds stateMu.
	stateMu  sync.Mutex
	subs     map[string]struct{}
	patterns []string
}

// NewMaster creates a master for the socket at path. onPublish may be nil.
func NewMaster(path, secret string, logger zerolog.Logger, onPublish func(pubsub.Message)) *Master {
	return &Master{
		path:      path,
		secret:    secret,
		logger:    logger.With().Str("component", "cluster-master").Logger(),
		onPublish: onPublish,
		workers:   make(map[int64]*workerConn),
	}
}

// SocketPath returns the path workers should dial.
func (m *Master) SocketPath() string { return m.path }

// Run binds the socket and accepts workers until ctx is canceled.
func (m *Master) Run(ctx context.Context) error {
	// A stale socket file from a crashed previous master blocks the bind.
	_ = os.Remove(m.path)

	addr, err := net.ResolveUnixAddr("unix", m.path)
	if err != nil {
		return fmt.Errorf("cluster: resolving %s: %w", m.path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("cluster: binding %s: %w", m.path, err)
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	m.logger.Info().Str("path", m.path).Msg("cluster IPC socket bound")

	go func() {
		<-ctx.Done()
		ln.Close()
		m.mu.Lock()
		for _, w := range m.workers {
			w.conn.Close()
		}
		m.mu.Unlock()
		_ = os.Remove(m.path)
	}()

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			m.logger.Error().Err(err).Msg("IPC accept failed")
			continue
		}
		go m.serveWorker(conn)
	}
}

func (m *Master) serveWorker(conn *net.UnixConn) {
	if err := serverHandshake(conn, m.secret); err != nil {
		m.logger.Warn().Err(err).Msg("rejecting worker connection")
		conn.Close()
		return
	}

	m.mu.Lock()
	m.nextID++
	w := &workerConn{id: m.nextID, conn: conn, subs: make(map[string]struct{})}
	m.workers[w.id] = w
	count := len(m.workers)
	m.mu.Unlock()
	metrics.SetClusterWorkers(count)

	m.logger.Info().Int64("worker", w.id).Int("attached", count).Msg("worker attached")

	m.readLoop(w)

	m.mu.Lock()
	delete(m.workers, w.id)
	count = len(m.workers)
	m.mu.Unlock()
	metrics.SetClusterWorkers(count)
	conn.Close()

	// Per the failure-mode contract: a dropped worker's subscriptions are
	// simply forgotten; they lived only in this in-memory interest set.
	w.stateMu.Lock()
	canceled := len(w.subs) + len(w.patterns)
	w.stateMu.Unlock()
	m.logger.Warn().Int64("worker", w.id).
		Int("subscriptions_canceled", canceled).
		Msg("worker detached, subscriptions canceled")
}

func (m *Master) readLoop(w *workerConn) {
	r := bufio.NewReader(w.conn)
	for {
		rec, err := ReadRecord(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				m.logger.Error().Err(err).Int64("worker", w.id).Msg("IPC read failed")
			}
			return
		}
		metrics.RecordClusterRecord(kindName(rec.Kind), false)

		switch rec.Kind {
		case pubsub.KindSubscribe:
			w.stateMu.Lock()
			w.subs[rec.Channel] = struct{}{}
			w.stateMu.Unlock()
		case pubsub.KindUnsubscribe:
			w.stateMu.Lock()
			delete(w.subs, rec.Channel)
			w.stateMu.Unlock()
		case pubsub.KindPSubscribe:
			w.stateMu.Lock()
			w.patterns = append(w.patterns, rec.Channel)
			w.stateMu.Unlock()
		case pubsub.KindPUnsubscribe:
			w.stateMu.Lock()
			for i, p := range w.patterns {
				if p == rec.Channel {
					w.patterns = append(w.patterns[:i], w.patterns[i+1:]...)
					break
				}
			}
			w.stateMu.Unlock()
		case pubsub.KindPublish:
			// Filters never cross the cluster boundary; a worker that sent
			// one anyway gets it dropped here rather than replicated.
			if rec.Filter != 0 {
				continue
			}
			m.forward(w.id, rec)
		case pubsub.KindPing:
			m.send(w, Record{Kind: pubsub.KindPong})
		case pubsub.KindPong:
			// Workers may answer master pings; nothing to track yet.
		default:
			m.logger.Warn().Int64("worker", w.id).Uint8("kind", rec.Kind).Msg("unknown IPC record kind")
		}
	}
}

// forward fans a PUBLISH out to every other worker whose interest set
// matches the channel, and to the master-local sink.
func (m *Master) forward(originID int64, rec Record) {
	if m.onPublish != nil {
		m.onPublish(pubsub.Message{Channel: rec.Channel, Data: rec.Payload})
	}

	m.mu.Lock()
	targets := make([]*workerConn, 0, len(m.workers))
	for _, w := range m.workers {
		if w.id == originID {
			continue
		}
		if w.interested(rec.Channel) {
			targets = append(targets, w)
		}
	}
	m.mu.Unlock()

	for _, w := range targets {
		m.send(w, rec)
	}
}

func (w *workerConn) interested(channel string) bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if _, ok := w.subs[channel]; ok {
		return true
	}
	for _, p := range w.patterns {
		if pubsub.MatchPattern(p, channel) {
			return true
		}
	}
	return false
}

func (m *Master) send(w *workerConn, rec Record) {
	wire, err := Encode(nil, rec)
	if err != nil {
		m.logger.Error().Err(err).Msg("encoding IPC record")
		return
	}

	w.writeMu.Lock()
	_, err = w.conn.Write(wire)
	w.writeMu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).Int64("worker", w.id).Msg("IPC write failed")
		w.conn.Close()
		return
	}
	metrics.RecordClusterRecord(kindName(rec.Kind), true)
}

// WorkerCount returns the number of currently attached workers.
func (m *Master) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
