package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ionrelay/ionrelay/internal/metrics"
	"github.com/ionrelay/ionrelay/internal/pubsub"
)

// pingInterval paces the worker-side liveness probe of the master socket.
const pingInterval = 15 * time.Second

// Link is a worker's connection to the master's IPC socket. It implements
// pubsub.ClusterTransport so the CLUSTER/SIBLINGS/ROOT engines can forward
// through it without knowing the wire format.
type Link struct {
	logger zerolog.Logger

	conn    net.Conn
	writeMu sync.Mutex

	connected atomic.Bool

	// onPublish receives every PUBLISH forwarded by the master; typically
	// Table.Publish via a local-only re-entry guard at the call site.
	onPublish func(pubsub.Message)
	// onDisconnect fires once when the master link drops. Per the failure
	// contract, the worker devolves to local-only pub/sub (or exits, the
	// supervisor's choice).
	onDisconnect func(error)
}

// Dial connects to the master socket at path and completes the HMAC
// handshake. The returned Link's read loop runs until ctx ends or the
// master drops.
func Dial(ctx context.Context, path, secret string, logger zerolog.Logger,
	onPublish func(pubsub.Message), onDisconnect func(error)) (*Link, error) {

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("cluster: dialing master at %s: %w", path, err)
	}

	if err := clientHandshake(conn, secret); err != nil {
		conn.Close()
		return nil, err
	}

	l := &Link{
		logger:       logger.With().Str("component", "cluster-link").Logger(),
		conn:         conn,
		onPublish:    onPublish,
		onDisconnect: onDisconnect,
	}
	l.connected.Store(true)

	go l.readLoop()
	go l.pingLoop(ctx)
	go func() {
		// A context-driven teardown is a deliberate close, not a master
		// failure: Close wins the CAS so drop() never fires onDisconnect.
		<-ctx.Done()
		l.Close()
	}()

	l.logger.Info().Str("path", path).Msg("attached to cluster master")
	return l, nil
}

// Send writes one record to the master. Implements
// pubsub.ClusterTransport.
func (l *Link) Send(kind byte, channel string, filter int16, payload []byte) error {
	if !l.connected.Load() {
		return fmt.Errorf("cluster: link down")
	}
	wire, err := Encode(nil, Record{Kind: kind, Channel: channel, Filter: filter, Payload: payload})
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	_, err = l.conn.Write(wire)
	l.writeMu.Unlock()

	if err != nil {
		l.drop(fmt.Errorf("cluster: IPC write: %w", err))
		return err
	}
	metrics.RecordClusterRecord(kindName(kind), true)
	return nil
}

// Connected implements pubsub.ClusterTransport.
func (l *Link) Connected() bool { return l.connected.Load() }

func (l *Link) readLoop() {
	r := bufio.NewReader(l.conn)
	for {
		rec, err := ReadRecord(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				l.logger.Error().Err(err).Msg("IPC read failed")
			}
			l.drop(err)
			return
		}
		metrics.RecordClusterRecord(kindName(rec.Kind), false)

		switch rec.Kind {
		case pubsub.KindPublish:
			if l.onPublish != nil {
				l.onPublish(pubsub.Message{Channel: rec.Channel, Data: rec.Payload})
			}
		case pubsub.KindPing:
			_ = l.Send(pubsub.KindPong, "", 0, nil)
		case pubsub.KindPong:
			// Liveness confirmed; nothing to record.
		default:
			l.logger.Warn().Uint8("kind", rec.Kind).Msg("unexpected IPC record from master")
		}
	}
}

func (l *Link) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !l.connected.Load() {
				return
			}
			_ = l.Send(pubsub.KindPing, "", 0, nil)
		case <-ctx.Done():
			return
		}
	}
}

// drop marks the link dead and fires onDisconnect exactly once.
func (l *Link) drop(err error) {
	if !l.connected.CompareAndSwap(true, false) {
		return
	}
	l.conn.Close()
	l.logger.Warn().Err(err).Msg("cluster link dropped, pub/sub devolving to local-only")
	if l.onDisconnect != nil {
		l.onDisconnect(err)
	}
}

// Close tears the link down without treating it as a failure.
func (l *Link) Close() {
	if l.connected.CompareAndSwap(true, false) {
		l.conn.Close()
	}
}
