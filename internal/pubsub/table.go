package pubsub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Subscriber is the owner side of a subscription: something capable of
// receiving delivered messages and being told its subscription ended.
// Concrete implementations are connection-bound (WS/SSE sessions) or
// callback-bound (a handler registered directly against the table); either
// way, delivery to this interface must happen off the reactor thread,
// except raw/WS/SSE subscribers which write directly per §4.6's "direct
// write for raw/WS/SSE subscribers" rule — that distinction is the
// subscriber implementation's responsibility, not the Table's.
type Subscriber interface {
	ID() int64
	Deliver(msg Message)
	OnUnsubscribe()
}

type subKey struct {
	channel string
	filter  int16
}

type subscription struct {
	key        subKey
	pattern    string // empty for an exact subscription
	subscriber Subscriber
}

// Table is one process's channel table: exact (channel, filter)
// subscriptions, pattern subscriptions matched on every publish, and the
// attached engines that receive a copy of every locally-originated
// publish for further (cluster/external) fan-out.
type Table struct {
	mu       sync.RWMutex
	exact    map[subKey][]*subscription
	patterns []*subscription
	engines  []Engine
	history  *historyRegistry
	seq      atomic.Int64
}

// NewTable creates an empty channel table.
func NewTable() *Table {
	return &Table{
		exact:   make(map[subKey][]*subscription),
		history: newHistoryRegistry(),
	}
}

// AttachEngine registers an additional fan-out target; every subsequent
// local Publish also calls engine.Publish, and every future Subscribe also
// calls engine.Subscribe (so a just-attached engine starts fresh: it does
// not retroactively see already-registered subscriptions, matching the
// "attach a custom engine" being a startup-time operation in practice).
func (t *Table) AttachEngine(e Engine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.engines = append(t.engines, e)
}

// RegisterHistory adds a history manager at the given priority (higher
// wins); see history.go.
func (t *Table) RegisterHistory(priority uint8, mgr History) {
	t.history.register(priority, mgr)
}

// Subscribe registers sub to receive messages published to (channel,
// filter). Re-subscribing the same subscriber to the same key is a no-op,
// matching the teacher's subscribe-dedup behavior in channels.go/server.go.
func (t *Table) Subscribe(sub Subscriber, channel string, filter int16) error {
	t.mu.Lock()
	key := subKey{channel: channel, filter: filter}
	for _, existing := range t.exact[key] {
		if existing.subscriber.ID() == sub.ID() {
			t.mu.Unlock()
			return nil
		}
	}
	t.exact[key] = append(t.exact[key], &subscription{key: key, subscriber: sub})
	engines := append([]Engine(nil), t.engines...)
	t.mu.Unlock()

	return forEachEngine(engines, func(e Engine) error { return e.Subscribe(channel) })
}

// Unsubscribe removes sub's subscription to (channel, filter), firing
// OnUnsubscribe. A subscriber not currently subscribed is a no-op.
func (t *Table) Unsubscribe(sub Subscriber, channel string, filter int16) error {
	t.mu.Lock()
	key := subKey{channel: channel, filter: filter}
	subs := t.exact[key]
	removed := false
	for i, existing := range subs {
		if existing.subscriber.ID() == sub.ID() {
			subs[i] = subs[len(subs)-1]
			t.exact[key] = subs[:len(subs)-1]
			if len(t.exact[key]) == 0 {
				delete(t.exact, key)
			}
			removed = true
			break
		}
	}
	engines := append([]Engine(nil), t.engines...)
	t.mu.Unlock()

	if removed {
		sub.OnUnsubscribe()
	}
	return forEachEngine(engines, func(e Engine) error { return e.Unsubscribe(channel) })
}

// PSubscribe registers sub against a glob pattern.
func (t *Table) PSubscribe(sub Subscriber, pattern string) error {
	t.mu.Lock()
	t.patterns = append(t.patterns, &subscription{pattern: pattern, subscriber: sub})
	engines := append([]Engine(nil), t.engines...)
	t.mu.Unlock()

	return forEachEngine(engines, func(e Engine) error { return e.PSubscribe(pattern) })
}

// PUnsubscribe removes sub's pattern subscription.
func (t *Table) PUnsubscribe(sub Subscriber, pattern string) error {
	t.mu.Lock()
	removed := false
	for i, p := range t.patterns {
		if p.pattern == pattern && p.subscriber.ID() == sub.ID() {
			t.patterns[i] = t.patterns[len(t.patterns)-1]
			t.patterns = t.patterns[:len(t.patterns)-1]
			removed = true
			break
		}
	}
	engines := append([]Engine(nil), t.engines...)
	t.mu.Unlock()

	if removed {
		sub.OnUnsubscribe()
	}
	return forEachEngine(engines, func(e Engine) error { return e.PUnsubscribe(pattern) })
}

// UnsubscribeAll removes every subscription owned by sub, used when a
// connection closes; per invariant (a), no subscription outlives its
// connection.
func (t *Table) UnsubscribeAll(sub Subscriber) {
	t.mu.Lock()
	var toNotify []subKey
	for key, subs := range t.exact {
		for i, existing := range subs {
			if existing.subscriber.ID() == sub.ID() {
				subs[i] = subs[len(subs)-1]
				t.exact[key] = subs[:len(subs)-1]
				toNotify = append(toNotify, key)
				break
			}
		}
		if len(t.exact[key]) == 0 {
			delete(t.exact, key)
		}
	}
	removedPattern := false
	for i := 0; i < len(t.patterns); {
		if t.patterns[i].subscriber.ID() == sub.ID() {
			t.patterns[i] = t.patterns[len(t.patterns)-1]
			t.patterns = t.patterns[:len(t.patterns)-1]
			removedPattern = true
			continue
		}
		i++
	}
	t.mu.Unlock()

	if len(toNotify) > 0 || removedPattern {
		sub.OnUnsubscribe()
	}
}

// Publish delivers msg to local subscribers (exact then pattern, in
// registration order) and then to every attached engine, matching §4.6's
// fan-out order. Local delivery never fails the publish call; only the
// engine forwarding step can return an error, and one engine's error does
// not prevent the others from being tried.
func (t *Table) Publish(msg Message) error {
	if msg.ID == 0 {
		msg.ID = t.seq.Add(1)
	}
	if msg.Published == 0 {
		msg.Published = time.Now().UnixMilli()
	}

	t.mu.RLock()
	exact := append([]*subscription(nil), t.exact[subKey{channel: msg.Channel, filter: msg.Filter}]...)
	var matched []*subscription
	if msg.Filter == 0 {
		for _, p := range t.patterns {
			if MatchPattern(p.pattern, msg.Channel) {
				matched = append(matched, p)
			}
		}
	}
	engines := append([]Engine(nil), t.engines...)
	t.mu.RUnlock()

	for _, s := range exact {
		s.subscriber.Deliver(msg)
	}
	for _, s := range matched {
		s.subscriber.Deliver(msg)
	}

	if msg.Filter == 0 {
		t.history.record(msg)
	}

	return forEachEngine(engines, func(e Engine) error { return e.Publish(msg) })
}

// SubscriptionCount returns the total number of live subscriptions (exact
// plus pattern), for the metrics gauge.
func (t *Table) SubscriptionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.patterns)
	for _, subs := range t.exact {
		n += len(subs)
	}
	return n
}

// DeliverLocal delivers a message that originated in another process to
// local subscribers only, skipping the attached engines — the origin
// process already performed the wider fan-out, so re-forwarding here would
// loop the message through the cluster forever.
func (t *Table) DeliverLocal(msg Message) {
	if msg.ID == 0 {
		msg.ID = t.seq.Add(1)
	}
	if msg.Published == 0 {
		msg.Published = time.Now().UnixMilli()
	}

	t.mu.RLock()
	exact := append([]*subscription(nil), t.exact[subKey{channel: msg.Channel, filter: msg.Filter}]...)
	var matched []*subscription
	if msg.Filter == 0 {
		for _, p := range t.patterns {
			if MatchPattern(p.pattern, msg.Channel) {
				matched = append(matched, p)
			}
		}
	}
	t.mu.RUnlock()

	for _, s := range exact {
		s.subscriber.Deliver(msg)
	}
	for _, s := range matched {
		s.subscriber.Deliver(msg)
	}

	if msg.Filter == 0 {
		t.history.record(msg)
	}
}

// Replay asks the highest-priority history manager able to answer for
// messages on channel newer than sinceID, per §4.6's "first manager able to
// replay the window does so; others are skipped" rule.
func (t *Table) Replay(channel string, sinceID string) ([]Message, bool) {
	return t.history.replay(channel, sinceID)
}

func forEachEngine(engines []Engine, fn func(Engine) error) error {
	var firstErr error
	for _, e := range engines {
		if e.Detached() {
			continue
		}
		if err := fn(e); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pubsub: engine fan-out: %w", err)
		}
	}
	return firstErr
}
