package pubsub

import "testing"

type recordingSubscriber struct {
	id           int64
	delivered    []Message
	unsubscribed bool
}

func (s *recordingSubscriber) ID() int64           { return s.id }
func (s *recordingSubscriber) Deliver(msg Message) { s.delivered = append(s.delivered, msg) }
func (s *recordingSubscriber) OnUnsubscribe()      { s.unsubscribed = true }

func TestExactSubscribeAndPublish(t *testing.T) {
	table := NewTable()
	sub := &recordingSubscriber{id: 1}

	if err := table.Subscribe(sub, "orders", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := table.Publish(Message{Channel: "orders", Data: []byte("a")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(sub.delivered) != 1 || string(sub.delivered[0].Data) != "a" {
		t.Fatalf("delivered = %+v", sub.delivered)
	}
}

func TestFilterNeverCrossesChannelNamespace(t *testing.T) {
	table := NewTable()
	channelSub := &recordingSubscriber{id: 1}
	filterSub := &recordingSubscriber{id: 2}

	table.Subscribe(channelSub, "alerts", 0)
	table.Subscribe(filterSub, "alerts", 7)

	table.Publish(Message{Channel: "alerts", Filter: 7, Data: []byte("filtered")})

	if len(channelSub.delivered) != 0 {
		t.Fatalf("channel subscriber should not see filtered publish, got %+v", channelSub.delivered)
	}
	if len(filterSub.delivered) != 1 {
		t.Fatalf("filter subscriber should see its publish, got %+v", filterSub.delivered)
	}
}

func TestPatternSubscriptionMatchesOnPublish(t *testing.T) {
	table := NewTable()
	sub := &recordingSubscriber{id: 1}
	table.PSubscribe(sub, "orders.*")

	table.Publish(Message{Channel: "orders.created", Data: []byte("x")})
	table.Publish(Message{Channel: "users.created", Data: []byte("y")})

	if len(sub.delivered) != 1 || sub.delivered[0].Channel != "orders.created" {
		t.Fatalf("delivered = %+v", sub.delivered)
	}
}

func TestUnsubscribeFiresCallbackAndStopsDelivery(t *testing.T) {
	table := NewTable()
	sub := &recordingSubscriber{id: 1}
	table.Subscribe(sub, "orders", 0)
	table.Unsubscribe(sub, "orders", 0)

	if !sub.unsubscribed {
		t.Fatalf("expected OnUnsubscribe to fire")
	}
	table.Publish(Message{Channel: "orders", Data: []byte("a")})
	if len(sub.delivered) != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %+v", sub.delivered)
	}
}

func TestUnsubscribeAllRemovesExactAndPattern(t *testing.T) {
	table := NewTable()
	sub := &recordingSubscriber{id: 1}
	table.Subscribe(sub, "orders", 0)
	table.PSubscribe(sub, "users.*")

	table.UnsubscribeAll(sub)

	table.Publish(Message{Channel: "orders", Data: []byte("a")})
	table.Publish(Message{Channel: "users.created", Data: []byte("b")})
	if len(sub.delivered) != 0 {
		t.Fatalf("expected no deliveries after UnsubscribeAll, got %+v", sub.delivered)
	}
}

type fakeEngine struct {
	published []Message
	detached  bool
}

func (e *fakeEngine) Subscribe(string) error    { return nil }
func (e *fakeEngine) Unsubscribe(string) error  { return nil }
func (e *fakeEngine) PSubscribe(string) error   { return nil }
func (e *fakeEngine) PUnsubscribe(string) error { return nil }
func (e *fakeEngine) Publish(msg Message) error { e.published = append(e.published, msg); return nil }
func (e *fakeEngine) Detached() bool            { return e.detached }

func TestAttachedEngineReceivesPublish(t *testing.T) {
	table := NewTable()
	engine := &fakeEngine{}
	table.AttachEngine(engine)

	table.Publish(Message{Channel: "orders", Data: []byte("a")})
	if len(engine.published) != 1 {
		t.Fatalf("expected engine to receive publish, got %+v", engine.published)
	}
}

func TestDetachedEngineSkipped(t *testing.T) {
	table := NewTable()
	engine := &fakeEngine{detached: true}
	table.AttachEngine(engine)

	table.Publish(Message{Channel: "orders", Data: []byte("a")})
	if len(engine.published) != 0 {
		t.Fatalf("expected detached engine to be skipped, got %+v", engine.published)
	}
}

func TestReplayFallsBackToMemoryHistory(t *testing.T) {
	table := NewTable()
	table.Publish(Message{Channel: "orders", Data: []byte("1")})
	table.Publish(Message{Channel: "orders", Data: []byte("2")})

	msgs, ok := table.Replay("orders", "0")
	if !ok {
		t.Fatalf("expected memory history to answer replay")
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 replayed messages, got %d", len(msgs))
	}
}
