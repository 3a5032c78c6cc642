package cluster

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ionrelay/ionrelay/internal/pubsub"
)

// startMaster runs a master on a per-test socket and waits for the bind.
func startMaster(t *testing.T, secret string) (*Master, context.CancelFunc) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ipc.sock")
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMaster(path, secret, zerolog.Nop(), nil)

	go func() {
		if err := m.Run(ctx); err != nil {
			t.Errorf("master: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("master socket never came up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return m, cancel
}

func TestPublishForwardedOnlyToSubscribedWorkers(t *testing.T) {
	const secret = "test-secret"
	master, cancel := startMaster(t, secret)
	defer cancel()

	ctx := context.Background()

	receivedA := make(chan pubsub.Message, 4)
	linkA, err := Dial(ctx, master.SocketPath(), secret, zerolog.Nop(),
		func(msg pubsub.Message) { receivedA <- msg }, nil)
	if err != nil {
		t.Fatalf("worker A dial: %v", err)
	}
	defer linkA.Close()

	receivedB := make(chan pubsub.Message, 4)
	linkB, err := Dial(ctx, master.SocketPath(), secret, zerolog.Nop(),
		func(msg pubsub.Message) { receivedB <- msg }, nil)
	if err != nil {
		t.Fatalf("worker B dial: %v", err)
	}
	defer linkB.Close()

	// A subscribes to room; B publishes to it.
	if err := linkA.Send(pubsub.KindSubscribe, "room", 0, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond) // let the master register interest

	if err := linkB.Send(pubsub.KindPublish, "room", 0, []byte("hi")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-receivedA:
		if msg.Channel != "room" || string(msg.Data) != "hi" {
			t.Fatalf("worker A received %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker A never received the publish")
	}

	// B published and is not subscribed; the master must not reflect the
	// message back.
	select {
	case msg := <-receivedB:
		t.Fatalf("worker B should not receive its own publish, got %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFilteredPublishNeverCrossesIPC(t *testing.T) {
	const secret = "test-secret"
	master, cancel := startMaster(t, secret)
	defer cancel()

	ctx := context.Background()

	received := make(chan pubsub.Message, 4)
	linkA, err := Dial(ctx, master.SocketPath(), secret, zerolog.Nop(),
		func(msg pubsub.Message) { received <- msg }, nil)
	if err != nil {
		t.Fatalf("worker A dial: %v", err)
	}
	defer linkA.Close()

	linkB, err := Dial(ctx, master.SocketPath(), secret, zerolog.Nop(), nil, nil)
	if err != nil {
		t.Fatalf("worker B dial: %v", err)
	}
	defer linkB.Close()

	linkA.Send(pubsub.KindSubscribe, "alerts", 0, nil)
	time.Sleep(100 * time.Millisecond)

	// A filtered publish reaching the master must be dropped there.
	linkB.Send(pubsub.KindPublish, "alerts", 7, []byte("filtered"))

	select {
	case msg := <-received:
		t.Fatalf("filtered publish crossed the IPC boundary: %+v", msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestHandshakeRejectsWrongSecret(t *testing.T) {
	master, cancel := startMaster(t, "right-secret")
	defer cancel()

	ctx := context.Background()
	link, err := Dial(ctx, master.SocketPath(), "wrong-secret", zerolog.Nop(), nil, nil)
	if err != nil {
		// Some kernels surface the rejection at dial time; that's a pass.
		return
	}
	defer link.Close()

	// The master closes the connection after the failed HMAC check; the
	// link must observe the drop shortly.
	deadline := time.Now().Add(2 * time.Second)
	for link.Connected() && time.Now().Before(deadline) {
		link.Send(pubsub.KindPing, "", 0, nil)
		time.Sleep(20 * time.Millisecond)
	}
	if link.Connected() {
		t.Fatal("link with wrong secret stayed connected")
	}
}
