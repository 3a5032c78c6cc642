package cluster

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/ionrelay/ionrelay/internal/pubsub"
)

func TestRecordRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{"publish", Record{Kind: pubsub.KindPublish, Channel: "room", Payload: []byte("hi")}},
		{"subscribe no payload", Record{Kind: pubsub.KindSubscribe, Channel: "feed"}},
		{"filtered", Record{Kind: pubsub.KindPublish, Channel: "orders", Filter: -7, Payload: []byte{0, 1, 2}}},
		{"ping empty", Record{Kind: pubsub.KindPing}},
		{"utf8 channel", Record{Kind: pubsub.KindPublish, Channel: "чат/общий", Payload: []byte("привет")}},
		{"large payload", Record{Kind: pubsub.KindPublish, Channel: "bulk", Payload: bytes.Repeat([]byte{0xAB}, 70000)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := Encode(nil, tt.rec)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := ReadRecord(bufio.NewReader(bytes.NewReader(wire)))
			if err != nil {
				t.Fatalf("ReadRecord: %v", err)
			}
			if got.Kind != tt.rec.Kind || got.Channel != tt.rec.Channel || got.Filter != tt.rec.Filter {
				t.Errorf("got %+v, want %+v", got, tt.rec)
			}
			if !bytes.Equal(got.Payload, tt.rec.Payload) {
				t.Errorf("payload mismatch: %d bytes vs %d", len(got.Payload), len(tt.rec.Payload))
			}
		})
	}
}

func TestRecordStreaming(t *testing.T) {
	var wire []byte
	var err error
	recs := []Record{
		{Kind: pubsub.KindSubscribe, Channel: "a"},
		{Kind: pubsub.KindPublish, Channel: "a", Payload: []byte("one")},
		{Kind: pubsub.KindPublish, Channel: "a", Payload: []byte("two")},
	}
	for _, r := range recs {
		wire, err = Encode(wire, r)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	r := bufio.NewReader(bytes.NewReader(wire))
	for i, want := range recs {
		got, err := ReadRecord(r)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if got.Channel != want.Channel || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("record %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestEncodeRejectsOversizedChannel(t *testing.T) {
	rec := Record{Kind: pubsub.KindPublish, Channel: string(bytes.Repeat([]byte("x"), 70000))}
	if _, err := Encode(nil, rec); err == nil {
		t.Error("Encode accepted an oversized channel name")
	}
}
