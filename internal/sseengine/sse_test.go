package sseengine

import (
	"strings"
	"testing"
)

func TestEncodeFullEvent(t *testing.T) {
	ev := Event{ID: "42", Name: "update", Data: []byte("line1\nline2"), Retry: 3000}
	got := string(Encode(ev))
	want := "id: 42\nevent: update\nretry: 3000\ndata: line1\ndata: line2\n\n"
	if got != want {
		t.Fatalf("Encode() = %q, want %q", got, want)
	}
}

func TestEncodeMinimalEvent(t *testing.T) {
	ev := Event{Data: []byte("hello")}
	got := string(Encode(ev))
	if got != "data: hello\n\n" {
		t.Fatalf("Encode() = %q", got)
	}
}

func TestWriterTracksLastEventID(t *testing.T) {
	w := NewWriter()
	if w.LastEventID() != "" {
		t.Fatalf("expected empty initial LastEventID")
	}
	w.Write(Event{ID: "1", Data: []byte("a")})
	if w.LastEventID() != "1" {
		t.Fatalf("LastEventID = %q, want 1", w.LastEventID())
	}
	// An event with no id must not clear the last seen id.
	w.Write(Event{Data: []byte("b")})
	if w.LastEventID() != "1" {
		t.Fatalf("LastEventID changed to %q after id-less event", w.LastEventID())
	}
}

func TestKeepaliveCommentFormat(t *testing.T) {
	if !strings.HasPrefix(string(KeepaliveComment), ":") {
		t.Fatalf("keepalive comment must start with ':' per the SSE comment syntax")
	}
}
