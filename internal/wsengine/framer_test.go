package wsengine

import (
	"testing"

	"github.com/gobwas/ws"
)

// maskedClientFrame builds a client-to-server frame (which must be masked)
// for feeding into Engine.Feed in tests.
func maskedClientFrame(fin bool, opcode ws.OpCode, payload []byte) []byte {
	mask := [4]byte{0x12, 0x34, 0x56, 0x78}
	masked := append([]byte(nil), payload...)
	ws.Cipher(masked, mask, 0)

	b0 := byte(opcode)
	if fin {
		b0 |= 0x80
	}
	out := []byte{b0}

	n := len(payload)
	switch {
	case n <= 125:
		out = append(out, byte(n)|0x80)
	default:
		panic("test helper only supports small payloads")
	}
	out = append(out, mask[:]...)
	out = append(out, masked...)
	return out
}

func TestFeedSingleFrameTextMessage(t *testing.T) {
	e := NewEngine()
	frame := maskedClientFrame(true, ws.OpText, []byte("hello"))

	events, consumed, err := e.Feed(frame)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if consumed != len(frame) {
		t.Fatalf("consumed = %d, want %d", consumed, len(frame))
	}
	if len(events) != 1 || events[0].Kind != EventMessage || string(events[0].Data) != "hello" {
		t.Fatalf("events = %+v", events)
	}
	if !events[0].IsText {
		t.Fatalf("expected IsText = true")
	}
}

func TestFeedFragmentedMessage(t *testing.T) {
	e := NewEngine()
	first := maskedClientFrame(false, ws.OpText, []byte("hel"))
	cont := maskedClientFrame(true, ws.OpContinuation, []byte("lo"))

	buf := append(append([]byte{}, first...), cont...)
	events, consumed, err := e.Feed(buf)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if consumed != len(buf) {
		t.Fatalf("consumed = %d, want %d", consumed, len(buf))
	}
	if len(events) != 1 || string(events[0].Data) != "hello" {
		t.Fatalf("events = %+v", events)
	}
}

func TestControlFrameInterleavedDuringFragment(t *testing.T) {
	e := NewEngine()
	first := maskedClientFrame(false, ws.OpText, []byte("hel"))
	ping := maskedClientFrame(true, ws.OpPing, []byte("p"))
	cont := maskedClientFrame(true, ws.OpContinuation, []byte("lo"))

	buf := append(append(append([]byte{}, first...), ping...), cont...)
	events, _, err := e.Feed(buf)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events (ping, message), got %d: %+v", len(events), events)
	}
	if events[0].Kind != EventPing {
		t.Fatalf("expected first event to be a ping, got %+v", events[0])
	}
	if events[1].Kind != EventMessage || string(events[1].Data) != "hello" {
		t.Fatalf("expected reassembled message, got %+v", events[1])
	}
}

func TestInvalidUTF8TextRejected(t *testing.T) {
	e := NewEngine()
	frame := maskedClientFrame(true, ws.OpText, []byte{0xff, 0xfe})
	_, _, err := e.Feed(frame)
	pe, ok := err.(*protoErr)
	if !ok || pe.Code != CloseInvalidPayload {
		t.Fatalf("expected CloseInvalidPayload protoErr, got %v", err)
	}
}

func TestUnmaskedClientFrameRejected(t *testing.T) {
	e := NewEngine()
	// Build an unmasked frame directly (server-style), which a client must
	// never send.
	frame := EncodeFrame(true, ws.OpText, []byte("hi"))
	_, _, err := e.Feed(frame)
	pe, ok := err.(*protoErr)
	if !ok || pe.Code != CloseProtocolError {
		t.Fatalf("expected CloseProtocolError for unmasked frame, got %v", err)
	}
}

func TestEncodeAndParseCloseFrame(t *testing.T) {
	e := NewEngine()
	closePayload := EncodeClose(CloseNormal, "bye")
	// EncodeClose produces an unmasked (server) frame; simulate the same
	// shape but masked, as a client would send it, by re-encoding with a
	// mask.
	n, hdr, ok, err := peekFrameHeader(closePayload)
	if err != nil || !ok {
		t.Fatalf("peekFrameHeader: %v %v", ok, err)
	}
	payload := closePayload[n:]
	mask := [4]byte{1, 2, 3, 4}
	masked := append([]byte(nil), payload...)
	ws.Cipher(masked, mask, 0)
	clientFrame := maskedClientFrame(true, hdr.OpCode, payload)
	_ = clientFrame

	events, _, err := e.Feed(maskedClientFrame(true, ws.OpClose, payload))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventClose || events[0].CloseCode != CloseNormal || events[0].CloseMsg != "bye" {
		t.Fatalf("events = %+v", events)
	}
}
