package wsengine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/gobwas/ws"
)

// CloseCode is an RFC 6455 status code.
type CloseCode uint16

const (
	CloseNormal          CloseCode = 1000
	CloseGoingAway       CloseCode = 1001
	CloseProtocolError   CloseCode = 1002
	CloseUnsupportedData CloseCode = 1003
	CloseNoStatus        CloseCode = 1005
	CloseAbnormal        CloseCode = 1006
	CloseInvalidPayload  CloseCode = 1007
	ClosePolicyViolation CloseCode = 1008
	CloseTooLarge        CloseCode = 1009
	CloseInternalError   CloseCode = 1011
)

// EventKind discriminates the events Engine.Feed produces.
type EventKind int

const (
	EventMessage EventKind = iota // a complete, reassembled data message
	EventPing
	EventPong
	EventClose
)

// Event is one fully-reassembled WebSocket occurrence, ready for the
// handler (EventMessage) or for synchronous engine handling
// (EventPing/EventPong/EventClose never reach the handler's on_message,
// per the control-frame-interleaving rule).
type Event struct {
	Kind      EventKind
	IsText    bool
	Data      []byte
	CloseCode CloseCode
	CloseMsg  string
}

// protoErr wraps a framing violation that must close the connection with
// the given close code.
type protoErr struct {
	Code CloseCode
	Msg  string
}

func (e *protoErr) Error() string { return fmt.Sprintf("wsengine: %d %s", e.Code, e.Msg) }

// CloseStatus exposes the close code a framing error demands, letting the
// connection layer pick it up without depending on this package's error
// representation.
func (e *protoErr) CloseStatus() CloseCode { return e.Code }

// Engine holds one connection's fragmentation state. A data message may
// span several frames (first frame text/binary with FIN=0, continuations
// with opcode 0); control frames (close/ping/pong) may interleave between
// those fragments and are always FIN=1 with payload <= 125 bytes, per
// §4.4. Engine is used single-threaded by the owning reactor worker.
type Engine struct {
	fragOpcode ws.OpCode
	fragBuf    bytes.Buffer
	fragActive bool

	closeSent bool
	closeRecv bool
}

// NewEngine creates a fresh per-connection frame engine.
func NewEngine() *Engine { return &Engine{} }

// CloseSent / CloseReceived report handshake progress for the owning
// connection's close-handshake timeout logic.
func (e *Engine) CloseSent() bool     { return e.closeSent }
func (e *Engine) CloseReceived() bool { return e.closeRecv }
func (e *Engine) MarkCloseSent()      { e.closeSent = true }

// Feed parses as many complete frames as are present in buf, returning the
// events they produced, the number of bytes consumed, and an error (a
// *protoErr) if a framing rule was violated, at which point the caller
// must close the connection with the error's Code.
func (e *Engine) Feed(buf []byte) (events []Event, consumed int, err error) {
	for {
		n, hdr, ok, ferr := peekFrameHeader(buf[consumed:])
		if ferr != nil {
			return events, consumed, ferr
		}
		if !ok {
			return events, consumed, nil
		}
		frameTotal := n + int(hdr.Length)
		if len(buf[consumed:]) < frameTotal {
			return events, consumed, nil
		}
		payload := make([]byte, hdr.Length)
		copy(payload, buf[consumed+n:consumed+frameTotal])
		if hdr.Masked {
			ws.Cipher(payload, hdr.Mask, 0)
		} else {
			return events, consumed, &protoErr{CloseProtocolError, "client frame not masked"}
		}
		consumed += frameTotal

		ev, perr := e.handleFrame(hdr, payload)
		if perr != nil {
			return events, consumed, perr
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
}

func (e *Engine) handleFrame(hdr ws.Header, payload []byte) (*Event, error) {
	switch hdr.OpCode {
	case ws.OpText, ws.OpBinary:
		if e.fragActive {
			return nil, &protoErr{CloseProtocolError, "new data frame while fragment in progress"}
		}
		if !hdr.Fin {
			e.fragActive = true
			e.fragOpcode = hdr.OpCode
			e.fragBuf.Reset()
			e.fragBuf.Write(payload)
			return nil, nil
		}
		return e.completeMessage(hdr.OpCode, payload)

	case ws.OpContinuation:
		if !e.fragActive {
			return nil, &protoErr{CloseProtocolError, "continuation without an active fragment"}
		}
		e.fragBuf.Write(payload)
		if !hdr.Fin {
			return nil, nil
		}
		opcode := e.fragOpcode
		e.fragActive = false
		data := append([]byte(nil), e.fragBuf.Bytes()...)
		e.fragBuf.Reset()
		return e.completeMessage(opcode, data)

	case ws.OpClose:
		if !hdr.Fin || len(payload) > 125 {
			return nil, &protoErr{CloseProtocolError, "malformed close frame"}
		}
		e.closeRecv = true
		code, msg := parseCloseBody(payload)
		return &Event{Kind: EventClose, CloseCode: code, CloseMsg: msg}, nil

	case ws.OpPing:
		if !hdr.Fin || len(payload) > 125 {
			return nil, &protoErr{CloseProtocolError, "malformed ping frame"}
		}
		return &Event{Kind: EventPing, Data: payload}, nil

	case ws.OpPong:
		if !hdr.Fin || len(payload) > 125 {
			return nil, &protoErr{CloseProtocolError, "malformed pong frame"}
		}
		return &Event{Kind: EventPong, Data: payload}, nil

	default:
		return nil, &protoErr{CloseProtocolError, fmt.Sprintf("unknown opcode %d", hdr.OpCode)}
	}
}

func (e *Engine) completeMessage(opcode ws.OpCode, data []byte) (*Event, error) {
	isText := opcode == ws.OpText
	if isText && !utf8.Valid(data) {
		return nil, &protoErr{CloseInvalidPayload, "invalid UTF-8 in text message"}
	}
	return &Event{Kind: EventMessage, IsText: isText, Data: data}, nil
}

func parseCloseBody(payload []byte) (CloseCode, string) {
	if len(payload) < 2 {
		return CloseNoStatus, ""
	}
	code := CloseCode(binary.BigEndian.Uint16(payload[:2]))
	return code, string(payload[2:])
}

// peekFrameHeader parses a frame header from buf without consuming the
// underlying reader, returning the header byte length, the parsed header,
// whether a full header was available, and a framing error if any.
func peekFrameHeader(buf []byte) (headerLen int, hdr ws.Header, ok bool, err error) {
	if len(buf) < 2 {
		return 0, ws.Header{}, false, nil
	}
	b0, b1 := buf[0], buf[1]
	hdr.Fin = b0&0x80 != 0
	hdr.Rsv = b0 & 0x70 >> 4
	hdr.OpCode = ws.OpCode(b0 & 0x0f)
	hdr.Masked = b1&0x80 != 0

	lenField := int(b1 & 0x7f)
	headerLen = 2
	switch {
	case lenField <= 125:
		hdr.Length = int64(lenField)
	case lenField == 126:
		if len(buf) < 4 {
			return 0, ws.Header{}, false, nil
		}
		hdr.Length = int64(binary.BigEndian.Uint16(buf[2:4]))
		headerLen = 4
	default: // 127
		if len(buf) < 10 {
			return 0, ws.Header{}, false, nil
		}
		hdr.Length = int64(binary.BigEndian.Uint64(buf[2:10]))
		headerLen = 10
	}

	if hdr.Masked {
		if len(buf) < headerLen+4 {
			return 0, ws.Header{}, false, nil
		}
		copy(hdr.Mask[:], buf[headerLen:headerLen+4])
		headerLen += 4
	}

	if (hdr.OpCode == ws.OpClose || hdr.OpCode == ws.OpPing || hdr.OpCode == ws.OpPong) &&
		(!hdr.Fin || hdr.Length > 125) {
		return 0, ws.Header{}, false, &protoErr{CloseProtocolError, "control frame must be final and <=125 bytes"}
	}

	return headerLen, hdr, true, nil
}

// EncodeFrame serializes a single unmasked server-to-client frame (servers
// must not mask, per §4.4).
func EncodeFrame(fin bool, opcode ws.OpCode, payload []byte) []byte {
	var out bytes.Buffer
	b0 := byte(opcode)
	if fin {
		b0 |= 0x80
	}
	out.WriteByte(b0)

	n := len(payload)
	switch {
	case n <= 125:
		out.WriteByte(byte(n))
	case n <= 0xffff:
		out.WriteByte(126)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(n))
		out.Write(lenBuf[:])
	default:
		out.WriteByte(127)
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(n))
		out.Write(lenBuf[:])
	}
	out.Write(payload)
	return out.Bytes()
}

// EncodeClose builds a close frame payload (code + optional reason).
func EncodeClose(code CloseCode, reason string) []byte {
	if code == CloseNoStatus {
		return EncodeFrame(true, ws.OpClose, nil)
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload[:2], uint16(code))
	copy(payload[2:], reason)
	return EncodeFrame(true, ws.OpClose, payload)
}
