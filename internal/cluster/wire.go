// Package cluster implements the master ↔ worker IPC of the pub/sub
// fan-out: a Unix-domain socket owned by the master, length-prefixed
// records, an HMAC handshake keyed on the cluster secret, and an optional
// UDP broadcast bridge for best-effort cross-host delivery.
package cluster

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ionrelay/ionrelay/internal/pubsub"
)

// Record is one IPC wire record. Kind values are pubsub.KindSubscribe and
// friends; Filter is carried for intra-process bookkeeping but a filtered
// publish (Filter != 0) never crosses process boundaries.
type Record struct {
	Kind    byte
	Channel string
	Filter  int16
	Payload []byte
}

// Fixed header layout: kind u8, channel_len u16, filter i16, payload_len
// u32 — all little-endian, followed by channel bytes then payload bytes.
const headerSize = 1 + 2 + 2 + 4

const (
	maxChannelLen = 1<<16 - 1
	// maxPayloadLen bounds a single record so a corrupt length prefix
	// can't make a reader allocate gigabytes.
	maxPayloadLen = 64 << 20
)

// Encode appends r's wire form to dst and returns the extended slice.
func Encode(dst []byte, r Record) ([]byte, error) {
	if len(r.Channel) > maxChannelLen {
		return dst, fmt.Errorf("cluster: channel name %d bytes exceeds wire limit", len(r.Channel))
	}
	if len(r.Payload) > maxPayloadLen {
		return dst, fmt.Errorf("cluster: payload %d bytes exceeds wire limit", len(r.Payload))
	}

	var hdr [headerSize]byte
	hdr[0] = r.Kind
	binary.LittleEndian.PutUint16(hdr[1:3], uint16(len(r.Channel)))
	binary.LittleEndian.PutUint16(hdr[3:5], uint16(r.Filter))
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(len(r.Payload)))

	dst = append(dst, hdr[:]...)
	dst = append(dst, r.Channel...)
	dst = append(dst, r.Payload...)
	return dst, nil
}

// ReadRecord reads one complete record from r, blocking until it arrives.
func ReadRecord(r *bufio.Reader) (Record, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Record{}, err
	}

	rec := Record{
		Kind:   hdr[0],
		Filter: int16(binary.LittleEndian.Uint16(hdr[3:5])),
	}
	channelLen := int(binary.LittleEndian.Uint16(hdr[1:3]))
	payloadLen := int(binary.LittleEndian.Uint32(hdr[5:9]))
	if payloadLen > maxPayloadLen {
		return Record{}, fmt.Errorf("cluster: record payload length %d exceeds limit", payloadLen)
	}

	if channelLen > 0 {
		buf := make([]byte, channelLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Record{}, fmt.Errorf("cluster: reading channel: %w", err)
		}
		rec.Channel = string(buf)
	}
	if payloadLen > 0 {
		rec.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, rec.Payload); err != nil {
			return Record{}, fmt.Errorf("cluster: reading payload: %w", err)
		}
	}
	return rec, nil
}

// decodeSingle parses exactly one record from an in-memory slice (the UDP
// path, where a record is never split across reads).
func decodeSingle(buf []byte) (Record, error) {
	if len(buf) < headerSize {
		return Record{}, fmt.Errorf("cluster: short record: %d bytes", len(buf))
	}
	channelLen := int(binary.LittleEndian.Uint16(buf[1:3]))
	payloadLen := int(binary.LittleEndian.Uint32(buf[5:9]))
	if len(buf) < headerSize+channelLen+payloadLen {
		return Record{}, fmt.Errorf("cluster: truncated record")
	}
	rec := Record{
		Kind:    buf[0],
		Filter:  int16(binary.LittleEndian.Uint16(buf[3:5])),
		Channel: string(buf[headerSize : headerSize+channelLen]),
	}
	if payloadLen > 0 {
		rec.Payload = append([]byte(nil), buf[headerSize+channelLen:headerSize+channelLen+payloadLen]...)
	}
	return rec, nil
}

// kindName labels record kinds for logs and metrics.
func kindName(kind byte) string {
	switch kind {
	case pubsub.KindSubscribe:
		return "subscribe"
	case pubsub.KindUnsubscribe:
		return "unsubscribe"
	case pubsub.KindPSubscribe:
		return "psubscribe"
	case pubsub.KindPUnsubscribe:
		return "punsubscribe"
	case pubsub.KindPublish:
		return "publish"
	case pubsub.KindPing:
		return "ping"
	case pubsub.KindPong:
		return "pong"
	default:
		return "unknown"
	}
}
