package cluster

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ionrelay/ionrelay/internal/pubsub"
)

// Broadcaster bridges channel publishes across hosts over a UDP broadcast
// port. Delivery is best-effort and unordered between hosts; the same
// cluster secret signs every datagram. Datagram layout: 16-byte node id,
// 32-byte HMAC-SHA256 over the record bytes, then one wire record.
type Broadcaster struct {
	nodeID uuid.UUID
	secret string
	logger zerolog.Logger

	conn *net.UDPConn
	dst  *net.UDPAddr
}

const udpOverhead = 16 + sha256.Size

// NewBroadcaster binds the broadcast port and returns a bridge identified
// by a fresh node id, used to drop our own datagrams on receipt.
func NewBroadcaster(port int, secret string, logger zerolog.Logger) (*Broadcaster, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("cluster: binding broadcast port %d: %w", port, err)
	}

	b := &Broadcaster{
		nodeID: uuid.New(),
		secret: secret,
		logger: logger.With().Str("component", "cluster-udp").Logger(),
		conn:   conn,
		dst:    &net.UDPAddr{IP: net.IPv4bcast, Port: port},
	}
	b.logger.Info().Int("port", port).Str("node", b.nodeID.String()).Msg("UDP cluster bridge bound")
	return b, nil
}

// Publish broadcasts one channel message to the local network segment.
func (b *Broadcaster) Publish(msg pubsub.Message) error {
	if msg.Filter != 0 {
		return nil
	}
	rec, err := Encode(nil, Record{Kind: pubsub.KindPublish, Channel: msg.Channel, Payload: msg.Data})
	if err != nil {
		return err
	}

	datagram := make([]byte, 0, udpOverhead+len(rec))
	datagram = append(datagram, b.nodeID[:]...)
	datagram = append(datagram, computeMAC(b.secret, rec)...)
	datagram = append(datagram, rec...)

	if _, err := b.conn.WriteToUDP(datagram, b.dst); err != nil {
		return fmt.Errorf("cluster: UDP broadcast: %w", err)
	}
	return nil
}

// Listen consumes datagrams until the connection is closed, feeding
// verified foreign publishes to onPublish. Runs on its own goroutine.
func (b *Broadcaster) Listen(onPublish func(pubsub.Message)) {
	buf := make([]byte, 65536)
	for {
		n, _, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < udpOverhead+headerSize {
			continue
		}

		var sender uuid.UUID
		copy(sender[:], buf[:16])
		if sender == b.nodeID {
			continue
		}

		mac := buf[16:udpOverhead]
		rec := buf[udpOverhead:n]
		if !hmac.Equal(mac, computeMAC(b.secret, rec)) {
			b.logger.Warn().Msg("dropping UDP datagram with bad HMAC")
			continue
		}

		parsed, err := decodeSingle(rec)
		if err != nil || parsed.Kind != pubsub.KindPublish {
			continue
		}
		onPublish(pubsub.Message{Channel: parsed.Channel, Data: parsed.Payload})
	}
}

// Close shuts the bridge down.
func (b *Broadcaster) Close() error { return b.conn.Close() }

// Subscription bookkeeping is meaningless over a broadcast medium: every
// node sees every datagram and filters against its own channel table.
// These no-ops complete the pubsub.Engine interface so a Broadcaster can
// be attached like any other engine.
func (b *Broadcaster) Subscribe(string) error    { return nil }
func (b *Broadcaster) Unsubscribe(string) error  { return nil }
func (b *Broadcaster) PSubscribe(string) error   { return nil }
func (b *Broadcaster) PUnsubscribe(string) error { return nil }
func (b *Broadcaster) Detached() bool            { return false }

var _ pubsub.Engine = (*Broadcaster)(nil)
