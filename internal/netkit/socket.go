package netkit

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
)

// Socket is the vtable the reactor uses to talk to a connection without
// knowing whether it is plaintext or TLS. Plain() and TLSWrap() produce the
// two concrete implementations; the reactor only ever sees this interface,
// per the socket layer's plaintext/ciphertext seam.
type Socket interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	// ReadFrom lets a plaintext socket take advantage of io.ReaderFrom
	// (sendfile) for PacketFile entries; TLS sockets fall back to a copy
	// loop since the kernel can't encrypt during a sendfile splice.
	ReadFrom(r io.Reader) (int64, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

type plainSocket struct {
	conn net.Conn
}

// Plain wraps a raw net.Conn (typically a *net.TCPConn) as a Socket.
func Plain(conn net.Conn) Socket {
	return &plainSocket{conn: conn}
}

func (s *plainSocket) Read(buf []byte) (int, error)  { return s.conn.Read(buf) }
func (s *plainSocket) Write(buf []byte) (int, error) { return s.conn.Write(buf) }
func (s *plainSocket) Close() error                  { return s.conn.Close() }
func (s *plainSocket) LocalAddr() net.Addr           { return s.conn.LocalAddr() }
func (s *plainSocket) RemoteAddr() net.Addr          { return s.conn.RemoteAddr() }

func (s *plainSocket) ReadFrom(r io.Reader) (int64, error) {
	if rf, ok := s.conn.(io.ReaderFrom); ok {
		return rf.ReadFrom(r)
	}
	return io.Copy(s.conn, r)
}

type tlsSocket struct {
	conn *tls.Conn
}

// TLSWrap performs a server-side TLS handshake over raw and returns a
// Socket. The handshake is performed eagerly so callers can treat errors
// here as "connection never became live" rather than surfacing a mid-stream
// failure later.
func TLSWrap(raw net.Conn, cfg *tls.Config) (Socket, error) {
	conn := tls.Server(raw, cfg)
	if err := conn.Handshake(); err != nil {
		return nil, fmt.Errorf("netkit: tls handshake: %w", err)
	}
	return &tlsSocket{conn: conn}, nil
}

func (s *tlsSocket) Read(buf []byte) (int, error)  { return s.conn.Read(buf) }
func (s *tlsSocket) Write(buf []byte) (int, error) { return s.conn.Write(buf) }
func (s *tlsSocket) Close() error                  { return s.conn.Close() }
func (s *tlsSocket) LocalAddr() net.Addr           { return s.conn.LocalAddr() }
func (s *tlsSocket) RemoteAddr() net.Addr          { return s.conn.RemoteAddr() }

// ReadFrom over TLS can't use a kernel sendfile splice since the payload
// must be encrypted, so it falls back to a buffered copy.
func (s *tlsSocket) ReadFrom(r io.Reader) (int64, error) {
	return io.Copy(s.conn, r)
}

// WritePacket writes a single outbound packet to sock, releasing its buffer
// (if any) afterward. It returns the number of bytes written and any error.
func WritePacket(sock Socket, p Packet) (int64, error) {
	switch p.Kind {
	case PacketBuffer:
		defer p.Release()
		n, err := sock.Write(p.Buffer)
		if err != nil {
			return int64(n), fmt.Errorf("netkit: write: %w", err)
		}
		return int64(n), nil
	case PacketFile:
		section := io.NewSectionReader(p.File, p.Offset, p.Length)
		n, err := sock.ReadFrom(section)
		if err != nil {
			return n, fmt.Errorf("netkit: sendfile: %w", err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("netkit: unknown packet kind %d", p.Kind)
	}
}
