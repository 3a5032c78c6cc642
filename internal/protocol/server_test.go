package protocol

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ionrelay/ionrelay/internal/asyncpool"
	"github.com/ionrelay/ionrelay/internal/capacity"
	"github.com/ionrelay/ionrelay/internal/config"
	"github.com/ionrelay/ionrelay/internal/handler"
	"github.com/ionrelay/ionrelay/internal/httpcodec"
	"github.com/ionrelay/ionrelay/internal/pubsub"
	"github.com/ionrelay/ionrelay/internal/reactor"
	"github.com/ionrelay/ionrelay/internal/router"
)

// echoHandler answers HTTP with the request body and echoes WS messages.
type echoHandler struct {
	handler.BaseHandler
}

func (echoHandler) OnHTTP(conn handler.Conn, req *httpcodec.Request, body *httpcodec.Body, resp *httpcodec.ResponseWriter) {
	resp.Simple(200, httpcodec.Header{"content-type": {"text/plain"}}, body.Bytes())
}

func (echoHandler) OnOpen(conn handler.Conn) {
	_ = conn.Subscribe("room", 0)
}

func (echoHandler) OnMessage(conn handler.Conn, data []byte, isText bool) {
	_ = conn.Write(data)
}

func startTestServer(t *testing.T) (addr string, table *pubsub.Table, shutdown func()) {
	t.Helper()

	cfg := &config.Config{
		MaxRequestLine:   8192,
		MaxHeaderBytes:   16384,
		MaxBodyBytes:     1 << 20,
		MaxWSMessage:     1 << 20,
		KeepAliveTimeout: 5 * time.Second,
		PingInterval:     5 * time.Second,
		MaxPending:       1 << 20,
		ShutdownTimeout:  time.Second,
		Threads:          2,
		Listeners: []config.Listener{
			{Scheme: "http", Host: "127.0.0.1", Port: 0},
		},
	}
	logger := zerolog.Nop()

	ctx, cancel := context.WithCancel(context.Background())

	guard := capacity.NewGuard(capacity.Config{}, logger)
	table = pubsub.NewTable()
	async := asyncpool.New(2, logger)
	async.Start(ctx)
	pool := reactor.NewPool(2, 16)
	go pool.Run(ctx)

	routes := router.NewTable("")
	routes.Add("/", echoHandler{})

	srv := NewServer(cfg, logger, routes, table, guard, async, pool)
	if err := srv.Listen(); err != nil {
		cancel()
		t.Fatalf("Listen: %v", err)
	}

	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.Serve(ctx)
	}()

	return srv.Addrs()[0].String(), table, func() {
		cancel()
		<-served
	}
}

func TestHTTPEcho(t *testing.T) {
	addr, _, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 200") {
		t.Fatalf("status = %q", status)
	}

	var contentLength int
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading headers: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(name, "Content-Length") {
			fmt.Sscanf(strings.TrimSpace(value), "%d", &contentLength)
		}
	}
	if contentLength != 5 {
		t.Fatalf("Content-Length = %d, want 5", contentLength)
	}

	body := make([]byte, 5)
	if _, err := io.ReadFull(br, body); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q", body)
	}
}

func TestKeepAliveServesTwoRequests(t *testing.T) {
	addr, _, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))
	br := bufio.NewReader(conn)

	for i := 0; i < 2; i++ {
		payload := fmt.Sprintf("req%d!", i)
		fmt.Fprintf(conn, "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: %d\r\n\r\n%s", len(payload), payload)

		status, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("request %d: reading status: %v", i, err)
		}
		if !strings.HasPrefix(status, "HTTP/1.1 200") {
			t.Fatalf("request %d: status = %q", i, status)
		}
		var contentLength int
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				t.Fatalf("request %d: headers: %v", i, err)
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(name, "Content-Length") {
				fmt.Sscanf(strings.TrimSpace(value), "%d", &contentLength)
			}
		}
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(br, body); err != nil {
			t.Fatalf("request %d: body: %v", i, err)
		}
		if string(body) != payload {
			t.Fatalf("request %d: body = %q, want %q", i, body, payload)
		}
	}
}

func TestWebSocketUpgradeAndEcho(t *testing.T) {
	addr, _, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))
	br := bufio.NewReader(conn)

	fmt.Fprintf(conn, "GET /ws HTTP/1.1\r\n"+
		"Host: x\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n")

	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 101") {
		t.Fatalf("status = %q", status)
	}
	acceptOK := false
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading headers: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok &&
			strings.EqualFold(name, "Sec-WebSocket-Accept") &&
			strings.TrimSpace(value) == "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
			acceptOK = true
		}
	}
	if !acceptOK {
		t.Fatal("Sec-WebSocket-Accept missing or wrong")
	}

	// Masked text frame "hello".
	mask := [4]byte{0x37, 0xfa, 0x21, 0x3d}
	payload := []byte("hello")
	frame := []byte{0x81, 0x80 | byte(len(payload))}
	frame = append(frame, mask[:]...)
	for i, b := range payload {
		frame = append(frame, b^mask[i%4])
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	hdr := make([]byte, 2)
	if _, err := io.ReadFull(br, hdr); err != nil {
		t.Fatalf("reading echo header: %v", err)
	}
	if hdr[0] != 0x81 {
		t.Fatalf("echo frame byte0 = %#x, want 0x81 (FIN text)", hdr[0])
	}
	if hdr[1]&0x80 != 0 {
		t.Fatal("server frame must not be masked")
	}
	if int(hdr[1]&0x7f) != len(payload) {
		t.Fatalf("echo length = %d, want %d", hdr[1]&0x7f, len(payload))
	}
	echo := make([]byte, len(payload))
	if _, err := io.ReadFull(br, echo); err != nil {
		t.Fatalf("reading echo payload: %v", err)
	}
	if string(echo) != "hello" {
		t.Fatalf("echo = %q", echo)
	}
}

func TestWebSocketSubscribeReceivesPublish(t *testing.T) {
	addr, table, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))
	br := bufio.NewReader(conn)

	fmt.Fprintf(conn, "GET /ws HTTP/1.1\r\n"+
		"Host: x\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n")
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	// The echo handler subscribes every upgraded connection to "room" in
	// on_open; give the async dispatch a moment to land, then publish.
	time.Sleep(300 * time.Millisecond)
	if err := table.Publish(pubsub.Message{Channel: "room", Data: []byte("hi")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	hdr := make([]byte, 2)
	if _, err := io.ReadFull(br, hdr); err != nil {
		t.Fatalf("reading delivered frame: %v", err)
	}
	if hdr[0] != 0x81 {
		t.Fatalf("delivered frame byte0 = %#x, want FIN text", hdr[0])
	}
	n := int(hdr[1] & 0x7f)
	payload := make([]byte, n)
	if _, err := io.ReadFull(br, payload); err != nil {
		t.Fatalf("reading delivered payload: %v", err)
	}
	if string(payload) != "hi" {
		t.Fatalf("delivered = %q, want %q", payload, "hi")
	}
}

func TestOversizedHeaderGets431(t *testing.T) {
	addr, _, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	long := strings.Repeat("a", 20000)
	fmt.Fprintf(conn, "GET /%s HTTP/1.1\r\nHost: x\r\n\r\n", long)

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 431") {
		t.Fatalf("status = %q, want 431", status)
	}
}

func TestFrameLengthEncodingBoundaries(t *testing.T) {
	// Guards the 7/7+16/7+64 length split without a live socket.
	for _, n := range []int{0, 125, 126, 65535, 65536} {
		payload := make([]byte, n)
		frame := encodeServerFrame(payload)
		switch {
		case n <= 125:
			if int(frame[1]) != n {
				t.Fatalf("n=%d: length byte = %d", n, frame[1])
			}
		case n <= 65535:
			if frame[1] != 126 || int(binary.BigEndian.Uint16(frame[2:4])) != n {
				t.Fatalf("n=%d: 16-bit length wrong", n)
			}
		default:
			if frame[1] != 127 || int(binary.BigEndian.Uint64(frame[2:10])) != n {
				t.Fatalf("n=%d: 64-bit length wrong", n)
			}
		}
	}
}

func encodeServerFrame(payload []byte) []byte {
	out := []byte{0x82}
	n := len(payload)
	switch {
	case n <= 125:
		out = append(out, byte(n))
	case n <= 0xffff:
		out = append(out, 126, 0, 0)
		binary.BigEndian.PutUint16(out[2:4], uint16(n))
	default:
		out = append(out, 127, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(out[2:10], uint64(n))
	}
	return append(out, payload...)
}
