package httpcodec

import "testing"

func TestParseSimpleGetRequest(t *testing.T) {
	p := NewParser(DefaultLimits())
	raw := []byte("GET /echo?x=1 HTTP/1.1\r\nHost: example.com\r\nAccept: text/plain\r\n\r\n")

	req, consumed, done, err := p.Feed(raw)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !done {
		t.Fatalf("expected done=true")
	}
	if consumed != len(raw) {
		t.Fatalf("consumed = %d, want %d", consumed, len(raw))
	}
	if req.Method != "GET" || req.Path != "/echo" || req.RawQuery != "x=1" {
		t.Fatalf("unexpected request line parse: %+v", req)
	}
	if req.Header.Get("Host") != "example.com" {
		t.Fatalf("Host header = %q", req.Header.Get("Host"))
	}
}

func TestFeedIncompleteReturnsNotDone(t *testing.T) {
	p := NewParser(DefaultLimits())
	req, consumed, done, err := p.Feed([]byte("GET / HTTP/1.1\r\nHost: x"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if done || req != nil {
		t.Fatalf("expected incomplete parse, got done=%v req=%v", done, req)
	}
	if consumed == 0 {
		t.Fatalf("expected the request line to be consumed")
	}
}

func TestRequestLineTooLongRejected(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxRequestLine = 8
	p := NewParser(limits)

	_, _, _, err := p.Feed([]byte("GET /this/path/is/too/long HTTP/1.1\r\n\r\n"))
	pe, ok := err.(*ParseError)
	if !ok || pe.Status != 431 {
		t.Fatalf("expected 431 ParseError, got %v", err)
	}
}

func TestMalformedRequestLineRejected(t *testing.T) {
	p := NewParser(DefaultLimits())
	_, _, _, err := p.Feed([]byte("NOTHTTP\r\n\r\n"))
	pe, ok := err.(*ParseError)
	if !ok || pe.Status != 400 {
		t.Fatalf("expected 400 ParseError, got %v", err)
	}
}

func TestUnsupportedVersionRejected(t *testing.T) {
	p := NewParser(DefaultLimits())
	_, _, _, err := p.Feed([]byte("GET / HTTP/2.0\r\n\r\n"))
	pe, ok := err.(*ParseError)
	if !ok || pe.Status != 400 {
		t.Fatalf("expected 400 ParseError for HTTP/2.0, got %v", err)
	}
}

func TestMultiValueHeadersPreserved(t *testing.T) {
	p := NewParser(DefaultLimits())
	raw := []byte("GET / HTTP/1.1\r\nX-Custom: a\r\nX-Custom: b\r\n\r\n")
	_, _, done, err := p.Feed(raw)
	if err != nil || !done {
		t.Fatalf("Feed: done=%v err=%v", done, err)
	}
	vals := p.header.Values("x-custom")
	if len(vals) != 2 || vals[0] != "a" || vals[1] != "b" {
		t.Fatalf("Values(x-custom) = %v", vals)
	}
}

func TestKeepAliveDefaults(t *testing.T) {
	r11 := &Request{Version: "HTTP/1.1", Header: Header{}}
	if !r11.KeepAlive() {
		t.Fatalf("HTTP/1.1 without Connection header should keep-alive by default")
	}

	r10 := &Request{Version: "HTTP/1.0", Header: Header{}}
	if r10.KeepAlive() {
		t.Fatalf("HTTP/1.0 without explicit keep-alive should close")
	}

	r10explicit := &Request{Version: "HTTP/1.0", Header: Header{"connection": {"keep-alive"}}}
	if !r10explicit.KeepAlive() {
		t.Fatalf("HTTP/1.0 with explicit keep-alive should persist")
	}
}

func TestWebSocketUpgradeDetection(t *testing.T) {
	req := &Request{
		Header: Header{
			"connection":        {"Upgrade"},
			"upgrade":           {"websocket"},
			"sec-websocket-key": {"dGhlIHNhbXBsZSBub25jZQ=="},
		},
	}
	if !req.IsWebSocketUpgrade() {
		t.Fatalf("expected IsWebSocketUpgrade true")
	}
}

func TestContentLengthAndChunkedDetection(t *testing.T) {
	h := Header{"content-length": {"5"}}
	n, err := ContentLength(h)
	if err != nil || n != 5 {
		t.Fatalf("ContentLength = %d, %v", n, err)
	}

	chunked := Header{"transfer-encoding": {"gzip, chunked"}}
	if !IsChunked(chunked) {
		t.Fatalf("expected chunked detection true")
	}

	notChunked := Header{"transfer-encoding": {"gzip"}}
	if IsChunked(notChunked) {
		t.Fatalf("expected chunked detection false")
	}
}
