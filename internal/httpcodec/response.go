package httpcodec

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ionrelay/ionrelay/internal/netkit"
)

// StatusText mirrors net/http's reason phrases for the status codes this
// codec emits; kept local so the package doesn't reach into net/http for a
// single lookup table.
var StatusText = map[int]string{
	200: "OK",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	304: "Not Modified",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	413: "Request Entity Too Large",
	416: "Range Not Satisfiable",
	426: "Upgrade Required",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
}

func statusLine(version string, status int) []byte {
	text := StatusText[status]
	if text == "" {
		text = "Unknown"
	}
	return []byte(fmt.Sprintf("%s %d %s\r\n", version, status, text))
}

// outputMode distinguishes the response builder's three wire formats.
type outputMode int

const (
	modeUnset outputMode = iota
	modeSimple
	modeStreamed
	modeStaticFile
)

// ResponseWriter builds one HTTP response onto a connection's Outbox.
// Header commit is one-shot: the first Write or Finish call commits the
// status line and headers; subsequent WriteHeader calls after that point
// return false instead of erroring, matching the builder's
// commit-on-first-write contract.
type ResponseWriter struct {
	out     netkit.PacketSink
	pool    *netkit.BufferPool
	version string

	status    int
	header    Header
	committed bool
	finished  bool
	mode      outputMode
	keepAlive bool
}

// NewResponseWriter creates a builder that writes packets to out using pool
// for its buffer allocations.
func NewResponseWriter(out netkit.PacketSink, pool *netkit.BufferPool, version string, keepAlive bool) *ResponseWriter {
	return &ResponseWriter{
		out:       out,
		pool:      pool,
		version:   version,
		status:    200,
		header:    Header{},
		keepAlive: keepAlive,
	}
}

// WriteHeader sets the response status and header values. It returns false
// if headers were already committed by a prior Write/Finish/ServeFile call.
func (w *ResponseWriter) WriteHeader(status int, header Header) bool {
	if w.committed {
		return false
	}
	w.status = status
	for k, vs := range header {
		for _, v := range vs {
			w.header.add(k, v)
		}
	}
	return true
}

// Write emits chunk as (the start of, or a continuation of) a streamed
// response body. The first call commits headers in chunked mode; it fails
// silently per the one-shot-commit contract, returning the number of bytes
// accepted and any error.
func (w *ResponseWriter) Write(chunk []byte) (int, error) {
	if !w.committed {
		w.mode = modeStreamed
		w.header["transfer-encoding"] = []string{"chunked"}
		w.commit()
	} else if w.mode != modeStreamed {
		return 0, fmt.Errorf("httpcodec: Write called after a non-streamed response committed")
	}

	header := fmt.Sprintf("%x\r\n", len(chunk))
	buf := w.pool.Get(len(header) + len(chunk) + 2)
	*buf = append(*buf, header...)
	*buf = append(*buf, chunk...)
	*buf = append(*buf, '\r', '\n')
	w.out.Push(netkit.NewBufferPacket(*buf, func() { w.pool.Put(buf) }))
	return len(chunk), nil
}

// Simple commits a full-body response in one shot, setting Content-Length.
func (w *ResponseWriter) Simple(status int, header Header, body []byte) {
	w.status = status
	for k, vs := range header {
		w.header[k] = vs
	}
	w.mode = modeSimple
	w.header["content-length"] = []string{strconv.Itoa(len(body))}
	w.commit()
	if len(body) > 0 {
		buf := w.pool.Get(len(body))
		*buf = append(*buf, body...)
		w.out.Push(netkit.NewBufferPacket(*buf, func() { w.pool.Put(buf) }))
	}
	w.finishPacket()
}

// ServeFile emits a zero-copy static-file response: headers, then a
// PacketFile entry the reactor streams with sendfile where the platform
// (and the absence of TLS) allows.
func (w *ResponseWriter) ServeFile(status int, header Header, f *os.File, offset, length int64) {
	w.status = status
	for k, vs := range header {
		w.header[k] = vs
	}
	w.mode = modeStaticFile
	w.header["content-length"] = []string{strconv.FormatInt(length, 10)}
	w.commit()
	w.out.Push(netkit.NewFilePacket(f, offset, length))
	w.finishPacket()
}

// Finish completes a streamed response with the final zero-length chunk.
// Calling Finish without a prior Write commits an empty chunked body.
func (w *ResponseWriter) Finish() {
	if !w.committed {
		w.mode = modeStreamed
		w.header["transfer-encoding"] = []string{"chunked"}
		w.commit()
	}
	if w.mode == modeStreamed {
		buf := w.pool.Get(5)
		*buf = append(*buf, '0', '\r', '\n', '\r', '\n')
		w.out.Push(netkit.NewBufferPacket(*buf, func() { w.pool.Put(buf) }))
	}
	w.finishPacket()
}

func (w *ResponseWriter) finishPacket() {
	w.finished = true
	if !w.keepAlive {
		w.out.Push(netkit.Packet{Close: true})
	}
}

// commit serializes and enqueues the status line and header block. Called
// exactly once per response.
func (w *ResponseWriter) commit() {
	if w.committed {
		return
	}
	w.committed = true

	if !w.keepAlive {
		w.header["connection"] = []string{"close"}
	} else if w.version == "HTTP/1.0" {
		w.header["connection"] = []string{"keep-alive"}
	}

	buf := w.pool.Get(512)
	*buf = append(*buf, statusLine(w.version, w.status)...)
	for name, values := range w.header {
		for _, v := range values {
			*buf = append(*buf, canonicalHeaderName(name)...)
			*buf = append(*buf, ':', ' ')
			*buf = append(*buf, v...)
			*buf = append(*buf, '\r', '\n')
		}
	}
	*buf = append(*buf, '\r', '\n')
	w.out.Push(netkit.NewBufferPacket(*buf, func() { w.pool.Put(buf) }))
}

// SerializeHeader renders a header block (without the trailing blank
// line) with canonical names, for callers that frame their own status
// line (the 101 upgrade, the SSE stream header).
func SerializeHeader(h Header) []byte {
	var out []byte
	for name, values := range h {
		for _, v := range values {
			out = append(out, canonicalHeaderName(name)...)
			out = append(out, ':', ' ')
			out = append(out, v...)
			out = append(out, '\r', '\n')
		}
	}
	return out
}

// canonicalHeaderName title-cases a lowercased header name for the wire,
// e.g. "content-length" -> "Content-Length".
func canonicalHeaderName(name string) string {
	b := []byte(name)
	upperNext := true
	for i, c := range b {
		if upperNext && c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
		upperNext = c == '-'
	}
	return string(b)
}

// Committed reports whether headers have already been sent.
func (w *ResponseWriter) Committed() bool { return w.committed }

// Finished reports whether the response has been fully emitted.
func (w *ResponseWriter) Finished() bool { return w.finished }

// Status returns the response status (meaningful once committed).
func (w *ResponseWriter) Status() int { return w.status }

// KeepAlive reports whether the connection will persist after this
// response's Finish/Simple/ServeFile call.
func (w *ResponseWriter) KeepAlive() bool { return w.keepAlive }
