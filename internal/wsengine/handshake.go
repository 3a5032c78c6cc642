// Package wsengine implements the RFC 6455 WebSocket engine: the upgrade
// handshake, frame-level codec with fragmentation and control-frame
// interleaving, the close handshake, and idle ping/pong.
//
// Low-level frame primitives (opcode constants, header read/write, payload
// masking) are reused from gobwas/ws, grounded on the teacher's
// ws.UpgradeHTTP/wsutil usage in legacy/server.go. The fragmentation and
// control-frame-interleave state machine in framer.go is hand-written
// because wsutil's reader returns whole messages and doesn't expose the
// interleaving contract this engine needs.
package wsengine

import (
	"fmt"

	"github.com/gobwas/ws"
	"github.com/ionrelay/ionrelay/internal/httpcodec"
)

// BuildAcceptResponse validates the upgrade request's headers and returns
// the 101 response header block to write back, or an error if the request
// is not a valid WebSocket upgrade.
func BuildAcceptResponse(req *httpcodec.Request) (httpcodec.Header, error) {
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, fmt.Errorf("wsengine: missing Sec-WebSocket-Key")
	}

	header := httpcodec.Header{
		"upgrade":              {"websocket"},
		"connection":           {"Upgrade"},
		"sec-websocket-accept": {ws.AcceptKey(key)},
	}
	if proto := req.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		// Echo the first offered subprotocol; a real deployment would
		// negotiate against a handler-provided allow-list, left to the
		// handler via conn.Env() since this engine has no protocol
		// registry of its own.
		header["sec-websocket-protocol"] = []string{firstToken(proto)}
	}
	return header, nil
}

func firstToken(csv string) string {
	for i := 0; i < len(csv); i++ {
		if csv[i] == ',' {
			return trimSpace(csv[:i])
		}
	}
	return trimSpace(csv)
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}
