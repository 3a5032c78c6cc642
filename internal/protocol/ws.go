package protocol

import (
	"strconv"

	"github.com/gobwas/ws"

	"github.com/ionrelay/ionrelay/internal/httpcodec"
	"github.com/ionrelay/ionrelay/internal/metrics"
	"github.com/ionrelay/ionrelay/internal/netkit"
	"github.com/ionrelay/ionrelay/internal/wsengine"
)

// upgradeWS authenticates and performs the WebSocket upgrade. Returns
// false when the connection should not persist (the upgrade failed hard).
func (c *Conn) upgradeWS(req *httpcodec.Request) bool {
	var allowed bool
	c.dispatchWait(func() { allowed = c.h.OnAuthenticateWebSocket(c, req) })
	if !allowed {
		resp := httpcodec.NewResponseWriter(connSink{c}, c.srv.bufPool, req.Version, false)
		resp.Simple(403, httpcodec.Header{}, []byte("forbidden"))
		return false
	}

	acceptHeader, err := wsengine.BuildAcceptResponse(req)
	if err != nil {
		resp := httpcodec.NewResponseWriter(connSink{c}, c.srv.bufPool, req.Version, false)
		resp.Simple(400, httpcodec.Header{}, []byte("bad websocket upgrade"))
		return false
	}
	c.pushRawResponse("HTTP/1.1 101 Switching Protocols\r\n", acceptHeader)

	c.cancelTimer()
	c.binding.Store(int32(bindingWS))
	c.wsEngine = wsengine.NewEngine()
	c.env["path"] = req.Path
	c.env["query"] = req.RawQuery
	metrics.RecordUpgrade("ws")

	c.dispatch(func() { c.h.OnOpen(c) })
	c.armWSPing()
	return true
}

// pushRawResponse writes a bare status line + header block, used for the
// 101 upgrade and the SSE stream header where the response builder's
// framing modes don't apply.
func (c *Conn) pushRawResponse(statusLine string, header httpcodec.Header) {
	buf := c.srv.bufPool.Get(512)
	*buf = append(*buf, statusLine...)
	*buf = append(*buf, httpcodec.SerializeHeader(header)...)
	*buf = append(*buf, '\r', '\n')
	c.push(netkit.NewBufferPacket(*buf, func() { c.srv.bufPool.Put(buf) }))
}

// armWSPing schedules the idle ping probe: after a full interval of
// inactivity a ping frame goes out; a second interval without a pong
// closes with 1011.
func (c *Conn) armWSPing() {
	interval := c.srv.cfg.PingInterval
	if interval <= 0 {
		return
	}
	c.setTimer(c.worker.Every(interval, func() {
		if c.closed.Load() {
			return
		}
		if c.awaitingPong() {
			c.logger.Debug().Msg("pong timeout")
			c.closeWS(wsengine.CloseInternalError, "ping timeout")
			return
		}
		if c.idleFor() >= interval {
			c.pushFrame(wsengine.EncodeFrame(true, ws.OpPing, nil))
			c.pongSeen.Store(false)
			c.pingOutstanding.Store(true)
		}
	}))
}

func (c *Conn) awaitingPong() bool {
	return c.pingOutstanding.Load() && !c.pongSeen.Load()
}

// runWSLoop consumes frames until close, feeding complete data messages to
// the handler and servicing control frames at the engine level.
func (c *Conn) runWSLoop() {
	var acc []byte
	scratch := make([]byte, 16*1024)

	// Leftover bytes buffered during the upgrade request belong to the
	// first frames.
	for c.br.Buffered() > 0 {
		n, err := c.br.Read(scratch)
		if err != nil {
			return
		}
		acc = append(acc, scratch[:n]...)
	}

	for {
		if len(acc) > 0 {
			events, consumed, ferr := c.wsEngine.Feed(acc)
			acc = acc[:copy(acc, acc[consumed:])]
			for _, ev := range events {
				if !c.handleWSEvent(ev) {
					return
				}
			}
			if ferr != nil {
				code := wsengine.CloseProtocolError
				if pe, ok := ferr.(interface{ CloseStatus() wsengine.CloseCode }); ok {
					code = pe.CloseStatus()
				}
				metrics.RecordWSProtocolError(strconv.Itoa(int(code)))
				c.closeWS(code, ferr.Error())
				return
			}
		}

		n, err := c.br.Read(scratch)
		if err != nil {
			return
		}
		c.touch()
		acc = append(acc, scratch[:n]...)
	}
}

// handleWSEvent services one engine event. Returns false when the session
// is over.
func (c *Conn) handleWSEvent(ev wsengine.Event) bool {
	switch ev.Kind {
	case wsengine.EventMessage:
		if int64(len(ev.Data)) > c.srv.cfg.MaxWSMessage {
			metrics.RecordWSProtocolError(strconv.Itoa(int(wsengine.CloseTooLarge)))
			c.closeWS(wsengine.CloseTooLarge, "message too large")
			return false
		}
		metrics.RecordWSMessage(false)
		data := ev.Data
		isText := ev.IsText
		c.dispatch(func() { c.h.OnMessage(c, data, isText) })
		return true

	case wsengine.EventPing:
		c.pushFrame(wsengine.EncodeFrame(true, ws.OpPong, ev.Data))
		return true

	case wsengine.EventPong:
		c.pongSeen.Store(true)
		c.pingOutstanding.Store(false)
		return true

	case wsengine.EventClose:
		if !c.wsEngine.CloseSent() {
			c.pushFrame(wsengine.EncodeClose(ev.CloseCode, ""))
			c.wsEngine.MarkCloseSent()
		}
		c.push(netkit.Packet{Close: true})
		return false
	}
	return true
}

// closeWS performs the server-initiated close handshake: close frame out,
// then half-close after flush.
func (c *Conn) closeWS(code wsengine.CloseCode, reason string) {
	if !c.wsEngine.CloseSent() {
		c.pushFrame(wsengine.EncodeClose(code, reason))
		c.wsEngine.MarkCloseSent()
	}
	c.push(netkit.Packet{Close: true})
}
