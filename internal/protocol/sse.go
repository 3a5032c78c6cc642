package protocol

import (
	"strconv"

	"github.com/ionrelay/ionrelay/internal/httpcodec"
	"github.com/ionrelay/ionrelay/internal/metrics"
	"github.com/ionrelay/ionrelay/internal/netkit"
	"github.com/ionrelay/ionrelay/internal/sseengine"
)

// upgradeSSE authenticates and starts an event stream on this connection.
func (c *Conn) upgradeSSE(req *httpcodec.Request) bool {
	var allowed bool
	c.dispatchWait(func() { allowed = c.h.OnAuthenticateSSE(c, req) })
	if !allowed {
		resp := httpcodec.NewResponseWriter(connSink{c}, c.srv.bufPool, req.Version, false)
		resp.Simple(403, httpcodec.Header{}, []byte("forbidden"))
		return false
	}

	c.pushRawResponse("HTTP/1.1 200 OK\r\n", sseRetainedHeaders())

	c.cancelTimer()
	c.binding.Store(int32(bindingSSE))
	c.sseWriter = sseengine.NewWriter()
	c.lastEventID = req.Header.Get("Last-Event-ID")
	c.env["path"] = req.Path
	c.env["query"] = req.RawQuery
	metrics.RecordUpgrade("sse")

	// on_open runs to completion before replay so the handler's
	// subscriptions are in place when the history window is computed.
	c.dispatchWait(func() { c.h.OnOpen(c) })

	if c.lastEventID != "" {
		var replay bool
		c.dispatchWait(func() { replay = c.h.OnEventSourceReconnect(c, c.lastEventID) })
		if replay {
			c.replayHistory(c.lastEventID)
		}
	}

	c.armSSEKeepalive()
	return true
}

// replayHistory writes cached messages newer than sinceID for every
// channel this connection subscribed, before live deliveries resume.
func (c *Conn) replayHistory(sinceID string) {
	for _, channel := range c.subscribedChannels() {
		msgs, ok := c.srv.table.Replay(channel, sinceID)
		if !ok {
			continue
		}
		metrics.RecordReplay()
		for _, msg := range msgs {
			c.writeSSE(sseengine.Event{ID: strconv.FormatInt(msg.ID, 10), Data: msg.Data})
		}
	}
}

// armSSEKeepalive schedules the periodic comment that keeps intermediaries
// from timing the stream out.
func (c *Conn) armSSEKeepalive() {
	interval := c.srv.cfg.PingInterval
	if interval <= 0 {
		return
	}
	c.setTimer(c.worker.Every(interval, func() {
		if c.closed.Load() {
			return
		}
		if c.idleFor() >= interval {
			buf := c.srv.bufPool.Get(len(sseengine.KeepaliveComment))
			*buf = append(*buf, sseengine.KeepaliveComment...)
			c.push(netkit.NewBufferPacket(*buf, func() { c.srv.bufPool.Put(buf) }))
		}
	}))
}

// runSSELoop blocks until the client goes away. SSE is server-to-client
// only; inbound bytes are drained and ignored.
func (c *Conn) runSSELoop() {
	scratch := make([]byte, 1024)
	for {
		if _, err := c.br.Read(scratch); err != nil {
			return
		}
		c.touch()
	}
}
