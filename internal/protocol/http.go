package protocol

import (
	"bufio"
	"errors"
	"time"

	"github.com/ionrelay/ionrelay/internal/httpcodec"
	"github.com/ionrelay/ionrelay/internal/metrics"
	"github.com/ionrelay/ionrelay/internal/netkit"
	"github.com/ionrelay/ionrelay/internal/router"
)

// connSink adapts the connection's locked push path to the response
// builder's packet sink.
type connSink struct{ c *Conn }

func (s connSink) Push(p netkit.Packet) { s.c.push(p) }

// readPump drives the connection's protocol state machine: HTTP requests
// in a keep-alive loop until one of them upgrades the binding, after which
// the matching session loop takes over until close.
func (c *Conn) readPump() {
	defer c.srv.logPanicAndClose(c)
	defer c.shutdownSocket()

	c.armIdleTimer()

	for {
		req, err := c.readRequest()
		if err != nil {
			var pe *httpcodec.ParseError
			if errors.As(err, &pe) {
				c.respondError(pe)
			}
			return
		}

		keepAlive := c.serveRequest(req)
		if binding(c.binding.Load()) != bindingHTTP {
			// Upgraded: the session loop below owns the socket now.
			switch binding(c.binding.Load()) {
			case bindingWS:
				c.runWSLoop()
			case bindingSSE:
				c.runSSELoop()
			}
			return
		}
		if !keepAlive || c.closed.Load() {
			return
		}
	}
}

// readRequest incrementally parses one request's line and headers off the
// connection's buffered reader.
func (c *Conn) readRequest() (*httpcodec.Request, error) {
	c.parser.Reset()
	for {
		line, err := c.br.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				return nil, &httpcodec.ParseError{Status: 431, Msg: "header line too long"}
			}
			return nil, err
		}
		c.touch()

		req, _, done, perr := c.parser.Feed(line)
		if perr != nil {
			return nil, perr
		}
		if done {
			return req, nil
		}
	}
}

// serveRequest routes one parsed request. Returns whether the connection
// should persist for another request.
func (c *Conn) serveRequest(req *httpcodec.Request) bool {
	start := time.Now()

	if h := c.srv.routes.Match(req.Path); h != nil {
		c.h = h
	}

	if req.IsWebSocketUpgrade() {
		return c.upgradeWS(req)
	}
	if req.IsEventStream() {
		return c.upgradeSSE(req)
	}

	keepAlive := req.KeepAlive() && !c.srv.draining.Load()
	resp := httpcodec.NewResponseWriter(connSink{c}, c.srv.bufPool, req.Version, keepAlive)

	contentLength, err := httpcodec.ContentLength(req.Header)
	if err != nil {
		c.respondParse(resp, err)
		return false
	}
	body, err := httpcodec.ReadBody(c.br, contentLength, httpcodec.IsChunked(req.Header), c.srv.limits.MaxBodyBytes)
	if err != nil {
		c.respondParse(resp, err)
		return false
	}

	if c.srv.routes.Match(req.Path) == nil {
		served := c.serveStatic(req, resp)
		if !served {
			c.dispatchWait(func() { c.h.OnHTTP(c, req, body, resp) })
		}
	} else {
		c.dispatchWait(func() { c.h.OnHTTP(c, req, body, resp) })
	}

	// A handler that returned without completing its response gets the
	// remainder finished for it; pipelining depends on one full response
	// per request.
	if !resp.Finished() {
		resp.Finish()
	}

	metrics.RecordHTTPRequest(resp.Status(), time.Since(start))
	if c.srv.cfg.LogRequests {
		c.logger.Info().
			Str("method", req.Method).
			Str("path", req.Path).
			Int("status", resp.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}

	c.dispatchWait(func() { c.h.OnFinish(c) })
	return keepAlive
}

// serveStatic tries the public-folder fallback. Returns whether a
// response was written.
func (c *Conn) serveStatic(req *httpcodec.Request, resp *httpcodec.ResponseWriter) bool {
	root := c.srv.routes.PublicRoot()
	if root == "" {
		return false
	}
	served, err := router.ServeStatic(root, c.srv.cfg.StaticMaxAge, req, resp)
	if err != nil {
		c.logger.Error().Err(err).Str("path", req.Path).Msg("static file error")
		if !resp.Committed() {
			resp.Simple(500, httpcodec.Header{}, []byte("internal server error"))
		}
		return true
	}
	return served
}

// respondParse answers a body/headers parse failure through an
// already-built response writer.
func (c *Conn) respondParse(resp *httpcodec.ResponseWriter, err error) {
	var pe *httpcodec.ParseError
	if errors.As(err, &pe) {
		resp.Simple(pe.Status, httpcodec.Header{"content-type": {"text/plain; charset=utf-8"}}, []byte(pe.Msg))
		metrics.RecordHTTPRequest(pe.Status, 0)
		return
	}
	c.logger.Debug().Err(err).Msg("request aborted mid-body")
}

// respondError emits a minimal close-delimited error response for a
// failure detected before any response writer existed.
func (c *Conn) respondError(pe *httpcodec.ParseError) {
	resp := httpcodec.NewResponseWriter(connSink{c}, c.srv.bufPool, "HTTP/1.1", false)
	resp.Simple(pe.Status, httpcodec.Header{"content-type": {"text/plain; charset=utf-8"}}, []byte(pe.Msg))
	metrics.RecordHTTPRequest(pe.Status, 0)
}

// dispatchWait runs fn through the serialized callback path and blocks
// until it completes, which is what gates pipelined request parsing on the
// previous response.
func (c *Conn) dispatchWait(fn func()) {
	done := make(chan struct{})
	c.dispatch(func() {
		defer close(done)
		fn()
	})
	<-done
}

// armIdleTimer starts the per-connection idle watchdog. Its behavior is
// protocol-defined: HTTP connections idle past the keep-alive timeout are
// closed; WS/SSE sessions re-arm their own ping timers on upgrade.
func (c *Conn) armIdleTimer() {
	interval := c.srv.cfg.KeepAliveTimeout
	if interval <= 0 {
		return
	}
	c.setTimer(c.worker.Every(interval, func() {
		if c.closed.Load() {
			return
		}
		if binding(c.binding.Load()) == bindingHTTP && c.idleFor() >= interval {
			c.logger.Debug().Msg("keep-alive timeout")
			c.shutdownSocket()
		}
	}))
}
