package protocol

// runRawLoop serves a tcp/unix-scheme listener's connection: no protocol
// framing, inbound bytes handed straight to on_message, writes sent as-is.
func (c *Conn) runRawLoop() {
	defer c.srv.logPanicAndClose(c)
	defer c.shutdownSocket()

	c.dispatch(func() { c.h.OnOpen(c) })
	c.armRawTimeout()

	scratch := make([]byte, 16*1024)
	for {
		n, err := c.br.Read(scratch)
		if err != nil {
			return
		}
		c.touch()
		data := make([]byte, n)
		copy(data, scratch[:n])
		c.dispatch(func() { c.h.OnMessage(c, data, false) })
	}
}

// armRawTimeout delegates the idle decision to the handler: a raw
// connection's timeout fires on_timeout rather than closing outright.
func (c *Conn) armRawTimeout() {
	interval := c.srv.cfg.KeepAliveTimeout
	if interval <= 0 {
		return
	}
	c.setTimer(c.worker.Every(interval, func() {
		if c.closed.Load() {
			return
		}
		if c.idleFor() >= interval {
			c.dispatch(func() { c.h.OnTimeout(c) })
		}
	}))
}
