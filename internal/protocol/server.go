package protocol

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/ionrelay/ionrelay/internal/asyncpool"
	"github.com/ionrelay/ionrelay/internal/capacity"
	"github.com/ionrelay/ionrelay/internal/config"
	"github.com/ionrelay/ionrelay/internal/handler"
	"github.com/ionrelay/ionrelay/internal/httpcodec"
	"github.com/ionrelay/ionrelay/internal/logging"
	"github.com/ionrelay/ionrelay/internal/metrics"
	"github.com/ionrelay/ionrelay/internal/netkit"
	"github.com/ionrelay/ionrelay/internal/pubsub"
	"github.com/ionrelay/ionrelay/internal/reactor"
	"github.com/ionrelay/ionrelay/internal/router"
	"github.com/ionrelay/ionrelay/internal/sseengine"
)

// Server is one worker process's serving core: the reactor pool, the async
// callback pool, the channel table, the route table, and every live
// connection.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	routes  *router.Table
	table   *pubsub.Table
	guard   *capacity.Guard
	async   *asyncpool.Pool
	pool    *reactor.Pool
	bufPool *netkit.BufferPool

	limits httpcodec.Limits

	listeners []serverListener
	conns     sync.Map // id -> *Conn
	nextID    atomic.Int64

	draining atomic.Bool
}

// serverListener pairs a bound socket with the TLS config its connections
// should be wrapped with (nil for plaintext listeners) and the listener
// spec that produced it.
type serverListener struct {
	ln     net.Listener
	tlsCfg *tls.Config
	spec   config.Listener
}

// raw reports whether this listener serves unframed tcp/unix connections
// rather than HTTP and its upgrades.
func (sl serverListener) raw() bool {
	switch sl.spec.Scheme {
	case "tcp", "tcps", "unix", "unixs":
		return true
	default:
		return false
	}
}

// NewServer assembles a server from its already-constructed collaborators.
// The route table's fallback handler is the one registered on prefix "/";
// callers that register nothing get BaseHandler's documented defaults.
func NewServer(cfg *config.Config, logger zerolog.Logger, routes *router.Table,
	table *pubsub.Table, guard *capacity.Guard, async *asyncpool.Pool, pool *reactor.Pool) *Server {

	return &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "server").Logger(),
		routes:  routes,
		table:   table,
		guard:   guard,
		async:   async,
		pool:    pool,
		bufPool: netkit.NewBufferPool(),
		limits: httpcodec.Limits{
			MaxRequestLine: cfg.MaxRequestLine,
			MaxHeaderCount: 100,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
			MaxBodyBytes:   cfg.MaxBodyBytes,
		},
	}
}

// Table exposes the channel table (for engine attachment at startup).
func (s *Server) Table() *pubsub.Table { return s.table }

// Addrs returns the bound address of every listener, in configuration
// order. Valid after Listen.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, len(s.listeners))
	for i, sl := range s.listeners {
		addrs[i] = sl.ln.Addr()
	}
	return addrs
}

// publish is the single entry point for locally-originated publishes,
// where the rate limit and metrics are applied.
func (s *Server) publish(msg pubsub.Message) error {
	if !s.guard.AllowEvent(capacity.EventPublish) {
		return fmt.Errorf("protocol: publish rate limit exceeded")
	}
	metrics.RecordPublish()
	return s.table.Publish(msg)
}

// InjectRemote feeds a message arriving from the cluster or an external
// engine into local delivery only, without re-forwarding it (the sender's
// process already did the cluster fan-out).
func (s *Server) InjectRemote(msg pubsub.Message) {
	if !s.guard.AllowEvent(capacity.EventEngineMessage) {
		return
	}
	s.table.DeliverLocal(msg)
}

func (s *Server) forget(c *Conn) {
	s.conns.Delete(c.id)
}

// Listen binds every configured listener. Bind failures are fatal per the
// error taxonomy: the caller exits with the bind error code.
func (s *Server) Listen() error {
	for _, l := range s.cfg.Listeners {
		ln, err := listenReusable(l)
		if err != nil {
			return fmt.Errorf("protocol: binding %s: %w", l, err)
		}
		sl := serverListener{ln: ln, spec: l}
		if l.TLS {
			sl.tlsCfg, err = buildTLSConfig(l, s.cfg.TLSSelfSigned, s.cfg.TLSName)
			if err != nil {
				ln.Close()
				return err
			}
		}
		s.listeners = append(s.listeners, sl)
		s.logger.Info().Str("listener", l.String()).Msg("listening")
	}
	return nil
}

// listenReusable binds with SO_REUSEPORT so a hot-restarted worker
// generation can bind the same address before the old generation releases
// it, keeping the no-dropped-connections promise.
func listenReusable(l config.Listener) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			if network == "unix" {
				return nil
			}
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), l.Network(), l.Addr())
}

// Serve runs the accept loops until ctx ends, then performs the graceful
// drain: on_shutdown to every connection, a drain window, then force
// close.
func (s *Server) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, sl := range s.listeners {
		wg.Add(1)
		go func(sl serverListener) {
			defer wg.Done()
			s.acceptLoop(ctx, sl)
		}(sl)
	}

	<-ctx.Done()
	for _, sl := range s.listeners {
		sl.ln.Close()
	}
	wg.Wait()

	s.drain()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, sl serverListener) {
	for {
		raw, err := sl.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// fd exhaustion and transient accept errors: back off briefly
			// instead of spinning, per the resource-exhaustion policy.
			s.logger.Error().Err(err).Msg("accept failed, backing off")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if s.draining.Load() {
			raw.Close()
			continue
		}
		if ok, reason := s.guard.ShouldAcceptConnection(); !ok {
			s.logger.Warn().Str("reason", reason).Msg("connection rejected")
			raw.Close()
			continue
		}

		go s.startConn(raw, sl)
	}
}

// startConn wraps raw in the socket vtable (completing the TLS handshake
// when the listener is secure), registers the connection, and launches its
// pumps.
func (s *Server) startConn(raw net.Conn, sl serverListener) {
	var sock netkit.Socket
	var err error
	if sl.tlsCfg != nil {
		sock, err = netkit.TLSWrap(raw, sl.tlsCfg)
	} else {
		sock = netkit.Plain(raw)
	}
	if err != nil {
		s.logger.Debug().Err(err).Msg("connection failed before becoming live")
		raw.Close()
		return
	}

	id := s.nextID.Add(1)
	worker := s.pool.Assign(id)

	c := &Conn{
		id:       id,
		srv:      s,
		worker:   worker,
		logger:   s.logger.With().Int64("conn", id).Logger(),
		sock:     sock,
		br:       bufio.NewReaderSize(readCounter{sock}, readBufferSize(s.limits)),
		outbox:   netkit.NewOutbox(s.cfg.MaxPending),
		writeCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		env:      make(map[string]any),
		h:        handler.BaseHandler{},
		parser:   httpcodec.NewParser(s.limits),
		openedAt: time.Now(),
	}
	c.touch()

	// Raw listeners have no path to route on; they get the root handler.
	if h := s.routes.Match("/"); h != nil {
		c.h = h
	}

	h, err := worker.Bind(context.Background(), c)
	if err != nil {
		sock.Close()
		return
	}
	c.handle = h

	s.conns.Store(id, c)
	s.guard.ConnOpened()

	c.closeWG.Add(1)
	go c.writePump()

	if sl.raw() {
		c.binding.Store(int32(bindingRaw))
		metrics.RecordConnectionOpened("raw")
		go c.runRawLoop()
		return
	}
	metrics.RecordConnectionOpened("http")
	go c.readPump()
}

// readBufferSize sizes the connection's bufio reader so a maximal header
// line always fits in one ReadSlice call.
func readBufferSize(limits httpcodec.Limits) int {
	size := 16 * 1024
	if limits.MaxRequestLine+2 > size {
		size = limits.MaxRequestLine + 2
	}
	if limits.MaxHeaderBytes+2 > size {
		size = limits.MaxHeaderBytes + 2
	}
	return size
}

// drain implements graceful shutdown: stop accepting (already done by the
// caller closing listeners), fire on_shutdown everywhere, give in-flight
// work the configured window, then force-close what remains.
func (s *Server) drain() {
	s.draining.Store(true)

	s.conns.Range(func(_, v any) bool {
		c := v.(*Conn)
		c.dispatch(func() { c.h.OnShutdown(c) })
		return true
	})

	deadline := time.Now().Add(s.cfg.ShutdownTimeout)
	for time.Now().Before(deadline) {
		remaining := 0
		s.conns.Range(func(_, _ any) bool {
			remaining++
			return false
		})
		if remaining == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	s.conns.Range(func(_, v any) bool {
		v.(*Conn).shutdownSocket()
		return true
	})
	s.logger.Info().Msg("drain complete")
}

// --- helpers ------------------------------------------------------------

// readCounter counts inbound bytes into metrics without another wrapper
// layer at each call site.
type readCounter struct {
	netkit.Socket
}

func (rc readCounter) Read(p []byte) (int, error) {
	n, err := rc.Socket.Read(p)
	if n > 0 {
		metrics.RecordBytes(0, int64(n))
	}
	return n, err
}

// logPanicAndClose is the shared recover for the per-connection pumps.
func (s *Server) logPanicAndClose(c *Conn) {
	if r := recover(); r != nil {
		logging.LogPanic(c.logger, r, "connection pump panic recovered")
		c.shutdownSocket()
	}
}

// sseRetainedHeaders builds the SSE response header block.
func sseRetainedHeaders() httpcodec.Header {
	h := httpcodec.Header{}
	for k, vs := range sseengine.StreamHeaders() {
		h[k] = vs
	}
	return h
}
