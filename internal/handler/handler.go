// Package handler defines the external collaborator contract: a host
// object advertising any subset of named callbacks. Go has no reflective
// "does this object respond to this method" probe in the idiomatic path
// the way a dynamic host VM would, so per the re-architecture notes this is
// expressed as a Go interface plus an embeddable BaseHandler supplying
// no-op defaults — a caller embeds BaseHandler and overrides only the
// callbacks it cares about, instead of the runtime probing method
// existence at call time.
package handler

import "github.com/ionrelay/ionrelay/internal/httpcodec"

// Conn is the connection-facing API handed to every callback: the
// subset of the connection object's behavior a handler is allowed to
// drive (write, env map, close, subscribe) without reaching into
// reactor/protocol internals.
type Conn interface {
	// Env returns the connection's mutable side-channel map, the
	// canonical v0.7-style API surface for handler-attached state
	// (authenticated user, negotiated subprotocol, etc).
	Env() map[string]any
	// Write enqueues data as an outbound WebSocket/SSE/raw message,
	// depending on the connection's current protocol binding.
	Write(data []byte) error
	// WriteSSE writes one explicit server-sent event; a no-op on
	// non-SSE bindings.
	WriteSSE(id, event string, data []byte)
	// Close half-closes the connection after flushing any queued
	// output; idempotent.
	Close()
	// Pending reports outstanding outbound bytes, used by handlers that
	// want to poll backlog instead of waiting for on_drained.
	Pending() int
	// PeerAddr returns the remote address, empty when unknown.
	PeerAddr() string

	// Subscribe/Unsubscribe register this connection against the
	// process's channel table; filter 0 means a plain channel
	// subscription. Publish fans out through the table and every
	// attached engine.
	Subscribe(channel string, filter int16) error
	Unsubscribe(channel string, filter int16) error
	// PSubscribe registers a glob pattern subscription.
	PSubscribe(pattern string) error
	Publish(channel string, filter int16, data []byte) error
}

// Handler is the full named-callback surface a protocol engine will call
// into. Implementations should embed BaseHandler and override only the
// methods they need; BaseHandler's defaults match the contract's
// documented no-op/default-reply behavior.
type Handler interface {
	// OnHTTP produces a response for a plain (non-upgraded) HTTP
	// request. Default: 404.
	OnHTTP(conn Conn, req *httpcodec.Request, body *httpcodec.Body, resp *httpcodec.ResponseWriter)

	// OnAuthenticateWebSocket / OnAuthenticateSSE gate an upgrade.
	// Returning false rejects the upgrade with 403. Default: allow.
	OnAuthenticateWebSocket(conn Conn, req *httpcodec.Request) bool
	OnAuthenticateSSE(conn Conn, req *httpcodec.Request) bool

	OnOpen(conn Conn)
	OnMessage(conn Conn, data []byte, isText bool)
	OnDrained(conn Conn)
	OnShutdown(conn Conn)
	OnClose(conn Conn)
	OnTimeout(conn Conn)
	OnEventSource(conn Conn, id string, event string, data []byte)
	OnEventSourceReconnect(conn Conn, lastID string) (replay bool)
	OnFinish(conn Conn)
}

// BaseHandler implements Handler with the contract's documented defaults.
// Embed it in a concrete handler type and override selectively.
type BaseHandler struct{}

func (BaseHandler) OnHTTP(conn Conn, req *httpcodec.Request, body *httpcodec.Body, resp *httpcodec.ResponseWriter) {
	resp.Simple(404, httpcodec.Header{"content-type": {"text/plain; charset=utf-8"}}, []byte("not found"))
}

func (BaseHandler) OnAuthenticateWebSocket(conn Conn, req *httpcodec.Request) bool { return true }
func (BaseHandler) OnAuthenticateSSE(conn Conn, req *httpcodec.Request) bool       { return true }

func (BaseHandler) OnOpen(conn Conn)                                       {}
func (BaseHandler) OnMessage(conn Conn, data []byte, isText bool)          {}
func (BaseHandler) OnDrained(conn Conn)                                    {}
func (BaseHandler) OnShutdown(conn Conn)                                   {}
func (BaseHandler) OnClose(conn Conn)                                      {}
func (BaseHandler) OnTimeout(conn Conn)                                    {}
func (BaseHandler) OnEventSource(conn Conn, id, event string, data []byte) {}
func (BaseHandler) OnEventSourceReconnect(conn Conn, lastID string) bool   { return false }
func (BaseHandler) OnFinish(conn Conn)                                     {}

var _ Handler = BaseHandler{}
