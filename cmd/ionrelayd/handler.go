package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ionrelay/ionrelay/internal/handler"
	"github.com/ionrelay/ionrelay/internal/httpcodec"
)

// relayHandler is the daemon's built-in application: WebSocket and SSE
// clients subscribe to channels named in the upgrade URL's query string
// and publish by sending messages; plain HTTP clients publish via POST.
//
//	GET  /ws?subscribe=room,feed        upgraded, subscribed to both
//	GET  /sse?subscribe=feed            event stream for feed
//	POST /publish?channel=room          body published to room
//
// A WS message on a connection with a publish_to channel is published
// there; otherwise it echoes.
type relayHandler struct {
	handler.BaseHandler
	logger zerolog.Logger
}

func newRelayHandler(logger zerolog.Logger) *relayHandler {
	return &relayHandler{logger: logger.With().Str("component", "relay").Logger()}
}

func (h *relayHandler) OnHTTP(conn handler.Conn, req *httpcodec.Request, body *httpcodec.Body, resp *httpcodec.ResponseWriter) {
	if req.Method == "POST" && req.Path == "/publish" {
		channel := queryValue(req.RawQuery, "channel")
		if channel == "" {
			resp.Simple(400, httpcodec.Header{"content-type": {"text/plain; charset=utf-8"}}, []byte("missing channel"))
			return
		}
		if err := conn.Publish(channel, 0, body.Bytes()); err != nil {
			h.logger.Error().Err(err).Str("channel", channel).Msg("publish failed")
			resp.Simple(500, httpcodec.Header{"content-type": {"text/plain; charset=utf-8"}}, []byte("publish failed"))
			return
		}
		resp.Simple(200, httpcodec.Header{"content-type": {"application/json"}},
			[]byte(fmt.Sprintf(`{"published":%q}`, channel)))
		return
	}

	h.BaseHandler.OnHTTP(conn, req, body, resp)
}

func (h *relayHandler) OnOpen(conn handler.Conn) {
	query, _ := conn.Env()["query"].(string)
	for _, channel := range splitList(queryValue(query, "subscribe")) {
		if err := conn.Subscribe(channel, 0); err != nil {
			h.logger.Error().Err(err).Str("channel", channel).Msg("subscribe failed")
		}
	}
	if pattern := queryValue(query, "psubscribe"); pattern != "" {
		if err := conn.PSubscribe(pattern); err != nil {
			h.logger.Error().Err(err).Str("pattern", pattern).Msg("psubscribe failed")
		}
	}
}

func (h *relayHandler) OnEventSourceReconnect(conn handler.Conn, lastID string) bool {
	// Replay whatever the history managers cached for the subscribed
	// channels.
	return true
}

func (h *relayHandler) OnMessage(conn handler.Conn, data []byte, isText bool) {
	query, _ := conn.Env()["query"].(string)
	if channel := queryValue(query, "publish_to"); channel != "" {
		if err := conn.Publish(channel, 0, data); err != nil {
			h.logger.Error().Err(err).Str("channel", channel).Msg("publish failed")
		}
		return
	}
	_ = conn.Write(data)
}

func (h *relayHandler) OnDrained(conn handler.Conn) {
	h.logger.Debug().Msg("outbound backlog drained")
}

// queryValue extracts one query parameter without pulling a full request
// type into the handler.
func queryValue(rawQuery, key string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}
	return values.Get(key)
}

func splitList(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
