// Package router dispatches inbound client messages to the component that
// handles them.
package router

import (
	"errors"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"
	"chatrelay/internal/session"
	"chatrelay/internal/stream"
)

// Conn is one attached client connection as seen by the router: somewhere to
// write direct replies, and a way to initiate a graceful close.
type Conn interface {
	session.Transport
	Close() error
}

// Router inspects a decoded inbound message and invokes exactly one handler.
// Malformed frames produce an error message back to the offending connection
// only; they never disturb other connections on the session.
type Router struct {
	registry *session.Registry
	streamer *stream.Streamer
	log      zerolog.Logger
}

func New(registry *session.Registry, streamer *stream.Streamer, logger zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		streamer: streamer,
		log:      logger.With().Str("component", "router").Logger(),
	}
}

// Route decodes and dispatches one raw frame read from conn. The session
// binding established at handshake is authoritative; the envelope's
// session_id is ignored beyond decoding.
func (r *Router) Route(conn Conn, raw []byte) {
	sessionID, bound := r.registry.SessionFor(conn)
	if !bound {
		// The connection is already being torn down.
		return
	}

	in, err := protocol.DecodeInbound(raw)
	if err != nil {
		metrics.RoutingErrors.Inc()
		r.log.Debug().Err(err).Str("session_id", sessionID).Msg("rejected inbound frame")
		r.reply(conn, protocol.NewError(sessionID, "", protocol.ErrCodeInvalidMessage, err.Error()))
		return
	}

	switch m := in.(type) {
	case protocol.Query:
		metrics.InboundMessages.WithLabelValues(protocol.TypeQuery).Inc()
		r.handleQuery(conn, sessionID, m)
	case protocol.Ping:
		metrics.InboundMessages.WithLabelValues(protocol.TypePing).Inc()
		// Pong goes straight back to the pinging connection and is never
		// buffered for replay.
		r.registry.Touch(conn)
		r.reply(conn, protocol.NewPong(sessionID, m.Nonce))
	case protocol.Disconnect:
		metrics.InboundMessages.WithLabelValues(protocol.TypeDisconnect).Inc()
		r.handleDisconnect(conn, sessionID)
	}
}

func (r *Router) handleQuery(conn Conn, sessionID string, q protocol.Query) {
	err := r.streamer.Start(sessionID, q.QueryID, q.QueryText)
	if errors.Is(err, stream.ErrDuplicateQuery) {
		// Idempotent re-submission: ignored, not queued.
		r.log.Debug().Str("session_id", sessionID).Str("query_id", q.QueryID).Msg("duplicate query ignored")
		return
	}
	if err != nil {
		r.reply(conn, protocol.NewError(sessionID, q.QueryID, protocol.ErrCodeInternal, err.Error()))
	}
}

func (r *Router) handleDisconnect(conn Conn, sessionID string) {
	r.log.Info().Str("session_id", sessionID).Msg("client requested disconnect")
	r.streamer.CancelSession(sessionID)
	r.registry.Unregister(conn)
	_ = conn.Close()
}

func (r *Router) reply(conn Conn, msg *protocol.Message) {
	if err := conn.Send(msg); err != nil {
		r.registry.Unregister(conn)
	}
}
