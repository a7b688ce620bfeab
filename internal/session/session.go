package session

import (
	"time"

	"chatrelay/internal/protocol"
)

// Session is the logical identity for a client's interaction stream. It is
// stable across reconnects and outlives any single physical connection.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Transport is the write side of one physical client connection. The registry
// treats a Send error as proof the connection is dead and unregisters it.
type Transport interface {
	Send(msg *protocol.Message) error
}

// Conn tracks one transport attached to a session.
type Conn struct {
	Transport     Transport
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}
