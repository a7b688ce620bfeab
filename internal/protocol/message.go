// Package protocol defines the wire messages exchanged over the streaming
// channel, in both directions.
package protocol

import (
	"encoding/json"
	"time"
)

// Message is the envelope for all WebSocket frames. The payload shape is
// determined by Type.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Server → client message types.
const (
	TypeConnected  = "connected"
	TypeQueryStart = "query_start"
	TypeChunk      = "chunk"
	TypeComplete   = "complete"
	TypeError      = "error"
	TypePong       = "pong"
	TypeKeepalive  = "keepalive"
)

// Client → server message types.
const (
	TypeQuery      = "query"
	TypePing       = "ping"
	TypeDisconnect = "disconnect"
)

// Error codes carried in ErrorPayload.
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeQueryFailed    = "QUERY_FAILED"
	ErrCodeInternal       = "INTERNAL"
)

// Server → client payloads.

type ConnectedPayload struct {
	SessionID string `json:"session_id"`
}

type QueryStartPayload struct {
	QueryID string `json:"query_id"`
}

type ChunkPayload struct {
	QueryID string `json:"query_id"`
	Content string `json:"content"`
}

type CompletePayload struct {
	QueryID string `json:"query_id"`
}

type ErrorPayload struct {
	QueryID string `json:"query_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongPayload struct {
	Nonce string `json:"nonce"`
}

// Client → server payloads.

type QueryPayload struct {
	QueryID   string `json:"query_id"`
	QueryText string `json:"query_text"`
}

type PingPayload struct {
	Nonce string `json:"nonce"`
}

// New creates a message with the current timestamp. The payload structs above
// marshal without error, so the typed constructors below discard it.
func New(msgType, sessionID string, payload interface{}) *Message {
	m := &Message{
		Type:      msgType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, _ := json.Marshal(payload)
		m.Payload = data
	}
	return m
}

func NewConnected(sessionID string) *Message {
	return New(TypeConnected, sessionID, ConnectedPayload{SessionID: sessionID})
}

func NewQueryStart(sessionID, queryID string) *Message {
	return New(TypeQueryStart, sessionID, QueryStartPayload{QueryID: queryID})
}

func NewChunk(sessionID, queryID, content string) *Message {
	return New(TypeChunk, sessionID, ChunkPayload{QueryID: queryID, Content: content})
}

func NewComplete(sessionID, queryID string) *Message {
	return New(TypeComplete, sessionID, CompletePayload{QueryID: queryID})
}

func NewError(sessionID, queryID, code, message string) *Message {
	return New(TypeError, sessionID, ErrorPayload{QueryID: queryID, Code: code, Message: message})
}

func NewPong(sessionID, nonce string) *Message {
	return New(TypePong, sessionID, PongPayload{Nonce: nonce})
}

func NewKeepalive(sessionID string) *Message {
	return New(TypeKeepalive, sessionID, nil)
}

func NewQuery(sessionID, queryID, queryText string) *Message {
	return New(TypeQuery, sessionID, QueryPayload{QueryID: queryID, QueryText: queryText})
}

func NewPing(sessionID, nonce string) *Message {
	return New(TypePing, sessionID, PingPayload{Nonce: nonce})
}

func NewDisconnect(sessionID string) *Message {
	return New(TypeDisconnect, sessionID, nil)
}

// Encode marshals the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
