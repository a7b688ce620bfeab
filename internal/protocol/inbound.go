package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound is a sealed union of the client→server messages. The unexported
// marker method prevents external implementations, so a type switch over the
// three variants is exhaustive.
type Inbound interface {
	inbound()
}

// Query asks the server to start streaming a response for QueryText.
type Query struct {
	SessionID string
	QueryID   string
	QueryText string
}

func (Query) inbound() {}

// Ping is a client heartbeat. The server echoes the nonce back in a pong.
type Ping struct {
	SessionID string
	Nonce     string
}

func (Ping) inbound() {}

// Disconnect announces a deliberate, graceful close of the connection.
type Disconnect struct {
	SessionID string
}

func (Disconnect) inbound() {}

// Interface compliance checks.
var (
	_ Inbound = Query{}
	_ Inbound = Ping{}
	_ Inbound = Disconnect{}
)

// DecodeInbound parses and validates a raw client frame into one of the
// Inbound variants. Unknown types and missing required payload fields are
// decode errors; the caller reports them to the offending connection only.
func DecodeInbound(raw []byte) (Inbound, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	switch msg.Type {
	case TypeQuery:
		var p QueryPayload
		if err := unmarshalPayload(&msg, &p); err != nil {
			return nil, err
		}
		if p.QueryID == "" {
			return nil, fmt.Errorf("missing required field 'query_id' in %s payload", msg.Type)
		}
		if p.QueryText == "" {
			return nil, fmt.Errorf("missing required field 'query_text' in %s payload", msg.Type)
		}
		return Query{SessionID: msg.SessionID, QueryID: p.QueryID, QueryText: p.QueryText}, nil

	case TypePing:
		var p PingPayload
		if err := unmarshalPayload(&msg, &p); err != nil {
			return nil, err
		}
		if p.Nonce == "" {
			return nil, fmt.Errorf("missing required field 'nonce' in %s payload", msg.Type)
		}
		return Ping{SessionID: msg.SessionID, Nonce: p.Nonce}, nil

	case TypeDisconnect:
		return Disconnect{SessionID: msg.SessionID}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func unmarshalPayload(msg *Message, dst interface{}) error {
	if msg.Payload == nil {
		return fmt.Errorf("missing 'payload' field for %s", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}
