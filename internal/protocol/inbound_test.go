package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound_Query(t *testing.T) {
	raw := []byte(`{
		"type": "query",
		"session_id": "s1",
		"payload": {"query_id": "q1", "query_text": "hello"}
	}`)

	in, err := DecodeInbound(raw)
	require.NoError(t, err)

	q, ok := in.(Query)
	require.True(t, ok, "expected Query, got %T", in)
	assert.Equal(t, "s1", q.SessionID)
	assert.Equal(t, "q1", q.QueryID)
	assert.Equal(t, "hello", q.QueryText)
}

func TestDecodeInbound_Ping(t *testing.T) {
	raw := []byte(`{"type": "ping", "session_id": "s1", "payload": {"nonce": "n-42"}}`)

	in, err := DecodeInbound(raw)
	require.NoError(t, err)

	p, ok := in.(Ping)
	require.True(t, ok, "expected Ping, got %T", in)
	assert.Equal(t, "n-42", p.Nonce)
}

func TestDecodeInbound_Disconnect(t *testing.T) {
	raw := []byte(`{"type": "disconnect", "session_id": "s1"}`)

	in, err := DecodeInbound(raw)
	require.NoError(t, err)

	d, ok := in.(Disconnect)
	require.True(t, ok, "expected Disconnect, got %T", in)
	assert.Equal(t, "s1", d.SessionID)
}

func TestDecodeInbound_InvalidJSON(t *testing.T) {
	_, err := DecodeInbound([]byte("not json"))
	assert.Error(t, err)
}

func TestDecodeInbound_MissingType(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"payload": {}}`))
	assert.ErrorContains(t, err, "missing 'type'")
}

func TestDecodeInbound_UnknownType(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type": "shutdown_everything"}`))
	assert.ErrorContains(t, err, "unknown message type")
}

func TestDecodeInbound_ServerTypeRejected(t *testing.T) {
	// Server→client types are not valid inbound messages.
	_, err := DecodeInbound([]byte(`{"type": "chunk", "payload": {"query_id": "q1", "content": "x"}}`))
	assert.ErrorContains(t, err, "unknown message type")
}

func TestDecodeInbound_QueryMissingFields(t *testing.T) {
	cases := map[string]string{
		"no payload":    `{"type": "query"}`,
		"no query_id":   `{"type": "query", "payload": {"query_text": "hi"}}`,
		"no query_text": `{"type": "query", "payload": {"query_id": "q1"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestDecodeInbound_PingMissingNonce(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type": "ping", "payload": {}}`))
	assert.ErrorContains(t, err, "nonce")
}

func TestMessage_EncodeRoundTrip(t *testing.T) {
	msg := NewChunk("s1", "q1", "Hel")

	data, err := msg.Encode()
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeChunk, decoded.Type)
	assert.Equal(t, "s1", decoded.SessionID)

	var p ChunkPayload
	require.NoError(t, json.Unmarshal(decoded.Payload, &p))
	assert.Equal(t, "q1", p.QueryID)
	assert.Equal(t, "Hel", p.Content)
	assert.False(t, decoded.Timestamp.IsZero())
}

func TestNewError_OmitsEmptyQueryID(t *testing.T) {
	msg := NewError("s1", "", ErrCodeInvalidMessage, "bad frame")

	var p map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	_, present := p["query_id"]
	assert.False(t, present, "empty query_id should be omitted")
	assert.Equal(t, ErrCodeInvalidMessage, p["code"])
}
