package router_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/protocol"
	"chatrelay/internal/router"
	"chatrelay/internal/session"
	"chatrelay/internal/stream"
	"chatrelay/internal/stream/mock"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []*protocol.Message
	closed bool
}

func (f *fakeConn) Send(msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) sent() []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newFixture(t *testing.T) (*router.Router, *session.Registry, *stream.Streamer) {
	t.Helper()
	registry := session.NewRegistry(session.RegistryConfig{
		BufferSize:  16,
		GracePeriod: time.Minute,
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(registry.Close)

	gen := &mock.Generator{
		GenerateFn: func(ctx context.Context, queryID, queryText string) (stream.FragmentStream, error) {
			return mock.Script(nil, "Hel", "lo"), nil
		},
	}
	streamer := stream.NewStreamer(gen, registry, zerolog.Nop())
	return router.New(registry, streamer, zerolog.Nop()), registry, streamer
}

func encode(t *testing.T, msg *protocol.Message) []byte {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	return data
}

func TestRouter_PingRepliesWithSameNonce(t *testing.T) {
	r, registry, _ := newFixture(t)
	conn := &fakeConn{}
	sess, err := registry.Register(conn, "")
	require.NoError(t, err)

	r.Route(conn, encode(t, protocol.NewPing(sess.ID, "nonce-7")))

	sent := conn.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypePong, sent[0].Type)

	var p protocol.PongPayload
	require.NoError(t, json.Unmarshal(sent[0].Payload, &p))
	assert.Equal(t, "nonce-7", p.Nonce)
}

func TestRouter_PongIsNotBuffered(t *testing.T) {
	r, registry, _ := newFixture(t)
	conn := &fakeConn{}
	sess, err := registry.Register(conn, "")
	require.NoError(t, err)

	r.Route(conn, encode(t, protocol.NewPing(sess.ID, "n1")))

	// A late-joining tab gets no pong replayed.
	late := &fakeConn{}
	_, err = registry.Register(late, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, late.sent())
}

func TestRouter_MalformedFrameErrorsOriginOnly(t *testing.T) {
	r, registry, _ := newFixture(t)
	offender := &fakeConn{}
	bystander := &fakeConn{}
	sess, err := registry.Register(offender, "")
	require.NoError(t, err)
	_, err = registry.Register(bystander, sess.ID)
	require.NoError(t, err)

	r.Route(offender, []byte("not json"))

	sent := offender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeError, sent[0].Type)
	assert.Empty(t, bystander.sent(), "error must not fan out")
}

func TestRouter_UnknownTypeErrorsOriginOnly(t *testing.T) {
	r, registry, _ := newFixture(t)
	conn := &fakeConn{}
	_, err := registry.Register(conn, "")
	require.NoError(t, err)

	r.Route(conn, []byte(`{"type":"subscribe","payload":{}}`))

	sent := conn.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeError, sent[0].Type)
}

func TestRouter_QueryStartsStream(t *testing.T) {
	r, registry, streamer := newFixture(t)
	conn := &fakeConn{}
	sess, err := registry.Register(conn, "")
	require.NoError(t, err)

	r.Route(conn, encode(t, protocol.NewQuery(sess.ID, "q1", "say hello")))
	streamer.Wait(sess.ID)

	var types []string
	for _, m := range conn.sent() {
		types = append(types, m.Type)
	}
	assert.Equal(t, []string{
		protocol.TypeQueryStart,
		protocol.TypeChunk,
		protocol.TypeChunk,
		protocol.TypeComplete,
	}, types)
}

func TestRouter_DuplicateQueryProducesNoError(t *testing.T) {
	r, registry, streamer := newFixture(t)
	conn := &fakeConn{}
	sess, err := registry.Register(conn, "")
	require.NoError(t, err)

	r.Route(conn, encode(t, protocol.NewQuery(sess.ID, "q1", "one")))
	r.Route(conn, encode(t, protocol.NewQuery(sess.ID, "q1", "one")))
	streamer.Wait(sess.ID)

	for _, m := range conn.sent() {
		assert.NotEqual(t, protocol.TypeError, m.Type)
	}
}

func TestRouter_DisconnectClosesAndCancels(t *testing.T) {
	r, registry, streamer := newFixture(t)
	conn := &fakeConn{}
	sess, err := registry.Register(conn, "")
	require.NoError(t, err)

	r.Route(conn, encode(t, protocol.NewDisconnect(sess.ID)))

	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, registry.Connections())
	assert.Equal(t, 0, streamer.Active())
}

func TestRouter_UnboundConnectionIgnored(t *testing.T) {
	r, _, _ := newFixture(t)
	conn := &fakeConn{}

	r.Route(conn, encode(t, protocol.NewPing("ghost", "n")))
	assert.Empty(t, conn.sent())
}
