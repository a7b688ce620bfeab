package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/protocol"
	"chatrelay/internal/stream"
	"chatrelay/internal/stream/mock"
)

// capture is a Publisher recording every message in delivery order.
type capture struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (c *capture) Send(sessionID string, msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Type
	}
	return out
}

func (c *capture) terminals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Type == protocol.TypeComplete || m.Type == protocol.TypeError {
			n++
		}
	}
	return n
}

func TestStreamer_HappyPathOrder(t *testing.T) {
	gen := &mock.Generator{
		GenerateFn: func(ctx context.Context, queryID, queryText string) (stream.FragmentStream, error) {
			return mock.Script(nil, "Hel", "lo"), nil
		},
	}
	pub := &capture{}
	s := stream.NewStreamer(gen, pub, zerolog.Nop())

	require.NoError(t, s.Start("s1", "q1", "say hello"))
	s.Wait("s1")

	assert.Equal(t, []string{
		protocol.TypeQueryStart,
		protocol.TypeChunk,
		protocol.TypeChunk,
		protocol.TypeComplete,
	}, pub.types())
	assert.Equal(t, 1, pub.terminals())
	assert.Equal(t, 0, s.Active())
}

func TestStreamer_GeneratorErrorMidStream(t *testing.T) {
	gen := &mock.Generator{
		GenerateFn: func(ctx context.Context, queryID, queryText string) (stream.FragmentStream, error) {
			return mock.Script(errors.New("model overloaded"), "partial"), nil
		},
	}
	pub := &capture{}
	s := stream.NewStreamer(gen, pub, zerolog.Nop())

	require.NoError(t, s.Start("s1", "q1", "boom"))
	s.Wait("s1")

	assert.Equal(t, []string{
		protocol.TypeQueryStart,
		protocol.TypeChunk,
		protocol.TypeError,
	}, pub.types())
	assert.Equal(t, 1, pub.terminals())
}

func TestStreamer_GeneratorRefusesQuery(t *testing.T) {
	gen := &mock.Generator{
		GenerateFn: func(ctx context.Context, queryID, queryText string) (stream.FragmentStream, error) {
			return nil, errors.New("engine unavailable")
		},
	}
	pub := &capture{}
	s := stream.NewStreamer(gen, pub, zerolog.Nop())

	require.NoError(t, s.Start("s1", "q1", "hi"))
	s.Wait("s1")

	assert.Equal(t, []string{protocol.TypeQueryStart, protocol.TypeError}, pub.types())
}

func TestStreamer_DuplicateQueryIgnored(t *testing.T) {
	release := make(chan struct{})
	gen := &mock.Generator{
		GenerateFn: func(ctx context.Context, queryID, queryText string) (stream.FragmentStream, error) {
			return &mock.FragmentStream{
				NextFn: func() (string, error) {
					select {
					case <-release:
						return "", context.Canceled
					case <-ctx.Done():
						return "", ctx.Err()
					}
				},
			}, nil
		},
	}
	pub := &capture{}
	s := stream.NewStreamer(gen, pub, zerolog.Nop())

	require.NoError(t, s.Start("s1", "q1", "first"))
	err := s.Start("s1", "q1", "resubmitted")
	assert.ErrorIs(t, err, stream.ErrDuplicateQuery)
	assert.Equal(t, 1, s.Active())

	// A different query ID on the same session is a separate job.
	require.NoError(t, s.Start("s1", "q2", "other"))
	assert.Equal(t, 2, s.Active())

	s.CancelSession("s1")
	s.Wait("s1")
}

func TestStreamer_ResubmitAfterCompletionStartsNewJob(t *testing.T) {
	gen := &mock.Generator{
		GenerateFn: func(ctx context.Context, queryID, queryText string) (stream.FragmentStream, error) {
			return mock.Script(nil, "done"), nil
		},
	}
	pub := &capture{}
	s := stream.NewStreamer(gen, pub, zerolog.Nop())

	require.NoError(t, s.Start("s1", "q1", "again"))
	s.Wait("s1")
	require.NoError(t, s.Start("s1", "q1", "again"))
	s.Wait("s1")

	assert.Equal(t, 2, pub.terminals())
}

func TestStreamer_CancelSessionEmitsNoTerminal(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	gen := &mock.Generator{
		GenerateFn: func(ctx context.Context, queryID, queryText string) (stream.FragmentStream, error) {
			return &mock.FragmentStream{
				NextFn: func() (string, error) {
					once.Do(func() { close(started) })
					<-ctx.Done()
					return "", ctx.Err()
				},
			}, nil
		},
	}
	pub := &capture{}
	s := stream.NewStreamer(gen, pub, zerolog.Nop())

	require.NoError(t, s.Start("s1", "q1", "never finishes"))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("generator never pulled")
	}

	s.CancelSession("s1")

	require.Eventually(t, func() bool { return s.Active() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{protocol.TypeQueryStart}, pub.types())
	assert.Equal(t, 0, pub.terminals())
}

func TestStreamer_InterleavedQueriesKeepPerQueryBoundaries(t *testing.T) {
	gen := &mock.Generator{
		GenerateFn: func(ctx context.Context, queryID, queryText string) (stream.FragmentStream, error) {
			return mock.Script(nil, queryID+"-a", queryID+"-b"), nil
		},
	}
	pub := &capture{}
	s := stream.NewStreamer(gen, pub, zerolog.Nop())

	require.NoError(t, s.Start("s1", "q1", "one"))
	require.NoError(t, s.Start("s1", "q2", "two"))
	s.Wait("s1")

	// Per query: query_start strictly precedes its chunks, terminal strictly
	// follows them, and there is exactly one terminal.
	pub.mu.Lock()
	defer pub.mu.Unlock()
	for _, qid := range []string{"q1", "q2"} {
		var seq []string
		for _, m := range pub.msgs {
			var p struct {
				QueryID string `json:"query_id"`
			}
			if m.Payload != nil {
				_ = json.Unmarshal(m.Payload, &p)
			}
			if p.QueryID == qid {
				seq = append(seq, m.Type)
			}
		}
		require.Equal(t, []string{
			protocol.TypeQueryStart,
			protocol.TypeChunk,
			protocol.TypeChunk,
			protocol.TypeComplete,
		}, seq, "query %s", qid)
	}
}
