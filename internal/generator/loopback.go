// Package generator holds stand-in implementations of the generation engine
// contract. The real engine lives outside this service.
package generator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"chatrelay/internal/stream"
)

// Loopback answers every query with a canned response streamed word by word,
// with a fixed delay between fragments. It exists so the server runs end to
// end without a generation backend.
type Loopback struct {
	// Delay between fragments. Zero streams as fast as the consumer pulls.
	Delay time.Duration
}

var _ stream.Generator = (*Loopback)(nil)

func (l *Loopback) Generate(ctx context.Context, queryID, queryText string) (stream.FragmentStream, error) {
	text := fmt.Sprintf("You asked: %q. This is a canned streaming response standing in for a real generation engine.", queryText)
	return &loopbackStream{
		ctx:   ctx,
		words: strings.Fields(text),
		delay: l.Delay,
	}, nil
}

type loopbackStream struct {
	ctx   context.Context
	words []string
	delay time.Duration
	pos   int
}

func (s *loopbackStream) Next() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.words) {
		return "", io.EOF
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	word := s.words[s.pos]
	s.pos++
	if s.pos < len(s.words) {
		word += " "
	}
	return word, nil
}

func (s *loopbackStream) Close() error {
	return nil
}
