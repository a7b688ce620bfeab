// Package mock provides test doubles for the stream interfaces using
// function fields.
package mock

import (
	"context"
	"io"

	"chatrelay/internal/stream"
)

// Interface compliance checks.
var (
	_ stream.Generator      = (*Generator)(nil)
	_ stream.FragmentStream = (*FragmentStream)(nil)
)

// Generator is a test double for stream.Generator.
// Set GenerateFn before calling Generate.
type Generator struct {
	GenerateFn func(ctx context.Context, queryID, queryText string) (stream.FragmentStream, error)
}

func (g *Generator) Generate(ctx context.Context, queryID, queryText string) (stream.FragmentStream, error) {
	return g.GenerateFn(ctx, queryID, queryText)
}

// FragmentStream is a test double for stream.FragmentStream.
type FragmentStream struct {
	NextFn  func() (string, error)
	CloseFn func() error
}

func (s *FragmentStream) Next() (string, error) {
	return s.NextFn()
}

func (s *FragmentStream) Close() error {
	if s.CloseFn == nil {
		return nil
	}
	return s.CloseFn()
}

// Script returns a stream that yields the given fragments in order and then
// the terminal error (io.EOF for normal completion).
func Script(terminal error, fragments ...string) *FragmentStream {
	if terminal == nil {
		terminal = io.EOF
	}
	i := 0
	return &FragmentStream{
		NextFn: func() (string, error) {
			if i >= len(fragments) {
				return "", terminal
			}
			frag := fragments[i]
			i++
			return frag, nil
		},
	}
}
