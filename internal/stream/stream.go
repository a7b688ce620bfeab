// Package stream turns queries into ordered sequences of outbound fragment
// messages, pulling text from an external generation engine.
package stream

import "context"

// Generator is the contract with the external text-generation engine: it
// produces fragments for a query, signals done or failed, and supports
// cooperative cancellation through the context. It may run on a different
// execution context than connection I/O.
type Generator interface {
	Generate(ctx context.Context, queryID, queryText string) (FragmentStream, error)
}

// FragmentStream is a pull-based iterator over generated text fragments.
// Next returns io.EOF after the final fragment; any other error is a
// generation failure. Close releases the stream's resources and is safe to
// call at any point.
type FragmentStream interface {
	Next() (string, error)
	Close() error
}
