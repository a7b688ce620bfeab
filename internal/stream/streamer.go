package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"
)

// ErrDuplicateQuery is returned by Start when the session already has a job
// in flight for the same query ID. Re-submissions are ignored, not queued.
var ErrDuplicateQuery = errors.New("query already in flight")

// Publisher delivers an outbound message to every connection attached to a
// session. Implemented by the session registry.
type Publisher interface {
	Send(sessionID string, msg *protocol.Message) error
}

// Streamer owns the in-flight stream jobs. Each job pulls fragments from the
// generator in its own goroutine and emits them through the publisher as
// query_start, chunk* and exactly one terminal message.
type Streamer struct {
	gen Generator
	pub Publisher
	log zerolog.Logger

	mu   sync.Mutex
	jobs map[string]map[string]*job // session ID → query ID → job
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStreamer creates a streamer backed by the given generator and publisher.
func NewStreamer(gen Generator, pub Publisher, logger zerolog.Logger) *Streamer {
	return &Streamer{
		gen:  gen,
		pub:  pub,
		log:  logger.With().Str("component", "streamer").Logger(),
		jobs: make(map[string]map[string]*job),
	}
}

// Start launches a stream job for the query. It never blocks on generation;
// the job runs in its own goroutine until the generator completes, fails, or
// the job is cancelled.
func (s *Streamer) Start(sessionID, queryID, queryText string) error {
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if _, exists := s.jobs[sessionID][queryID]; exists {
		s.mu.Unlock()
		cancel()
		return ErrDuplicateQuery
	}
	if s.jobs[sessionID] == nil {
		s.jobs[sessionID] = make(map[string]*job)
	}
	s.jobs[sessionID][queryID] = j
	s.mu.Unlock()

	metrics.StreamJobsActive.Inc()
	go s.run(ctx, sessionID, queryID, queryText, j)
	return nil
}

// CancelSession cooperatively cancels every job owned by the session. No
// terminal message is emitted for cancelled jobs; there is nobody left to
// receive it.
func (s *Streamer) CancelSession(sessionID string) {
	s.mu.Lock()
	jobs := s.jobs[sessionID]
	delete(s.jobs, sessionID)
	s.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
	}
}

// Active reports the number of jobs currently in flight.
func (s *Streamer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, qs := range s.jobs {
		n += len(qs)
	}
	return n
}

// Wait blocks until every job for the session has finished. Test hook.
func (s *Streamer) Wait(sessionID string) {
	s.mu.Lock()
	var done []chan struct{}
	for _, j := range s.jobs[sessionID] {
		done = append(done, j.done)
	}
	s.mu.Unlock()
	for _, ch := range done {
		<-ch
	}
}

func (s *Streamer) run(ctx context.Context, sessionID, queryID, queryText string, j *job) {
	log := s.log.With().Str("session_id", sessionID).Str("query_id", queryID).Logger()
	em := &emitter{pub: s.pub, sessionID: sessionID, queryID: queryID}

	defer func() {
		close(j.done)
		s.remove(sessionID, queryID)
		metrics.StreamJobsActive.Dec()
	}()

	em.start()

	fragments, err := s.gen.Generate(ctx, queryID, queryText)
	if err != nil {
		if ctx.Err() != nil {
			metrics.StreamJobsTotal.WithLabelValues(metrics.OutcomeCancelled).Inc()
			return
		}
		log.Error().Err(err).Msg("generator refused query")
		em.fail(protocol.ErrCodeQueryFailed, err.Error())
		metrics.StreamJobsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return
	}
	defer fragments.Close()

	for {
		frag, err := fragments.Next()
		if ctx.Err() != nil {
			// Cancelled: release resources, emit no terminal message.
			metrics.StreamJobsTotal.WithLabelValues(metrics.OutcomeCancelled).Inc()
			return
		}
		if errors.Is(err, io.EOF) {
			em.complete()
			metrics.StreamJobsTotal.WithLabelValues(metrics.OutcomeComplete).Inc()
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("generation failed mid-stream")
			em.fail(protocol.ErrCodeQueryFailed, err.Error())
			metrics.StreamJobsTotal.WithLabelValues(metrics.OutcomeError).Inc()
			return
		}
		if emitErr := em.chunk(frag); emitErr != nil {
			// A fragment surfaced after a terminal message. That is a bug in
			// the generator adapter; it is fatal to this job only.
			log.Error().Err(emitErr).Msg("stream protocol violation")
			metrics.StreamJobsTotal.WithLabelValues(metrics.OutcomeError).Inc()
			return
		}
		metrics.FragmentsEmitted.Inc()
	}
}

func (s *Streamer) remove(sessionID, queryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qs, ok := s.jobs[sessionID]; ok {
		delete(qs, queryID)
		if len(qs) == 0 {
			delete(s.jobs, sessionID)
		}
	}
}

// emitter enforces the per-query message protocol: one query_start, then
// chunks, then exactly one terminal message and nothing after it.
type emitter struct {
	pub       Publisher
	sessionID string
	queryID   string
	terminal  bool
}

func (e *emitter) start() {
	e.send(protocol.NewQueryStart(e.sessionID, e.queryID))
}

func (e *emitter) chunk(content string) error {
	if e.terminal {
		return errors.New("chunk after terminal message")
	}
	e.send(protocol.NewChunk(e.sessionID, e.queryID, content))
	return nil
}

func (e *emitter) complete() {
	if e.terminal {
		return
	}
	e.terminal = true
	e.send(protocol.NewComplete(e.sessionID, e.queryID))
}

func (e *emitter) fail(code, message string) {
	if e.terminal {
		return
	}
	e.terminal = true
	e.send(protocol.NewError(e.sessionID, e.queryID, code, message))
}

func (e *emitter) send(msg *protocol.Message) {
	// The session may have been evicted mid-stream; nothing to do then.
	_ = e.pub.Send(e.sessionID, msg)
}
