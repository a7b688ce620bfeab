package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"
)

// ErrSessionNotFound is returned when a session identifier is not in the
// registry, either because it never existed or because it was evicted.
var ErrSessionNotFound = errors.New("session not found")

const defaultSweepInterval = time.Second

// RegistryConfig holds the tunables for a Registry.
type RegistryConfig struct {
	// BufferSize is the per-session replay buffer capacity.
	BufferSize int
	// GracePeriod is how long a session with no attached connections is kept
	// alive to tolerate quick reconnects.
	GracePeriod time.Duration
	// SweepInterval controls how often idle sessions are checked for
	// eviction. Zero means once per second.
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

// Registry maps live transports to sessions and fans outbound messages out to
// every connection attached to a session. All mutations of one session are
// serialized by that session's lock; independent sessions do not contend.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	byConn   map[Transport]string

	cfg       RegistryConfig
	log       zerolog.Logger
	evictHook func(sessionID string)

	done      chan struct{}
	closeOnce sync.Once
}

type sessionState struct {
	mu        sync.Mutex
	session   Session
	conns     map[Transport]*Conn
	buffer    *Buffer
	idleSince time.Time // nonzero while no connections are attached
}

// NewRegistry creates a registry and starts its idle-eviction sweeper.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	r := &Registry{
		sessions: make(map[string]*sessionState),
		byConn:   make(map[Transport]string),
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "registry").Logger(),
		done:     make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// OnEvict sets the callback invoked with the session ID after an idle session
// is evicted. Used to cancel stream jobs that no longer have an audience.
func (r *Registry) OnEvict(fn func(sessionID string)) {
	r.mu.Lock()
	r.evictHook = fn
	r.mu.Unlock()
}

// Register attaches a transport to the session with the given ID, creating
// the session if absent. An empty ID requests a fresh session. Any buffered
// messages for the session are flushed to the new transport, in original
// order, before the transport can observe a live message.
func (r *Registry) Register(t Transport, sessionID string) (Session, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	if !ok {
		st = &sessionState{
			session: Session{ID: sessionID, CreatedAt: time.Now().UTC()},
			conns:   make(map[Transport]*Conn),
			buffer:  NewBuffer(r.cfg.BufferSize),
		}
		r.sessions[sessionID] = st
		metrics.SessionsActive.Inc()
	}
	r.byConn[t] = sessionID
	r.mu.Unlock()

	st.mu.Lock()
	replayed := 0
	for _, msg := range st.buffer.Snapshot() {
		if err := t.Send(msg); err != nil {
			// The new transport died mid-replay. Leave it unattached.
			if len(st.conns) == 0 {
				st.idleSince = time.Now()
			}
			st.mu.Unlock()

			r.mu.Lock()
			delete(r.byConn, t)
			r.mu.Unlock()
			return Session{}, err
		}
		replayed++
	}
	now := time.Now().UTC()
	st.conns[t] = &Conn{Transport: t, ConnectedAt: now, LastHeartbeat: now}
	st.idleSince = time.Time{}
	sess := st.session
	st.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	if replayed > 0 {
		metrics.MessagesReplayed.Add(float64(replayed))
	}
	r.log.Debug().Str("session_id", sessionID).Int("replayed", replayed).Msg("connection registered")
	return sess, nil
}

// Unregister detaches a transport from its session. The session itself is
// kept until the grace period elapses, to tolerate quick reconnects.
func (r *Registry) Unregister(t Transport) {
	r.mu.Lock()
	sessionID, ok := r.byConn[t]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, t)
	st := r.sessions[sessionID]
	r.mu.Unlock()

	if st == nil {
		return
	}
	st.mu.Lock()
	if _, attached := st.conns[t]; attached {
		delete(st.conns, t)
		metrics.ConnectionsActive.Dec()
	}
	if len(st.conns) == 0 && st.idleSince.IsZero() {
		st.idleSince = time.Now()
	}
	st.mu.Unlock()

	r.log.Debug().Str("session_id", sessionID).Msg("connection unregistered")
}

// Send appends the message to the session's replay buffer and pushes it to
// every attached connection. A transport that fails to accept the message is
// treated as dead and implicitly unregistered; the error never reaches the
// caller. Returns ErrSessionNotFound for unknown sessions.
func (r *Registry) Send(sessionID string, msg *protocol.Message) error {
	r.mu.RLock()
	st, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	var dead []Transport
	st.mu.Lock()
	st.buffer.Append(msg)
	for t := range st.conns {
		if err := t.Send(msg); err != nil {
			dead = append(dead, t)
		}
	}
	st.mu.Unlock()

	for _, t := range dead {
		r.log.Warn().Str("session_id", sessionID).Msg("dropping dead connection")
		r.Unregister(t)
	}
	return nil
}

// Touch records a heartbeat for the session connection backing the transport.
func (r *Registry) Touch(t Transport) {
	r.mu.RLock()
	sessionID, ok := r.byConn[t]
	st := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok || st == nil {
		return
	}

	st.mu.Lock()
	if c, attached := st.conns[t]; attached {
		c.LastHeartbeat = time.Now().UTC()
	}
	st.mu.Unlock()
}

// SessionFor returns the session ID a transport is registered under.
func (r *Registry) SessionFor(t Transport) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[t]
	return id, ok
}

// BufferCapacity reports the per-session replay buffer capacity.
func (r *Registry) BufferCapacity() int {
	return r.cfg.BufferSize
}

// Sessions reports the number of sessions currently held.
func (r *Registry) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Connections reports the number of currently attached transports.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Close stops the idle-eviction sweeper.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.done:
			return
		}
	}
}

// sweep evicts sessions that have had no connections for the grace period.
func (r *Registry) sweep(now time.Time) {
	var evicted []string

	r.mu.Lock()
	// A byConn entry whose connection is not attached yet is a Register in
	// progress (replay runs outside r.mu); evicting such a session would
	// orphan the attaching transport.
	attaching := make(map[string]struct{}, len(r.byConn))
	for _, id := range r.byConn {
		attaching[id] = struct{}{}
	}
	for id, st := range r.sessions {
		if _, pending := attaching[id]; pending {
			continue
		}
		st.mu.Lock()
		expired := len(st.conns) == 0 && !st.idleSince.IsZero() &&
			now.Sub(st.idleSince) >= r.cfg.GracePeriod
		st.mu.Unlock()
		if expired {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	hook := r.evictHook
	r.mu.Unlock()

	for _, id := range evicted {
		metrics.SessionsActive.Dec()
		metrics.SessionsEvicted.Inc()
		r.log.Info().Str("session_id", id).Msg("idle session evicted")
		if hook != nil {
			hook(id)
		}
	}
}
