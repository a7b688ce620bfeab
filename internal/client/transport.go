// Package client implements the connecting side of the relay protocol: a
// WebSocket transport that dials the server, keeps the connection alive with
// application-level pings, and transparently reconnects with exponential
// backoff while queueing outbound messages.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/internal/protocol"
)

// State is the transport's connection lifecycle phase.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// Config holds the transport tunables.
type Config struct {
	// URL is the ws:// or wss:// endpoint, without the session_id parameter.
	URL string
	// SessionID, when set, asks the server to resume that session. When
	// empty the server assigns one; it is captured from the handshake.
	SessionID string

	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration
	HandshakeTimeout    time.Duration

	Logger zerolog.Logger

	// OnMessage is invoked from the transport goroutine for every server
	// message except pong. It must not block for long.
	OnMessage func(*protocol.Message)
	// OnStateChange is invoked on every lifecycle transition.
	OnStateChange func(State)
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.ReconnectMinBackoff <= 0 {
		c.ReconnectMinBackoff = time.Second
	}
	if c.ReconnectMaxBackoff <= 0 {
		c.ReconnectMaxBackoff = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Transport is a reconnecting WebSocket client. One internal goroutine owns
// the socket and all timers; Send only appends to the outbound queue, so it
// is safe from any goroutine and never blocks on the network.
type Transport struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	state     State
	queue     []*protocol.Message
	sessionID string

	wake      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// New validates the configuration and starts the transport's run loop. The
// returned transport is in StateConnecting; messages sent before the
// connection opens are queued and flushed in order once it does.
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	cfg.applyDefaults()

	t := &Transport{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "client").Logger(),
		state:     StateConnecting,
		sessionID: cfg.SessionID,
		wake:      make(chan struct{}, 1),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.run()
	return t, nil
}

// State returns the current lifecycle phase.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SessionID returns the session this transport is bound to. Empty until the
// first handshake completes when no session was requested.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Send queues msg for delivery. Queued messages survive reconnects and are
// flushed in FIFO order whenever the connection is open.
func (t *Transport) Send(msg *protocol.Message) error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.queue = append(t.queue, msg)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// Query is a convenience wrapper that submits a query with a fresh query id
// and returns that id.
func (t *Transport) Query(text string) (string, error) {
	queryID := uuid.New().String()
	return queryID, t.Send(protocol.NewQuery(t.SessionID(), queryID, text))
}

// Close shuts the transport down and waits for the run loop to exit. If a
// connection is open a disconnect message and close frame are sent first.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closing) })
	<-t.done
	return nil
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	cb := t.cfg.OnStateChange
	t.mu.Unlock()

	t.log.Debug().Stringer("state", s).Msg("transport state changed")
	if cb != nil {
		cb(s)
	}
}

func (t *Transport) isClosing() bool {
	select {
	case <-t.closing:
		return true
	default:
		return false
	}
}

// run is the single goroutine that owns the socket. It dials, serves the
// connection until it fails, and redials on the backoff schedule until Close.
func (t *Transport) run() {
	defer close(t.done)
	defer t.setState(StateClosed)

	bo := newBackoff(t.cfg.ReconnectMinBackoff, t.cfg.ReconnectMaxBackoff)

	for {
		if t.isClosing() {
			return
		}

		conn, err := t.dial()
		if err != nil {
			if t.isClosing() {
				return
			}
			wait := bo.NextBackOff()
			t.log.Warn().Err(err).Dur("retry_in", wait).Msg("dial failed")
			t.setState(StateReconnecting)
			if !t.sleep(wait) {
				return
			}
			continue
		}

		bo.Reset()
		t.setState(StateOpen)

		err = t.serve(conn)
		conn.Close()
		if t.isClosing() {
			return
		}

		wait := bo.NextBackOff()
		t.log.Warn().Err(err).Dur("retry_in", wait).Msg("connection lost")
		t.setState(StateReconnecting)
		if !t.sleep(wait) {
			return
		}
	}
}

// dial connects and completes the handshake: the first server frame must be
// a connected message, which binds (or rebinds) the session.
func (t *Transport) dial() (*websocket.Conn, error) {
	url := t.cfg.URL
	if sid := t.SessionID(); sid != "" {
		url += "?session_id=" + sid
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake decode: %w", err)
	}
	if msg.Type != protocol.TypeConnected {
		conn.Close()
		return nil, fmt.Errorf("handshake: expected %s, got %s", protocol.TypeConnected, msg.Type)
	}

	t.mu.Lock()
	t.sessionID = msg.SessionID
	t.mu.Unlock()

	t.log.Info().Str("session_id", msg.SessionID).Msg("connected")
	return conn, nil
}

// serve drives one live connection: it flushes the queue, emits heartbeat
// pings, and delivers inbound messages. It returns when the connection is no
// longer usable or the transport is closing.
func (t *Transport) serve(conn *websocket.Conn) error {
	connDone := make(chan struct{})
	defer close(connDone)

	frames := make(chan *protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(t.cfg.HeartbeatInterval + t.cfg.HeartbeatTimeout))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var msg protocol.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.log.Debug().Err(err).Msg("dropping undecodable frame")
				continue
			}
			select {
			case frames <- &msg:
			case <-connDone:
				return
			}
		}
	}()

	heartbeat := time.NewTicker(t.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	// pongDeadline fires when an outstanding ping goes unanswered. It is
	// armed per ping and disarmed by the matching pong.
	pongDeadline := time.NewTimer(time.Hour)
	pongDeadline.Stop()
	defer pongDeadline.Stop()
	var pendingNonce string

	if err := t.flush(conn); err != nil {
		return err
	}

	for {
		select {
		case <-t.closing:
			t.sendDisconnect(conn)
			return nil

		case <-t.wake:
			if err := t.flush(conn); err != nil {
				return err
			}

		case msg := <-frames:
			switch msg.Type {
			case protocol.TypePong:
				var p protocol.PongPayload
				if err := json.Unmarshal(msg.Payload, &p); err == nil &&
					pendingNonce != "" && p.Nonce == pendingNonce {
					// Stop and drain, so a deadline that fired in the same
					// instant cannot later read as a missed pong.
					if !pongDeadline.Stop() {
						<-pongDeadline.C
					}
					pendingNonce = ""
				}
			case protocol.TypeKeepalive:
				// Channel liveness only; nothing to deliver.
			default:
				if t.cfg.OnMessage != nil {
					t.cfg.OnMessage(msg)
				}
			}

		case <-heartbeat.C:
			if pendingNonce != "" {
				// Previous ping still unanswered; its deadline decides.
				continue
			}
			pendingNonce = uuid.New().String()
			if err := t.write(conn, protocol.NewPing(t.SessionID(), pendingNonce)); err != nil {
				return err
			}
			pongDeadline.Reset(t.cfg.HeartbeatTimeout)

		case <-pongDeadline.C:
			return errors.New("heartbeat timeout")

		case err := <-readErr:
			if errors.Is(err, io.EOF) || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("server closed connection")
			}
			return err
		}
	}
}

// flush writes queued messages in order. A message is dequeued only after it
// is written, so a mid-flush failure keeps the remainder for the next
// connection.
func (t *Transport) flush(conn *websocket.Conn) error {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.mu.Unlock()
			return nil
		}
		msg := t.queue[0]
		t.mu.Unlock()

		if err := t.write(conn, msg); err != nil {
			return err
		}

		t.mu.Lock()
		t.queue = t.queue[1:]
		t.mu.Unlock()
	}
}

func (t *Transport) write(conn *websocket.Conn, msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// sendDisconnect tells the server the session is done, best effort.
func (t *Transport) sendDisconnect(conn *websocket.Conn) {
	_ = t.write(conn, protocol.NewDisconnect(t.SessionID()))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// sleep waits d unless the transport is closed first.
func (t *Transport) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.closing:
		return false
	}
}
