package session

import (
	"sync"

	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"
)

// Buffer is a fixed-capacity circular buffer holding the most recent outbound
// messages for a session. It lets a client that reconnects within the grace
// window catch up on what it missed. When full, the oldest message is
// overwritten; a client absent longer than the buffer's window loses the
// earliest part of it.
type Buffer struct {
	mu       sync.RWMutex
	buf      []*protocol.Message
	capacity int
	pos      int // next write position
	full     bool
}

// NewBuffer creates a buffer with the given capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		buf:      make([]*protocol.Message, capacity),
		capacity: capacity,
	}
}

// Append adds a message, evicting the oldest one when the buffer is full.
func (b *Buffer) Append(msg *protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.full {
		metrics.BufferEvictions.Inc()
	}
	b.buf[b.pos] = msg
	b.pos = (b.pos + 1) % b.capacity
	if b.pos == 0 {
		b.full = true
	}
}

// Snapshot returns the buffered messages in insertion order without removing
// them. Replay is non-destructive so a second simultaneously-connecting tab
// receives the same backlog.
func (b *Buffer) Snapshot() []*protocol.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		result := make([]*protocol.Message, b.pos)
		copy(result, b.buf[:b.pos])
		return result
	}

	result := make([]*protocol.Message, b.capacity)
	copy(result, b.buf[b.pos:])
	copy(result[b.capacity-b.pos:], b.buf[:b.pos])
	return result
}

// Len reports the number of buffered messages.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.full {
		return b.capacity
	}
	return b.pos
}
