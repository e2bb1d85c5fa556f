// Package mailbox provides an unbounded FIFO queue of messages. Producers
// never block, so a routing loop can hand a message to a slow consumer without
// stalling.
package mailbox

import (
	"sync"

	"github.com/dyluth/sidenode/pkg/message"
)

// Mailbox is an unbounded, goroutine-safe FIFO of messages.
type Mailbox struct {
	mu     sync.Mutex
	queue  []*message.Message
	ready  chan struct{}
	closed bool
}

// New creates an empty mailbox.
func New() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Put appends a message. Returns false if the mailbox is closed.
func (m *Mailbox) Put(msg *message.Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// Get blocks until a message is available, the mailbox is closed and drained,
// or done is closed. ok is false when no message will be returned.
func (m *Mailbox) Get(done <-chan struct{}) (msg *message.Message, ok bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg = m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, true
		}
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return nil, false
		}

		select {
		case <-m.ready:
		case <-done:
			return nil, false
		}
	}
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close stops accepting messages. Queued messages can still be drained.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}
