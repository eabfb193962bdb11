package hub

import (
	"sync"

	"quizroom-service/internal/domain"
)

// Outbox is a Client backed by a bounded queue. A full queue drops its oldest
// message so a slow reader never blocks the sender.
type Outbox struct {
	id string

	mu     sync.Mutex
	ch     chan domain.Envelope
	closed bool
}

// NewOutbox creates an outbox holding at most size pending messages.
func NewOutbox(id string, size int) *Outbox {
	if size <= 0 {
		size = 1
	}
	return &Outbox{id: id, ch: make(chan domain.Envelope, size)}
}

// ID implements Client.
func (o *Outbox) ID() string {
	return o.id
}

// Send implements Client.
func (o *Outbox) Send(msg domain.Envelope) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.ch <- msg:
		return true
	default:
	}
	select {
	case <-o.ch:
	default:
	}
	select {
	case o.ch <- msg:
		return true
	default:
		return false
	}
}

// Messages is drained by the connection writer.
func (o *Outbox) Messages() <-chan domain.Envelope {
	return o.ch
}

// Close stops accepting messages and closes the queue. It is safe to call twice.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}
