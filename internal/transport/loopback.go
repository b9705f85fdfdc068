package transport

import (
	"context"
	"sync"
)

// LoopbackAddr is the RemoteAddr of both ends of a loopback pair.
const LoopbackAddr = "loopback"

// inbox is an unbounded FIFO of messages awaiting delivery.
type inbox struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (q *inbox) push(data []byte) {
	q.mu.Lock()
	q.items = append(q.items, data)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *inbox) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// loopbackLink is the closed state shared by both ends of a pair.
type loopbackLink struct {
	once   sync.Once
	closed chan struct{}
}

func (l *loopbackLink) close() {
	l.once.Do(func() { close(l.closed) })
}

// LoopbackConn is one end of an in-process connection pair. Send appends to
// the peer's inbox; the peer's Serve goroutine delivers it. A handler is never
// run on the sender's goroutine, and the ends share nothing but the inboxes
// and the closed state.
type LoopbackConn struct {
	in   *inbox
	peer *inbox
	link *loopbackLink
}

// NewLoopbackPair returns two connected ends. Messages sent on one are
// received, in order, by the other.
//
// Postcondition: Closing either end closes both.
func NewLoopbackPair() (client, server *LoopbackConn) {
	link := &loopbackLink{closed: make(chan struct{})}
	a, b := newInbox(), newInbox()
	return &LoopbackConn{in: a, peer: b, link: link},
		&LoopbackConn{in: b, peer: a, link: link}
}

// Send queues a copy of data for the peer.
//
// Postcondition: Returns ErrClosed if the pair is closed; otherwise the
// message will be delivered to the peer's Serve loop.
func (c *LoopbackConn) Send(data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	c.peer.push(msg)
	return nil
}

// Serve delivers queued messages in order until the pair is closed or ctx is
// cancelled. Messages already queued when the pair closes are still delivered.
func (c *LoopbackConn) Serve(ctx context.Context, fn ReceiveFunc) error {
	defer c.Close()
	for {
		for _, msg := range c.in.drain() {
			if err := fn(msg); err != nil {
				return err
			}
		}
		select {
		case <-c.in.notify:
		case <-c.link.closed:
			for _, msg := range c.in.drain() {
				if err := fn(msg); err != nil {
					return err
				}
			}
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Close closes both ends of the pair.
func (c *LoopbackConn) Close() error {
	c.link.close()
	return nil
}

// RemoteAddr returns LoopbackAddr.
func (c *LoopbackConn) RemoteAddr() string {
	return LoopbackAddr
}

func (c *LoopbackConn) isClosed() bool {
	select {
	case <-c.link.closed:
		return true
	default:
		return false
	}
}
