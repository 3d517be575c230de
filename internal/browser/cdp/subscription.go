package cdp

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/target"
)

// Subscription receives the events of one protocol session in arrival order.
// The queue is unbounded so the connection reader never blocks on a slow consumer.
type Subscription struct {
	sessionID target.SessionID
	conn      *Conn

	mu     sync.Mutex
	queue  []*Message
	closed bool
	err    error
	notify chan struct{}
}

func newSubscription(conn *Conn, sessionID target.SessionID) *Subscription {
	return &Subscription{
		sessionID: sessionID,
		conn:      conn,
		notify:    make(chan struct{}, 1),
	}
}

// SessionID returns the session this subscription listens to.
func (s *Subscription) SessionID() target.SessionID { return s.sessionID }

// Next blocks until an event is available, ctx is done, or the subscription
// is closed. Events already queued are still returned after closure.
func (s *Subscription) Next(ctx context.Context) (*Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close detaches the subscription from its connection. Idempotent.
func (s *Subscription) Close() {
	if s.conn != nil {
		s.conn.unsubscribe(s)
	}
	s.shut(ErrClosed)
}

func (s *Subscription) push(msg *Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) shut(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
