package router

import (
	"context"
	"errors"
	"sync"

	"github.com/gatherhall/gatherhall/internal/services/chat/storage"
)

// subscriptionBuffer bounds how far a consumer may fall behind live
// delivery before it is treated as unreachable.
const subscriptionBuffer = 256

// ErrSubscriptionClosed is returned by Next once the subscription has been
// closed, either by the consumer or by slow-consumer eviction.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription is one connection's live message stream across all of its
// channels. It implements membership.Subscriber: fan-out deliveries land in
// a bounded buffer that the consumer drains cooperatively with Next.
//
// While the consumer keeps up, no fanned-out message is dropped. A consumer
// that lets the buffer fill is closed and must rejoin to resume, recovering
// missed history through replay.
type Subscription struct {
	connID string
	userID string

	msgs chan storage.Message

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSubscription builds the live stream for one connection.
func NewSubscription(connID string, userID string) *Subscription {
	return &Subscription{
		connID: connID,
		userID: userID,
		msgs:   make(chan storage.Message, subscriptionBuffer),
		closed: make(chan struct{}),
	}
}

// ConnID returns the connection identifier.
func (s *Subscription) ConnID() string { return s.connID }

// UserID returns the authenticated user, or "" for an anonymous connection.
func (s *Subscription) UserID() string { return s.userID }

// Deliver enqueues a fanned-out message without blocking. It reports false
// when the subscription is closed or the consumer has fallen too far behind,
// in which case the router evicts the subscriber. A false return also closes
// the subscription so the consumer's read loop terminates.
func (s *Subscription) Deliver(msg storage.Message) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.msgs <- msg:
		return true
	default:
		s.Close()
		return false
	}
}

// Next blocks until a message is available, the subscription closes, or ctx
// ends. The caller's read loop suspends between messages; nothing is polled.
func (s *Subscription) Next(ctx context.Context) (storage.Message, error) {
	select {
	case msg := <-s.msgs:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.msgs:
		return msg, nil
	case <-s.closed:
		// Drain anything delivered before the close won the race.
		select {
		case msg := <-s.msgs:
			return msg, nil
		default:
			return storage.Message{}, ErrSubscriptionClosed
		}
	case <-ctx.Done():
		return storage.Message{}, ctx.Err()
	}
}

// Close ends the stream. Closing twice is a no-op.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// Closed reports whether the subscription has ended.
func (s *Subscription) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
