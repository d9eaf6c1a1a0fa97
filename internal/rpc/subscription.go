package rpc

import (
	"sync"

	"github.com/drpcorg/chainhead/internal/protocol"
)

// Subscription receives the notifications of one node subscription.
// Notifications is closed when the subscription ends, Err tells why
type Subscription struct {
	mu            sync.Mutex
	id            string
	notifications chan []byte
	closed        bool
	err           error
	unsubscribe   func()
}

func NewSubscription(id string, buffer int, unsubscribe func()) *Subscription {
	return &Subscription{
		id:            id,
		notifications: make(chan []byte, buffer),
		unsubscribe:   unsubscribe,
	}
}

func (s *Subscription) Id() string {
	return s.id
}

func (s *Subscription) Notifications() <-chan []byte {
	return s.notifications
}

// Err returns the reason the subscription was closed, nil if it was unsubscribed or is still open
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Deliver never blocks, a full buffer closes the subscription with ErrSubscriberLagged
func (s *Subscription) Deliver(notification []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.notifications <- notification:
		return true
	default:
		s.closeLocked(protocol.ErrSubscriberLagged)
		return false
	}
}

func (s *Subscription) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(err)
}

// Unsubscribe closes the subscription locally and asks the node to stop it
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	wasClosed := s.closed
	s.closeLocked(nil)
	s.mu.Unlock()

	if !wasClosed && s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.notifications)
}
