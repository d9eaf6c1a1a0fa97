package follow

import (
	"context"
	"sync/atomic"

	"github.com/drpcorg/chainhead/pkg/utils"
)

// Subscriber is an independent view of the block events, it's meant to be consumed by one goroutine
type Subscriber struct {
	id       string
	registry *PinRegistry
	events   chan Event
	err      *utils.Atomic[error]
	current  Event
	closed   atomic.Bool
}

func newSubscriber(id string, registry *PinRegistry, size int) *Subscriber {
	return &Subscriber{
		id:       id,
		registry: registry,
		events:   make(chan Event, size),
		err:      utils.NewAtomic[error](),
	}
}

func (s *Subscriber) Id() string {
	return s.id
}

// Next releases the refs of the previously returned event and waits for a new one.
// After the subscriber is terminated it returns the reason
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	releaseEvent(s.current)
	s.current = nil

	select {
	case event, ok := <-s.events:
		if !ok {
			return nil, s.err.Load()
		}
		s.current = event
		return event, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unsubscribes and releases every ref the subscriber still holds
func (s *Subscriber) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	releaseEvent(s.current)
	s.current = nil

	s.registry.submit(func() {
		s.registry.removeSubscriber(s.id, ErrSubscriberClosed)
	})
	for event := range s.events {
		releaseEvent(event)
	}
}

// terminate is called by the driver only
func (s *Subscriber) terminate(err error) {
	s.err.Store(err)
	for {
		select {
		case event := <-s.events:
			s.registry.releaseEventRefs(event)
		default:
			close(s.events)
			return
		}
	}
}
