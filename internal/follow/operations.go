package follow

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/drpcorg/chainhead/pkg/utils"
)

// Operation receives the events of one node operation started on the follow subscription
type Operation struct {
	id       string
	segment  uint64
	registry *PinRegistry
	events   chan protocol.OperationEvent
	err      *utils.Atomic[error]
	closed   atomic.Bool
}

func newOperation(id string, segment uint64, registry *PinRegistry, size int) *Operation {
	return &Operation{
		id:       id,
		segment:  segment,
		registry: registry,
		events:   make(chan protocol.OperationEvent, size),
		err:      utils.NewAtomic[error](),
	}
}

func (o *Operation) Id() string {
	return o.id
}

// Next returns io.EOF after the terminal event of the operation has been returned
func (o *Operation) Next(ctx context.Context) (protocol.OperationEvent, error) {
	select {
	case event, ok := <-o.events:
		if !ok {
			if err := o.err.Load(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return event, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops waiting for the operation, the node isn't asked to stop it
func (o *Operation) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	o.registry.submit(func() {
		o.registry.removeOperation(o, nil)
	})
}

// finish is called by the driver only
func (o *Operation) finish(err error) {
	if err != nil {
		o.err.Store(err)
	}
	close(o.events)
}

// deliver is called by the driver only, false means the operation has to be dropped
func (o *Operation) deliver(event protocol.OperationEvent) bool {
	select {
	case o.events <- event:
		return true
	default:
		return false
	}
}
