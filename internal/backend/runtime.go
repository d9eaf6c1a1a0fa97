package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/drpcorg/chainhead/internal/follow"
	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrRuntimeUpdatesDisabled = errors.New("the follow subscription doesn't report runtime updates")
	ErrInvalidRuntime         = errors.New("invalid runtime")
)

type RuntimeVersion struct {
	SpecVersion        uint32
	TransactionVersion uint32
}

// RuntimeVersionStream reports the runtime of the finalized frontier each time it changes
type RuntimeVersionStream struct {
	blocks  *follow.Subscriber
	pending map[common.Hash]*protocol.RuntimeEvent
}

func newRuntimeVersionStream(blocks *follow.Subscriber) *RuntimeVersionStream {
	return &RuntimeVersionStream{
		blocks:  blocks,
		pending: make(map[common.Hash]*protocol.RuntimeEvent),
	}
}

// Next returns an error without ending the stream when the node reports an invalid runtime
func (r *RuntimeVersionStream) Next(ctx context.Context) (RuntimeVersion, error) {
	for {
		event, err := r.blocks.Next(ctx)
		if err != nil {
			return RuntimeVersion{}, err
		}
		if runtime := r.reduce(event); runtime != nil {
			return runtimeVersion(runtime)
		}
	}
}

func (r *RuntimeVersionStream) Close() {
	r.blocks.Close()
}

// reduce remembers the runtimes of new blocks until one of them is finalized
func (r *RuntimeVersionStream) reduce(event follow.Event) *protocol.RuntimeEvent {
	switch e := event.(type) {
	case *follow.Initialized:
		clear(r.pending)
		return e.FinalizedRuntime
	case *follow.NewBlock:
		if e.NewRuntime != nil {
			r.pending[e.Block.Hash()] = e.NewRuntime
		}
	case *follow.Finalized:
		defer clear(r.pending)
		for i := len(e.FinalizedBlocks) - 1; i >= 0; i-- {
			if runtime, ok := r.pending[e.FinalizedBlocks[i].Hash()]; ok {
				return runtime
			}
		}
	case *follow.Discontinuity:
		clear(r.pending)
	}
	return nil
}

func runtimeVersion(runtime *protocol.RuntimeEvent) (RuntimeVersion, error) {
	if !runtime.IsValid() {
		return RuntimeVersion{}, fmt.Errorf("%w - %s", ErrInvalidRuntime, runtime.Error)
	}
	return RuntimeVersion{
		SpecVersion:        runtime.Spec.SpecVersion,
		TransactionVersion: runtime.Spec.TransactionVersion,
	}, nil
}
