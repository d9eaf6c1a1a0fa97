package follow

import (
	"slices"

	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/ethereum/go-ethereum/common"
)

// Event is what a Subscriber receives. Block refs inside an event are only borrowed,
// they are released by the next Subscriber.Next call unless cloned
type Event interface {
	blockRefs() []*BlockRef
}

// Initialized carries the finalized frontier, EarlierFinalized holds the older finalized blocks
// the follow subscription started with that are still pinned, oldest first
type Initialized struct {
	FinalizedBlock   *BlockRef
	EarlierFinalized []*BlockRef
	FinalizedRuntime *protocol.RuntimeEvent
}

// FinalizedBlocks lists every finalized block of the event, the frontier is the last one
func (i *Initialized) FinalizedBlocks() []*BlockRef {
	return append(slices.Clone(i.EarlierFinalized), i.FinalizedBlock)
}

type NewBlock struct {
	Block      *BlockRef
	ParentHash common.Hash
	NewRuntime *protocol.RuntimeEvent
}

type BestBlockChanged struct {
	BestBlock *BlockRef
}

type Finalized struct {
	FinalizedBlocks []*BlockRef
	PrunedHashes    []common.Hash
}

// Discontinuity precedes the Initialized of a new follow subscription,
// every block ref received before it is stale
type Discontinuity struct{}

func (i *Initialized) blockRefs() []*BlockRef      { return i.FinalizedBlocks() }
func (n *NewBlock) blockRefs() []*BlockRef         { return []*BlockRef{n.Block} }
func (b *BestBlockChanged) blockRefs() []*BlockRef { return []*BlockRef{b.BestBlock} }
func (f *Finalized) blockRefs() []*BlockRef        { return f.FinalizedBlocks }
func (*Discontinuity) blockRefs() []*BlockRef      { return nil }

func releaseEvent(event Event) {
	if event == nil {
		return
	}
	for _, ref := range event.blockRefs() {
		ref.Release()
	}
}
