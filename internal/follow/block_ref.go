package follow

import (
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// BlockID is anything naming a block a node query can be run against
type BlockID interface {
	BlockHash() common.Hash
}

type hashID common.Hash

func (h hashID) BlockHash() common.Hash {
	return common.Hash(h)
}

// AtHash names a block by its hash alone, queries against it work only while the block is pinned
func AtHash(hash common.Hash) BlockID {
	return hashID(hash)
}

// BlockRef holds one share of a block pin. The block stays pinned at least until every share is released
// or it becomes too old
type BlockRef struct {
	hash     common.Hash
	pinId    uint64
	segment  uint64
	registry *PinRegistry
	released atomic.Bool
}

// NewUnpinnedBlockRef refers to a block the registry doesn't know, it gives no guarantee the block can be queried
func NewUnpinnedBlockRef(hash common.Hash) *BlockRef {
	return &BlockRef{hash: hash}
}

func (b *BlockRef) Hash() common.Hash {
	return b.hash
}

func (b *BlockRef) BlockHash() common.Hash {
	return b.hash
}

func (b *BlockRef) Pinned() bool {
	return b.registry != nil
}

// Clone takes another share of the same pin, it must be called before this ref is released
func (b *BlockRef) Clone() *BlockRef {
	if b.registry == nil {
		return NewUnpinnedBlockRef(b.hash)
	}
	clone := &BlockRef{hash: b.hash, pinId: b.pinId, segment: b.segment, registry: b.registry}
	b.registry.submit(func() {
		b.registry.retain(clone)
	})
	return clone
}

// Release is idempotent
func (b *BlockRef) Release() {
	if b.registry == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	b.registry.submit(func() {
		b.registry.release(b)
	})
}
