package backend

import (
	"context"

	"github.com/drpcorg/chainhead/internal/follow"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

type HeaderStreamKind int

const (
	AllHeaders HeaderStreamKind = iota
	BestHeaders
	FinalizedHeaders
)

func (h HeaderStreamKind) String() string {
	switch h {
	case AllHeaders:
		return "all"
	case BestHeaders:
		return "best"
	case FinalizedHeaders:
		return "finalized"
	default:
		return "unknown"
	}
}

type headerFetcher func(ctx context.Context, at follow.BlockID) ([]byte, error)

// HeaderStream yields the headers of one projection of the block events together with a ref
// the caller owns and has to release
type HeaderStream struct {
	kind    HeaderStreamKind
	blocks  *follow.Subscriber
	fetch   headerFetcher
	pending []*follow.BlockRef
	best    common.Hash
}

func newHeaderStream(kind HeaderStreamKind, blocks *follow.Subscriber, fetch headerFetcher) *HeaderStream {
	return &HeaderStream{
		kind:   kind,
		blocks: blocks,
		fetch:  fetch,
	}
}

// Next skips the blocks the node has no header for, a failed fetch is returned and the stream goes on
func (h *HeaderStream) Next(ctx context.Context) ([]byte, *follow.BlockRef, error) {
	for {
		for len(h.pending) == 0 {
			event, err := h.blocks.Next(ctx)
			if err != nil {
				return nil, nil, err
			}
			h.pending = h.project(event)
		}
		ref := h.pending[0]
		h.pending = h.pending[1:]

		header, err := h.fetch(ctx, ref)
		if err != nil {
			ref.Release()
			return nil, nil, err
		}
		if header == nil {
			log.Warn().Msgf("no header of block %s, skipping it in the %s headers stream", ref.Hash(), h.kind)
			ref.Release()
			continue
		}
		return header, ref, nil
	}
}

func (h *HeaderStream) Close() {
	for _, ref := range h.pending {
		ref.Release()
	}
	h.pending = nil
	h.blocks.Close()
}

// project clones the refs of the event, the event itself is released by the next call of the subscriber
func (h *HeaderStream) project(event follow.Event) []*follow.BlockRef {
	var refs []*follow.BlockRef
	switch e := event.(type) {
	case *follow.Initialized:
		refs = append(refs, e.FinalizedBlock)
		h.best = e.FinalizedBlock.Hash()
	case *follow.NewBlock:
		if h.kind == AllHeaders {
			refs = append(refs, e.Block)
		}
	case *follow.BestBlockChanged:
		// a new subscriber is told the best block even when it's the finalized one
		if h.kind == BestHeaders && e.BestBlock.Hash() != h.best {
			refs = append(refs, e.BestBlock)
			h.best = e.BestBlock.Hash()
		}
	case *follow.Finalized:
		if h.kind == FinalizedHeaders {
			refs = append(refs, e.FinalizedBlocks...)
		}
	}
	clones := make([]*follow.BlockRef, 0, len(refs))
	for _, ref := range refs {
		clones = append(clones, ref.Clone())
	}
	return clones
}
