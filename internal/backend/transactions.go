package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/drpcorg/chainhead/internal/follow"
	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/drpcorg/chainhead/internal/rpc"
	"github.com/drpcorg/chainhead/pkg/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
)

const blockNoticesBuffer = 64

var errTransactionSubscriptionClosed = errors.New("transaction subscription has been closed by the node")

// TransactionStatus is one step of a submitted transaction
type TransactionStatus interface {
	transactionStatus()
}

type Validated struct{}

type Broadcasted struct {
	NumPeers uint32
}

// InBestBlock carries an unpinned ref when the block isn't known to the follow subscription
type InBestBlock struct {
	Block *follow.BlockRef
	Index uint32
}

type NoLongerInBestBlock struct{}

type InFinalizedBlock struct {
	Block *follow.BlockRef
	Index uint32
}

func (*Validated) transactionStatus()           {}
func (*Broadcasted) transactionStatus()         {}
func (*InBestBlock) transactionStatus()         {}
func (*NoLongerInBestBlock) transactionStatus() {}
func (*InFinalizedBlock) transactionStatus()    {}

type TransactionErrorKind int

const (
	TransactionDropped TransactionErrorKind = iota
	TransactionInvalid
	TransactionFailed
)

func (t TransactionErrorKind) String() string {
	switch t {
	case TransactionDropped:
		return "dropped"
	case TransactionInvalid:
		return "invalid"
	default:
		return "error"
	}
}

type TransactionError struct {
	Kind    TransactionErrorKind
	Message string
}

func (t *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s: %s", t.Kind, t.Message)
}

type seenBlock struct {
	ref       *follow.BlockRef
	finalized bool
}

// blockNotice is a block event with refs the progress owns
type blockNotice struct {
	initialized   []*follow.BlockRef
	newBlock      *follow.BlockRef
	finalized     []*follow.BlockRef
	pruned        []common.Hash
	discontinuity bool
}

// TransactionProgress reports the statuses of a submitted transaction. A finalized transaction is reported
// only after the follow subscription has announced its block as finalized, so the returned block can be queried.
// Refs inside a status are borrowed until the next call of Next
type TransactionProgress struct {
	hash      common.Hash
	txSub     *rpc.Subscription
	blocks    *follow.Subscriber
	notices   chan blockNotice
	watchErr  *utils.Atomic[error]
	cancel    context.CancelFunc
	watcher   sync.WaitGroup
	closeOnce sync.Once

	seen          map[common.Hash]seenBlock
	awaited       *protocol.TransactionBlock
	discontinuity bool
	current       *follow.BlockRef
	err           error
}

// SubmitTransaction subscribes to the block events before submitting, so no block the transaction lands in is missed
func SubmitTransaction(
	ctx context.Context,
	client rpc.Client,
	methods *protocol.Methods,
	registry *follow.PinRegistry,
	extrinsic []byte,
) (*TransactionProgress, error) {
	blocks, err := registry.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	txSub, err := client.Subscribe(ctx, methods.SubmitAndWatch, methods.Unwatch, hexutil.Encode(extrinsic))
	if err != nil {
		blocks.Close()
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	progress := &TransactionProgress{
		hash:     TransactionHash(extrinsic),
		txSub:    txSub,
		blocks:   blocks,
		notices:  make(chan blockNotice, blockNoticesBuffer),
		watchErr: utils.NewAtomic[error](),
		cancel:   cancel,
		seen:     make(map[common.Hash]seenBlock),
	}
	progress.watcher.Add(1)
	go progress.watch(watchCtx)

	log.Debug().Msgf("transaction %s has been submitted, subscription %s", progress.hash, txSub.Id())
	return progress, nil
}

// TransactionHash is the blake2b-256 hash of the encoded extrinsic
func TransactionHash(extrinsic []byte) common.Hash {
	return blake2b.Sum256(extrinsic)
}

func (p *TransactionProgress) Hash() common.Hash {
	return p.hash
}

// Next returns io.EOF after the transaction has been reported in a finalized block
func (p *TransactionProgress) Next(ctx context.Context) (TransactionStatus, error) {
	if p.current != nil {
		p.current.Release()
		p.current = nil
	}

	for {
		if p.err != nil {
			return nil, p.err
		}
		if status := p.finalizedStatus(); status != nil {
			return status, nil
		}

		var txEvents <-chan []byte
		if p.awaited == nil {
			txEvents = p.txSub.Notifications()
		}
		select {
		case notice, ok := <-p.notices:
			if !ok {
				p.finish(fmt.Errorf("block events of transaction %s have stopped, cause - %w", p.hash, p.watchErr.Load()))
				continue
			}
			if status := p.onBlockNotice(notice); status != nil {
				return status, nil
			}
		case body, ok := <-txEvents:
			if !ok {
				err := p.txSub.Err()
				if err == nil {
					err = errTransactionSubscriptionClosed
				}
				p.finish(err)
				continue
			}
			if status := p.onTransactionEvent(body); status != nil {
				return status, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops watching the transaction and releases every block it holds, it's idempotent
func (p *TransactionProgress) Close() {
	if p.current != nil {
		p.current.Release()
		p.current = nil
	}
	p.finish(io.EOF)
}

func (p *TransactionProgress) finalizedStatus() TransactionStatus {
	if p.awaited == nil {
		return nil
	}
	seen, ok := p.seen[p.awaited.Hash]
	if !ok || !seen.finalized {
		return nil
	}
	delete(p.seen, p.awaited.Hash)
	return p.emitFinalized(seen.ref)
}

func (p *TransactionProgress) emitFinalized(ref *follow.BlockRef) TransactionStatus {
	status := &InFinalizedBlock{Block: ref, Index: p.awaited.Index}
	p.current = ref
	p.finish(io.EOF)
	return status
}

func (p *TransactionProgress) onTransactionEvent(body []byte) TransactionStatus {
	event, err := protocol.ParseTransactionEvent(body)
	if err != nil {
		log.Warn().Err(err).Msgf("couldn't parse an event of transaction %s", p.hash)
		return nil
	}
	switch e := event.(type) {
	case *protocol.TxValidated:
		return &Validated{}
	case *protocol.TxBroadcasted:
		return &Broadcasted{NumPeers: e.NumPeers}
	case *protocol.TxBestChainBlockIncluded:
		if e.Block == nil {
			return &NoLongerInBestBlock{}
		}
		ref := follow.NewUnpinnedBlockRef(e.Block.Hash)
		if seen, ok := p.seen[e.Block.Hash]; ok {
			ref = seen.ref.Clone()
		}
		p.current = ref
		return &InBestBlock{Block: ref, Index: e.Block.Index}
	case *protocol.TxFinalized:
		block := e.Block
		p.awaited = &block
		// the tx feed isn't read anymore
		p.txSub.Unsubscribe()
	case *protocol.TxDropped:
		p.finish(&TransactionError{Kind: TransactionDropped, Message: e.Error})
	case *protocol.TxInvalid:
		p.finish(&TransactionError{Kind: TransactionInvalid, Message: e.Error})
	case *protocol.TxError:
		p.finish(&TransactionError{Kind: TransactionFailed, Message: e.Error})
	}
	return nil
}

func (p *TransactionProgress) onBlockNotice(notice blockNotice) TransactionStatus {
	switch {
	case notice.discontinuity:
		p.discontinuity = true
		p.forgetSeen()
	case notice.initialized != nil:
		for _, ref := range notice.initialized {
			p.remember(ref, true)
		}
		restarted := p.discontinuity
		p.discontinuity = false
		if p.awaited == nil || !restarted {
			return nil
		}
		if _, ok := p.seen[p.awaited.Hash]; !ok {
			// the block has been finalized while the follow subscription was restarting, it can't be pinned anymore
			p.finish(fmt.Errorf("%w: block %s of transaction %s is behind the new follow subscription",
				protocol.ErrSubscriptionDiscontinuity, p.awaited.Hash, p.hash))
		}
	case notice.newBlock != nil:
		p.remember(notice.newBlock, false)
	case notice.finalized != nil:
		for _, hash := range notice.pruned {
			p.forget(hash)
		}
		awaitedIsFinal := false
		for _, ref := range notice.finalized {
			awaitedIsFinal = awaitedIsFinal || (p.awaited != nil && ref.Hash() == p.awaited.Hash)
		}
		if p.awaited != nil && !awaitedIsFinal {
			p.forgetSeen()
		}
		for _, ref := range notice.finalized {
			p.remember(ref, true)
		}
	}
	return nil
}

func (p *TransactionProgress) remember(ref *follow.BlockRef, finalized bool) {
	if seen, ok := p.seen[ref.Hash()]; ok {
		seen.ref.Release()
	}
	p.seen[ref.Hash()] = seenBlock{ref: ref, finalized: finalized}
}

func (p *TransactionProgress) forget(hash common.Hash) {
	if seen, ok := p.seen[hash]; ok {
		seen.ref.Release()
		delete(p.seen, hash)
	}
}

func (p *TransactionProgress) forgetSeen() {
	for hash := range p.seen {
		p.forget(hash)
	}
}

// finish keeps the first error, later calls only make sure everything is released
func (p *TransactionProgress) finish(err error) {
	if p.err == nil {
		p.err = err
	}
	p.closeOnce.Do(func() {
		p.cancel()
		p.watcher.Wait()
		for notice := range p.notices {
			releaseNotice(notice)
		}
		p.blocks.Close()
		p.txSub.Unsubscribe()
		p.forgetSeen()
	})
}

// watch copies the block events into notices, the refs are cloned because the events are only borrowed
func (p *TransactionProgress) watch(ctx context.Context) {
	defer p.watcher.Done()
	defer close(p.notices)

	for {
		event, err := p.blocks.Next(ctx)
		if err != nil {
			p.watchErr.Store(err)
			return
		}
		var notice blockNotice
		switch e := event.(type) {
		case *follow.Initialized:
			for _, ref := range e.FinalizedBlocks() {
				notice.initialized = append(notice.initialized, ref.Clone())
			}
		case *follow.NewBlock:
			notice.newBlock = e.Block.Clone()
		case *follow.Finalized:
			notice.finalized = make([]*follow.BlockRef, 0, len(e.FinalizedBlocks))
			for _, ref := range e.FinalizedBlocks {
				notice.finalized = append(notice.finalized, ref.Clone())
			}
			notice.pruned = e.PrunedHashes
		case *follow.Discontinuity:
			notice.discontinuity = true
		default:
			continue
		}
		select {
		case p.notices <- notice:
		case <-ctx.Done():
			releaseNotice(notice)
			p.watchErr.Store(ctx.Err())
			return
		}
	}
}

func releaseNotice(notice blockNotice) {
	refs := append([]*follow.BlockRef{notice.newBlock}, notice.initialized...)
	for _, ref := range append(refs, notice.finalized...) {
		if ref != nil {
			ref.Release()
		}
	}
}
