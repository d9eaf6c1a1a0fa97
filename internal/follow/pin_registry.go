package follow

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/drpcorg/chainhead/internal/config"
	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/drpcorg/chainhead/internal/rpc"
	"github.com/drpcorg/chainhead/pkg/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

var ErrSubscriberClosed = errors.New("subscriber is closed")

const commandsBuffer = 1024

// Subscription identifies one segment of the follow subscription, operations are started against it
type Subscription struct {
	Id      string
	Segment uint64
}

type pinnedBlock struct {
	hash       common.Hash
	parent     common.Hash
	runtime    *protocol.RuntimeEvent
	pinId      uint64
	seq        uint64
	count      int
	age        int
	superseded bool
}

type command func()

// PinRegistry keeps track of the blocks pinned by the follow subscription and shares block events
// between any number of subscribers. All its state is owned by a single driver goroutine,
// everyone else talks to it through the commands channel
type PinRegistry struct {
	client          rpc.Client
	methods         *protocol.Methods
	stream          *FollowStream
	maxBlockLife    int
	bufferSize      int
	internalTimeout time.Duration
	commands        chan command
	done            chan struct{}
	fatal           *utils.Atomic[error]
	unpins          sync.WaitGroup

	// owned by the driver
	subscriptionId  string
	segment         uint64
	initialized     bool
	blocks          map[common.Hash]*pinnedBlock
	nextPinId       uint64
	frontier        common.Hash
	frontierRuntime *protocol.RuntimeEvent
	earlier         []common.Hash
	bestBlock       common.Hash
	subscribers     map[string]*Subscriber
	operations      map[string]*Operation
	unclaimed       *lru.Cache[string, []protocol.OperationEvent]
}

func NewPinRegistry(
	client rpc.Client,
	methods *protocol.Methods,
	followConfig *config.FollowConfig,
	internalTimeout time.Duration,
) (*PinRegistry, error) {
	unclaimed, err := lru.New[string, []protocol.OperationEvent](followConfig.UnclaimedOperations)
	if err != nil {
		return nil, fmt.Errorf("couldn't create an unclaimed operations cache, cause - %w", err)
	}
	return &PinRegistry{
		client:          client,
		methods:         methods,
		stream:          NewFollowStream(client, methods, followConfig),
		maxBlockLife:    followConfig.MaxBlockLife,
		bufferSize:      followConfig.SubscriberBuffer,
		internalTimeout: internalTimeout,
		commands:        make(chan command, commandsBuffer),
		done:            make(chan struct{}),
		fatal:           utils.NewAtomic[error](),
		blocks:          make(map[common.Hash]*pinnedBlock),
		subscribers:     make(map[string]*Subscriber),
		operations:      make(map[string]*Operation),
		unclaimed:       unclaimed,
	}, nil
}

// Start runs the driver until ctx is done or the follow stream fails
func (r *PinRegistry) Start(ctx context.Context) {
	messages := r.stream.Start(ctx)
	go r.drive(messages)
}

// Done is closed when the driver has stopped, Err tells why
func (r *PinRegistry) Done() <-chan struct{} {
	return r.done
}

func (r *PinRegistry) Err() error {
	return r.fatal.Load()
}

// Wait blocks until the driver and every background unpin call have finished
func (r *PinRegistry) Wait() {
	<-r.done
	r.unpins.Wait()
}

func (r *PinRegistry) FollowState() FollowState {
	return r.stream.State()
}

// Subscribe returns a subscriber that first receives the currently pinned blocks and then every new block event
func (r *PinRegistry) Subscribe(ctx context.Context) (*Subscriber, error) {
	return request(ctx, r, func() (*Subscriber, error) {
		snapshot := r.snapshot()
		subscriber := newSubscriber(uuid.NewString(), r, r.bufferSize+len(snapshot))
		for _, event := range snapshot {
			subscriber.events <- event
		}
		r.subscribers[subscriber.id] = subscriber
		subscribersMetric.Inc()
		return subscriber, nil
	})
}

// Resolve returns the follow subscription a query against the block has to be sent with
func (r *PinRegistry) Resolve(ctx context.Context, block BlockID) (Subscription, error) {
	return request(ctx, r, func() (Subscription, error) {
		if ref, ok := block.(*BlockRef); ok {
			if ref.registry == nil {
				return Subscription{}, fmt.Errorf("%w: block %s", protocol.ErrNotPinned, ref.hash)
			}
			if ref.segment != r.segment {
				return Subscription{}, fmt.Errorf("%w: block %s", protocol.ErrSubscriptionDiscontinuity, ref.hash)
			}
		}
		entry, ok := r.blocks[block.BlockHash()]
		if !r.initialized || !ok {
			return Subscription{}, fmt.Errorf("%w: block %s", protocol.ErrNotPinned, block.BlockHash())
		}
		if ref, isRef := block.(*BlockRef); isRef && ref.pinId != entry.pinId {
			return Subscription{}, fmt.Errorf("%w: block %s", protocol.ErrNotPinned, block.BlockHash())
		}
		return Subscription{Id: r.subscriptionId, Segment: r.segment}, nil
	})
}

// LatestFinalized returns a new ref to the finalized frontier
func (r *PinRegistry) LatestFinalized(ctx context.Context) (*BlockRef, error) {
	return request(ctx, r, func() (*BlockRef, error) {
		if !r.initialized {
			return nil, fmt.Errorf("%w: no finalized block yet", protocol.ErrNotPinned)
		}
		return r.mint(r.frontier), nil
	})
}

// PinCount reports the number of outstanding refs of a pinned block
func (r *PinRegistry) PinCount(ctx context.Context, hash common.Hash) (int, bool, error) {
	type pinCount struct {
		count  int
		pinned bool
	}
	result, err := request(ctx, r, func() (pinCount, error) {
		entry, ok := r.blocks[hash]
		if !ok {
			return pinCount{}, nil
		}
		return pinCount{count: entry.count, pinned: true}, nil
	})
	return result.count, result.pinned, err
}

// TrackOperation routes the events of the operation to the returned handle,
// events that came before the operation was tracked are replayed
func (r *PinRegistry) TrackOperation(ctx context.Context, subscription Subscription, operationId string) (*Operation, error) {
	return request(ctx, r, func() (*Operation, error) {
		if subscription.Segment != r.segment {
			return nil, fmt.Errorf("%w: operation %s", protocol.ErrSubscriptionDiscontinuity, operationId)
		}
		operation := newOperation(operationId, r.segment, r, r.bufferSize)
		r.operations[operationId] = operation
		trackedOperationsMetric.Inc()

		if events, ok := r.unclaimed.Peek(operationId); ok {
			r.unclaimed.Remove(operationId)
			for _, event := range events {
				r.routeOperationEvent(event)
			}
		}
		return operation, nil
	})
}

// submit never blocks the driver, commands sent after it has stopped are dropped
func (r *PinRegistry) submit(cmd command) {
	select {
	case r.commands <- cmd:
	case <-r.done:
	}
}

const (
	requestPending int32 = iota
	requestRunning
	requestAbandoned
)

// request runs f on the driver. A caller that gives up before the driver has picked the command up
// abandons it and f never runs, once f has started its result is always returned, so nothing it
// pinned or registered can get lost
func request[T any](ctx context.Context, r *PinRegistry, f func() (T, error)) (T, error) {
	var empty T
	type reply struct {
		value T
		err   error
	}
	var state atomic.Int32
	replyChan := make(chan reply, 1)
	cmd := func() {
		if !state.CompareAndSwap(requestPending, requestRunning) {
			return
		}
		value, err := f()
		replyChan <- reply{value: value, err: err}
	}

	select {
	case r.commands <- cmd:
	case <-r.done:
		return empty, r.fatal.Load()
	case <-ctx.Done():
		return empty, ctx.Err()
	}

	var giveUp error
	select {
	case result := <-replyChan:
		return result.value, result.err
	case <-r.done:
		giveUp = r.fatal.Load()
	case <-ctx.Done():
		giveUp = ctx.Err()
	}
	if state.CompareAndSwap(requestPending, requestAbandoned) {
		return empty, giveUp
	}
	// the driver is running f or has already run it, the reply is on its way
	result := <-replyChan
	return result.value, result.err
}

func (r *PinRegistry) drive(messages <-chan StreamMessage) {
	for {
		select {
		case message, ok := <-messages:
			if !ok {
				r.shutdown(r.stream.Err())
				return
			}
			r.onStreamMessage(message)
			pinnedBlocksMetric.Set(float64(len(r.blocks)))
		case cmd := <-r.commands:
			cmd()
		}
	}
}

func (r *PinRegistry) onStreamMessage(message StreamMessage) {
	if message.Type == Ready {
		r.subscriptionId = message.SubscriptionId
		return
	}
	switch event := message.Event.(type) {
	case *protocol.Initialized:
		r.onInitialized(event)
	case *protocol.NewBlock:
		r.onNewBlock(event)
	case *protocol.BestBlockChanged:
		r.onBestBlockChanged(event)
	case *protocol.Finalized:
		r.onFinalized(event)
	case *protocol.Stop:
		r.onStop()
	case protocol.OperationEvent:
		r.routeOperationEvent(event)
	}
}

func (r *PinRegistry) onInitialized(event *protocol.Initialized) {
	if r.initialized {
		log.Warn().Msgf("unexpected initialized event in follow subscription %s, ignoring it", r.subscriptionId)
		return
	}
	hashes := event.FinalizedBlockHashes
	for i, hash := range hashes {
		entry := r.addBlock(hash, common.Hash{}, nil)
		entry.age = len(hashes) - 1 - i
		entry.superseded = i < len(hashes)-1
	}
	r.initialized = true
	r.frontier = event.FinalizedBlockHash()
	r.frontierRuntime = event.FinalizedBlockRuntime
	r.blocks[r.frontier].runtime = event.FinalizedBlockRuntime
	r.bestBlock = r.frontier
	r.earlier = slices.Clone(hashes[:len(hashes)-1])

	r.broadcast(r.initializedEvent)
	r.collect()
}

func (r *PinRegistry) onNewBlock(event *protocol.NewBlock) {
	if !r.initialized {
		log.Warn().Msgf("new block %s before the initialized event, ignoring it", event.BlockHash)
		return
	}
	r.addBlock(event.BlockHash, event.ParentBlockHash, event.NewRuntime)
	r.broadcast(func() Event {
		return &NewBlock{Block: r.mint(event.BlockHash), ParentHash: event.ParentBlockHash, NewRuntime: event.NewRuntime}
	})
}

func (r *PinRegistry) onBestBlockChanged(event *protocol.BestBlockChanged) {
	if _, ok := r.blocks[event.BestBlockHash]; !ok {
		log.Warn().Msgf("best block %s is not pinned, ignoring it", event.BestBlockHash)
		return
	}
	r.bestBlock = event.BestBlockHash
	r.broadcast(func() Event {
		return &BestBlockChanged{BestBlock: r.mint(event.BestBlockHash)}
	})
}

func (r *PinRegistry) onFinalized(event *protocol.Finalized) {
	if !r.initialized || len(event.FinalizedBlockHashes) == 0 {
		return
	}
	finalized := event.FinalizedBlockHashes
	named := mapset.NewThreadUnsafeSet(finalized...)

	for hash, entry := range r.blocks {
		if !named.Contains(hash) {
			entry.age += len(finalized)
		}
	}
	for i, hash := range finalized {
		entry, ok := r.blocks[hash]
		if !ok {
			log.Warn().Msgf("finalized block %s has never been announced", hash)
			entry = r.addBlock(hash, common.Hash{}, nil)
		}
		entry.age = len(finalized) - 1 - i
		entry.superseded = i < len(finalized)-1
		if entry.runtime != nil {
			r.frontierRuntime = entry.runtime
		}
	}
	if previous, ok := r.blocks[r.frontier]; ok && r.frontier != finalized[len(finalized)-1] {
		previous.superseded = true
	}
	r.frontier = finalized[len(finalized)-1]
	r.earlier = nil
	for _, hash := range event.PrunedBlockHashes {
		if entry, ok := r.blocks[hash]; ok {
			entry.superseded = true
		}
	}

	r.broadcast(func() Event {
		refs := make([]*BlockRef, 0, len(finalized))
		for _, hash := range finalized {
			refs = append(refs, r.mint(hash))
		}
		return &Finalized{FinalizedBlocks: refs, PrunedHashes: slices.Clone(event.PrunedBlockHashes)}
	})
	r.collect()
}

func (r *PinRegistry) onStop() {
	log.Warn().Msgf("follow subscription %s has been stopped, every pinned block is dropped", r.subscriptionId)

	r.segment++
	r.initialized = false
	r.subscriptionId = ""
	r.blocks = make(map[common.Hash]*pinnedBlock)
	r.frontier = common.Hash{}
	r.frontierRuntime = nil
	r.earlier = nil
	r.bestBlock = common.Hash{}
	r.unclaimed.Purge()

	for _, operation := range r.operations {
		r.removeOperation(operation, protocol.ErrSubscriptionDiscontinuity)
	}
	r.broadcast(func() Event {
		return &Discontinuity{}
	})
}

func (r *PinRegistry) routeOperationEvent(event protocol.OperationEvent) {
	operationId := event.GetOperationId()
	operation, ok := r.operations[operationId]
	if !ok {
		events, _ := r.unclaimed.Peek(operationId)
		r.unclaimed.Add(operationId, append(events, event))
		return
	}
	if !operation.deliver(event) {
		log.Warn().Msgf("operation %s is lagging behind, it's dropped", operationId)
		laggedSubscribersMetric.Inc()
		r.removeOperation(operation, protocol.ErrSubscriberLagged)
		return
	}
	if protocol.IsTerminalOperationEvent(event) {
		r.removeOperation(operation, nil)
	}
}

func (r *PinRegistry) removeOperation(operation *Operation, err error) {
	if current, ok := r.operations[operation.id]; !ok || current != operation {
		return
	}
	delete(r.operations, operation.id)
	trackedOperationsMetric.Dec()
	operation.finish(err)
}

func (r *PinRegistry) removeSubscriber(id string, err error) {
	subscriber, ok := r.subscribers[id]
	if !ok {
		return
	}
	delete(r.subscribers, id)
	subscribersMetric.Dec()
	subscriber.terminate(err)
}

// broadcast builds a separate event for every subscriber, so each of them owns its own refs
func (r *PinRegistry) broadcast(build func() Event) {
	for id, subscriber := range r.subscribers {
		event := build()
		select {
		case subscriber.events <- event:
		default:
			log.Warn().Msgf("subscriber %s is lagging behind, it's dropped", id)
			laggedSubscribersMetric.Inc()
			r.releaseEventRefs(event)
			r.removeSubscriber(id, protocol.ErrSubscriberLagged)
		}
	}
}

// snapshot describes the current pin table as if the follow subscription had just started
func (r *PinRegistry) snapshot() []Event {
	if !r.initialized {
		return nil
	}
	events := []Event{r.initializedEvent()}

	descendants := lo.Filter(lo.Values(r.blocks), func(entry *pinnedBlock, _ int) bool {
		return !entry.superseded && entry.hash != r.frontier
	})
	slices.SortFunc(descendants, func(a, b *pinnedBlock) int {
		return cmp.Compare(a.seq, b.seq)
	})
	for _, entry := range descendants {
		events = append(events, &NewBlock{Block: r.mint(entry.hash), ParentHash: entry.parent, NewRuntime: entry.runtime})
	}
	if _, ok := r.blocks[r.bestBlock]; ok {
		events = append(events, &BestBlockChanged{BestBlock: r.mint(r.bestBlock)})
	}
	return events
}

func (r *PinRegistry) initializedEvent() Event {
	earlier := make([]*BlockRef, 0, len(r.earlier))
	for _, hash := range r.earlier {
		if ref := r.mint(hash); ref != nil {
			earlier = append(earlier, ref)
		}
	}
	return &Initialized{FinalizedBlock: r.mint(r.frontier), EarlierFinalized: earlier, FinalizedRuntime: r.frontierRuntime}
}

func (r *PinRegistry) addBlock(hash, parent common.Hash, runtime *protocol.RuntimeEvent) *pinnedBlock {
	if entry, ok := r.blocks[hash]; ok {
		return entry
	}
	r.nextPinId++
	entry := &pinnedBlock{
		hash:    hash,
		parent:  parent,
		runtime: runtime,
		pinId:   r.nextPinId,
		seq:     r.nextPinId,
	}
	r.blocks[hash] = entry
	return entry
}

// mint hands out a new share of a pinned block, refs are never made for unknown hashes
func (r *PinRegistry) mint(hash common.Hash) *BlockRef {
	entry, ok := r.blocks[hash]
	if !ok {
		return nil
	}
	entry.count++
	return &BlockRef{hash: hash, pinId: entry.pinId, segment: r.segment, registry: r}
}

func (r *PinRegistry) retain(ref *BlockRef) {
	if entry := r.entryOf(ref); entry != nil {
		entry.count++
	}
}

func (r *PinRegistry) release(ref *BlockRef) {
	entry := r.entryOf(ref)
	if entry == nil {
		return
	}
	entry.count--
	if entry.count <= 0 && entry.superseded {
		r.unpin([]*pinnedBlock{entry}, evictionSuperseded)
	}
}

// releaseEventRefs is release for the driver itself, it must never go through the commands channel
func (r *PinRegistry) releaseEventRefs(event Event) {
	for _, ref := range event.blockRefs() {
		if ref != nil && ref.released.CompareAndSwap(false, true) {
			r.release(ref)
		}
	}
}

func (r *PinRegistry) entryOf(ref *BlockRef) *pinnedBlock {
	if ref.segment != r.segment {
		return nil
	}
	entry, ok := r.blocks[ref.hash]
	if !ok || entry.pinId != ref.pinId {
		return nil
	}
	return entry
}

// collect unpins blocks that are too old regardless of their refs and superseded blocks nobody refers to
func (r *PinRegistry) collect() {
	var tooOld, unused []*pinnedBlock
	for _, entry := range r.blocks {
		switch {
		case entry.hash == r.frontier:
		case r.maxBlockLife > 0 && entry.age > r.maxBlockLife:
			tooOld = append(tooOld, entry)
		case entry.superseded && entry.count <= 0:
			unused = append(unused, entry)
		}
	}
	r.unpin(tooOld, evictionAge)
	r.unpin(unused, evictionSuperseded)
}

func (r *PinRegistry) unpin(entries []*pinnedBlock, reason string) {
	if len(entries) == 0 {
		return
	}
	hashes := make([]string, 0, len(entries))
	for _, entry := range entries {
		delete(r.blocks, entry.hash)
		hashes = append(hashes, entry.hash.Hex())
	}
	evictionsMetric.WithLabelValues(reason).Add(float64(len(entries)))

	subscriptionId := r.subscriptionId
	r.unpins.Add(1)
	go func() {
		defer r.unpins.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.internalTimeout)
		defer cancel()

		if _, err := r.client.Call(ctx, r.methods.Unpin, subscriptionId, hashes); err != nil {
			log.Warn().Err(err).Msgf("couldn't unpin %d blocks of follow subscription %s", len(hashes), subscriptionId)
			return
		}
		log.Debug().Msgf("unpinned %d blocks of follow subscription %s, reason - %s", len(hashes), subscriptionId, reason)
	}()
}

func (r *PinRegistry) shutdown(err error) {
	if err == nil {
		err = context.Canceled
	}
	if !errors.Is(err, protocol.ErrTransportFatal) && !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %s", protocol.ErrTransportFatal, err.Error())
	}
	r.fatal.Store(err)

	for _, operation := range r.operations {
		r.removeOperation(operation, err)
	}
	for id := range r.subscribers {
		r.removeSubscriber(id, err)
	}
	// commands left in the channel are dropped, their callers see the fatal error
	close(r.done)
}
