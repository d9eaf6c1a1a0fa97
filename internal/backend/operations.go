package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/drpcorg/chainhead/internal/config"
	"github.com/drpcorg/chainhead/internal/follow"
	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/drpcorg/chainhead/internal/rpc"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/juju/ratelimit"
	"github.com/rs/zerolog"
)

type OperationKind int

const (
	BodyOperation OperationKind = iota
	CallOperation
	StorageOperation
)

func (o OperationKind) String() string {
	switch o {
	case BodyOperation:
		return "body"
	case CallOperation:
		return "call"
	case StorageOperation:
		return "storage"
	default:
		return "unknown"
	}
}

// OperationTracker starts node operations on the follow subscription and hands their events back to the caller
type OperationTracker struct {
	client   rpc.Client
	methods  *protocol.Methods
	registry *follow.PinRegistry
	bucket   *ratelimit.Bucket
}

func NewOperationTracker(
	client rpc.Client,
	methods *protocol.Methods,
	registry *follow.PinRegistry,
	rateLimit *config.RateLimitConfig,
) *OperationTracker {
	var bucket *ratelimit.Bucket
	if rateLimit != nil && rateLimit.Rate > 0 {
		bucket = ratelimit.NewBucketWithRate(rateLimit.Rate, rateLimit.Burst)
	}
	return &OperationTracker{
		client:   client,
		methods:  methods,
		registry: registry,
		bucket:   bucket,
	}
}

// Start issues the operation against a pinned block. A node that is out of resources gives ErrLimitReached
// and nothing is tracked
func (o *OperationTracker) Start(ctx context.Context, kind OperationKind, at follow.BlockID, params ...any) (*follow.Operation, follow.Subscription, error) {
	subscription, err := o.registry.Resolve(ctx, at)
	if err != nil {
		return nil, follow.Subscription{}, err
	}
	if err = o.throttle(ctx); err != nil {
		return nil, follow.Subscription{}, err
	}

	method, err := o.method(kind)
	if err != nil {
		return nil, follow.Subscription{}, err
	}
	allParams := append([]any{subscription.Id, at.BlockHash().Hex()}, params...)
	result, err := o.client.Call(ctx, method, allParams...)
	if err != nil {
		return nil, follow.Subscription{}, err
	}
	response, err := protocol.ParseMethodResponse(result)
	if err != nil {
		return nil, follow.Subscription{}, err
	}
	if response.IsLimitReached() {
		return nil, follow.Subscription{}, fmt.Errorf("%w: %s operation at %s", protocol.ErrLimitReached, kind, at.BlockHash())
	}
	if response.DiscardedItems > 0 {
		zerolog.Ctx(ctx).Warn().Msgf("the node discarded %d items of %s operation %s", response.DiscardedItems, kind, response.OperationId)
	}

	operation, err := o.registry.TrackOperation(ctx, subscription, response.OperationId)
	if err != nil {
		return nil, follow.Subscription{}, err
	}
	return operation, subscription, nil
}

// Body returns the extrinsics of the block
func (o *OperationTracker) Body(ctx context.Context, at follow.BlockID) ([][]byte, error) {
	operation, _, err := o.Start(ctx, BodyOperation, at)
	if err != nil {
		return nil, err
	}
	defer operation.Close()

	event, err := awaitResult(ctx, operation)
	if err != nil {
		return nil, err
	}
	bodyDone, ok := event.(*protocol.OperationBodyDone)
	if !ok {
		return nil, fmt.Errorf("unexpected event %T of body operation %s", event, operation.Id())
	}
	extrinsics := make([][]byte, 0, len(bodyDone.Value))
	for _, extrinsic := range bodyDone.Value {
		extrinsics = append(extrinsics, extrinsic)
	}
	return extrinsics, nil
}

// Call runs a runtime api function at the block and returns its raw output
func (o *OperationTracker) Call(ctx context.Context, at follow.BlockID, function string, callParameters []byte) ([]byte, error) {
	operation, _, err := o.Start(ctx, CallOperation, at, function, hexutil.Encode(callParameters))
	if err != nil {
		return nil, err
	}
	defer operation.Close()

	event, err := awaitResult(ctx, operation)
	if err != nil {
		return nil, err
	}
	callDone, ok := event.(*protocol.OperationCallDone)
	if !ok {
		return nil, fmt.Errorf("unexpected event %T of call operation %s", event, operation.Id())
	}
	return callDone.Output, nil
}

func (o *OperationTracker) throttle(ctx context.Context) error {
	if o.bucket == nil {
		return nil
	}
	wait := o.bucket.Take(1)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *OperationTracker) method(kind OperationKind) (string, error) {
	switch kind {
	case BodyOperation:
		return o.methods.Body, nil
	case CallOperation:
		return o.methods.Call, nil
	case StorageOperation:
		return o.methods.Storage, nil
	default:
		return "", fmt.Errorf("unknown operation kind %d", kind)
	}
}

// awaitResult waits for the terminal event of a single-result operation
func awaitResult(ctx context.Context, operation *follow.Operation) (protocol.OperationEvent, error) {
	for {
		event, err := operation.Next(ctx)
		if err != nil {
			return nil, err
		}
		if err = operationEventError(event); err != nil {
			return nil, err
		}
		if protocol.IsTerminalOperationEvent(event) {
			return event, nil
		}
	}
}

func operationEventError(event protocol.OperationEvent) error {
	switch e := event.(type) {
	case *protocol.OperationErrorEvent:
		return protocol.NewOperationError(e.OperationId, e.Error)
	case *protocol.OperationInaccessible:
		return fmt.Errorf("%w: %s", protocol.ErrOperationInaccessible, e.OperationId)
	}
	return nil
}
