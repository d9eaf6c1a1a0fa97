package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/drpcorg/chainhead/internal/follow"
	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/drpcorg/chainhead/internal/rpc"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/samber/lo"
)

type StorageQuery struct {
	Key  []byte
	Type protocol.StorageQueryType
}

// StorageItems yields the results of one storage operation in the order the node sends them.
// It asks the node to continue whenever the node pauses, it can't be restarted once exhausted
type StorageItems struct {
	client       rpc.Client
	methods      *protocol.Methods
	operation    *follow.Operation
	subscription follow.Subscription
	buffered     []protocol.StorageResult
	err          error
}

// Storage starts a storage operation at the block
func (o *OperationTracker) Storage(ctx context.Context, at follow.BlockID, queries ...StorageQuery) (*StorageItems, error) {
	items := lo.Map(queries, func(query StorageQuery, _ int) protocol.StorageQueryItem {
		return protocol.StorageQueryItem{Key: hexutil.Encode(query.Key), Type: query.Type}
	})
	operation, subscription, err := o.Start(ctx, StorageOperation, at, items)
	if err != nil {
		return nil, err
	}
	return &StorageItems{
		client:       o.client,
		methods:      o.methods,
		operation:    operation,
		subscription: subscription,
	}, nil
}

// Next returns io.EOF after the last item
func (s *StorageItems) Next(ctx context.Context) (protocol.StorageResult, error) {
	for len(s.buffered) == 0 {
		if s.err != nil {
			return protocol.StorageResult{}, s.err
		}
		event, err := s.operation.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(err)
			}
			return protocol.StorageResult{}, err
		}
		s.onEvent(ctx, event)
	}
	item := s.buffered[0]
	s.buffered = s.buffered[1:]
	return item, nil
}

// Close stops waiting for the rest of the items
func (s *StorageItems) Close() {
	s.operation.Close()
	if s.err == nil {
		s.err = io.EOF
	}
	s.buffered = nil
}

func (s *StorageItems) onEvent(ctx context.Context, event protocol.OperationEvent) {
	switch e := event.(type) {
	case *protocol.OperationStorageItems:
		s.buffered = append(s.buffered, e.Items...)
	case *protocol.OperationWaitingForContinue:
		if _, err := s.client.Call(ctx, s.methods.Continue, s.subscription.Id, s.operation.Id()); err != nil {
			s.fail(fmt.Errorf("couldn't continue storage operation %s, cause - %w", s.operation.Id(), err))
		}
	case *protocol.OperationStorageDone:
		s.fail(io.EOF)
	default:
		if err := operationEventError(event); err != nil {
			s.fail(err)
			return
		}
		s.fail(fmt.Errorf("unexpected event %T of storage operation %s", event, s.operation.Id()))
	}
}

// fail ends the iteration, items already received are still returned
func (s *StorageItems) fail(err error) {
	s.err = err
	if !errors.Is(err, io.EOF) {
		s.buffered = nil
	}
	s.operation.Close()
}

// StorageKeys projects the descendant keys of a storage iteration
type StorageKeys struct {
	items *StorageItems
}

func (k *StorageKeys) Next(ctx context.Context) ([]byte, error) {
	item, err := k.items.Next(ctx)
	if err != nil {
		return nil, err
	}
	return item.Key, nil
}

func (k *StorageKeys) Close() {
	k.items.Close()
}
