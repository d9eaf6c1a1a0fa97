package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/drpcorg/chainhead/internal/config"
	"github.com/drpcorg/chainhead/internal/follow"
	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/drpcorg/chainhead/internal/rpc"
	"github.com/drpcorg/chainhead/pkg/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"
)

// Backend is everything higher layers need from a node, block data is only available for pinned blocks
type Backend interface {
	utils.Lifecycle

	GenesisHash(ctx context.Context) (common.Hash, error)
	// BlockHeader returns nil if the node doesn't know the header
	BlockHeader(ctx context.Context, at follow.BlockID) ([]byte, error)
	BlockBody(ctx context.Context, at follow.BlockID) ([][]byte, error)
	Call(ctx context.Context, at follow.BlockID, function string, callParameters []byte) ([]byte, error)
	StorageFetchValues(ctx context.Context, at follow.BlockID, keys ...[]byte) (*StorageItems, error)
	StorageFetchDescendantKeys(ctx context.Context, at follow.BlockID, key []byte) (*StorageKeys, error)
	StorageFetchDescendantValues(ctx context.Context, at follow.BlockID, key []byte) (*StorageItems, error)
	LatestFinalizedBlockRef(ctx context.Context) (*follow.BlockRef, error)
	CurrentRuntimeVersion(ctx context.Context) (RuntimeVersion, error)
	StreamRuntimeVersion(ctx context.Context) (*RuntimeVersionStream, error)
	StreamAllBlockHeaders(ctx context.Context) (*HeaderStream, error)
	StreamBestBlockHeaders(ctx context.Context) (*HeaderStream, error)
	StreamFinalizedBlockHeaders(ctx context.Context) (*HeaderStream, error)
	SubmitTransaction(ctx context.Context, extrinsic []byte) (*TransactionProgress, error)
}

type ChainHeadBackend struct {
	lifecycle   *utils.BaseLifecycle
	client      rpc.Client
	methods     *protocol.Methods
	registry    *follow.PinRegistry
	operations  *OperationTracker
	headers     *lru.Cache[common.Hash, []byte]
	withRuntime bool
}

var _ Backend = (*ChainHeadBackend)(nil)

func NewChainHeadBackend(
	ctx context.Context,
	client rpc.Client,
	followConfig *config.FollowConfig,
	internalTimeout time.Duration,
) (*ChainHeadBackend, error) {
	methods, err := protocol.NewMethods(string(followConfig.RpcVersion))
	if err != nil {
		return nil, err
	}
	registry, err := follow.NewPinRegistry(client, methods, followConfig, internalTimeout)
	if err != nil {
		return nil, err
	}
	headers, err := lru.New[common.Hash, []byte](followConfig.HeaderCacheSize)
	if err != nil {
		return nil, fmt.Errorf("couldn't create a header cache, cause - %w", err)
	}

	return &ChainHeadBackend{
		lifecycle:   utils.NewBaseLifecycle("chainhead-backend", ctx),
		client:      client,
		methods:     methods,
		registry:    registry,
		operations:  NewOperationTracker(client, methods, registry, followConfig.OperationsRateLimit),
		headers:     headers,
		withRuntime: followConfig.IsWithRuntime(),
	}, nil
}

func (c *ChainHeadBackend) Start() {
	c.lifecycle.Start(func(ctx context.Context) error {
		c.registry.Start(ctx)
		return nil
	})
}

func (c *ChainHeadBackend) Stop() {
	c.lifecycle.Stop()
}

func (c *ChainHeadBackend) Running() bool {
	return c.lifecycle.Running()
}

// Done is closed when the follow subscription is gone for good, Err tells why
func (c *ChainHeadBackend) Done() <-chan struct{} {
	return c.registry.Done()
}

func (c *ChainHeadBackend) Err() error {
	return c.registry.Err()
}

// Wait must be called only after Start
func (c *ChainHeadBackend) Wait() {
	c.registry.Wait()
}

func (c *ChainHeadBackend) Registry() *follow.PinRegistry {
	return c.registry
}

func (c *ChainHeadBackend) GenesisHash(ctx context.Context) (common.Hash, error) {
	result, err := c.client.Call(ctx, c.methods.GenesisHash)
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := hexutil.Decode(protocol.ResultAsString(result))
	if err != nil {
		return common.Hash{}, fmt.Errorf("couldn't parse the genesis hash, cause - %w", err)
	}
	if len(hash) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid genesis hash length %d", len(hash))
	}
	return common.BytesToHash(hash), nil
}

func (c *ChainHeadBackend) BlockHeader(ctx context.Context, at follow.BlockID) ([]byte, error) {
	subscription, err := c.registry.Resolve(ctx, at)
	if err != nil {
		return nil, err
	}
	hash := at.BlockHash()
	if header, ok := c.headers.Get(hash); ok {
		return header, nil
	}

	result, err := c.client.Call(ctx, c.methods.Header, subscription.Id, hash.Hex())
	if err != nil {
		return nil, err
	}
	if protocol.IsNullResult(result) {
		return nil, nil
	}
	header, err := hexutil.Decode(protocol.ResultAsString(result))
	if err != nil {
		return nil, fmt.Errorf("couldn't parse the header of block %s, cause - %w", hash, err)
	}
	c.headers.Add(hash, header)
	return header, nil
}

func (c *ChainHeadBackend) BlockBody(ctx context.Context, at follow.BlockID) ([][]byte, error) {
	return c.operations.Body(ctx, at)
}

func (c *ChainHeadBackend) Call(ctx context.Context, at follow.BlockID, function string, callParameters []byte) ([]byte, error) {
	return c.operations.Call(ctx, at, function, callParameters)
}

func (c *ChainHeadBackend) StorageFetchValues(ctx context.Context, at follow.BlockID, keys ...[]byte) (*StorageItems, error) {
	queries := lo.Map(keys, func(key []byte, _ int) StorageQuery {
		return StorageQuery{Key: key, Type: protocol.StorageValue}
	})
	return c.operations.Storage(ctx, at, queries...)
}

func (c *ChainHeadBackend) StorageFetchDescendantKeys(ctx context.Context, at follow.BlockID, key []byte) (*StorageKeys, error) {
	items, err := c.operations.Storage(ctx, at, StorageQuery{Key: key, Type: protocol.StorageDescendantsHashes})
	if err != nil {
		return nil, err
	}
	return &StorageKeys{items: items}, nil
}

func (c *ChainHeadBackend) StorageFetchDescendantValues(ctx context.Context, at follow.BlockID, key []byte) (*StorageItems, error) {
	return c.operations.Storage(ctx, at, StorageQuery{Key: key, Type: protocol.StorageDescendantsValues})
}

// LatestFinalizedBlockRef returns a ref the caller has to release
func (c *ChainHeadBackend) LatestFinalizedBlockRef(ctx context.Context) (*follow.BlockRef, error) {
	return c.registry.LatestFinalized(ctx)
}

func (c *ChainHeadBackend) CurrentRuntimeVersion(ctx context.Context) (RuntimeVersion, error) {
	stream, err := c.StreamRuntimeVersion(ctx)
	if err != nil {
		return RuntimeVersion{}, err
	}
	defer stream.Close()
	return stream.Next(ctx)
}

func (c *ChainHeadBackend) StreamRuntimeVersion(ctx context.Context) (*RuntimeVersionStream, error) {
	if !c.withRuntime {
		return nil, ErrRuntimeUpdatesDisabled
	}
	blocks, err := c.registry.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return newRuntimeVersionStream(blocks), nil
}

func (c *ChainHeadBackend) StreamAllBlockHeaders(ctx context.Context) (*HeaderStream, error) {
	return c.streamHeaders(ctx, AllHeaders)
}

func (c *ChainHeadBackend) StreamBestBlockHeaders(ctx context.Context) (*HeaderStream, error) {
	return c.streamHeaders(ctx, BestHeaders)
}

func (c *ChainHeadBackend) StreamFinalizedBlockHeaders(ctx context.Context) (*HeaderStream, error) {
	return c.streamHeaders(ctx, FinalizedHeaders)
}

func (c *ChainHeadBackend) SubmitTransaction(ctx context.Context, extrinsic []byte) (*TransactionProgress, error) {
	return SubmitTransaction(ctx, c.client, c.methods, c.registry, extrinsic)
}

func (c *ChainHeadBackend) streamHeaders(ctx context.Context, kind HeaderStreamKind) (*HeaderStream, error) {
	blocks, err := c.registry.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return newHeaderStream(kind, blocks, c.BlockHeader), nil
}
