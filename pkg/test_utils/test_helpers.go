package test_utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/drpcorg/chainhead/internal/config"
	"github.com/drpcorg/chainhead/internal/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
)

func Hash(n int) common.Hash {
	return common.BigToHash(big.NewInt(int64(n)))
}

func FollowConfig(maxBlockLife int) *config.FollowConfig {
	followConfig := config.DefaultFollowConfig()
	followConfig.RpcVersion = config.V1
	followConfig.MaxBlockLife = maxBlockLife
	followConfig.SubscriberBuffer = 16
	followConfig.UnclaimedOperations = 16
	followConfig.Resubscribe.MaxAttempts = 1
	return followConfig
}

func NewTestSubscription(id string) *rpc.Subscription {
	return rpc.NewSubscription(id, 100, nil)
}

func runtimeJson(specVersion int) string {
	return fmt.Sprintf(`{"type":"valid","spec":{"specName":"test","implName":"test","specVersion":%d,"implVersion":1,"transactionVersion":1,"apis":{}}}`, specVersion)
}

func InitializedEvent(hash common.Hash) []byte {
	return []byte(fmt.Sprintf(`{"event":"initialized","finalizedBlockHashes":["%s"]}`, hash.Hex()))
}

func InitializedEventWithHashes(hashes ...common.Hash) []byte {
	return []byte(fmt.Sprintf(`{"event":"initialized","finalizedBlockHashes":[%s]}`, hashList(hashes)))
}

func InitializedEventWithRuntime(hash common.Hash, specVersion int) []byte {
	return []byte(fmt.Sprintf(`{"event":"initialized","finalizedBlockHashes":["%s"],"finalizedBlockRuntime":%s}`, hash.Hex(), runtimeJson(specVersion)))
}

func NewBlockEvent(hash, parent common.Hash) []byte {
	return []byte(fmt.Sprintf(`{"event":"newBlock","blockHash":"%s","parentBlockHash":"%s","newRuntime":null}`, hash.Hex(), parent.Hex()))
}

func NewBlockEventWithRuntime(hash, parent common.Hash, specVersion int) []byte {
	return []byte(fmt.Sprintf(`{"event":"newBlock","blockHash":"%s","parentBlockHash":"%s","newRuntime":%s}`, hash.Hex(), parent.Hex(), runtimeJson(specVersion)))
}

func BestBlockChangedEvent(hash common.Hash) []byte {
	return []byte(fmt.Sprintf(`{"event":"bestBlockChanged","bestBlockHash":"%s"}`, hash.Hex()))
}

func FinalizedEvent(finalized []common.Hash, pruned []common.Hash) []byte {
	return []byte(fmt.Sprintf(`{"event":"finalized","finalizedBlockHashes":[%s],"prunedBlockHashes":[%s]}`, hashList(finalized), hashList(pruned)))
}

func StopEvent() []byte {
	return []byte(`{"event":"stop"}`)
}

func BodyDoneEvent(operationId string, extrinsics ...string) []byte {
	quoted := lo.Map(extrinsics, func(e string, _ int) string { return `"` + e + `"` })
	return []byte(fmt.Sprintf(`{"event":"operationBodyDone","operationId":"%s","value":[%s]}`, operationId, strings.Join(quoted, ",")))
}

func CallDoneEvent(operationId, output string) []byte {
	return []byte(fmt.Sprintf(`{"event":"operationCallDone","operationId":"%s","output":"%s"}`, operationId, output))
}

// StorageItemsEvent takes key-value pairs
func StorageItemsEvent(operationId string, keyValues ...string) []byte {
	parts := make([]string, 0, len(keyValues)/2)
	for _, pair := range lo.Chunk(keyValues, 2) {
		parts = append(parts, fmt.Sprintf(`{"key":"%s","value":"%s"}`, pair[0], pair[1]))
	}
	return []byte(fmt.Sprintf(`{"event":"operationStorageItems","operationId":"%s","items":[%s]}`, operationId, strings.Join(parts, ",")))
}

func WaitingForContinueEvent(operationId string) []byte {
	return []byte(fmt.Sprintf(`{"event":"operationWaitingForContinue","operationId":"%s"}`, operationId))
}

func StorageDoneEvent(operationId string) []byte {
	return []byte(fmt.Sprintf(`{"event":"operationStorageDone","operationId":"%s"}`, operationId))
}

func OperationErrorEvent(operationId, message string) []byte {
	return []byte(fmt.Sprintf(`{"event":"operationError","operationId":"%s","error":"%s"}`, operationId, message))
}

func StartedResponse(operationId string) []byte {
	return []byte(fmt.Sprintf(`{"result":"started","operationId":"%s"}`, operationId))
}

func LimitReachedResponse() []byte {
	return []byte(`{"result":"limitReached"}`)
}

func hashList(hashes []common.Hash) string {
	return strings.Join(lo.Map(hashes, func(hash common.Hash, _ int) string { return `"` + hash.Hex() + `"` }), ",")
}
