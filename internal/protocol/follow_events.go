package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// FollowEvent is one notification of the chainHead follow subscription
type FollowEvent interface {
	followEvent()
}

type OperationEvent interface {
	FollowEvent
	GetOperationId() string
}

type Initialized struct {
	// oldest first, the last one is the current finalized frontier
	FinalizedBlockHashes  []common.Hash
	FinalizedBlockRuntime *RuntimeEvent
}

func (i *Initialized) FinalizedBlockHash() common.Hash {
	return i.FinalizedBlockHashes[len(i.FinalizedBlockHashes)-1]
}

type NewBlock struct {
	BlockHash       common.Hash   `json:"blockHash"`
	ParentBlockHash common.Hash   `json:"parentBlockHash"`
	NewRuntime      *RuntimeEvent `json:"newRuntime"`
}

type BestBlockChanged struct {
	BestBlockHash common.Hash `json:"bestBlockHash"`
}

type Finalized struct {
	FinalizedBlockHashes []common.Hash `json:"finalizedBlockHashes"`
	PrunedBlockHashes    []common.Hash `json:"prunedBlockHashes"`
}

type OperationBodyDone struct {
	OperationId string          `json:"operationId"`
	Value       []hexutil.Bytes `json:"value"`
}

type OperationCallDone struct {
	OperationId string        `json:"operationId"`
	Output      hexutil.Bytes `json:"output"`
}

type StorageResult struct {
	Key                          hexutil.Bytes  `json:"key"`
	Value                        *hexutil.Bytes `json:"value,omitempty"`
	Hash                         *hexutil.Bytes `json:"hash,omitempty"`
	ClosestDescendantMerkleValue *hexutil.Bytes `json:"closestDescendantMerkleValue,omitempty"`
}

type OperationStorageItems struct {
	OperationId string          `json:"operationId"`
	Items       []StorageResult `json:"items"`
}

// OperationWaitingForContinue means more storage items are available after a continue call
type OperationWaitingForContinue struct {
	OperationId string `json:"operationId"`
}

type OperationStorageDone struct {
	OperationId string `json:"operationId"`
}

type OperationInaccessible struct {
	OperationId string `json:"operationId"`
}

type OperationErrorEvent struct {
	OperationId string `json:"operationId"`
	Error       string `json:"error"`
}

type Stop struct{}

func (*Initialized) followEvent()                 {}
func (*NewBlock) followEvent()                    {}
func (*BestBlockChanged) followEvent()            {}
func (*Finalized) followEvent()                   {}
func (*OperationBodyDone) followEvent()           {}
func (*OperationCallDone) followEvent()           {}
func (*OperationStorageItems) followEvent()       {}
func (*OperationWaitingForContinue) followEvent() {}
func (*OperationStorageDone) followEvent()        {}
func (*OperationInaccessible) followEvent()       {}
func (*OperationErrorEvent) followEvent()         {}
func (*Stop) followEvent()                        {}

func (o *OperationBodyDone) GetOperationId() string           { return o.OperationId }
func (o *OperationCallDone) GetOperationId() string           { return o.OperationId }
func (o *OperationStorageItems) GetOperationId() string       { return o.OperationId }
func (o *OperationWaitingForContinue) GetOperationId() string { return o.OperationId }
func (o *OperationStorageDone) GetOperationId() string        { return o.OperationId }
func (o *OperationInaccessible) GetOperationId() string       { return o.OperationId }
func (o *OperationErrorEvent) GetOperationId() string         { return o.OperationId }

// IsTerminalOperationEvent reports events after which the node sends nothing else
// for the operation
func IsTerminalOperationEvent(event OperationEvent) bool {
	switch event.(type) {
	case *OperationBodyDone, *OperationCallDone, *OperationStorageDone, *OperationInaccessible, *OperationErrorEvent:
		return true
	}
	return false
}

type initializedEvent struct {
	FinalizedBlockHash    *common.Hash  `json:"finalizedBlockHash"`
	FinalizedBlockHashes  []common.Hash `json:"finalizedBlockHashes"`
	FinalizedBlockRuntime *RuntimeEvent `json:"finalizedBlockRuntime"`
}

func ParseFollowEvent(body []byte) (FollowEvent, error) {
	eventName, err := eventType(body)
	if err != nil {
		return nil, fmt.Errorf("couldn't get an event type, cause - %w", err)
	}

	var event FollowEvent
	switch eventName {
	case "initialized":
		initialized := initializedEvent{}
		if err = sonic.Unmarshal(body, &initialized); err != nil {
			break
		}
		hashes := initialized.FinalizedBlockHashes
		if initialized.FinalizedBlockHash != nil {
			hashes = append(hashes, *initialized.FinalizedBlockHash)
		}
		if len(hashes) == 0 {
			return nil, fmt.Errorf("no finalized block hash in the initialized event - %s", string(body))
		}
		return &Initialized{FinalizedBlockHashes: hashes, FinalizedBlockRuntime: initialized.FinalizedBlockRuntime}, nil
	case "newBlock":
		event = &NewBlock{}
	case "bestBlockChanged":
		event = &BestBlockChanged{}
	case "finalized":
		event = &Finalized{}
	case "operationBodyDone":
		event = &OperationBodyDone{}
	case "operationCallDone":
		event = &OperationCallDone{}
	case "operationStorageItems":
		event = &OperationStorageItems{}
	case "operationWaitingForContinue":
		event = &OperationWaitingForContinue{}
	case "operationStorageDone":
		event = &OperationStorageDone{}
	case "operationInaccessible":
		event = &OperationInaccessible{}
	case "operationError":
		event = &OperationErrorEvent{}
	case "stop":
		return &Stop{}, nil
	default:
		return nil, fmt.Errorf("unknown follow event type '%s'", eventName)
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't parse a %s event, cause - %w", eventName, err)
	}

	if err = sonic.Unmarshal(body, event); err != nil {
		return nil, fmt.Errorf("couldn't parse a %s event, cause - %w", eventName, err)
	}
	if opEvent, ok := event.(OperationEvent); ok && opEvent.GetOperationId() == "" {
		return nil, fmt.Errorf("no operation id in a %s event", eventName)
	}
	return event, nil
}
