package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
)

const (
	RpcVersionUnstable = "unstable"
	RpcVersionV1       = "v1"

	GenesisHashMethod = "chainSpec_v1_genesisHash"
)

// Methods holds the names of the node methods for one version of the chainHead protocol
type Methods struct {
	Follow         string
	Unfollow       string
	Body           string
	Call           string
	Storage        string
	Continue       string
	StopOperation  string
	Header         string
	Unpin          string
	GenesisHash    string
	SubmitAndWatch string
	Unwatch        string
}

func NewMethods(rpcVersion string) (*Methods, error) {
	var chainHead, submit, unwatch string
	switch rpcVersion {
	case RpcVersionUnstable:
		chainHead = "chainHead_unstable_"
		submit, unwatch = "transaction_unstable_submitAndWatch", "transaction_unstable_unwatch"
	case RpcVersionV1:
		chainHead = "chainHead_v1_"
		submit, unwatch = "transactionWatch_v1_submitAndWatch", "transactionWatch_v1_unwatch"
	default:
		return nil, fmt.Errorf("unknown chainHead rpc version - %s", rpcVersion)
	}
	return &Methods{
		Follow:         chainHead + "follow",
		Unfollow:       chainHead + "unfollow",
		Body:           chainHead + "body",
		Call:           chainHead + "call",
		Storage:        chainHead + "storage",
		Continue:       chainHead + "continue",
		StopOperation:  chainHead + "stopOperation",
		Header:         chainHead + "header",
		Unpin:          chainHead + "unpin",
		GenesisHash:    GenesisHashMethod,
		SubmitAndWatch: submit,
		Unwatch:        unwatch,
	}, nil
}

const (
	MethodResponseStarted      = "started"
	MethodResponseLimitReached = "limitReached"
)

// MethodResponse is the immediate reply to body, call and storage requests
type MethodResponse struct {
	Result         string `json:"result"`
	OperationId    string `json:"operationId"`
	DiscardedItems int    `json:"discardedItems"`
}

func (m *MethodResponse) IsLimitReached() bool {
	return m.Result == MethodResponseLimitReached
}

func ParseMethodResponse(body []byte) (*MethodResponse, error) {
	response := MethodResponse{}
	if err := sonic.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("couldn't parse a method response, cause - %w", err)
	}
	switch response.Result {
	case MethodResponseLimitReached:
	case MethodResponseStarted:
		if response.OperationId == "" {
			return nil, fmt.Errorf("no operation id in a started method response - %s", string(body))
		}
	default:
		return nil, fmt.Errorf("unknown method response result '%s'", response.Result)
	}
	return &response, nil
}

type StorageQueryType string

const (
	StorageValue                        StorageQueryType = "value"
	StorageHash                         StorageQueryType = "hash"
	StorageClosestDescendantMerkleValue StorageQueryType = "closestDescendantMerkleValue"
	StorageDescendantsValues            StorageQueryType = "descendantsValues"
	StorageDescendantsHashes            StorageQueryType = "descendantsHashes"
)

// StorageQueryItem is one entry of the items param of a storage request, the key is 0x-hex
type StorageQueryItem struct {
	Key  string           `json:"key"`
	Type StorageQueryType `json:"type"`
}
