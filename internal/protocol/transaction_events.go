package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common"
)

// TransactionEvent is one notification of a submitAndWatch subscription
type TransactionEvent interface {
	transactionEvent()
}

type TransactionBlock struct {
	Hash  common.Hash `json:"hash"`
	Index uint32      `json:"index"`
}

type TxValidated struct{}

type TxBroadcasted struct {
	NumPeers uint32 `json:"numPeers"`
}

// TxBestChainBlockIncluded with a nil Block means the transaction is no longer in the best chain
type TxBestChainBlockIncluded struct {
	Block *TransactionBlock `json:"block"`
}

type TxFinalized struct {
	Block TransactionBlock `json:"block"`
}

type TxError struct {
	Error string `json:"error"`
}

type TxInvalid struct {
	Error string `json:"error"`
}

type TxDropped struct {
	Broadcasted bool   `json:"broadcasted"`
	Error       string `json:"error"`
}

func (*TxValidated) transactionEvent()              {}
func (*TxBroadcasted) transactionEvent()            {}
func (*TxBestChainBlockIncluded) transactionEvent() {}
func (*TxFinalized) transactionEvent()              {}
func (*TxError) transactionEvent()                  {}
func (*TxInvalid) transactionEvent()                {}
func (*TxDropped) transactionEvent()                {}

func IsTerminalTransactionEvent(event TransactionEvent) bool {
	switch event.(type) {
	case *TxFinalized, *TxError, *TxInvalid, *TxDropped:
		return true
	}
	return false
}

func ParseTransactionEvent(body []byte) (TransactionEvent, error) {
	eventName, err := eventType(body)
	if err != nil {
		return nil, fmt.Errorf("couldn't get a transaction event type, cause - %w", err)
	}

	var event TransactionEvent
	switch eventName {
	case "validated":
		return &TxValidated{}, nil
	case "broadcasted":
		event = &TxBroadcasted{}
	case "bestChainBlockIncluded":
		event = &TxBestChainBlockIncluded{}
	case "finalized":
		event = &TxFinalized{}
	case "error":
		event = &TxError{}
	case "invalid":
		event = &TxInvalid{}
	case "dropped":
		event = &TxDropped{}
	default:
		return nil, fmt.Errorf("unknown transaction event type '%s'", eventName)
	}

	if err = sonic.Unmarshal(body, event); err != nil {
		return nil, fmt.Errorf("couldn't parse a %s transaction event, cause - %w", eventName, err)
	}
	return event, nil
}
