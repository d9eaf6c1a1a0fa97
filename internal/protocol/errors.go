package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportFatal means the connection to the node is gone; it is terminal for every
	// in-flight call, operation and subscriber
	ErrTransportFatal = errors.New("node transport is closed")
	// ErrLimitReached means the node declined a request because of resource pressure
	ErrLimitReached = errors.New("node limit reached")
	// ErrNotPinned means the block is not pinned by the current follow subscription
	ErrNotPinned = errors.New("block is not pinned")
	// ErrSubscriptionDiscontinuity means the follow subscription has been re-established
	// and everything obtained from the previous one is stale
	ErrSubscriptionDiscontinuity = errors.New("follow subscription has been restarted")
	ErrOperationFailed           = errors.New("operation failed")
	ErrOperationInaccessible     = errors.New("operation inaccessible")
	ErrSubscriberLagged          = errors.New("subscriber is lagging behind")
)

const (
	InternalErrorCode = -32603
)

// ResponseError is a JSON-RPC error object returned by the node
type ResponseError struct {
	Code    int
	Message string
	Data    any
}

func (r *ResponseError) Error() string {
	if r.Data != nil {
		return fmt.Sprintf("%d: %s, data: %v", r.Code, r.Message, r.Data)
	}
	return fmt.Sprintf("%d: %s", r.Code, r.Message)
}

func NewResponseError(code int, message string, data any) *ResponseError {
	return &ResponseError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// OperationError is reported by the node for a single operation id
type OperationError struct {
	OperationId string
	Message     string
}

func (o *OperationError) Error() string {
	return fmt.Sprintf("operation %s failed: %s", o.OperationId, o.Message)
}

func (o *OperationError) Is(target error) bool {
	return target == ErrOperationFailed
}

func NewOperationError(operationId, message string) *OperationError {
	return &OperationError{
		OperationId: operationId,
		Message:     message,
	}
}
