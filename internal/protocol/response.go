package protocol

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/ast"
)

type MessageType int

const (
	JsonRpc MessageType = iota
	Notification
	Unknown
)

func (m MessageType) String() string {
	switch m {
	case JsonRpc:
		return "json-rpc"
	case Notification:
		return "notification"
	default:
		return "unknown"
	}
}

// WsMessage is a single frame received from the node: either a reply to a request
// or a subscription notification
type WsMessage struct {
	Id      string
	SubId   string
	Method  string
	Message []byte
	Type    MessageType
	Error   *ResponseError
}

type jsonRpcWsParams struct {
	Result       json.RawMessage `json:"result"`
	Subscription json.RawMessage `json:"subscription"`
}

type jsonRpcWsMessage struct {
	Id     json.RawMessage  `json:"id"`
	Method string           `json:"method"`
	Result json.RawMessage  `json:"result"`
	Params *jsonRpcWsParams `json:"params"`
	Error  json.RawMessage  `json:"error"`
}

type jsonRpcError struct {
	Message string `json:"message,omitempty"`
	Code    *int   `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ParseJsonRpcWsMessage(body []byte) *WsMessage {
	var id, subId, method string
	var messageType = Unknown
	var responseError *ResponseError
	message := body

	wsMessage := jsonRpcWsMessage{}
	err := sonic.Unmarshal(body, &wsMessage)
	if err == nil {
		id = ResultAsString(wsMessage.Id)
		method = wsMessage.Method

		if wsMessage.Params != nil && len(wsMessage.Params.Subscription) > 0 {
			messageType = Notification
			subId = ResultAsString(wsMessage.Params.Subscription)
			message = wsMessage.Params.Result
		} else {
			if len(wsMessage.Result) > 0 {
				messageType = JsonRpc
				message = wsMessage.Result
			}
			if len(wsMessage.Error) > 0 {
				messageType = JsonRpc
				responseError = parseError(wsMessage.Error)
				message = nil
			}
		}
	}

	if id == "" && subId == "" && responseError == nil {
		messageType = Unknown
	}

	return &WsMessage{
		Id:      id,
		SubId:   subId,
		Method:  method,
		Type:    messageType,
		Message: message,
		Error:   responseError,
	}
}

func parseError(errorRaw []byte) *ResponseError {
	jsonRpcErr := jsonRpcError{}
	if err := sonic.Unmarshal(errorRaw, &jsonRpcErr); err == nil {
		message := "internal error"
		if jsonRpcErr.Message != "" {
			message = jsonRpcErr.Message
		}

		code := InternalErrorCode
		if jsonRpcErr.Code != nil {
			code = *jsonRpcErr.Code
		}

		return NewResponseError(code, message, jsonRpcErr.Data)
	}
	return NewResponseError(InternalErrorCode, ResultAsString(errorRaw), nil)
}

var quote = byte('"')

func ResultAsString(result []byte) string {
	if len(result) == 0 {
		return ""
	}
	if len(result) >= 2 && result[0] == quote && result[len(result)-1] == quote {
		return string(result[1 : len(result)-1])
	}
	return string(result)
}

func ResultAsNumber(result []byte) uint64 {
	num, err := strconv.ParseUint(ResultAsString(result), 10, 64)
	if err != nil {
		return 0
	}
	return num
}

// IsNullResult reports a JSON-RPC result that is explicitly null
func IsNullResult(result []byte) bool {
	return len(result) == 0 || string(result) == "null"
}

func astSearcher(body []byte) *ast.Searcher {
	searcher := ast.NewSearcher(string(body))
	searcher.ConcurrentRead = false
	searcher.CopyReturn = false

	return searcher
}

func eventType(body []byte) (string, error) {
	node, err := astSearcher(body).GetByPath("event")
	if err != nil {
		return "", err
	}
	eventName, err := node.String()
	if err != nil {
		return "", err
	}
	if eventName == "" {
		return "", errors.New("empty event type")
	}
	return eventName, nil
}
