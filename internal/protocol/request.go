package protocol

import (
	"github.com/bytedance/sonic"
)

type jsonRpcRequest struct {
	Id      string `json:"id"`
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func NewJsonRpcRequestBody(id, method string, params []any) ([]byte, error) {
	if params == nil {
		params = []any{}
	}
	return sonic.Marshal(jsonRpcRequest{
		Id:      id,
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
	})
}
