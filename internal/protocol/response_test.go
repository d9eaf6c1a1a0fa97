package protocol_test

import (
	"testing"

	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/stretchr/testify/assert"
)

func TestParseWsResultMessage(t *testing.T) {
	body := []byte(`{"id":"1","jsonrpc":"2.0","result":"0x89d9f8cd1e113f4b65c1e22f3847d3672cf5761f"}`)
	wsMessage := protocol.ParseJsonRpcWsMessage(body)

	assert.Nil(t, wsMessage.Error)
	assert.Equal(t, "1", wsMessage.Id)
	assert.Equal(t, protocol.JsonRpc, wsMessage.Type)
	assert.Empty(t, wsMessage.SubId)
	assert.Equal(t, `"0x89d9f8cd1e113f4b65c1e22f3847d3672cf5761f"`, string(wsMessage.Message))
}

func TestParseWsNumberIdMessage(t *testing.T) {
	body := []byte(`{"id":12,"jsonrpc":"2.0","result": 233242423}`)
	wsMessage := protocol.ParseJsonRpcWsMessage(body)

	assert.Nil(t, wsMessage.Error)
	assert.Equal(t, "12", wsMessage.Id)
	assert.Equal(t, protocol.JsonRpc, wsMessage.Type)
	assert.Equal(t, `233242423`, string(wsMessage.Message))
}

func TestParseWsNotification(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","method":"chainHead_v1_followEvent","params":{"result":{"event":"stop"},"subscription":"sub-1"}}`)
	wsMessage := protocol.ParseJsonRpcWsMessage(body)

	assert.Nil(t, wsMessage.Error)
	assert.Empty(t, wsMessage.Id)
	assert.Equal(t, protocol.Notification, wsMessage.Type)
	assert.Equal(t, "sub-1", wsMessage.SubId)
	assert.Equal(t, "chainHead_v1_followEvent", wsMessage.Method)
	assert.Equal(t, `{"event":"stop"}`, string(wsMessage.Message))
}

func TestParseWsNotificationWithNumSub(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","params":{"result":{"key":"value"},"subscription":1223}}`)
	wsMessage := protocol.ParseJsonRpcWsMessage(body)

	assert.Equal(t, protocol.Notification, wsMessage.Type)
	assert.Equal(t, "1223", wsMessage.SubId)
}

func TestParseWsErrorMessage(t *testing.T) {
	body := []byte(`{"id":"3","jsonrpc":"2.0","error":{"code":-32801,"message":"Invalid subscription"}}`)
	wsMessage := protocol.ParseJsonRpcWsMessage(body)

	assert.Equal(t, "3", wsMessage.Id)
	assert.Equal(t, protocol.JsonRpc, wsMessage.Type)
	assert.Nil(t, wsMessage.Message)
	assert.Equal(t, protocol.NewResponseError(-32801, "Invalid subscription", nil), wsMessage.Error)
}

func TestParseWsErrorWithoutCode(t *testing.T) {
	body := []byte(`{"id":"3","jsonrpc":"2.0","error":{}}`)
	wsMessage := protocol.ParseJsonRpcWsMessage(body)

	assert.Equal(t, protocol.NewResponseError(protocol.InternalErrorCode, "internal error", nil), wsMessage.Error)
}

func TestParseWsGarbage(t *testing.T) {
	wsMessage := protocol.ParseJsonRpcWsMessage([]byte(`not a json`))

	assert.Equal(t, protocol.Unknown, wsMessage.Type)
}

func TestResultAsNumber(t *testing.T) {
	assert.Equal(t, uint64(15), protocol.ResultAsNumber([]byte(`"15"`)))
	assert.Equal(t, uint64(15), protocol.ResultAsNumber([]byte(`15`)))
	assert.Equal(t, uint64(0), protocol.ResultAsNumber([]byte(`"0xf"`)))
}

func TestIsNullResult(t *testing.T) {
	assert.True(t, protocol.IsNullResult([]byte(`null`)))
	assert.True(t, protocol.IsNullResult(nil))
	assert.False(t, protocol.IsNullResult([]byte(`"0x"`)))
}

func TestNewJsonRpcRequestBody(t *testing.T) {
	body, err := protocol.NewJsonRpcRequestBody("5", "chainHead_v1_unpin", []any{"sub", []string{"0x01"}})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"id":"5","jsonrpc":"2.0","method":"chainHead_v1_unpin","params":["sub",["0x01"]]}`, string(body))

	body, err = protocol.NewJsonRpcRequestBody("6", "chainSpec_v1_genesisHash", nil)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"id":"6","jsonrpc":"2.0","method":"chainSpec_v1_genesisHash","params":[]}`, string(body))
}
