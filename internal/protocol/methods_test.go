package protocol_test

import (
	"testing"

	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMethods(t *testing.T) {
	tests := []struct {
		version        string
		follow         string
		unpin          string
		submitAndWatch string
		unwatch        string
	}{
		{
			version:        protocol.RpcVersionUnstable,
			follow:         "chainHead_unstable_follow",
			unpin:          "chainHead_unstable_unpin",
			submitAndWatch: "transaction_unstable_submitAndWatch",
			unwatch:        "transaction_unstable_unwatch",
		},
		{
			version:        protocol.RpcVersionV1,
			follow:         "chainHead_v1_follow",
			unpin:          "chainHead_v1_unpin",
			submitAndWatch: "transactionWatch_v1_submitAndWatch",
			unwatch:        "transactionWatch_v1_unwatch",
		},
	}

	for _, test := range tests {
		t.Run(test.version, func(te *testing.T) {
			methods, err := protocol.NewMethods(test.version)
			require.NoError(te, err)

			assert.Equal(te, test.follow, methods.Follow)
			assert.Equal(te, test.unpin, methods.Unpin)
			assert.Equal(te, test.submitAndWatch, methods.SubmitAndWatch)
			assert.Equal(te, test.unwatch, methods.Unwatch)
			assert.Equal(te, "chainSpec_v1_genesisHash", methods.GenesisHash)
		})
	}
}

func TestNewMethodsUnknownVersion(t *testing.T) {
	_, err := protocol.NewMethods("v2")

	assert.ErrorContains(t, err, "unknown chainHead rpc version - v2")
}

func TestParseMethodResponseStarted(t *testing.T) {
	response, err := protocol.ParseMethodResponse([]byte(`{"result":"started","operationId":"op-1","discardedItems":2}`))

	require.NoError(t, err)
	assert.False(t, response.IsLimitReached())
	assert.Equal(t, "op-1", response.OperationId)
	assert.Equal(t, 2, response.DiscardedItems)
}

func TestParseMethodResponseLimitReached(t *testing.T) {
	response, err := protocol.ParseMethodResponse([]byte(`{"result":"limitReached"}`))

	require.NoError(t, err)
	assert.True(t, response.IsLimitReached())
}

func TestParseMethodResponseErrors(t *testing.T) {
	_, err := protocol.ParseMethodResponse([]byte(`{"result":"started"}`))
	assert.ErrorContains(t, err, "no operation id")

	_, err = protocol.ParseMethodResponse([]byte(`{"result":"done"}`))
	assert.ErrorContains(t, err, "unknown method response result 'done'")

	_, err = protocol.ParseMethodResponse([]byte(`"0x00"`))
	assert.Error(t, err)
}
