package protocol_test

import (
	"testing"

	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTransactionEvents(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected protocol.TransactionEvent
		terminal bool
	}{
		{
			name:     "validated",
			body:     `{"event":"validated"}`,
			expected: &protocol.TxValidated{},
		},
		{
			name:     "broadcasted",
			body:     `{"event":"broadcasted","numPeers":4}`,
			expected: &protocol.TxBroadcasted{NumPeers: 4},
		},
		{
			name:     "best block",
			body:     `{"event":"bestChainBlockIncluded","block":{"hash":"` + hash1.Hex() + `","index":2}}`,
			expected: &protocol.TxBestChainBlockIncluded{Block: &protocol.TransactionBlock{Hash: hash1, Index: 2}},
		},
		{
			name:     "no longer in best block",
			body:     `{"event":"bestChainBlockIncluded","block":null}`,
			expected: &protocol.TxBestChainBlockIncluded{},
		},
		{
			name:     "finalized",
			body:     `{"event":"finalized","block":{"hash":"` + hash2.Hex() + `","index":0}}`,
			expected: &protocol.TxFinalized{Block: protocol.TransactionBlock{Hash: hash2}},
			terminal: true,
		},
		{
			name:     "error",
			body:     `{"event":"error","error":"boom"}`,
			expected: &protocol.TxError{Error: "boom"},
			terminal: true,
		},
		{
			name:     "invalid",
			body:     `{"event":"invalid","error":"bad nonce"}`,
			expected: &protocol.TxInvalid{Error: "bad nonce"},
			terminal: true,
		},
		{
			name:     "dropped",
			body:     `{"event":"dropped","broadcasted":true,"error":"pool full"}`,
			expected: &protocol.TxDropped{Broadcasted: true, Error: "pool full"},
			terminal: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(te *testing.T) {
			event, err := protocol.ParseTransactionEvent([]byte(test.body))
			require.NoError(te, err)

			assert.Equal(te, test.expected, event)
			assert.Equal(te, test.terminal, protocol.IsTerminalTransactionEvent(event))
		})
	}
}

func TestParseUnknownTransactionEvent(t *testing.T) {
	_, err := protocol.ParseTransactionEvent([]byte(`{"event":"usurped"}`))

	assert.ErrorContains(t, err, "unknown transaction event type 'usurped'")
}
