package config_test

import (
	"testing"
	"time"

	"github.com/drpcorg/chainhead/internal/config"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoConfigFileThenError(t *testing.T) {
	_, err := config.NewAppConfig()
	assert.ErrorContains(t, err, "open ./chainhead.yml: no such file or directory")
}

func TestReadFullConfig(t *testing.T) {
	t.Setenv(config.ConfigPathVar, "configs/valid-full-config.yaml")
	appConfig, err := config.NewAppConfig()
	require.NoError(t, err)

	expected := &config.AppConfig{
		NodeConfig: &config.NodeConfig{
			Url:             "wss://rpc.polkadot.io",
			Headers:         map[string]string{"Authorization": "Bearer token"},
			DialAttempts:    3,
			InternalTimeout: 10 * time.Second,
			MessageBuffer:   2048,
		},
		FollowConfig: &config.FollowConfig{
			RpcVersion:          config.V1,
			WithRuntime:         lo.ToPtr(false),
			MaxBlockLife:        16,
			SubscriberBuffer:    64,
			UnclaimedOperations: 100,
			HeaderCacheSize:     200,
			Resubscribe: &config.ResubscribeConfig{
				MinBackoff:  500 * time.Millisecond,
				MaxBackoff:  10 * time.Second,
				ResetAfter:  2 * time.Minute,
				MaxAttempts: 5,
			},
			OperationsRateLimit: &config.RateLimitConfig{
				Rate:  20,
				Burst: 5,
			},
		},
		ServerConfig: &config.ServerConfig{
			MetricsPort: 9100,
			PprofPort:   6061,
			PyroscopeConfig: &config.PyroscopeConfig{
				Enabled:  true,
				Url:      "http://pyroscope:4040",
				Username: "user",
				Password: "pass",
			},
		},
	}

	assert.Equal(t, expected, appConfig)
	assert.False(t, appConfig.FollowConfig.IsWithRuntime())
}

func TestReadMinimalConfigThenDefaults(t *testing.T) {
	t.Setenv(config.ConfigPathVar, "configs/minimal-config.yaml")
	appConfig, err := config.NewAppConfig()
	require.NoError(t, err)

	assert.Equal(t, config.DefaultNodeConfig("ws://localhost:9944"), appConfig.NodeConfig)
	assert.Equal(t, config.DefaultFollowConfig(), appConfig.FollowConfig)
	assert.True(t, appConfig.FollowConfig.IsWithRuntime())
	assert.Equal(t, config.Unstable, appConfig.FollowConfig.RpcVersion)
	assert.Equal(t, 0, appConfig.FollowConfig.MaxBlockLife)
	assert.Equal(t, time.Duration(0), appConfig.FollowConfig.Resubscribe.MinBackoff)
	assert.Nil(t, appConfig.FollowConfig.OperationsRateLimit)
	assert.Equal(t, 9093, appConfig.ServerConfig.MetricsPort)
}

func TestInvalidNodeSchemeThenError(t *testing.T) {
	t.Setenv(config.ConfigPathVar, "configs/invalid-scheme-config.yaml")
	_, err := config.NewAppConfig()

	assert.ErrorContains(t, err, "error during node config validation, cause: invalid node url 'http://localhost:9944', only ws and wss schemes are supported")
}

func TestInvalidBackoffThenError(t *testing.T) {
	t.Setenv(config.ConfigPathVar, "configs/invalid-backoff-config.yaml")
	_, err := config.NewAppConfig()

	assert.ErrorContains(t, err, "min backoff 10s is greater than max backoff 1s")
}

func TestConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected string
	}{
		{
			name:     "empty url",
			body:     "node:\n  dial-attempts: 1\n",
			expected: "empty node url",
		},
		{
			name:     "negative dial attempts",
			body:     "node:\n  url: ws://localhost\n  dial-attempts: -1\n",
			expected: "dial attempts must be >= 1, got -1",
		},
		{
			name:     "wrong rpc version",
			body:     "node:\n  url: ws://localhost\nfollow:\n  rpc-version: v2\n",
			expected: "invalid rpc version - v2",
		},
		{
			name:     "negative max block life",
			body:     "node:\n  url: ws://localhost\nfollow:\n  max-block-life: -3\n",
			expected: "max block life must be >= 0, got -3",
		},
		{
			name:     "rate without burst",
			body:     "node:\n  url: ws://localhost\nfollow:\n  operations-rate-limit:\n    rate: 10\n",
			expected: "burst must be >= 1, got 0",
		},
		{
			name:     "same ports",
			body:     "node:\n  url: ws://localhost\nserver:\n  metrics-port: 9000\n  pprof-port: 9000\n",
			expected: "port 9000 is already in use",
		},
		{
			name:     "pyroscope without url",
			body:     "node:\n  url: ws://localhost\nserver:\n  pyroscope-config:\n    enabled: true\n",
			expected: "pyroscope is enabled, url must be specified",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(te *testing.T) {
			_, err := config.ParseAppConfig([]byte(test.body))

			assert.ErrorContains(te, err, test.expected)
		})
	}
}
