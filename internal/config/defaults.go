package config

import (
	"time"

	"github.com/samber/lo"
)

const (
	defaultDialAttempts        = 5
	defaultInternalTimeout     = 30 * time.Second
	defaultMessageBuffer       = 1024
	defaultSubscriberBuffer    = 256
	defaultUnclaimedOperations = 512
	defaultHeaderCacheSize     = 1024
	defaultMetricsPort         = 9093
)

var defaultResubscribe = ResubscribeConfig{
	MinBackoff:  0,
	MaxBackoff:  30 * time.Second,
	ResetAfter:  1 * time.Minute,
	MaxAttempts: 3,
}

func (a *AppConfig) setDefaults() {
	if a.NodeConfig == nil {
		a.NodeConfig = &NodeConfig{}
	}
	if a.FollowConfig == nil {
		a.FollowConfig = &FollowConfig{}
	}
	if a.ServerConfig == nil {
		a.ServerConfig = &ServerConfig{
			MetricsPort: defaultMetricsPort,
		}
	}
	a.NodeConfig.setDefaults()
	a.FollowConfig.setDefaults()
	a.ServerConfig.setDefaults()
}

func (n *NodeConfig) setDefaults() {
	if n.DialAttempts == 0 {
		n.DialAttempts = defaultDialAttempts
	}
	if n.InternalTimeout == 0 {
		n.InternalTimeout = defaultInternalTimeout
	}
	if n.MessageBuffer == 0 {
		n.MessageBuffer = defaultMessageBuffer
	}
}

func (f *FollowConfig) setDefaults() {
	if f.RpcVersion == "" {
		f.RpcVersion = Unstable
	}
	if f.WithRuntime == nil {
		f.WithRuntime = lo.ToPtr(true)
	}
	if f.SubscriberBuffer == 0 {
		f.SubscriberBuffer = defaultSubscriberBuffer
	}
	if f.UnclaimedOperations == 0 {
		f.UnclaimedOperations = defaultUnclaimedOperations
	}
	if f.HeaderCacheSize == 0 {
		f.HeaderCacheSize = defaultHeaderCacheSize
	}
	if f.Resubscribe == nil {
		resubscribe := defaultResubscribe
		f.Resubscribe = &resubscribe
	} else {
		if f.Resubscribe.MaxBackoff == 0 {
			f.Resubscribe.MaxBackoff = lo.Max([]time.Duration{defaultResubscribe.MaxBackoff, f.Resubscribe.MinBackoff})
		}
		if f.Resubscribe.ResetAfter == 0 {
			f.Resubscribe.ResetAfter = defaultResubscribe.ResetAfter
		}
		if f.Resubscribe.MaxAttempts == 0 {
			f.Resubscribe.MaxAttempts = defaultResubscribe.MaxAttempts
		}
	}
}

func (s *ServerConfig) setDefaults() {
	if s.PyroscopeConfig == nil {
		s.PyroscopeConfig = &PyroscopeConfig{}
	}
}

// DefaultFollowConfig is used when the follow engine is built without a config file
func DefaultFollowConfig() *FollowConfig {
	followConfig := &FollowConfig{}
	followConfig.setDefaults()
	return followConfig
}

func DefaultNodeConfig(url string) *NodeConfig {
	nodeConfig := &NodeConfig{Url: url}
	nodeConfig.setDefaults()
	return nodeConfig
}
