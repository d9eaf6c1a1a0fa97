package config

import (
	"errors"
	"fmt"
	"time"
)

type RpcVersion string

const (
	Unstable RpcVersion = "unstable"
	V1       RpcVersion = "v1"
)

type FollowConfig struct {
	RpcVersion          RpcVersion         `yaml:"rpc-version"`
	WithRuntime         *bool              `yaml:"with-runtime"`
	MaxBlockLife        int                `yaml:"max-block-life"` // 0 means blocks are never unpinned because of their age
	SubscriberBuffer    int                `yaml:"subscriber-buffer"`
	UnclaimedOperations int                `yaml:"unclaimed-operations"`
	HeaderCacheSize     int                `yaml:"header-cache-size"`
	Resubscribe         *ResubscribeConfig `yaml:"resubscribe"`
	OperationsRateLimit *RateLimitConfig   `yaml:"operations-rate-limit"`
}

type ResubscribeConfig struct {
	MinBackoff  time.Duration `yaml:"min-backoff"` // 0 resubscribes immediately after every stop
	MaxBackoff  time.Duration `yaml:"max-backoff"`
	ResetAfter  time.Duration `yaml:"reset-after"`
	MaxAttempts int           `yaml:"max-attempts"`
}

type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"` // operations per second, 0 disables throttling
	Burst int64   `yaml:"burst"`
}

func (f *FollowConfig) IsWithRuntime() bool {
	return f.WithRuntime == nil || *f.WithRuntime
}

func (f *FollowConfig) validate() error {
	if err := f.RpcVersion.validate(); err != nil {
		return err
	}
	if f.MaxBlockLife < 0 {
		return fmt.Errorf("max block life must be >= 0, got %d", f.MaxBlockLife)
	}
	if f.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber buffer must be > 0, got %d", f.SubscriberBuffer)
	}
	if f.UnclaimedOperations <= 0 {
		return fmt.Errorf("unclaimed operations size must be > 0, got %d", f.UnclaimedOperations)
	}
	if f.HeaderCacheSize <= 0 {
		return fmt.Errorf("header cache size must be > 0, got %d", f.HeaderCacheSize)
	}
	if err := f.Resubscribe.validate(); err != nil {
		return fmt.Errorf("error during resubscribe config validation, cause: %w", err)
	}
	if f.OperationsRateLimit != nil {
		if err := f.OperationsRateLimit.validate(); err != nil {
			return fmt.Errorf("error during operations rate limit validation, cause: %w", err)
		}
	}
	return nil
}

func (r RpcVersion) validate() error {
	switch r {
	case Unstable, V1:
	default:
		return fmt.Errorf("invalid rpc version - %s", r)
	}
	return nil
}

func (r *ResubscribeConfig) validate() error {
	if r.MinBackoff < 0 || r.MaxBackoff < 0 || r.ResetAfter < 0 {
		return errors.New("backoff settings must be >= 0")
	}
	if r.MinBackoff > r.MaxBackoff {
		return fmt.Errorf("min backoff %s is greater than max backoff %s", r.MinBackoff, r.MaxBackoff)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", r.MaxAttempts)
	}
	return nil
}

func (r *RateLimitConfig) validate() error {
	if r.Rate < 0 {
		return fmt.Errorf("rate must be >= 0, got %v", r.Rate)
	}
	if r.Rate > 0 && r.Burst < 1 {
		return fmt.Errorf("burst must be >= 1, got %d", r.Burst)
	}
	return nil
}
