package backend

import (
	"context"
	"testing"
	"time"

	"github.com/drpcorg/chainhead/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestThrottleWaitsForToken(t *testing.T) {
	tracker := NewOperationTracker(nil, nil, nil, &config.RateLimitConfig{Rate: 1, Burst: 1})

	assert.NoError(t, tracker.throttle(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tracker.throttle(ctx), context.DeadlineExceeded)
}

func TestNoThrottleWithoutRate(t *testing.T) {
	tracker := NewOperationTracker(nil, nil, nil, &config.RateLimitConfig{Rate: 0})
	assert.Nil(t, tracker.bucket)

	for range 100 {
		assert.NoError(t, tracker.throttle(context.Background()))
	}
}
