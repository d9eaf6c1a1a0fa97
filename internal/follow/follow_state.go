package follow

import (
	"time"

	"github.com/drpcorg/chainhead/internal/config"
)

type FollowState int

const (
	Connecting FollowState = iota
	Following
	Resubscribing
	Finished
)

func (f FollowState) String() string {
	switch f {
	case Connecting:
		return "connecting"
	case Following:
		return "following"
	case Resubscribing:
		return "resubscribing"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// stopTracker counts node-issued stops that come close to each other
type stopTracker struct {
	resetAfter time.Duration
	lastStop   time.Time
	count      int
}

func (s *stopTracker) onStop(now time.Time) int {
	if s.lastStop.IsZero() || now.Sub(s.lastStop) > s.resetAfter {
		s.count = 0
	} else {
		s.count++
	}
	s.lastStop = now
	return s.count
}

// nextResubscribeDelay is min-backoff doubled for every previous rapid stop and capped by max-backoff,
// zero min-backoff means resubscribing right away
func nextResubscribeDelay(resubscribe *config.ResubscribeConfig, rapidStops int) time.Duration {
	if resubscribe == nil || resubscribe.MinBackoff <= 0 {
		return 0
	}
	delay := resubscribe.MinBackoff
	for i := 0; i < rapidStops; i++ {
		delay *= 2
		if delay >= resubscribe.MaxBackoff {
			return resubscribe.MaxBackoff
		}
	}
	return min(delay, resubscribe.MaxBackoff)
}
