package follow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/drpcorg/chainhead/internal/config"
	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/drpcorg/chainhead/internal/rpc"
	"github.com/drpcorg/chainhead/pkg/utils"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog/log"
)

type StreamMessageType int

const (
	// Ready carries the id of a freshly established follow subscription
	Ready StreamMessageType = iota
	EventMessage
)

type StreamMessage struct {
	Type           StreamMessageType
	SubscriptionId string
	Event          protocol.FollowEvent
}

// FollowStream owns the node follow subscription. A node-issued stop is passed on as a Stop event
// and followed by a new subscription, only transport failures end the stream
type FollowStream struct {
	client      rpc.Client
	methods     *protocol.Methods
	withRuntime bool
	resubscribe *config.ResubscribeConfig
	executor    failsafe.Executor[*rpc.Subscription]
	state       atomic.Int32
	stops       stopTracker
	messages    chan StreamMessage
	err         *utils.Atomic[error]
	now         func() time.Time
	sleep       func(ctx context.Context, delay time.Duration) error
}

func NewFollowStream(client rpc.Client, methods *protocol.Methods, followConfig *config.FollowConfig) *FollowStream {
	return &FollowStream{
		client:      client,
		methods:     methods,
		withRuntime: followConfig.IsWithRuntime(),
		resubscribe: followConfig.Resubscribe,
		executor:    failsafe.NewExecutor[*rpc.Subscription](createFollowRetryPolicy(followConfig.Resubscribe.MaxAttempts)),
		stops:       stopTracker{resetAfter: followConfig.Resubscribe.ResetAfter},
		messages:    make(chan StreamMessage),
		err:         utils.NewAtomic[error](),
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Start follows the chain until ctx is done or the node connection is lost.
// The returned channel is closed at the end, Err tells why
func (f *FollowStream) Start(ctx context.Context) <-chan StreamMessage {
	go f.run(ctx)
	return f.messages
}

func (f *FollowStream) Err() error {
	return f.err.Load()
}

func (f *FollowStream) State() FollowState {
	return FollowState(f.state.Load())
}

func (f *FollowStream) run(ctx context.Context) {
	defer close(f.messages)
	f.setState(Connecting)

	for {
		sub, err := f.follow(ctx)
		if err != nil {
			f.finish(err)
			return
		}
		f.setState(Following)
		log.Info().Msgf("following the chain head with subscription %s", sub.Id())

		if !f.send(ctx, StreamMessage{Type: Ready, SubscriptionId: sub.Id()}) {
			sub.Unsubscribe()
			f.finish(ctx.Err())
			return
		}
		if err = f.consume(ctx, sub); err != nil {
			f.finish(err)
			return
		}

		f.setState(Resubscribing)
		resubscribesMetric.Inc()
		delay := nextResubscribeDelay(f.resubscribe, f.stops.onStop(f.now()))
		if delay > 0 {
			log.Warn().Msgf("the node stopped the follow subscription, resubscribing in %s", delay)
			if err = f.sleep(ctx, delay); err != nil {
				f.finish(err)
				return
			}
		} else {
			log.Warn().Msg("the node stopped the follow subscription, resubscribing")
		}
	}
}

// consume returns nil when the subscription has been stopped and a new one is needed
func (f *FollowStream) consume(ctx context.Context, sub *rpc.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return ctx.Err()
		case notification, ok := <-sub.Notifications():
			if !ok {
				err := sub.Err()
				if errors.Is(err, protocol.ErrSubscriberLagged) {
					log.Warn().Msgf("follow subscription %s is lagging behind, starting over", sub.Id())
					if !f.send(ctx, StreamMessage{Type: EventMessage, Event: &protocol.Stop{}}) {
						return ctx.Err()
					}
					return nil
				}
				if err == nil {
					err = fmt.Errorf("%w: follow subscription %s is closed", protocol.ErrTransportFatal, sub.Id())
				}
				return err
			}

			event, err := protocol.ParseFollowEvent(notification)
			if err != nil {
				log.Warn().Err(err).Msgf("couldn't parse a follow event - %s", string(notification))
				continue
			}
			if !f.send(ctx, StreamMessage{Type: EventMessage, Event: event}) {
				sub.Unsubscribe()
				return ctx.Err()
			}
			if _, ok := event.(*protocol.Stop); ok {
				sub.Unsubscribe()
				return nil
			}
		}
	}
}

func (f *FollowStream) follow(ctx context.Context) (*rpc.Subscription, error) {
	return f.executor.
		WithContext(ctx).
		GetWithExecution(func(exec failsafe.Execution[*rpc.Subscription]) (*rpc.Subscription, error) {
			return f.client.Subscribe(exec.Context(), f.methods.Follow, f.methods.Unfollow, f.withRuntime)
		})
}

func (f *FollowStream) send(ctx context.Context, message StreamMessage) bool {
	select {
	case f.messages <- message:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *FollowStream) finish(err error) {
	if err == nil {
		err = context.Canceled
	}
	if !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("couldn't follow the chain head anymore")
	}
	f.err.Store(err)
	f.setState(Finished)
}

func (f *FollowStream) setState(state FollowState) {
	f.state.Store(int32(state))
}

func createFollowRetryPolicy(attempts int) failsafe.Policy[*rpc.Subscription] {
	retryPolicy := retrypolicy.Builder[*rpc.Subscription]()

	retryPolicy.WithMaxAttempts(attempts)
	retryPolicy.WithBackoff(100*time.Millisecond, 5*time.Second)

	// only node-side rejections are worth another try
	retryPolicy.HandleIf(func(_ *rpc.Subscription, err error) bool {
		return err != nil
	})
	retryPolicy.AbortIf(func(_ *rpc.Subscription, err error) bool {
		return errors.Is(err, protocol.ErrTransportFatal) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	})
	retryPolicy.ReturnLastFailure()

	retryPolicy.OnRetry(func(event failsafe.ExecutionEvent[*rpc.Subscription]) {
		log.Warn().Err(event.LastError()).Msg("couldn't start the follow subscription, retrying")
	})

	return retryPolicy.Build()
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
