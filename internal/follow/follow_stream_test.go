package follow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/drpcorg/chainhead/internal/config"
	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/drpcorg/chainhead/internal/rpc"
	"github.com/drpcorg/chainhead/pkg/test_utils"
	"github.com/drpcorg/chainhead/pkg/test_utils/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestStream(t *testing.T, followConfig *config.FollowConfig) (*FollowStream, *mocks.RpcClientMock) {
	methods, err := protocol.NewMethods(protocol.RpcVersionV1)
	require.NoError(t, err)
	client := mocks.NewRpcClientMock()
	return NewFollowStream(client, methods, followConfig), client
}

func expectFollow(client *mocks.RpcClientMock, sub *rpc.Subscription, err error) *mock.Call {
	return client.On("Subscribe", mock.Anything, "chainHead_v1_follow", "chainHead_v1_unfollow", []any{true}).Return(sub, err).Once()
}

func receive(t *testing.T, messages <-chan StreamMessage) StreamMessage {
	select {
	case message, ok := <-messages:
		require.True(t, ok, "stream is closed")
		return message
	case <-time.After(time.Second):
		require.FailNow(t, "no stream message")
	}
	return StreamMessage{}
}

func drain(t *testing.T, messages <-chan StreamMessage) {
	select {
	case _, ok := <-messages:
		require.False(t, ok)
	case <-time.After(time.Second):
		require.FailNow(t, "stream is not closed")
	}
}

func TestFollowStreamResubscribesAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	stream, client := newTestStream(t, test_utils.FollowConfig(0))
	first, second := test_utils.NewTestSubscription("follow-1"), test_utils.NewTestSubscription("follow-2")
	expectFollow(client, first, nil)
	expectFollow(client, second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	messages := stream.Start(ctx)

	assert.Equal(t, StreamMessage{Type: Ready, SubscriptionId: "follow-1"}, receive(t, messages))
	first.Deliver(test_utils.InitializedEvent(test_utils.Hash(1)))
	first.Deliver(test_utils.StopEvent())

	assert.IsType(t, &protocol.Initialized{}, receive(t, messages).Event)
	assert.Equal(t, StreamMessage{Type: EventMessage, Event: &protocol.Stop{}}, receive(t, messages))
	assert.Equal(t, StreamMessage{Type: Ready, SubscriptionId: "follow-2"}, receive(t, messages))

	second.Deliver(test_utils.InitializedEvent(test_utils.Hash(2)))
	message := receive(t, messages)
	assert.Equal(t, test_utils.Hash(2), message.Event.(*protocol.Initialized).FinalizedBlockHash())
	assert.Equal(t, Following, stream.State())

	cancel()
	drain(t, messages)
	assert.ErrorIs(t, stream.Err(), context.Canceled)
	assert.Equal(t, Finished, stream.State())
	client.AssertNumberOfCalls(t, "Subscribe", 2)
}

func TestFollowStreamTreatsLaggedSubscriptionAsStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	stream, client := newTestStream(t, test_utils.FollowConfig(0))
	first, second := test_utils.NewTestSubscription("follow-1"), test_utils.NewTestSubscription("follow-2")
	expectFollow(client, first, nil)
	expectFollow(client, second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages := stream.Start(ctx)

	receive(t, messages)
	first.Close(protocol.ErrSubscriberLagged)

	assert.Equal(t, StreamMessage{Type: EventMessage, Event: &protocol.Stop{}}, receive(t, messages))
	assert.Equal(t, StreamMessage{Type: Ready, SubscriptionId: "follow-2"}, receive(t, messages))

	cancel()
	drain(t, messages)
}

func TestFollowStreamEndsOnTransportFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	stream, client := newTestStream(t, test_utils.FollowConfig(0))
	first := test_utils.NewTestSubscription("follow-1")
	expectFollow(client, first, nil)

	messages := stream.Start(context.Background())

	receive(t, messages)
	first.Close(fmt.Errorf("%w: connection reset", protocol.ErrTransportFatal))

	drain(t, messages)
	assert.ErrorIs(t, stream.Err(), protocol.ErrTransportFatal)
	assert.Equal(t, Finished, stream.State())
	client.AssertNumberOfCalls(t, "Subscribe", 1)
}

func TestFollowStreamRetriesRejectedFollow(t *testing.T) {
	defer goleak.VerifyNone(t)
	followConfig := test_utils.FollowConfig(0)
	followConfig.Resubscribe.MaxAttempts = 3
	stream, client := newTestStream(t, followConfig)
	expectFollow(client, nil, protocol.NewResponseError(-32800, "too many follow subscriptions", nil))
	expectFollow(client, test_utils.NewTestSubscription("follow-1"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	messages := stream.Start(ctx)

	assert.Equal(t, StreamMessage{Type: Ready, SubscriptionId: "follow-1"}, receive(t, messages))

	cancel()
	drain(t, messages)
	client.AssertNumberOfCalls(t, "Subscribe", 2)
}

func TestFollowStreamGivesUpAfterAllAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)
	followConfig := test_utils.FollowConfig(0)
	followConfig.Resubscribe.MaxAttempts = 2
	stream, client := newTestStream(t, followConfig)
	rejection := protocol.NewResponseError(-32800, "too many follow subscriptions", nil)
	expectFollow(client, nil, rejection)
	expectFollow(client, nil, rejection)

	messages := stream.Start(context.Background())

	drain(t, messages)
	assert.ErrorIs(t, stream.Err(), rejection)
	client.AssertNumberOfCalls(t, "Subscribe", 2)
}

func TestFollowStreamDoesNotRetryTransportFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	followConfig := test_utils.FollowConfig(0)
	followConfig.Resubscribe.MaxAttempts = 3
	stream, client := newTestStream(t, followConfig)
	expectFollow(client, nil, protocol.ErrTransportFatal)

	messages := stream.Start(context.Background())

	drain(t, messages)
	assert.ErrorIs(t, stream.Err(), protocol.ErrTransportFatal)
	client.AssertNumberOfCalls(t, "Subscribe", 1)
}

func TestFollowStreamSkipsUndecodableEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	stream, client := newTestStream(t, test_utils.FollowConfig(0))
	first := test_utils.NewTestSubscription("follow-1")
	expectFollow(client, first, nil)

	ctx, cancel := context.WithCancel(context.Background())
	messages := stream.Start(ctx)

	receive(t, messages)
	first.Deliver([]byte(`{"event":"somethingNew"}`))
	first.Deliver([]byte(`not a json`))
	first.Deliver(test_utils.BestBlockChangedEvent(test_utils.Hash(5)))

	assert.Equal(t, &protocol.BestBlockChanged{BestBlockHash: test_utils.Hash(5)}, receive(t, messages).Event)

	cancel()
	drain(t, messages)
}

func TestFollowStreamResubscribesImmediatelyByDefault(t *testing.T) {
	defer goleak.VerifyNone(t)
	stream, client := newTestStream(t, test_utils.FollowConfig(0))
	var delays []time.Duration
	stream.sleep = func(ctx context.Context, delay time.Duration) error {
		delays = append(delays, delay)
		return nil
	}
	subs := []*rpc.Subscription{
		test_utils.NewTestSubscription("follow-1"),
		test_utils.NewTestSubscription("follow-2"),
		test_utils.NewTestSubscription("follow-3"),
	}
	for _, sub := range subs {
		expectFollow(client, sub, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	messages := stream.Start(ctx)

	for _, sub := range subs[:2] {
		receive(t, messages)
		sub.Deliver(test_utils.StopEvent())
		receive(t, messages)
	}
	assert.Equal(t, StreamMessage{Type: Ready, SubscriptionId: "follow-3"}, receive(t, messages))

	cancel()
	drain(t, messages)
	assert.Empty(t, delays)
}

func TestFollowStreamBacksOffBetweenRapidStops(t *testing.T) {
	defer goleak.VerifyNone(t)
	followConfig := test_utils.FollowConfig(0)
	followConfig.Resubscribe = &config.ResubscribeConfig{
		MinBackoff:  time.Second,
		MaxBackoff:  3 * time.Second,
		ResetAfter:  time.Minute,
		MaxAttempts: 1,
	}
	stream, client := newTestStream(t, followConfig)
	now := time.Now()
	stream.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	var delays []time.Duration
	stream.sleep = func(ctx context.Context, delay time.Duration) error {
		delays = append(delays, delay)
		return nil
	}
	subs := []*rpc.Subscription{
		test_utils.NewTestSubscription("follow-1"),
		test_utils.NewTestSubscription("follow-2"),
		test_utils.NewTestSubscription("follow-3"),
		test_utils.NewTestSubscription("follow-4"),
	}
	for _, sub := range subs {
		expectFollow(client, sub, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	messages := stream.Start(ctx)

	for _, sub := range subs[:3] {
		receive(t, messages)
		sub.Deliver(test_utils.StopEvent())
		receive(t, messages)
	}
	assert.Equal(t, StreamMessage{Type: Ready, SubscriptionId: "follow-4"}, receive(t, messages))

	cancel()
	drain(t, messages)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, delays)
}
