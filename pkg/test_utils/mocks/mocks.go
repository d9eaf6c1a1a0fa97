package mocks

import (
	"context"

	"github.com/drpcorg/chainhead/internal/rpc"
	"github.com/stretchr/testify/mock"
)

type RpcClientMock struct {
	mock.Mock
}

func NewRpcClientMock() *RpcClientMock {
	return &RpcClientMock{}
}

func (r *RpcClientMock) Call(ctx context.Context, method string, params ...any) ([]byte, error) {
	args := r.Called(ctx, method, params)
	var result []byte
	if args.Get(0) != nil {
		result = args.Get(0).([]byte)
	}
	return result, args.Error(1)
}

func (r *RpcClientMock) Subscribe(ctx context.Context, method, unsubscribeMethod string, params ...any) (*rpc.Subscription, error) {
	args := r.Called(ctx, method, unsubscribeMethod, params)
	var sub *rpc.Subscription
	if args.Get(0) != nil {
		sub = args.Get(0).(*rpc.Subscription)
	}
	return sub, args.Error(1)
}
