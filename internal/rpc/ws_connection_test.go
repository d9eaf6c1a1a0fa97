package rpc_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/drpcorg/chainhead/internal/config"
	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/drpcorg/chainhead/internal/rpc"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nodeRequest struct {
	Id     string `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type fakeNode struct {
	server    *httptest.Server
	mu        sync.Mutex
	conn      *websocket.Conn
	requests  chan nodeRequest
	onRequest func(node *fakeNode, req nodeRequest)
}

func newFakeNode(t *testing.T, onRequest func(node *fakeNode, req nodeRequest)) *fakeNode {
	node := &fakeNode{requests: make(chan nodeRequest, 100), onRequest: onRequest}
	upgrader := websocket.Upgrader{}
	node.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		node.mu.Lock()
		node.conn = conn
		node.mu.Unlock()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req := nodeRequest{}
			if err = sonic.Unmarshal(message, &req); err != nil {
				continue
			}
			node.requests <- req
			if node.onRequest != nil {
				node.onRequest(node, req)
			}
		}
	}))
	t.Cleanup(node.server.Close)
	return node
}

func (f *fakeNode) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeNode) write(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.WriteMessage(websocket.TextMessage, []byte(message))
}

func (f *fakeNode) reply(id, result string) {
	f.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s","result":%s}`, id, result))
}

func (f *fakeNode) notify(subId, result string) {
	f.write(fmt.Sprintf(`{"jsonrpc":"2.0","method":"test_event","params":{"subscription":"%s","result":%s}}`, subId, result))
}

func (f *fakeNode) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.Close()
}

func connect(t *testing.T, node *fakeNode, messageBuffer int) *rpc.JsonRpcWsConnection {
	nodeConfig := config.DefaultNodeConfig(node.url())
	nodeConfig.MessageBuffer = messageBuffer
	conn, err := rpc.NewJsonRpcWsConnection(context.Background(), nodeConfig)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestCallReturnsResult(t *testing.T) {
	node := newFakeNode(t, func(node *fakeNode, req nodeRequest) {
		node.reply(req.Id, `"0xabcd"`)
	})
	conn := connect(t, node, 10)

	result, err := conn.Call(context.Background(), "chainSpec_v1_genesisHash")
	require.NoError(t, err)
	assert.Equal(t, `"0xabcd"`, string(result))

	req := <-node.requests
	assert.Equal(t, "chainSpec_v1_genesisHash", req.Method)
	assert.Empty(t, req.Params)
}

func TestCallReturnsResponseError(t *testing.T) {
	node := newFakeNode(t, func(node *fakeNode, req nodeRequest) {
		node.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s","error":{"code":-32602,"message":"Invalid params"}}`, req.Id))
	})
	conn := connect(t, node, 10)

	_, err := conn.Call(context.Background(), "chainHead_v1_header", "sub", "0x01")

	var responseErr *protocol.ResponseError
	require.True(t, errors.As(err, &responseErr))
	assert.Equal(t, -32602, responseErr.Code)
	assert.Equal(t, "Invalid params", responseErr.Message)
}

func TestCallIsCancelledByContext(t *testing.T) {
	node := newFakeNode(t, nil)
	conn := connect(t, node, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.Call(ctx, "chainHead_v1_header")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeGetsNotificationsRightAfterReply(t *testing.T) {
	node := newFakeNode(t, func(node *fakeNode, req nodeRequest) {
		if req.Method == "test_subscribe" {
			node.reply(req.Id, `"sub-1"`)
			node.notify("sub-1", `{"n":1}`)
			node.notify("sub-1", `{"n":2}`)
		}
	})
	conn := connect(t, node, 10)

	sub, err := conn.Subscribe(context.Background(), "test_subscribe", "test_unsubscribe", true)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.Id())

	assert.Equal(t, `{"n":1}`, string(<-sub.Notifications()))
	assert.Equal(t, `{"n":2}`, string(<-sub.Notifications()))

	req := <-node.requests
	assert.Equal(t, []any{true}, req.Params)
}

func TestUnsubscribeStopsNodeSubscription(t *testing.T) {
	node := newFakeNode(t, func(node *fakeNode, req nodeRequest) {
		if req.Method == "test_subscribe" {
			node.reply(req.Id, `"sub-1"`)
		}
	})
	conn := connect(t, node, 10)

	sub, err := conn.Subscribe(context.Background(), "test_subscribe", "test_unsubscribe")
	require.NoError(t, err)
	<-node.requests

	sub.Unsubscribe()
	sub.Unsubscribe()

	req := <-node.requests
	assert.Equal(t, "test_unsubscribe", req.Method)
	assert.Equal(t, []any{"sub-1"}, req.Params)
	_, ok := <-sub.Notifications()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())
	assert.Len(t, node.requests, 0)
}

func TestLaggingSubscriptionIsClosed(t *testing.T) {
	node := newFakeNode(t, func(node *fakeNode, req nodeRequest) {
		if req.Method == "test_subscribe" {
			node.reply(req.Id, `"sub-1"`)
			node.notify("sub-1", `1`)
			node.notify("sub-1", `2`)
			node.notify("sub-1", `3`)
		}
	})
	conn := connect(t, node, 1)

	sub, err := conn.Subscribe(context.Background(), "test_subscribe", "test_unsubscribe")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return errors.Is(sub.Err(), protocol.ErrSubscriberLagged)
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, `1`, string(<-sub.Notifications()))
	_, ok := <-sub.Notifications()
	assert.False(t, ok)
}

func TestTransportFailureIsFatalForEveryone(t *testing.T) {
	node := newFakeNode(t, func(node *fakeNode, req nodeRequest) {
		if req.Method == "test_subscribe" {
			node.reply(req.Id, `"sub-1"`)
		}
	})
	conn := connect(t, node, 10)

	sub, err := conn.Subscribe(context.Background(), "test_subscribe", "test_unsubscribe")
	require.NoError(t, err)

	callErr := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "test_never_answered")
		callErr <- err
	}()
	<-node.requests
	<-node.requests

	node.drop()

	assert.ErrorIs(t, <-callErr, protocol.ErrTransportFatal)
	_, ok := <-sub.Notifications()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), protocol.ErrTransportFatal)
	<-conn.Done()

	_, err = conn.Call(context.Background(), "test_after_close")
	assert.ErrorIs(t, err, protocol.ErrTransportFatal)
}

func TestDialFailure(t *testing.T) {
	nodeConfig := config.DefaultNodeConfig("ws://127.0.0.1:1")
	nodeConfig.DialAttempts = 1

	_, err := rpc.NewJsonRpcWsConnection(context.Background(), nodeConfig)

	assert.ErrorIs(t, err, protocol.ErrTransportFatal)
}

func TestUnknownMessagesAreDropped(t *testing.T) {
	node := newFakeNode(t, func(node *fakeNode, req nodeRequest) {
		node.write(`garbage`)
		node.reply("unknown-id", `1`)
		node.reply(req.Id, `2`)
	})
	conn := connect(t, node, 10)

	result, err := conn.Call(context.Background(), "test_call")

	require.NoError(t, err)
	assert.Equal(t, `2`, string(result))
}
