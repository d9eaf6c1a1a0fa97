package rpc

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/chainhead/internal/config"
	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/drpcorg/chainhead/pkg/utils"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var jsonRpcWsSubscriptionsMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: config.AppName,
	Subsystem: "rpc",
	Name:      "ws_subscriptions",
	Help:      "The current number of active node subscriptions",
})

var jsonRpcWsRequestsMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: config.AppName,
	Subsystem: "rpc",
	Name:      "ws_pending_requests",
	Help:      "The current number of requests waiting for a node reply",
})

func init() {
	prometheus.MustRegister(jsonRpcWsSubscriptionsMetric, jsonRpcWsRequestsMetric)
}

const (
	wsReadBuffer  = 1024
	wsWriteBuffer = 1024
)

var wsBufferPool = new(sync.Pool)

type JsonRpcWsConnection struct {
	writeMutex sync.Mutex

	endpoint      string
	messageBuffer int
	connection    *websocket.Conn
	internalId    atomic.Uint64
	requests      *utils.CMap[string, *reqOp] // internal request ids and their waiting callers
	subs          *utils.CMap[string, *Subscription]
	connClosed    atomic.Bool
	closeErr      *utils.Atomic[error]
	done          chan struct{}
}

var _ Client = (*JsonRpcWsConnection)(nil)

type reqOp struct {
	method            string
	unsubscribeMethod string
	isSubscribe       bool
	responseChan      chan *rpcReply
}

type rpcReply struct {
	result       []byte
	err          error
	subscription *Subscription
}

// NewJsonRpcWsConnection dials the node and starts reading its messages.
// A broken connection is not restored, every caller gets ErrTransportFatal
func NewJsonRpcWsConnection(ctx context.Context, nodeConfig *config.NodeConfig) (*JsonRpcWsConnection, error) {
	log.Info().Msgf("connecting to %s", nodeConfig.Url)

	dialer := &websocket.Dialer{
		ReadBufferSize:   wsReadBuffer,
		WriteBufferSize:  wsWriteBuffer,
		WriteBufferPool:  wsBufferPool,
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: nodeConfig.InternalTimeout,
	}
	var header http.Header = map[string][]string{}
	for key, val := range nodeConfig.Headers {
		header.Add(key, val)
	}

	executor := failsafe.NewExecutor[*websocket.Conn](createConnectionRetryPolicy(nodeConfig.Url, nodeConfig.DialAttempts))
	conn, err := executor.
		WithContext(ctx).
		GetWithExecution(func(exec failsafe.Execution[*websocket.Conn]) (*websocket.Conn, error) {
			conn, _, err := dialer.DialContext(exec.Context(), nodeConfig.Url, header)
			if err != nil {
				log.Warn().Err(err).Msgf("couldn't connect to %s", nodeConfig.Url)
				return nil, err
			}
			return conn, nil
		})
	if err != nil {
		return nil, fmt.Errorf("%w: couldn't connect to %s, cause - %s", protocol.ErrTransportFatal, nodeConfig.Url, err.Error())
	}
	log.Info().Msgf("connected to %s, listening to messages", nodeConfig.Url)

	wsConnection := &JsonRpcWsConnection{
		endpoint:      nodeConfig.Url,
		messageBuffer: nodeConfig.MessageBuffer,
		connection:    conn,
		requests:      utils.NewCMap[string, *reqOp](),
		subs:          utils.NewCMap[string, *Subscription](),
		closeErr:      utils.NewAtomic[error](),
		done:          make(chan struct{}),
	}
	go wsConnection.processMessages()

	return wsConnection, nil
}

func (w *JsonRpcWsConnection) Call(ctx context.Context, method string, params ...any) ([]byte, error) {
	reply, err := w.sendRequest(ctx, &reqOp{method: method, responseChan: make(chan *rpcReply, 1)}, params)
	if err != nil {
		return nil, err
	}
	return reply.result, nil
}

func (w *JsonRpcWsConnection) Subscribe(ctx context.Context, method, unsubscribeMethod string, params ...any) (*Subscription, error) {
	req := &reqOp{
		method:            method,
		unsubscribeMethod: unsubscribeMethod,
		isSubscribe:       true,
		responseChan:      make(chan *rpcReply, 1),
	}
	reply, err := w.sendRequest(ctx, req, params)
	if err != nil {
		return nil, err
	}
	return reply.subscription, nil
}

// Close shuts the connection down, pending callers and subscriptions get ErrTransportFatal
func (w *JsonRpcWsConnection) Close() {
	if w.connClosed.CompareAndSwap(false, true) {
		w.closeErr.Store(fmt.Errorf("%w: connection to %s is closed", protocol.ErrTransportFatal, w.endpoint))
		if err := w.connection.Close(); err != nil {
			log.Warn().Err(err).Msg("couldn't close a ws connection")
		}
	}
	<-w.done
}

// Done is closed once the connection is gone
func (w *JsonRpcWsConnection) Done() <-chan struct{} {
	return w.done
}

func (w *JsonRpcWsConnection) sendRequest(ctx context.Context, req *reqOp, params []any) (*rpcReply, error) {
	if w.connClosed.Load() {
		return nil, w.fatalErr()
	}

	requestId := strconv.FormatUint(w.internalId.Add(1), 10)
	body, err := protocol.NewJsonRpcRequestBody(requestId, req.method, params)
	if err != nil {
		return nil, fmt.Errorf("couldn't create a request of method %s, cause - %w", req.method, err)
	}

	w.requests.Store(requestId, req)
	if w.connClosed.Load() {
		if _, ok := w.requests.LoadAndDelete(requestId); ok {
			return nil, w.fatalErr()
		}
		return w.awaitOwnedReply(req)
	}
	jsonRpcWsRequestsMetric.Inc()
	defer jsonRpcWsRequestsMetric.Dec()

	if err = w.writeMessage(body); err != nil {
		if _, ok := w.requests.LoadAndDelete(requestId); ok {
			return nil, fmt.Errorf("%w: couldn't send %s, cause - %s", protocol.ErrTransportFatal, req.method, err.Error())
		}
		return w.awaitOwnedReply(req)
	}

	select {
	case reply := <-req.responseChan:
		return reply, reply.err
	case <-ctx.Done():
		if _, ok := w.requests.LoadAndDelete(requestId); ok {
			return nil, fmt.Errorf("no response on method %s via ws due to %w", req.method, ctx.Err())
		}
		// the reply is being delivered right now, a subscription must not be left behind
		reply := <-req.responseChan
		if reply.subscription != nil {
			reply.subscription.Unsubscribe()
		}
		return nil, fmt.Errorf("no response on method %s via ws due to %w", req.method, ctx.Err())
	}
}

func (w *JsonRpcWsConnection) fatalErr() error {
	if err := w.closeErr.Load(); err != nil {
		return err
	}
	return fmt.Errorf("%w: connection to %s is closed", protocol.ErrTransportFatal, w.endpoint)
}

func (w *JsonRpcWsConnection) awaitOwnedReply(req *reqOp) (*rpcReply, error) {
	reply := <-req.responseChan
	return reply, reply.err
}

func (w *JsonRpcWsConnection) processMessages() {
	defer close(w.done)
	for {
		_, message, err := w.connection.ReadMessage()
		if err != nil {
			if !w.connClosed.Load() {
				log.Warn().Err(err).Msgf("couldn't read message from %s, all node operations are stopped", w.endpoint)
				w.closeErr.Store(fmt.Errorf("%w: couldn't read message from %s, cause - %s", protocol.ErrTransportFatal, w.endpoint, err.Error()))
			}
			w.completeAll()
			return
		}
		wsMessage := protocol.ParseJsonRpcWsMessage(message)
		switch wsMessage.Type {
		case protocol.JsonRpc:
			w.onRpcMessage(wsMessage)
		case protocol.Notification:
			w.onSubscriptionMessage(wsMessage)
		default:
			log.Warn().Msgf("unknown ws message format - %s", string(message))
		}
	}
}

func (w *JsonRpcWsConnection) onRpcMessage(message *protocol.WsMessage) {
	req, ok := w.requests.LoadAndDelete(message.Id)
	if !ok {
		log.Debug().Msgf("no request with id %s, the reply is dropped", message.Id)
		return
	}
	if message.Error != nil {
		req.responseChan <- &rpcReply{err: message.Error}
		return
	}

	reply := &rpcReply{result: message.Message}
	if req.isSubscribe {
		subId := protocol.ResultAsString(message.Message)
		if subId == "" {
			req.responseChan <- &rpcReply{err: fmt.Errorf("empty subscription id in a reply to %s", req.method)}
			return
		}
		// registered here so no notification following the reply can be missed
		reply.subscription = NewSubscription(subId, w.messageBuffer, func() {
			w.unsubscribe(subId, req.unsubscribeMethod)
		})
		w.subs.Store(subId, reply.subscription)
		jsonRpcWsSubscriptionsMetric.Inc()
	}
	req.responseChan <- reply
}

func (w *JsonRpcWsConnection) onSubscriptionMessage(message *protocol.WsMessage) {
	sub, ok := w.subs.Load(message.SubId)
	if !ok {
		return
	}
	if !sub.Deliver(message.Message) {
		if sub.Err() != nil {
			log.Warn().Msgf("subscription %s is lagging behind, it's stopped", message.SubId)
		}
		// the local side is closed already, the node side has to be stopped as well
		if sub.unsubscribe != nil {
			go sub.unsubscribe()
		}
	}
}

func (w *JsonRpcWsConnection) unsubscribe(subId, unsubscribeMethod string) {
	if _, loaded := w.subs.LoadAndDelete(subId); !loaded {
		return
	}
	jsonRpcWsSubscriptionsMetric.Dec()
	if unsubscribeMethod == "" || w.connClosed.Load() {
		return
	}
	body, err := protocol.NewJsonRpcRequestBody(strconv.FormatUint(w.internalId.Add(1), 10), unsubscribeMethod, []any{subId})
	if err != nil {
		log.Warn().Err(err).Msgf("couldn't create an unsubscribe request of method %s and subId %s", unsubscribeMethod, subId)
		return
	}
	if err = w.writeMessage(body); err != nil {
		log.Warn().Err(err).Msgf("couldn't unsubscribe with method %s and subId %s", unsubscribeMethod, subId)
		return
	}
	log.Debug().Msgf("sub %s has been successfully stopped", subId)
}

func (w *JsonRpcWsConnection) writeMessage(message []byte) error {
	w.writeMutex.Lock()
	defer w.writeMutex.Unlock()

	return w.connection.WriteMessage(websocket.TextMessage, message)
}

func (w *JsonRpcWsConnection) completeAll() {
	w.connClosed.Store(true)
	if err := w.connection.Close(); err != nil {
		log.Debug().Err(err).Msg("ws connection is already closed")
	}
	closeErr := w.fatalErr()

	w.requests.Range(func(key string, val *reqOp) bool {
		if req, ok := w.requests.LoadAndDelete(key); ok {
			req.responseChan <- &rpcReply{err: closeErr}
		}
		return true
	})
	w.subs.Range(func(key string, val *Subscription) bool {
		if sub, ok := w.subs.LoadAndDelete(key); ok {
			sub.Close(closeErr)
			jsonRpcWsSubscriptionsMetric.Dec()
		}
		return true
	})
}

func createConnectionRetryPolicy(url string, attempts int) failsafe.Policy[*websocket.Conn] {
	retryPolicy := retrypolicy.Builder[*websocket.Conn]()

	retryPolicy.WithMaxAttempts(attempts)
	retryPolicy.WithBackoff(1*time.Second, 30*time.Second)
	retryPolicy.WithJitter(500 * time.Millisecond)

	retryPolicy.HandleIf(func(conn *websocket.Conn, err error) bool {
		return err != nil
	})
	retryPolicy.ReturnLastFailure()

	retryPolicy.OnRetry(func(event failsafe.ExecutionEvent[*websocket.Conn]) {
		log.Warn().Msgf("attempting to reconnect to %s", url)
	})

	return retryPolicy.Build()
}
