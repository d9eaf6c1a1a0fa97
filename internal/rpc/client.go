package rpc

import "context"

// Client is the JSON-RPC surface the follow engine needs from a node connection
type Client interface {
	// Call sends a request and returns the raw result of the reply
	Call(ctx context.Context, method string, params ...any) ([]byte, error)
	// Subscribe sends a subscription request; notifications are routed to the returned Subscription
	// until it is unsubscribed or the connection fails
	Subscribe(ctx context.Context, method, unsubscribeMethod string, params ...any) (*Subscription, error)
}
