// Package middleware wraps the responder's handler with cross-cutting behavior.
//
// Chain(A, B, C)(h) builds A(B(C(h))): A runs first on the way in and last on the way out.
package middleware

import (
	"context"

	"quic-exchange/message"
)

// HandlerFunc produces the response for one request. A returned error abandons the stream.
type HandlerFunc func(ctx context.Context, req *message.Message) (*message.Message, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type exchangeIDKey struct{}

// WithExchangeID attaches the id used to correlate log lines of one exchange.
func WithExchangeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, exchangeIDKey{}, id)
}

// ExchangeID returns the id set by WithExchangeID, or "".
func ExchangeID(ctx context.Context) string {
	id, _ := ctx.Value(exchangeIDKey{}).(string)
	return id
}
