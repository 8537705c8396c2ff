package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"quic-exchange/message"
)

// RecoveryMiddleware turns a handler panic into an error so only that stream is abandoned.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (resp *message.Message, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic",
						zap.String("exchange_id", ExchangeID(ctx)),
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()))
					resp, err = nil, fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}
