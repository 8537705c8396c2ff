package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"quic-exchange/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (*message.Message, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("exchange_id", ExchangeID(ctx)),
				zap.Int("request_bytes", req.Len()),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("handler failed", append(fields, zap.Error(err))...)
				return resp, err
			}
			logger.Debug("handled exchange", append(fields, zap.Int("response_bytes", resp.Len()))...)
			return resp, nil
		}
	}
}
