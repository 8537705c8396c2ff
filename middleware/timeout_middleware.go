package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quic-exchange/message"
)

var ErrTimeout = errors.New("request timed out")

func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (*message.Message, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp *message.Message
				err  error
			}
			done := make(chan result, 1)
			go func() {
				// A panic here is out of reach of any outer recover
				defer func() {
					if r := recover(); r != nil {
						done <- result{nil, fmt.Errorf("panic recovered: %v", r)}
					}
				}()
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return nil, ErrTimeout
			}
		}
	}
}
