package server

import (
	"context"

	"quic-exchange/message"
)

// Echo answers every request with a Message equal to it. It never fails.
func Echo(_ context.Context, req *message.Message) (*message.Message, error) {
	return message.FromBytes(req.Bytes()), nil
}
