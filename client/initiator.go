package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"quic-exchange/codec"
	"quic-exchange/message"
	"quic-exchange/protocol"
	"quic-exchange/transport"
)

// Initiator performs exchanges over one established connection. It is safe for
// concurrent use: every exchange runs on its own stream.
//
// The Initiator never closes the connection; its owner does.
type Initiator struct {
	conn         *quic.Conn
	codec        codec.Codec
	timeout      time.Duration
	maxFrameSize int
}

type InitiatorOption func(*Initiator)

// WithCodec selects the codec requests are encoded with. The default is binary.
func WithCodec(c codec.Codec) InitiatorOption {
	return func(in *Initiator) {
		if c != nil {
			in.codec = c
		}
	}
}

// WithExchangeTimeout bounds a whole exchange. Zero leaves only the caller's context.
func WithExchangeTimeout(d time.Duration) InitiatorOption {
	return func(in *Initiator) {
		in.timeout = d
	}
}

func WithMaxResponseSize(n int) InitiatorOption {
	return func(in *Initiator) {
		if n > 0 {
			in.maxFrameSize = n
		}
	}
}

func NewInitiator(conn *quic.Conn, opts ...InitiatorOption) *Initiator {
	in := &Initiator{
		conn:         conn,
		codec:        &codec.BinaryCodec{},
		timeout:      30 * time.Second,
		maxFrameSize: protocol.MaxFrameSize,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Exchange sends req on a new stream of conn and returns the decoded response.
func Exchange(ctx context.Context, conn *quic.Conn, req *message.Message, opts ...InitiatorOption) (*message.Message, error) {
	return NewInitiator(conn, opts...).Do(ctx, req)
}

// Do runs one exchange: open a stream, write the request frame, finish the send half,
// read the response until the responder finishes, decode it.
//
// Errors wrap one of the protocol kinds: ErrStreamOpenFailed, ErrStreamWriteFailed,
// ErrConnectionLost, ErrMalformedPayload, ErrHandlerFailure, ErrStreamReset or
// ErrExchangeTimeout.
func (in *Initiator) Do(ctx context.Context, req *message.Message) (*message.Message, error) {
	body, err := in.codec.Encode(req)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.Marshal(&protocol.Header{
		CodecType: byte(in.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
	}, body)
	if err != nil {
		return nil, err
	}

	if in.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.timeout)
		defer cancel()
	}

	str, err := in.conn.OpenStreamSync(ctx)
	if err != nil {
		if in.conn.Context().Err() != nil || transport.IsConnectionError(err) {
			// Still a refused open, but callers checking for a lost connection see it too
			err = protocol.Wrap(protocol.ErrConnectionLost, "connection", err)
		}
		return nil, protocol.Wrap(protocol.ErrStreamOpenFailed, "open stream", err)
	}

	resp, err := in.exchange(ctx, str, frame)
	if err != nil {
		str.CancelRead(quic.StreamErrorCode(protocol.CodeInternal))
		str.CancelWrite(quic.StreamErrorCode(protocol.CodeInternal))
		return nil, err
	}
	return resp, nil
}

func (in *Initiator) exchange(ctx context.Context, str *quic.Stream, frame []byte) (*message.Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = str.SetDeadline(deadline)
	}
	// Unblock stream IO when ctx is cancelled without a deadline
	stop := context.AfterFunc(ctx, func() {
		_ = str.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := str.Write(frame); err != nil {
		return nil, in.classify(ctx, "write request", protocol.ErrStreamWriteFailed, err)
	}
	if err := str.Close(); err != nil {
		return nil, in.classify(ctx, "finish request", protocol.ErrStreamWriteFailed, err)
	}

	header, body, err := protocol.ReadFrame(str, in.maxFrameSize)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedPayload) {
			return nil, err
		}
		return nil, in.classify(ctx, "read response", protocol.ErrStreamReset, err)
	}
	if header.MsgType != protocol.MsgTypeResponse {
		return nil, &protocol.Error{Kind: protocol.ErrMalformedPayload, Op: "read response",
			Cause: fmt.Errorf("unexpected message type %s", header.MsgType)}
	}
	cdc, err := codec.GetCodec(codec.CodecType(header.CodecType))
	if err != nil {
		return nil, err
	}
	return cdc.Decode(body)
}

func (in *Initiator) classify(ctx context.Context, op string, fallback, err error) error {
	classified := transport.ClassifyStreamError(in.conn, op, fallback, err)
	if errors.Is(classified, protocol.ErrExchangeTimeout) && ctx.Err() != nil {
		return protocol.Wrap(protocol.ErrExchangeTimeout, op, ctx.Err())
	}
	return classified
}
