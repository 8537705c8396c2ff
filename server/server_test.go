package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"quic-exchange/codec"
	"quic-exchange/credential"
	"quic-exchange/message"
	"quic-exchange/middleware"
	"quic-exchange/protocol"
	"quic-exchange/registry"
	"quic-exchange/transport"
)

func testTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	pair, err := credential.GenerateSelfSigned()
	require.NoError(t, err)
	server, err = credential.ServerTLS(pair)
	require.NoError(t, err)
	client, err = credential.ClientTLS(pair.CertDER, "localhost", credential.TrustCert)
	require.NoError(t, err)
	return server, client
}

// startServer serves handler on a loopback port until the test ends.
func startServer(t *testing.T, handler middleware.HandlerFunc, opts ...Option) (*Server, string, *tls.Config) {
	t.Helper()
	serverTLS, clientTLS := testTLS(t)
	ln, err := transport.Listen("127.0.0.1:0", serverTLS, transport.Options{IdleTimeout: 5 * time.Second})
	require.NoError(t, err)

	svr := NewServer(handler, opts...)
	served := make(chan error, 1)
	go func() { served <- svr.Serve(ln) }()
	t.Cleanup(func() {
		_ = svr.Shutdown(time.Second)
		assert.NoError(t, <-served)
	})
	return svr, ln.Addr().String(), clientTLS
}

func dial(t *testing.T, addr string, clientTLS *tls.Config) *quic.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, addr, clientTLS, transport.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.CloseConn(conn, protocol.CodeNoError, "") })
	return conn
}

// rawExchange writes data on a new stream, finishes it and reads everything back.
// It is safe to call from any goroutine.
func rawExchange(conn *quic.Conn, data []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	_ = str.SetDeadline(time.Now().Add(5 * time.Second))
	if len(data) > 0 {
		if _, err := str.Write(data); err != nil {
			return nil, err
		}
	}
	if err := str.Close(); err != nil {
		return nil, err
	}
	return io.ReadAll(str)
}

func requestFrame(t *testing.T, ct codec.CodecType, content string) []byte {
	t.Helper()
	cdc, err := codec.GetCodec(ct)
	require.NoError(t, err)
	body, err := cdc.Encode(message.New(content))
	require.NoError(t, err)
	frame, err := protocol.Marshal(&protocol.Header{CodecType: byte(ct), MsgType: protocol.MsgTypeRequest}, body)
	require.NoError(t, err)
	return frame
}

func parseResponse(frame []byte) (*protocol.Header, *message.Message, error) {
	header, body, err := protocol.Unmarshal(frame)
	if err != nil {
		return nil, nil, err
	}
	if header.MsgType != protocol.MsgTypeResponse {
		return nil, nil, fmt.Errorf("unexpected message type %s", header.MsgType)
	}
	cdc, err := codec.GetCodec(codec.CodecType(header.CodecType))
	if err != nil {
		return nil, nil, err
	}
	msg, err := cdc.Decode(body)
	return header, msg, err
}

func decodeResponse(t *testing.T, frame []byte) (*protocol.Header, *message.Message) {
	t.Helper()
	header, msg, err := parseResponse(frame)
	require.NoError(t, err)
	return header, msg
}

func requireReset(t *testing.T, err error, code uint64) {
	t.Helper()
	var streamErr *quic.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, quic.StreamErrorCode(code), streamErr.ErrorCode)
}

func TestEcho(t *testing.T) {
	_, addr, clientTLS := startServer(t, Echo)
	conn := dial(t, addr, clientTLS)

	resp, err := rawExchange(conn, requestFrame(t, codec.CodecTypeBinary, "Hello, server!"))
	require.NoError(t, err)
	_, msg := decodeResponse(t, resp)
	assert.Equal(t, "Hello, server!", msg.Content())
}

func TestEchoEmptyContent(t *testing.T) {
	_, addr, clientTLS := startServer(t, Echo)
	conn := dial(t, addr, clientTLS)

	resp, err := rawExchange(conn, requestFrame(t, codec.CodecTypeBinary, ""))
	require.NoError(t, err)
	_, msg := decodeResponse(t, resp)
	assert.Equal(t, 0, msg.Len())
}

func TestResponseUsesRequestCodec(t *testing.T) {
	_, addr, clientTLS := startServer(t, Echo)
	conn := dial(t, addr, clientTLS)

	for _, ct := range []codec.CodecType{
		codec.CodecTypeJSON,
		codec.CodecTypeProto,
		codec.CodecTypeBinary | codec.FlagSnappy,
	} {
		t.Run(ct.String(), func(t *testing.T) {
			resp, err := rawExchange(conn, requestFrame(t, ct, "héllo"))
			require.NoError(t, err)
			header, msg := decodeResponse(t, resp)
			assert.Equal(t, byte(ct), header.CodecType)
			assert.Equal(t, "héllo", msg.Content())
		})
	}
}

func TestMalformedRequestOnlyResetsItsStream(t *testing.T) {
	_, addr, clientTLS := startServer(t, Echo)
	conn := dial(t, addr, clientTLS)

	unknownCodec := requestFrame(t, codec.CodecTypeBinary, "x")
	unknownCodec[4] = 0x7f
	wrongType := requestFrame(t, codec.CodecTypeBinary, "x")
	wrongType[5] = byte(protocol.MsgTypeResponse)
	// Binary codec length prefix claims more content than follows
	badBody, err := protocol.Marshal(&protocol.Header{CodecType: byte(codec.CodecTypeBinary), MsgType: protocol.MsgTypeRequest},
		[]byte{0, 0, 0, 9, 'a', 'b', 'c', 'd'})
	require.NoError(t, err)

	cases := map[string][]byte{
		"garbage":       []byte("not a frame"),
		"empty":         nil,
		"unknown codec": unknownCodec,
		"response type": wrongType,
		"bad body":      badBody,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := rawExchange(conn, data)
			requireReset(t, err, protocol.CodeMalformedPayload)
		})
	}

	// The connection keeps serving
	resp, err := rawExchange(conn, requestFrame(t, codec.CodecTypeBinary, "still here"))
	require.NoError(t, err)
	_, msg := decodeResponse(t, resp)
	assert.Equal(t, "still here", msg.Content())
}

func TestHandlerFailureResetsStream(t *testing.T) {
	handler := func(ctx context.Context, req *message.Message) (*message.Message, error) {
		if req.Content() == "fail" {
			return nil, errors.New("boom")
		}
		return Echo(ctx, req)
	}
	_, addr, clientTLS := startServer(t, handler)
	conn := dial(t, addr, clientTLS)

	_, err := rawExchange(conn, requestFrame(t, codec.CodecTypeBinary, "fail"))
	requireReset(t, err, protocol.CodeHandlerFailure)

	resp, err := rawExchange(conn, requestFrame(t, codec.CodecTypeBinary, "ok"))
	require.NoError(t, err)
	_, msg := decodeResponse(t, resp)
	assert.Equal(t, "ok", msg.Content())
}

func TestHandlerPanicResetsOnlyItsStream(t *testing.T) {
	handler := func(ctx context.Context, req *message.Message) (*message.Message, error) {
		if req.Content() == "panic" {
			panic("boom")
		}
		return Echo(ctx, req)
	}
	for name, mws := range map[string][]middleware.Middleware{
		"bare":    nil,
		"timeout": {middleware.RecoveryMiddleware(zap.NewNop()), middleware.TimeOutMiddleware(time.Second)},
	} {
		t.Run(name, func(t *testing.T) {
			_, addr, clientTLS := startServer(t, middleware.Chain(mws...)(handler))
			conn := dial(t, addr, clientTLS)

			_, err := rawExchange(conn, requestFrame(t, codec.CodecTypeBinary, "panic"))
			requireReset(t, err, protocol.CodeHandlerFailure)

			resp, err := rawExchange(conn, requestFrame(t, codec.CodecTypeBinary, "ok"))
			require.NoError(t, err)
			_, msg := decodeResponse(t, resp)
			assert.Equal(t, "ok", msg.Content())
		})
	}
}

func TestLogsRequestContent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	_, addr, clientTLS := startServer(t, Echo, WithLogger(zap.New(core)))
	conn := dial(t, addr, clientTLS)

	_, err := rawExchange(conn, requestFrame(t, codec.CodecTypeJSON, "Hello, server!"))
	require.NoError(t, err)

	received := logs.FilterMessage("request received").All()
	require.Len(t, received, 1)
	assert.Equal(t, zapcore.DebugLevel, received[0].Level)
	assert.Equal(t, "Hello, server!", received[0].ContextMap()["content"])
	assert.NotEmpty(t, received[0].ContextMap()["exchange_id"])
}

func TestInvalidResponseIsHandlerFailure(t *testing.T) {
	handler := func(ctx context.Context, req *message.Message) (*message.Message, error) {
		return message.FromBytes([]byte{0xff, 0xfe}), nil
	}
	_, addr, clientTLS := startServer(t, handler)
	conn := dial(t, addr, clientTLS)

	_, err := rawExchange(conn, requestFrame(t, codec.CodecTypeBinary, "x"))
	requireReset(t, err, protocol.CodeHandlerFailure)
}

func TestMiddlewareOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	mark := func(name string) middleware.Middleware {
		return func(next middleware.HandlerFunc) middleware.HandlerFunc {
			return func(ctx context.Context, req *message.Message) (*message.Message, error) {
				mu.Lock()
				order = append(order, name)
				if middleware.ExchangeID(ctx) == "" {
					order = append(order, "missing exchange id")
				}
				mu.Unlock()
				return next(ctx, req)
			}
		}
	}

	serverTLS, clientTLS := testTLS(t)
	ln, err := transport.Listen("127.0.0.1:0", serverTLS, transport.Options{})
	require.NoError(t, err)
	svr := NewServer(Echo)
	svr.Use(mark("first"))
	svr.Use(mark("second"))
	go svr.Serve(ln)
	defer svr.Shutdown(time.Second)

	conn := dial(t, ln.Addr().String(), clientTLS)
	_, err = rawExchange(conn, requestFrame(t, codec.CodecTypeBinary, "x"))
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestConcurrentStreamsAreIsolated(t *testing.T) {
	_, addr, clientTLS := startServer(t, Echo)
	conn := dial(t, addr, clientTLS)

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		content := fmt.Sprintf("message-%d", i)
		g.Go(func() error {
			resp, err := rawExchange(conn, requestFrame(t, codec.CodecTypeBinary, content))
			if err != nil {
				return err
			}
			_, msg, err := parseResponse(resp)
			if err != nil {
				return err
			}
			if msg.Content() != content {
				return fmt.Errorf("got %q, want %q", msg.Content(), content)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestReadTimeoutAbandonsStream(t *testing.T) {
	_, addr, clientTLS := startServer(t, Echo, WithTimeout(100*time.Millisecond, 0))
	conn := dial(t, addr, clientTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	str, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)
	_ = str.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Half a frame and no FIN
	_, err = str.Write(requestFrame(t, codec.CodecTypeBinary, "slow")[:4])
	require.NoError(t, err)

	_, err = io.ReadAll(str)
	requireReset(t, err, protocol.CodeInternal)
}

func TestShutdownClosesConnections(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	handler := func(ctx context.Context, req *message.Message) (*message.Message, error) {
		close(entered)
		<-release
		return req, nil
	}

	serverTLS, clientTLS := testTLS(t)
	ln, err := transport.Listen("127.0.0.1:0", serverTLS, transport.Options{})
	require.NoError(t, err)
	svr := NewServer(handler)
	served := make(chan error, 1)
	go func() { served <- svr.Serve(ln) }()

	conn := dial(t, ln.Addr().String(), clientTLS)
	result := make(chan error, 1)
	go func() {
		_, err := rawExchange(conn, requestFrame(t, codec.CodecTypeBinary, "blocked"))
		result <- err
	}()
	<-entered

	err = svr.Shutdown(100 * time.Millisecond)
	assert.Error(t, err, "the blocked exchange outlives the timeout")

	select {
	case err := <-result:
		var appErr *quic.ApplicationError
		require.ErrorAs(t, err, &appErr)
		assert.True(t, appErr.Remote)
		assert.Equal(t, quic.ApplicationErrorCode(protocol.CodeShutdown), appErr.ErrorCode)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight exchange did not fail after shutdown")
	}
	assert.NoError(t, <-served)
}

func TestServeConnOutcome(t *testing.T) {
	tests := []struct {
		name string
		code uint64
		want error
	}{
		{"normal close", protocol.CodeNoError, protocol.ErrConnectionClosed},
		{"error close", 0x42, protocol.ErrConnectionError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverTLS, clientTLS := testTLS(t)
			ln, err := transport.Listen("127.0.0.1:0", serverTLS, transport.Options{})
			require.NoError(t, err)
			defer ln.Close()

			svr := NewServer(Echo)
			outcome := make(chan error, 1)
			go func() {
				conn, err := ln.Accept(context.Background())
				if err != nil {
					outcome <- err
					return
				}
				outcome <- svr.ServeConn(context.Background(), conn)
			}()

			conn := dial(t, ln.Addr().String(), clientTLS)
			// Make sure the handshake finished and the responder is serving
			_, err = rawExchange(conn, requestFrame(t, codec.CodecTypeBinary, "x"))
			require.NoError(t, err)
			require.NoError(t, transport.CloseConn(conn, tt.code, "bye"))

			select {
			case err := <-outcome:
				assert.ErrorIs(t, err, tt.want)
			case <-time.After(5 * time.Second):
				t.Fatal("ServeConn did not return")
			}
		})
	}
}

func TestRegistersWhileServing(t *testing.T) {
	reg := registry.NewStaticRegistry()
	serverTLS, _ := testTLS(t)
	ln, err := transport.Listen("127.0.0.1:0", serverTLS, transport.Options{})
	require.NoError(t, err)

	svr := NewServer(Echo, WithRegistry(reg, "exchange", "", 10))
	served := make(chan error, 1)
	go func() { served <- svr.Serve(ln) }()

	require.Eventually(t, func() bool {
		instances, _ := reg.Discover(context.Background(), "exchange")
		return len(instances) == 1 && instances[0].Addr == ln.Addr().String()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svr.Shutdown(time.Second))
	require.NoError(t, <-served)

	instances, err := reg.Discover(context.Background(), "exchange")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestServeAfterShutdown(t *testing.T) {
	serverTLS, _ := testTLS(t)
	ln, err := transport.Listen("127.0.0.1:0", serverTLS, transport.Options{})
	require.NoError(t, err)

	svr := NewServer(Echo)
	require.NoError(t, svr.Shutdown(time.Second))
	assert.ErrorIs(t, svr.Serve(ln), ErrServerClosed)
}
