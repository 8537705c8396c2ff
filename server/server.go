// Package server implements the responder side of an exchange.
//
// Request processing pipeline:
//
//	Listener.Accept → handleConn (one goroutine per connection)
//	  → ServeConn: AcceptStream loop
//	    → go handleStream (one goroutine per stream)
//	      → ReadFrame until FIN → Codec.Decode → Middleware Chain → handler → Codec.Encode → Write → Close
//
// Every stream carries exactly one exchange. A failed exchange resets its own stream and
// nothing else; only the end of the connection stops ServeConn.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"quic-exchange/codec"
	"quic-exchange/message"
	"quic-exchange/middleware"
	"quic-exchange/protocol"
	"quic-exchange/registry"
	"quic-exchange/transport"
)

var ErrServerClosed = errors.New("server closed")

// Server answers exchanges with a handler wrapped in middlewares.
type Server struct {
	opts        *serverOptions
	business    middleware.HandlerFunc
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(business)))
	buildOnce   sync.Once

	mu         sync.Mutex
	listener   *quic.Listener
	conns      map[*quic.Conn]struct{}
	inShutdown bool
	advertised string
	wg         sync.WaitGroup // in-flight exchanges
}

// NewServer creates a server that answers every request with handler.
func NewServer(handler middleware.HandlerFunc, opts ...Option) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Server{
		opts:     options,
		business: handler,
		conns:    make(map[*quic.Conn]struct{}),
	}
}

// Use registers a middleware. Middlewares are applied in the order they are added and
// must be registered before the server starts serving.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

func (s *Server) build() {
	s.buildOnce.Do(func() {
		s.handler = middleware.Chain(s.middlewares...)(s.business)
	})
}

// ListenAndServe creates a QUIC endpoint on addr and serves it.
func (s *Server) ListenAndServe(addr string, tlsConf *tls.Config, topts transport.Options) error {
	ln, err := transport.Listen(addr, tlsConf, topts)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called, handling each on its own
// goroutine. A failure on one connection never stops the loop. Serve returns nil after
// Shutdown.
func (s *Server) Serve(ln *quic.Listener) error {
	s.mu.Lock()
	if s.inShutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.build()
	if err := s.register(ln.Addr()); err != nil {
		_ = ln.Close()
		return err
	}
	s.opts.logger.Info("serving", zap.Stringer("addr", ln.Addr()))

	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			// Shutdown closes the listener, which surfaces here as an Accept error
			if s.shuttingDown() || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Addr returns the address being served, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConn(conn *quic.Conn) {
	if !s.trackConn(conn) {
		_ = transport.CloseConn(conn, protocol.CodeShutdown, "server shutting down")
		return
	}
	defer s.untrackConn(conn)

	logger := s.opts.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	logger.Info("connection established")

	err := s.ServeConn(context.Background(), conn)
	if errors.Is(err, protocol.ErrConnectionClosed) {
		logger.Info("connection closed")
		return
	}
	logger.Error("connection failed", zap.Error(err))
}

// ServeConn accepts streams on conn until the connection ends, running one exchange per
// stream concurrently. It returns an error wrapping protocol.ErrConnectionClosed when the
// connection ended normally (closed by either side with no error, idle timeout, ctx
// cancelled) and protocol.ErrConnectionError otherwise.
func (s *Server) ServeConn(ctx context.Context, conn *quic.Conn) error {
	s.build()
	defer func() {
		if conn.Context().Err() == nil {
			_ = transport.CloseConn(conn, protocol.CodeNoError, "")
		}
	}()

	for {
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			if transport.IsExpectedClose(err) || ctx.Err() != nil {
				return protocol.Wrap(protocol.ErrConnectionClosed, "accept stream", err)
			}
			return protocol.Wrap(protocol.ErrConnectionError, "accept stream", err)
		}
		if !s.trackExchange() {
			str.CancelRead(quic.StreamErrorCode(protocol.CodeInternal))
			str.CancelWrite(quic.StreamErrorCode(protocol.CodeInternal))
			continue
		}
		go func() {
			defer s.wg.Done()
			s.handleStream(ctx, conn, str)
		}()
	}
}

func (s *Server) handleStream(ctx context.Context, conn *quic.Conn, str *quic.Stream) {
	id := uuid.NewString()
	logger := s.opts.logger.With(
		zap.String("exchange_id", id),
		zap.Int64("stream_id", int64(str.StreamID())),
	)

	// Cancelled when the peer abandons the stream, the connection ends or ctx is done
	sctx, cancel := context.WithCancel(str.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := s.exchange(middleware.WithExchangeID(sctx, id), logger, conn, str)
	if err == nil {
		logger.Debug("exchange complete")
		return
	}

	// Release both halves; cancelling an already finished half is a no-op
	code := quic.StreamErrorCode(protocol.StreamCode(err))
	str.CancelRead(code)
	str.CancelWrite(code)

	switch {
	case errors.Is(err, protocol.ErrConnectionLost):
		logger.Debug("exchange abandoned", zap.Error(err))
	default:
		logger.Warn("exchange failed", zap.Error(err))
	}
}

func (s *Server) exchange(ctx context.Context, logger *zap.Logger, conn *quic.Conn, str *quic.Stream) error {
	if s.opts.readTimeout > 0 {
		_ = str.SetReadDeadline(time.Now().Add(s.opts.readTimeout))
	}
	header, body, err := protocol.ReadFrame(str, s.opts.maxFrameSize)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedPayload) {
			return err
		}
		return transport.ClassifyStreamError(conn, "read request", protocol.ErrStreamReset, err)
	}
	if header.MsgType != protocol.MsgTypeRequest {
		return &protocol.Error{Kind: protocol.ErrMalformedPayload, Op: "read request",
			Cause: fmt.Errorf("unexpected message type %s", header.MsgType)}
	}

	// Answer in the codec the initiator chose
	cdc, err := codec.GetCodec(codec.CodecType(header.CodecType))
	if err != nil {
		return err
	}
	req, err := cdc.Decode(body)
	if err != nil {
		return err
	}
	logger.Debug("request received", zap.Stringer("codec", cdc.Type()), zap.String("content", req.Content()))

	resp, err := s.handle(ctx, req)
	if err != nil {
		return protocol.Wrap(protocol.ErrHandlerFailure, "handle", err)
	}
	if resp == nil {
		return &protocol.Error{Kind: protocol.ErrHandlerFailure, Op: "handle", Cause: errors.New("nil response")}
	}

	data, err := cdc.Encode(resp)
	if err != nil {
		return protocol.Wrap(protocol.ErrHandlerFailure, "encode response", err)
	}
	frame, err := protocol.Marshal(&protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
	}, data)
	if err != nil {
		return protocol.Wrap(protocol.ErrHandlerFailure, "encode response", err)
	}

	if s.opts.writeTimeout > 0 {
		_ = str.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
	}
	if _, err := str.Write(frame); err != nil {
		return transport.ClassifyStreamError(conn, "write response", protocol.ErrStreamWriteFailed, err)
	}
	if err := str.Close(); err != nil {
		return transport.ClassifyStreamError(conn, "finish response", protocol.ErrStreamWriteFailed, err)
	}
	return nil
}

// handle runs the handler chain, turning a panic into an error for this exchange only.
func (s *Server) handle(ctx context.Context, req *message.Message) (resp *message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("handler panic",
				zap.String("exchange_id", middleware.ExchangeID(ctx)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			resp, err = nil, fmt.Errorf("panic recovered: %v", r)
		}
	}()
	return s.handler(ctx, req)
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (initiators stop picking this server)
//  2. Close the listener (no new connections)
//  3. Wait for in-flight exchanges, at most timeout
//  4. Close every connection with CodeShutdown
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.inShutdown {
		s.mu.Unlock()
		return nil
	}
	// Set before closing the listener so Serve sees the Accept error as intentional
	s.inShutdown = true
	ln := s.listener
	advertised := s.advertised
	s.mu.Unlock()

	if s.opts.registry != nil && advertised != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.opts.registry.Deregister(ctx, s.opts.serviceName, advertised); err != nil {
			s.opts.logger.Warn("deregister failed", zap.Error(err))
		}
		cancel()
	}

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing exchanges to finish")
	}

	s.mu.Lock()
	conns := make([]*quic.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		_ = transport.CloseConn(conn, protocol.CodeShutdown, "server shutting down")
	}
	return err
}

func (s *Server) register(addr net.Addr) error {
	if s.opts.registry == nil {
		return nil
	}
	advertised := s.opts.advertiseAddr
	if advertised == "" {
		advertised = addr.String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.opts.registry.Register(ctx, s.opts.serviceName, registry.ServiceInstance{
		Addr:   advertised,
		Weight: 1,
	}, s.opts.ttl)
	if err != nil {
		return fmt.Errorf("register %s as %s: %w", advertised, s.opts.serviceName, err)
	}

	s.mu.Lock()
	s.advertised = advertised
	s.mu.Unlock()
	return nil
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inShutdown
}

func (s *Server) trackConn(conn *quic.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inShutdown {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn *quic.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// trackExchange counts a new exchange unless shutdown already started waiting.
func (s *Server) trackExchange() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inShutdown {
		return false
	}
	s.wg.Add(1)
	return true
}
