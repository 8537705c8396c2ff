package server

import (
	"time"

	"go.uber.org/zap"

	"quic-exchange/logging"
	"quic-exchange/protocol"
	"quic-exchange/registry"
)

type serverOptions struct {
	logger       *zap.Logger
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxFrameSize int

	registry      registry.Registry
	serviceName   string
	advertiseAddr string
	ttl           int64
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		maxFrameSize: protocol.MaxFrameSize,
		ttl:          10,
	}
}

type Option func(*serverOptions)

func WithLogger(logger *zap.Logger) Option {
	return func(o *serverOptions) {
		o.logger = logging.OrNop(logger)
	}
}

// WithTimeout bounds reading a request and writing its response. Zero disables a bound.
func WithTimeout(read, write time.Duration) Option {
	return func(o *serverOptions) {
		o.readTimeout = read
		o.writeTimeout = write
	}
}

func WithMaxFrameSize(n int) Option {
	return func(o *serverOptions) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}

// WithRegistry publishes the server under serviceName while it serves.
// An empty advertiseAddr registers the listener's own address.
func WithRegistry(reg registry.Registry, serviceName, advertiseAddr string, ttl int64) Option {
	return func(o *serverOptions) {
		o.registry = reg
		o.serviceName = serviceName
		o.advertiseAddr = advertiseAddr
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}
