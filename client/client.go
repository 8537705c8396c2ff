// Package client implements the initiator side of an exchange.
//
// Initiator runs exchanges over a connection the caller already holds. Client adds the
// rest of the path: find responders in a registry, pick one with a balancer, reuse a
// pooled connection to it. The instance list is discovered once and then kept current
// by watching the registry.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"quic-exchange/codec"
	"quic-exchange/loadbalance"
	"quic-exchange/logging"
	"quic-exchange/message"
	"quic-exchange/protocol"
	"quic-exchange/registry"
	"quic-exchange/transport"
)

type Client struct {
	registry    registry.Registry // find responder instances
	balancer    loadbalance.Balancer
	pool        *transport.Pool // one connection per responder address
	serviceName string
	opts        []InitiatorOption
	logger      *zap.Logger

	watchCtx  context.Context
	stopWatch context.CancelFunc

	mu        sync.Mutex
	instances []registry.ServiceInstance // shared, never modified in place
	watching  bool
	seeded    bool
}

type ClientOption func(*Client)

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logging.OrNop(logger)
	}
}

func WithServiceName(name string) ClientOption {
	return func(c *Client) {
		c.serviceName = name
	}
}

// WithInitiatorOptions configures every exchange the client runs.
func WithInitiatorOptions(opts ...InitiatorOption) ClientOption {
	return func(c *Client) {
		c.opts = append(c.opts, opts...)
	}
}

// NewClient creates a client that dials responders with tlsConf and topts.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, tlsConf *tls.Config, topts transport.Options, opts ...ClientOption) *Client {
	c := &Client{
		registry:    reg,
		balancer:    bal,
		serviceName: "exchange",
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.watchCtx, c.stopWatch = context.WithCancel(context.Background())
	c.pool = transport.NewPool(func(ctx context.Context, addr string) (*quic.Conn, error) {
		conn, err := transport.Dial(ctx, addr, tlsConf, topts)
		if err != nil {
			return nil, err
		}
		c.logger.Info("connected", zap.String("addr", addr))
		return conn, nil
	})
	return c
}

// Call runs one exchange against a responder picked from the registry.
// There is no retry: the caller decides what to do with a failed exchange.
func (c *Client) Call(ctx context.Context, req *message.Message) (*message.Message, error) {
	instances, err := c.resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", c.serviceName, err)
	}
	instance, err := c.balancer.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("pick %s instance: %w", c.serviceName, err)
	}

	conn, err := c.pool.Get(ctx, instance.Addr)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrConnectionLost, "connect "+instance.Addr, err)
	}

	resp, err := NewInitiator(conn, c.opts...).Do(ctx, req)
	if err != nil {
		if errors.Is(err, protocol.ErrConnectionLost) {
			// Next call dials again
			c.pool.Remove(instance.Addr, conn)
		}
		c.logger.Debug("exchange failed", zap.String("addr", instance.Addr), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

// resolve returns the cached instance list. On first use, and again after a watch ended,
// it starts watching the registry and seeds the cache with Discover.
func (c *Client) resolve(ctx context.Context) ([]registry.ServiceInstance, error) {
	c.mu.Lock()
	if c.watching && c.seeded {
		instances := c.instances
		c.mu.Unlock()
		return instances, nil
	}
	if !c.watching {
		c.watching = true
		// Watch before Discover so no change falls between the two
		go c.watch(c.registry.Watch(c.watchCtx, c.serviceName))
	}
	c.mu.Unlock()

	instances, err := c.registry.Discover(ctx, c.serviceName)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A list delivered by the watch meanwhile is newer than this one
	if !c.seeded {
		c.instances, c.seeded = instances, true
	}
	return c.instances, nil
}

func (c *Client) watch(updates <-chan []registry.ServiceInstance) {
	for instances := range updates {
		c.mu.Lock()
		c.instances, c.seeded = instances, true
		c.mu.Unlock()
		c.logger.Debug("instances updated", zap.String("service", c.serviceName), zap.Int("count", len(instances)))
	}

	c.mu.Lock()
	c.watching, c.seeded = false, false
	c.mu.Unlock()
}

// Send exchanges text and returns the response text.
func (c *Client) Send(ctx context.Context, text string) (string, error) {
	resp, err := c.Call(ctx, message.New(text))
	if err != nil {
		return "", err
	}
	return resp.Content(), nil
}

// Close stops watching the registry and closes every pooled connection. The registry
// stays open; its owner closes it.
func (c *Client) Close() error {
	c.stopWatch()
	return c.pool.Close()
}

// CodecOption resolves a configured codec name such as "binary" or "json+snappy".
func CodecOption(name string) (InitiatorOption, error) {
	t, err := codec.ParseCodecType(name)
	if err != nil {
		return nil, err
	}
	cdc, err := codec.GetCodec(t)
	if err != nil {
		return nil, err
	}
	return WithCodec(cdc), nil
}
