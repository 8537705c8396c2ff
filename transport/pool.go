package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/singleflight"

	"quic-exchange/protocol"
)

var ErrPoolClosed = errors.New("connection pool closed")

// DefaultDialTimeout bounds a pooled dial, which outlives the caller that started it.
const DefaultDialTimeout = 10 * time.Second

// DialFunc opens a new connection to addr.
type DialFunc func(ctx context.Context, addr string) (*quic.Conn, error)

// Pool keeps one live connection per responder address.
//
// A QUIC connection multiplexes any number of exchanges, so there is nothing to borrow
// and return: callers share the connection. Connections are dialed lazily, concurrent
// first calls for the same address share one dial, and a connection whose context is
// done is replaced on the next Get.
type Pool struct {
	mu          sync.Mutex
	conns       map[string]*quic.Conn
	dial        DialFunc
	dialTimeout time.Duration
	group       singleflight.Group
	closed      bool
}

func NewPool(dial DialFunc) *Pool {
	return &Pool{
		conns:       make(map[string]*quic.Conn),
		dial:        dial,
		dialTimeout: DefaultDialTimeout,
	}
}

// Get returns the live connection to addr, dialing one if needed.
//
// The dial is shared by every concurrent caller for addr, so it runs detached from the
// cancellation of whichever caller started it and is bounded by the dial timeout instead.
// Each caller still stops waiting when its own ctx is done.
func (p *Pool) Get(ctx context.Context, addr string) (*quic.Conn, error) {
	if conn, err := p.lookup(addr); conn != nil || err != nil {
		return conn, err
	}

	ch := p.group.DoChan(addr, func() (any, error) {
		// Another caller may have finished dialing while we waited
		if conn, err := p.lookup(addr); conn != nil || err != nil {
			return conn, err
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.dialTimeout)
		defer cancel()
		conn, err := p.dial(dctx, addr)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			_ = CloseConn(conn, protocol.CodeNoError, "pool closed")
			return nil, ErrPoolClosed
		}
		p.conns[addr] = conn
		return conn, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*quic.Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) lookup(addr string) (*quic.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	conn, ok := p.conns[addr]
	if !ok {
		return nil, nil
	}
	if conn.Context().Err() != nil {
		delete(p.conns, addr)
		return nil, nil
	}
	return conn, nil
}

// Remove drops conn from the pool if it is still the one held for addr.
func (p *Pool) Remove(addr string, conn *quic.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[addr] == conn {
		delete(p.conns, addr)
	}
}

// Len returns the number of held connections, live or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every held connection with CodeNoError. Get fails afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for addr, conn := range p.conns {
		if err := CloseConn(conn, protocol.CodeNoError, "client done"); err != nil {
			errs = append(errs, err)
		}
		delete(p.conns, addr)
	}
	return errors.Join(errs...)
}
