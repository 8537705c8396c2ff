// Package transport sets up the QUIC endpoints both roles run on.
//
// QUIC gives each exchange its own bidirectional stream inside one encrypted
// connection, so there is no sequence-number multiplexing or heartbeat framing here:
// stream IDs keep exchanges apart and keepalive is a transport setting.
package transport

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"
)

// Options maps onto quic.Config. Zero values keep quic-go's defaults.
type Options struct {
	IdleTimeout        time.Duration
	KeepAlivePeriod    time.Duration
	HandshakeTimeout   time.Duration
	MaxIncomingStreams int64
}

func (o Options) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       o.IdleTimeout,
		KeepAlivePeriod:      o.KeepAlivePeriod,
		HandshakeIdleTimeout: o.HandshakeTimeout,
		MaxIncomingStreams:   o.MaxIncomingStreams,
		// Exchanges only use bidirectional streams
		MaxIncomingUniStreams: -1,
	}
}

// Listen creates the responder endpoint. tlsConf must present a certificate.
func Listen(addr string, tlsConf *tls.Config, opts Options) (*quic.Listener, error) {
	return quic.ListenAddr(addr, tlsConf, opts.quicConfig())
}

// Dial connects to a responder and completes the handshake.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, opts Options) (*quic.Conn, error) {
	return quic.DialAddr(ctx, addr, tlsConf, opts.quicConfig())
}

// CloseConn closes conn with an application error code and reason.
func CloseConn(conn *quic.Conn, code uint64, reason string) error {
	return conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}
