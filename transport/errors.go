package transport

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/quic-go/quic-go"

	"quic-exchange/protocol"
)

// IsConnectionError reports whether err was caused by the whole connection ending
// rather than by something scoped to one stream.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var (
		appErr       *quic.ApplicationError
		idleErr      *quic.IdleTimeoutError
		handshakeErr *quic.HandshakeTimeoutError
		transportErr *quic.TransportError
		resetErr     *quic.StatelessResetError
		versionErr   *quic.VersionNegotiationError
	)
	return errors.As(err, &appErr) ||
		errors.As(err, &idleErr) ||
		errors.As(err, &handshakeErr) ||
		errors.As(err, &transportErr) ||
		errors.As(err, &resetErr) ||
		errors.As(err, &versionErr) ||
		errors.Is(err, net.ErrClosed)
}

// IsExpectedClose reports whether a connection ended the ordinary way: a close with
// CodeNoError or CodeShutdown from either side, an idle timeout, or local cancellation.
func IsExpectedClose(err error) bool {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		code := uint64(appErr.ErrorCode)
		return code == protocol.CodeNoError || code == protocol.CodeShutdown
	}
	var idleErr *quic.IdleTimeoutError
	return errors.As(err, &idleErr) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, quic.ErrServerClosed) ||
		errors.Is(err, net.ErrClosed)
}

// StreamResetCode returns the code the peer used to abandon a stream, if it did.
func StreamResetCode(err error) (uint64, bool) {
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) && streamErr.Remote {
		return uint64(streamErr.ErrorCode), true
	}
	return 0, false
}

// ClassifyStreamError maps a failed read, write or open on a stream of conn onto the
// exchange error taxonomy. fallback is used when nothing more specific applies.
func ClassifyStreamError(conn *quic.Conn, op string, fallback, err error) error {
	if err == nil {
		return nil
	}
	if conn.Context().Err() != nil || IsConnectionError(err) {
		return protocol.Wrap(protocol.ErrConnectionLost, op, err)
	}
	if code, ok := StreamResetCode(err); ok {
		return protocol.Wrap(protocol.KindForStreamCode(code), op, err)
	}
	if isTimeout(err) {
		return protocol.Wrap(protocol.ErrExchangeTimeout, op, err)
	}
	return protocol.Wrap(fallback, op, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
