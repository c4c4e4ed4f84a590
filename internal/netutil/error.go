package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsOrderlyClose reports whether err is an expected end-of-stream condition
// rather than an unexpected I/O failure.
func IsOrderlyClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		IsConnectionResetByPeer(err)
}

// IsConnectionResetByPeer reports whether err is an ECONNRESET from the
// remote end.
func IsConnectionResetByPeer(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr syscall.Errno
		if errors.As(opErr.Err, &sysErr) {
			return sysErr == syscall.ECONNRESET
		}
	}

	return false
}

// CloseConns closes one or more closers, ignoring nils and Close errors.
func CloseConns(closers ...io.Closer) {
	for _, c := range closers {
		if c != nil {
			_ = c.Close()
		}
	}
}
