// Package netutil classifies errors seen on relay connections.
package netutil

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// IsExpectedCloseError reports whether err is an ordinary end of a peer
// connection or pipe. The relay logs these as disconnects rather than
// errors.
//
// Besides io.EOF, net.ErrClosed and the EPIPE/ECONNRESET errnos seen on
// TCP sockets, two sentinels cover the relay's other transports:
// os.ErrClosed is what a read on stdin returns after the host closes it
// during shutdown, and io.ErrClosedPipe is what either end of a net.Pipe
// or io.Pipe returns once the other side is closed.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, os.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
