package remote

import (
	"errors"
	"fmt"
)

// ErrRetriesExhausted marks a ConnectError raised after the last attempt.
var ErrRetriesExhausted = errors.New("connection retries exhausted")

// PortDiscoveryError reports a port descriptor that is absent or unusable.
type PortDiscoveryError struct {
	Source string
	Err    error
}

func (e *PortDiscoveryError) Error() string {
	return fmt.Sprintf("discover port from %s: %v", e.Source, e.Err)
}

func (e *PortDiscoveryError) Unwrap() error { return e.Err }

// ConnectError reports that no connection to the desktop application
// could be established.
type ConnectError struct {
	Addr     string
	Attempts int
	// Exhausted is set when every allowed attempt was made.
	Exhausted bool
	Err       error
}

func (e *ConnectError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("connect after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("connect to %s after %d attempts: %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRetriesExhausted) match.
func (e *ConnectError) Is(target error) bool {
	return e.Exhausted && target == ErrRetriesExhausted
}

// BindError reports a listener that could not be created. It is always
// fatal.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("listen on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }
