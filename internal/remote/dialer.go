// Package remote manages the TCP side of the relay: connecting out to the
// desktop application with discovery and retry, or listening for any
// number of application connections.
package remote

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/routine/routine-host/internal/clock"
)

const (
	// DefaultMaxAttempts is the number of connection attempts before the
	// relay gives up.
	DefaultMaxAttempts = 10

	// DefaultRetryDelay separates consecutive attempts.
	DefaultRetryDelay = 500 * time.Millisecond

	// DefaultHost is where the desktop application listens.
	DefaultHost = "127.0.0.1"
)

// DialFunc opens a connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Dialer connects to the desktop application, discovering its port and
// retrying with a fixed delay.
type Dialer struct {
	Host  string
	Ports PortSource

	// MaxAttempts counts port lookups and connects alike. Defaults to
	// DefaultMaxAttempts.
	MaxAttempts int
	// RetryDelay is waited between attempts, never after the last.
	// Zero means DefaultRetryDelay; negative means no delay.
	RetryDelay time.Duration

	Clock  clock.Clock
	Dial   DialFunc
	Logger *slog.Logger
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Connect tries up to MaxAttempts times. Exhaustion returns a
// *ConnectError wrapping the last failure.
func (d *Dialer) Connect(ctx context.Context) (net.Conn, error) {
	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	delay := d.RetryDelay
	if delay < 0 {
		delay = 0
	} else if delay == 0 {
		delay = DefaultRetryDelay
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.Real()
	}
	dial := d.Dial
	if dial == nil {
		var dialer net.Dialer
		dial = dialer.DialContext
	}
	host := d.Host
	if host == "" {
		host = DefaultHost
	}

	logger := d.logger().With("component", "dialer", "ports", d.Ports.String())

	var (
		lastErr  error
		lastAddr string
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-clk.After(delay):
			case <-ctx.Done():
				return nil, &ConnectError{Addr: lastAddr, Attempts: attempt - 1, Err: ctx.Err()}
			}
		}

		logger.Info("connection attempt", "attempt", attempt, "max_attempts", attempts)

		port, err := d.Ports.Port(ctx)
		if err != nil {
			lastErr = err
			logger.Warn("port discovery failed", "attempt", attempt, "error", err)
			continue
		}

		address := net.JoinHostPort(host, strconv.Itoa(port))
		lastAddr = address
		conn, err := dial(ctx, "tcp", address)
		if err != nil {
			lastErr = err
			logger.Warn("connect failed", "attempt", attempt, "addr", address, "error", err)
			continue
		}

		logger.Info("connected", "attempt", attempt, "addr", address)
		return conn, nil
	}

	logger.Error("giving up on remote endpoint", "attempts", attempts, "error", lastErr)
	return nil, &ConnectError{Addr: lastAddr, Attempts: attempts, Exhausted: true, Err: lastErr}
}
