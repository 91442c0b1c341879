package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/betamos/zeroconf"

	"github.com/routine/routine-host/internal/clock"
)

// PortSource yields the TCP port the desktop application listens on.
// Implementations are consulted once per connection attempt, so a port that
// changes between attempts is picked up.
type PortSource interface {
	Port(ctx context.Context) (int, error)
	String() string
}

// PortFile reads the port from a file written by the desktop application.
// The file holds the decimal port, optionally surrounded by whitespace.
type PortFile struct {
	Path string
}

func (p PortFile) String() string { return "file " + p.Path }

// Port reads and parses the descriptor.
func (p PortFile) Port(context.Context) (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, &PortDiscoveryError{Source: p.String(), Err: err}
	}
	port, err := ParsePort(string(data))
	if err != nil {
		return 0, &PortDiscoveryError{Source: p.String(), Err: err}
	}
	return port, nil
}

// ParsePort parses a PortDescriptor: a decimal 16-bit port, non-zero,
// surrounded by optional whitespace.
func ParsePort(text string) (int, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, errors.New("empty port descriptor")
	}
	port, err := strconv.ParseUint(trimmed, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", trimmed, err)
	}
	if port == 0 {
		return 0, errors.New("port 0 is not connectable")
	}
	return int(port), nil
}

// StaticPort is a hard-configured port.
type StaticPort int

func (p StaticPort) String() string { return "static port " + strconv.Itoa(int(p)) }

// Port returns the configured value.
func (p StaticPort) Port(context.Context) (int, error) {
	if p <= 0 || p > 65535 {
		return 0, &PortDiscoveryError{Source: p.String(), Err: errors.New("port out of range")}
	}
	return int(p), nil
}

// MDNSPort browses the local network for the desktop application's service
// and returns the port of the first instance that answers.
type MDNSPort struct {
	// Service is the DNS-SD service type, e.g. "_routine._tcp".
	Service string
	// Timeout bounds each browse. Defaults to one second.
	Timeout time.Duration
	Clock   clock.Clock
}

func (m MDNSPort) String() string { return "mdns " + m.Service }

// Port browses until an instance is seen or the timeout elapses.
func (m MDNSPort) Port(ctx context.Context) (int, error) {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	clk := m.Clock
	if clk == nil {
		clk = clock.Real()
	}

	found := make(chan uint16, 1)
	client, err := zeroconf.New().
		Browse(func(e zeroconf.Event) {
			if e.Port == 0 {
				return
			}
			select {
			case found <- e.Port:
			default:
			}
		}, zeroconf.NewType(m.Service)).
		Open()
	if err != nil {
		return 0, &PortDiscoveryError{Source: m.String(), Err: fmt.Errorf("zeroconf: %w", err)}
	}
	defer client.Close()

	select {
	case port := <-found:
		return int(port), nil
	case <-clk.After(timeout):
		return 0, &PortDiscoveryError{Source: m.String(), Err: fmt.Errorf("no instance answered within %v", timeout)}
	case <-ctx.Done():
		return 0, &PortDiscoveryError{Source: m.String(), Err: ctx.Err()}
	}
}
