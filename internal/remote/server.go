package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Server accepts any number of connections from desktop application
// instances. Each accepted connection is handed to OnConn on its own
// goroutine; the Server never reads or writes the connection itself.
type Server struct {
	// Addr is the TCP address to listen on (e.g. "127.0.0.1:54325").
	Addr string

	// OnConn handles one accepted connection. It runs on a dedicated
	// goroutine and owns the connection.
	OnConn func(conn net.Conn)

	// Logger receives lifecycle and per-connection events. If nil,
	// slog.Default() is used.
	Logger *slog.Logger

	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Listen binds the listening socket. A failure is a *BindError and is not
// retried.
func (s *Server) Listen() error {
	if s.Addr == "" {
		return &BindError{Addr: s.Addr, Err: errors.New("listen address is required")}
	}
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.logger().Error("bind failed", "addr", s.Addr, "error", err)
		return &BindError{Addr: s.Addr, Err: err}
	}
	s.listener = listener
	s.logger().Info("listening", "addr", listener.Addr().String())
	return nil
}

// BoundAddr returns the bound address, useful when listening on port 0.
// Returns nil before Listen.
func (s *Server) BoundAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start runs the accept loop in the background. Listen must have
// succeeded.
func (s *Server) Start(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("remote: Start called before Listen")
	}
	if s.OnConn == nil {
		return fmt.Errorf("remote: OnConn is required")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.acceptLoop(ctx)
	}()

	// Closing the listener is what unblocks Accept.
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	return nil
}

// Stop closes the listener and waits for every connection handler to
// return. Handlers end when their connection does, so callers close the
// connections first.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger().Info("accept loop stopped")
				s.connections.Wait()
				return
			}
			s.logger().Error("accept failed", "error", err)
			continue
		}

		s.logger().Info("connection accepted", "remote_addr", conn.RemoteAddr().String())
		s.connections.Add(1)
		go func() {
			defer s.connections.Done()
			s.OnConn(conn)
		}()
	}
}
