// Package endpoint models one conversational peer of the relay: a read
// half, a write half and a liveness state. The local browser pipe and
// every TCP connection to the desktop application are Endpoints.
package endpoint

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/routine/routine-host/internal/frame"
	"github.com/routine/routine-host/internal/netutil"
	"github.com/routine/routine-host/internal/types"
)

// LocalID is the identity of the browser-side endpoint.
const LocalID = "local"

// State is an endpoint's liveness.
type State int32

const (
	Connecting State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrClosed is returned for operations on a Closed endpoint.
	ErrClosed = errors.New("endpoint closed")

	// ErrNotActive is returned when writing before Activate.
	ErrNotActive = errors.New("endpoint not active")
)

// WriteError reports a failed write to an endpoint.
type WriteError struct {
	Endpoint string
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s: %v", e.Endpoint, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Config describes the streams behind an Endpoint.
type Config struct {
	ID string

	Reader io.Reader
	Writer io.Writer
	// Closer releases the underlying stream(s). Optional.
	Closer io.Closer

	// ReadCodec and WriteCodec frame each direction. They are separate so
	// a transport could in principle differ per direction; in practice
	// both carry the transport's byte order.
	ReadCodec  frame.Codec
	WriteCodec frame.Codec

	Logger *slog.Logger
}

// Endpoint is a framed, bidirectional peer. Writes are atomic with
// respect to each other; reads must come from a single goroutine.
type Endpoint struct {
	id     string
	reader *frame.Reader
	writer *frame.Writer
	closer io.Closer
	logger *slog.Logger

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// New returns an Endpoint in the Connecting state.
func New(cfg Config) *Endpoint {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Endpoint{
		id:     cfg.ID,
		closer: cfg.Closer,
		logger: logger.With("endpoint", cfg.ID),
		done:   make(chan struct{}),
	}
	if cfg.Reader != nil {
		e.reader = frame.NewReader(cfg.Reader, cfg.ReadCodec)
	}
	if cfg.Writer != nil {
		e.writer = frame.NewWriter(cfg.Writer, cfg.WriteCodec)
	}
	e.state.Store(int32(Connecting))
	return e
}

// ID returns the endpoint's identity.
func (e *Endpoint) ID() string { return e.id }

// State returns the current liveness state.
func (e *Endpoint) State() State { return State(e.state.Load()) }

// Done is closed once the endpoint reaches Closed.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Activate moves the endpoint from Connecting to Active. A Closed
// endpoint cannot be revived.
func (e *Endpoint) Activate() error {
	if e.state.CompareAndSwap(int32(Connecting), int32(Active)) {
		e.logger.Info("endpoint active")
		return nil
	}
	if e.State() == Closed {
		return ErrClosed
	}
	return nil
}

// Send writes msg synchronously. It is the Router's destination hook.
func (e *Endpoint) Send(msg types.Message) error {
	return e.Write(msg)
}

// Write encodes msg as one frame and flushes it before returning.
func (e *Endpoint) Write(msg types.Message) error {
	switch e.State() {
	case Closed:
		return &WriteError{Endpoint: e.id, Err: ErrClosed}
	case Connecting:
		return &WriteError{Endpoint: e.id, Err: ErrNotActive}
	}
	if e.writer == nil {
		return &WriteError{Endpoint: e.id, Err: errors.New("endpoint has no write half")}
	}
	if err := e.writer.WriteMessage(msg); err != nil {
		e.logger.Error("send failed", "message", msg.String(), "error", err)
		return &WriteError{Endpoint: e.id, Err: err}
	}
	e.logger.Debug("sent", "message", msg.String())
	return nil
}

// Read blocks until the next frame arrives. It returns io.EOF when the
// peer closed the stream between frames.
func (e *Endpoint) Read() (types.Message, error) {
	if e.reader == nil {
		return types.Message{}, errors.New("endpoint has no read half")
	}
	msg, err := e.reader.ReadMessage()
	if err != nil {
		return types.Message{}, err
	}
	e.logger.Debug("received", "message", msg.String())
	return msg, nil
}

// ReadLoop reads frames until the stream ends or fails, handing each one
// to emit. It returns nil on a clean end of stream or when emit returns
// false, and the read error otherwise. A decode error ends the loop; the
// stream cannot be resynchronized after a bad frame.
func (e *Endpoint) ReadLoop(emit func(types.Message) bool) error {
	for {
		msg, err := e.Read()
		if err != nil {
			if e.State() == Closed || netutil.IsExpectedCloseError(err) {
				e.logger.Info("read loop finished", "reason", err)
				return nil
			}
			e.logger.Error("read loop failed", "error", err)
			return err
		}
		if !emit(msg) {
			e.logger.Info("read loop stopped by consumer")
			return nil
		}
	}
}

// Close moves the endpoint to Closed and releases its streams. It is
// idempotent.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.state.Store(int32(Closed))
		close(e.done)
		if e.closer != nil {
			e.closeErr = e.closer.Close()
		}
		e.logger.Info("endpoint closed")
	})
	return e.closeErr
}
