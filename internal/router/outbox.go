package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/routine/routine-host/internal/types"
)

var (
	// ErrOutboxFull fails a non-blocking Outbox whose queue is full.
	ErrOutboxFull = errors.New("outbox full: peer not keeping up")

	// ErrOutboxClosed is returned after Close.
	ErrOutboxClosed = errors.New("outbox closed")
)

// Conn is the write side of a remote endpoint.
type Conn interface {
	ID() string
	Write(msg types.Message) error
	Close() error
}

// Outbox decouples a remote connection's writes from the Router. One
// goroutine drains the queue into the connection, so a slow peer delays
// only its own traffic. Messages are written in the order sent.
type Outbox struct {
	conn   Conn
	block  bool
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan types.Message
	closing chan struct{}

	failOnce sync.Once
	failed   chan struct{}
	err      error

	closeOnce sync.Once
	done      chan struct{}
}

// OutboxOptions configures an Outbox.
type OutboxOptions struct {
	// Capacity bounds the number of queued messages.
	Capacity int
	// Block makes Send wait for queue space instead of failing with
	// ErrOutboxFull.
	Block  bool
	Logger *slog.Logger
}

// NewOutbox starts the writer goroutine for conn.
func NewOutbox(conn Conn, opts OutboxOptions) *Outbox {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := opts.Capacity
	if capacity < 1 {
		capacity = 1
	}
	o := &Outbox{
		conn:    conn,
		block:   opts.Block,
		logger:  logger.With("endpoint", conn.ID()),
		queue:   make(chan types.Message, capacity),
		closing: make(chan struct{}),
		failed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

// ID returns the identity of the underlying connection.
func (o *Outbox) ID() string { return o.conn.ID() }

// Send queues msg for delivery.
func (o *Outbox) Send(msg types.Message) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case <-o.failed:
		return o.err
	case <-o.closing:
		return ErrOutboxClosed
	default:
	}

	if !o.block {
		select {
		case o.queue <- msg:
			return nil
		default:
			// A peer that cannot keep up is dropped, not skipped: closing
			// the connection ends its reader, and the writer stuck in
			// conn.Write is released.
			o.fail(ErrOutboxFull)
			return o.err
		}
	}
	select {
	case o.queue <- msg:
		return nil
	case <-o.failed:
		return o.err
	case <-o.closing:
		return ErrOutboxClosed
	}
}

// Failed is closed when a write to the connection fails.
func (o *Outbox) Failed() <-chan struct{} { return o.failed }

// Err returns the write error that failed the Outbox, if any.
func (o *Outbox) Err() error {
	select {
	case <-o.failed:
		return o.err
	default:
		return nil
	}
}

// Close stops accepting messages and waits until everything already
// queued has been written (or discarded after a failure).
func (o *Outbox) Close() {
	o.closeOnce.Do(func() {
		close(o.closing)
		o.mu.Lock()
		o.closed = true
		close(o.queue)
		o.mu.Unlock()
	})
	<-o.done
}

func (o *Outbox) run() {
	defer close(o.done)
	for msg := range o.queue {
		select {
		case <-o.failed:
			o.logger.Warn("discarding message for failed peer", "message", msg.String())
			continue
		default:
		}
		if err := o.conn.Write(msg); err != nil {
			o.fail(err)
		}
	}
}

func (o *Outbox) fail(err error) {
	o.failOnce.Do(func() {
		o.err = fmt.Errorf("outbox %s: %w", o.conn.ID(), err)
		close(o.failed)
		o.logger.Error("peer write failed, closing connection", "error", err)
		_ = o.conn.Close()
	})
}
