package router

import (
	"sync"

	"github.com/routine/routine-host/internal/types"
)

// Destination receives routed messages. Send must not retain msg beyond
// the call unless it copies it; Messages are treated as immutable.
type Destination interface {
	ID() string
	Send(msg types.Message) error
}

// EventKind distinguishes the entries travelling through the Inbox.
type EventKind int

const (
	// EventMessage carries a decoded message from Source.
	EventMessage EventKind = iota
	// EventJoined registers Destination as an Active endpoint.
	EventJoined
	// EventLeft reports that Source's read loop has ended.
	EventLeft
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Envelope is one entry of the shared queue.
type Envelope struct {
	Kind        EventKind
	Source      string
	Message     types.Message
	Destination Destination
	// Err is the read error that ended Source, if any (EventLeft only).
	Err error
}

// MessageFrom wraps msg received from source.
func MessageFrom(source string, msg types.Message) Envelope {
	return Envelope{Kind: EventMessage, Source: source, Message: msg}
}

// Joined announces a new Active destination.
func Joined(dest Destination) Envelope {
	return Envelope{Kind: EventJoined, Source: dest.ID(), Destination: dest}
}

// Left announces that source stopped producing messages.
func Left(source string, err error) Envelope {
	return Envelope{Kind: EventLeft, Source: source, Err: err}
}

// Inbox is the multi-producer, single-consumer queue feeding the Router.
// Envelopes from one producer are delivered in the order pushed.
type Inbox struct {
	ch        chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// NewInbox returns an Inbox buffering up to capacity envelopes.
func NewInbox(capacity int) *Inbox {
	if capacity < 0 {
		capacity = 0
	}
	return &Inbox{
		ch:   make(chan Envelope, capacity),
		done: make(chan struct{}),
	}
}

// Push enqueues env, blocking while the queue is full. It returns false
// once the Inbox is closed, so producers never block on a stopped Router.
func (q *Inbox) Push(env Envelope) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- env:
		return true
	case <-q.done:
		return false
	}
}

// Close stops the Inbox. Pending envelopes are discarded.
func (q *Inbox) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Done is closed by Close.
func (q *Inbox) Done() <-chan struct{} { return q.done }

// C is the consumer side of the queue.
func (q *Inbox) C() <-chan Envelope { return q.ch }
