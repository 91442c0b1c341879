package endpoint

import (
	"fmt"
	"io"
	"sync"

	"github.com/routine/routine-host/internal/types"
)

// Exchanger pairs every write to an Endpoint with the next frame the peer
// sends back. Run owns the read half for the endpoint's whole life, so a
// lost peer is noticed even while no exchange is pending.
type Exchanger struct {
	ep *Endpoint

	mu      sync.Mutex
	replies chan types.Message
	ended   chan struct{}
	err     error
}

// NewExchanger wraps ep. Run must be started before the first Exchange.
func NewExchanger(ep *Endpoint) *Exchanger {
	return &Exchanger{
		ep:      ep,
		replies: make(chan types.Message),
		ended:   make(chan struct{}),
	}
}

// ID returns the identity of the wrapped endpoint.
func (x *Exchanger) ID() string { return x.ep.ID() }

// Ended is closed once Run has returned.
func (x *Exchanger) Ended() <-chan struct{} { return x.ended }

// Run reads frames until the stream ends, handing each to the pending
// Exchange. It returns the ReadLoop result and must be called once.
func (x *Exchanger) Run() error {
	err := x.ep.ReadLoop(func(msg types.Message) bool {
		select {
		case x.replies <- msg:
			return true
		case <-x.ep.Done():
			return false
		}
	})
	x.err = err
	close(x.ended)
	return err
}

// Exchange writes msg and waits for exactly one reply. Exchanges never
// interleave.
func (x *Exchanger) Exchange(msg types.Message) (types.Message, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.ep.Write(msg); err != nil {
		return types.Message{}, err
	}
	select {
	case reply := <-x.replies:
		return reply, nil
	case <-x.ended:
		err := x.err
		if err == nil {
			err = io.EOF
		}
		return types.Message{}, fmt.Errorf("read reply from %s: %w", x.ep.ID(), err)
	}
}
