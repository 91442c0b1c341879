// Package router decides where every relayed message goes. All readers
// push into one Inbox; a single Router goroutine drains it, owns the
// routing table and dispatches to destinations. Because the queue is FIFO
// and the consumer is single, messages from one source reach every
// destination in the order that source produced them.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/routine/routine-host/internal/endpoint"
	"github.com/routine/routine-host/internal/types"
)

// Policy selects how messages are forwarded.
type Policy int

const (
	// PointToPoint forwards between local and exactly one remote.
	PointToPoint Policy = iota
	// Broadcast delivers local messages to every Active remote and remote
	// messages to local. Remotes never see each other's traffic.
	Broadcast
)

func (p Policy) String() string {
	switch p {
	case PointToPoint:
		return "point-to-point"
	case Broadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a config value to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "point-to-point", "p2p", "pointtopoint":
		return PointToPoint, nil
	case "broadcast", "fanout", "fan-out":
		return Broadcast, nil
	default:
		return 0, fmt.Errorf("unknown routing policy %q (want point-to-point or broadcast)", name)
	}
}

var (
	// ErrRemoteLost ends the Router when the relay cannot continue
	// without its remote peer.
	ErrRemoteLost = errors.New("remote endpoint lost")

	// ErrLocalClosed ends the Router when the browser pipe is gone.
	ErrLocalClosed = errors.New("local endpoint closed")
)

// Exchanger performs a paired write-then-read against a remote peer.
type Exchanger interface {
	ID() string
	Exchange(msg types.Message) (types.Message, error)
}

// Options configures a Router.
type Options struct {
	Policy Policy

	// Local is the browser-side destination. Required.
	Local Destination

	// Exchange, when set, switches point-to-point forwarding of local
	// messages to synchronous request/reply against this peer.
	Exchange Exchanger

	// ExitOnRemoteLoss ends Run with ErrRemoteLost once the last remote
	// leaves. Point-to-point routing always behaves this way.
	ExitOnRemoteLoss bool

	Logger *slog.Logger
}

// Router is the single dispatcher of the relay.
type Router struct {
	policy   Policy
	local    Destination
	exchange Exchanger
	exitLoss bool
	table    *Table
	logger   *slog.Logger
}

// New returns a Router. It panics if opts.Local is nil.
func New(opts Options) *Router {
	if opts.Local == nil {
		panic("router: Local destination is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		policy:   opts.Policy,
		local:    opts.Local,
		exchange: opts.Exchange,
		exitLoss: opts.ExitOnRemoteLoss || opts.Policy == PointToPoint,
		table:    NewTable(),
		logger:   logger.With("component", "router", "policy", opts.Policy.String()),
	}
}

// Run drains inbox until the context ends, the Inbox is closed, or a
// routing decision ends the relay. ErrLocalClosed means orderly shutdown.
func (r *Router) Run(ctx context.Context, inbox *Inbox) error {
	r.logger.Info("router started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-inbox.Done():
			return nil
		case env := <-inbox.C():
			if err := r.Dispatch(env); err != nil {
				r.logger.Info("router stopping", "reason", err)
				return err
			}
		}
	}
}

// Remotes returns the identities of the Active remotes in join order.
// It must only be called from the Router goroutine or after Run returns.
func (r *Router) Remotes() []string { return r.table.IDs() }

// Dispatch applies one envelope. It is exported for tests that drive the
// Router without a goroutine.
func (r *Router) Dispatch(env Envelope) error {
	switch env.Kind {
	case EventJoined:
		return r.join(env.Destination)
	case EventLeft:
		return r.leave(env.Source, env.Err)
	case EventMessage:
		if env.Source == r.local.ID() {
			return r.fromLocal(env.Message)
		}
		return r.fromRemote(env.Source, env.Message)
	default:
		r.logger.Warn("ignoring envelope of unknown kind", "kind", int(env.Kind))
		return nil
	}
}

func (r *Router) join(dest Destination) error {
	if dest == nil {
		return nil
	}
	if dest.ID() == r.local.ID() {
		r.logger.Warn("refusing to register a remote with the local identity")
		return nil
	}
	if r.policy == PointToPoint && r.table.Len() > 0 {
		r.logger.Warn("point-to-point route already has a remote, refusing peer", "peer", dest.ID())
		if closer, ok := dest.(interface{ Close() }); ok {
			closer.Close()
		}
		return nil
	}
	if !r.table.Add(dest) {
		r.logger.Warn("duplicate peer identity", "peer", dest.ID())
		return nil
	}
	r.logger.Info("peer joined", "peer", dest.ID(), "peers", r.table.Len())
	return nil
}

func (r *Router) leave(source string, cause error) error {
	if source == r.local.ID() {
		if cause != nil {
			return fmt.Errorf("%w: %v", ErrLocalClosed, cause)
		}
		return ErrLocalClosed
	}
	if r.exchange != nil && source == r.exchange.ID() {
		r.logger.Info("synchronous peer left", "peer", source, "reason", cause)
		if cause != nil {
			return fmt.Errorf("%w: %s: %v", ErrRemoteLost, source, cause)
		}
		return fmt.Errorf("%w: %s", ErrRemoteLost, source)
	}
	if !r.table.Remove(source) {
		return nil
	}
	r.logger.Info("peer left", "peer", source, "peers", r.table.Len(), "reason", cause)
	if r.exitLoss && r.table.Len() == 0 {
		if cause != nil {
			return fmt.Errorf("%w: %s: %v", ErrRemoteLost, source, cause)
		}
		return fmt.Errorf("%w: %s", ErrRemoteLost, source)
	}
	return nil
}

func (r *Router) fromLocal(msg types.Message) error {
	if r.exchange != nil {
		return r.exchangeLocal(msg)
	}

	switch r.policy {
	case PointToPoint:
		dest, ok := r.table.First()
		if !ok {
			r.logger.Warn("no remote to forward to, dropping message", "message", msg.String())
			return nil
		}
		if err := dest.Send(msg); err != nil {
			r.table.Remove(dest.ID())
			r.logger.Error("forward to remote failed", "peer", dest.ID(), "error", err)
			return fmt.Errorf("%w: %s: %v", ErrRemoteLost, dest.ID(), err)
		}
		r.logger.Debug("forwarded local message", "peer", dest.ID(), "action", msg.Action)
		return nil

	default:
		destinations := r.table.Snapshot()
		if len(destinations) == 0 {
			r.logger.Warn("no active remotes, dropping message", "message", msg.String())
			return nil
		}
		delivered := 0
		for _, dest := range destinations {
			if err := dest.Send(msg); err != nil {
				r.table.Remove(dest.ID())
				r.logger.Error("broadcast to peer failed, dropping peer",
					"peer", dest.ID(), "error", err, "peers", r.table.Len())
				continue
			}
			delivered++
		}
		r.logger.Debug("broadcast local message", "action", msg.Action, "delivered", delivered)
		if delivered == 0 && r.exitLoss && r.table.Len() == 0 {
			return fmt.Errorf("%w: every peer failed", ErrRemoteLost)
		}
		return nil
	}
}

func (r *Router) exchangeLocal(msg types.Message) error {
	reply, err := r.exchange.Exchange(msg)
	if err != nil {
		r.logger.Error("exchange with remote failed", "peer", r.exchange.ID(), "error", err)
		return fmt.Errorf("%w: %s: %v", ErrRemoteLost, r.exchange.ID(), err)
	}
	return r.toLocal(r.exchange.ID(), reply)
}

func (r *Router) fromRemote(source string, msg types.Message) error {
	if _, known := r.table.Get(source); !known {
		r.logger.Debug("message from peer outside the routing table", "peer", source)
	}
	return r.toLocal(source, msg)
}

func (r *Router) toLocal(source string, msg types.Message) error {
	if err := r.local.Send(msg); err != nil {
		r.logger.Error("write to local failed", "peer", source, "error", err)
		return fmt.Errorf("%w: %v", ErrLocalClosed, err)
	}
	r.logger.Debug("delivered remote message", "peer", source, "action", msg.Action)
	return nil
}

// IsOrderlyShutdown reports whether err from Run means the browser went
// away, which is the relay's normal way to stop.
func IsOrderlyShutdown(err error) bool {
	return err == nil || errors.Is(err, ErrLocalClosed)
}

var _ Destination = (*endpoint.Endpoint)(nil)
