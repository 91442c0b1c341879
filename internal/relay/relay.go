// Package relay supervises the whole bridge: it builds the local endpoint,
// establishes the remote side for the configured topology, runs the
// Router and tears everything down when the browser goes away or the
// remote peer is lost.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/routine/routine-host/internal/clock"
	"github.com/routine/routine-host/internal/config"
	"github.com/routine/routine-host/internal/endpoint"
	"github.com/routine/routine-host/internal/frame"
	"github.com/routine/routine-host/internal/native"
	"github.com/routine/routine-host/internal/remote"
	"github.com/routine/routine-host/internal/router"
	"github.com/routine/routine-host/internal/types"
)

// Options carries the collaborators of a Relay. Zero values select the
// production defaults.
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	Logger *slog.Logger
	Clock  clock.Clock

	// Dial replaces the TCP dialer of the client topology.
	Dial remote.DialFunc
	// Ports replaces the port source built from the config.
	Ports remote.PortSource
	// OnListen is called with the bound address once the server
	// topology is accepting connections.
	OnListen func(addr net.Addr)
}

// Relay is one run of the bridge.
type Relay struct {
	cfg        *config.Config
	opts       Options
	logger     *slog.Logger
	clock      clock.Clock
	policy     router.Policy
	localCodec frame.Codec
	netCodec   frame.Codec

	inbox *router.Inbox

	mu       sync.Mutex
	sessions map[string]*session
	readers  sync.WaitGroup
}

// session is the supervisor's handle on one remote connection.
type session struct {
	endpoint  *endpoint.Endpoint
	outbox    *router.Outbox
	exchanger *endpoint.Exchanger
}

// New validates cfg and prepares a Relay.
func New(cfg *config.Config, opts Options) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	policy, err := cfg.RoutingPolicy()
	if err != nil {
		return nil, err
	}
	localCodec, err := cfg.LocalCodec()
	if err != nil {
		return nil, err
	}
	netCodec, err := cfg.NetworkCodec()
	if err != nil {
		return nil, err
	}

	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &Relay{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		clock:      clk,
		policy:     policy,
		localCodec: localCodec,
		netCodec:   netCodec,
		inbox:      router.NewInbox(cfg.Queue.InboxSize),
		sessions:   make(map[string]*session),
	}, nil
}

// Run relays until the browser closes the pipe (nil), the context is
// cancelled (nil), or a fatal condition occurs: the remote could not be
// reached or bound, or the sole remote was lost.
func (r *Relay) Run(ctx context.Context) error {
	logger := r.logger.With("component", "relay")
	logger.Info("relay starting",
		"topology", r.cfg.Topology,
		"policy", r.policy.String(),
		"synchronous", r.cfg.Synchronous,
		"local_byte_order", r.localCodec.Order.String(),
		"network_byte_order", r.netCodec.Order.String(),
	)

	local := native.NewHost(r.opts.Stdin, r.opts.Stdout, r.localCodec, r.logger)
	if err := local.Activate(); err != nil {
		return err
	}

	routerOptions := router.Options{
		Policy:           r.policy,
		Local:            local,
		ExitOnRemoteLoss: r.cfg.Topology == config.TopologyClient || r.cfg.ExitOnRemoteLoss,
		Logger:           r.logger,
	}

	var server *remote.Server
	switch r.cfg.Topology {
	case config.TopologyClient:
		ep, err := r.connect(ctx)
		if err != nil {
			local.Close()
			if ctx.Err() != nil {
				logger.Info("relay stopped", "reason", "interrupted while connecting")
				return nil
			}
			return err
		}
		var s *session
		if r.cfg.Synchronous {
			// Replies go straight back to the Router's pending exchange;
			// the reader still runs so losing the peer ends the relay.
			s = &session{endpoint: ep, exchanger: endpoint.NewExchanger(ep)}
			routerOptions.Exchange = s.exchanger
			r.track(s)
		} else {
			var ok bool
			if s, ok = r.register(ep, true); !ok {
				local.Close()
				return errors.New("relay stopped before the remote endpoint registered")
			}
		}
		r.readers.Add(1)
		go func() {
			defer r.readers.Done()
			r.readRemote(s)
		}()

	case config.TopologyServer:
		server = &remote.Server{
			Addr:   r.cfg.Network.ListenAddr,
			OnConn: r.acceptConn,
			Logger: r.logger,
		}
		if err := server.Listen(); err != nil {
			local.Close()
			return err
		}
		if err := server.Start(ctx); err != nil {
			local.Close()
			return err
		}
		if r.opts.OnListen != nil {
			r.opts.OnListen(server.BoundAddr())
		}
	}

	rt := router.New(routerOptions)

	// The local reader is not waited for on shutdown: a blocked read on the
	// process's stdin only ends when the browser closes it.
	go func() {
		err := local.Run(func(msg types.Message) bool {
			return r.inbox.Push(router.MessageFrom(local.ID(), msg))
		})
		r.inbox.Push(router.Left(local.ID(), err))
	}()

	logger.Info("relay running")
	err := rt.Run(ctx, r.inbox)
	logger.Debug("router finished", "remotes", rt.Remotes())

	r.shutdown(server, local)

	switch {
	case router.IsOrderlyShutdown(err):
		logger.Info("relay stopped", "reason", reason(err))
		return nil
	case errors.Is(err, context.Canceled):
		logger.Info("relay stopped", "reason", "interrupted")
		return nil
	default:
		logger.Error("relay failed", "error", err)
		return err
	}
}

func reason(err error) string {
	if err == nil {
		return "inbox closed"
	}
	return err.Error()
}

// connect dials the desktop application with retry and returns the
// Active endpoint.
func (r *Relay) connect(ctx context.Context) (*endpoint.Endpoint, error) {
	ports := r.opts.Ports
	if ports == nil {
		ports = r.portSource()
	}
	delay := r.cfg.RetryDelay()
	if delay == 0 {
		delay = -1
	}
	dialer := &remote.Dialer{
		Host:        r.cfg.Network.Host,
		Ports:       ports,
		MaxAttempts: r.cfg.Network.MaxAttempts,
		RetryDelay:  delay,
		Clock:       r.clock,
		Dial:        r.opts.Dial,
		Logger:      r.logger,
	}
	conn, err := dialer.Connect(ctx)
	if err != nil {
		return nil, err
	}
	ep := remote.NewEndpoint(conn, r.netCodec, r.logger)
	if err := ep.Activate(); err != nil {
		conn.Close()
		return nil, err
	}
	return ep, nil
}

func (r *Relay) portSource() remote.PortSource {
	switch r.cfg.Network.Discovery {
	case config.DiscoveryStatic:
		return remote.StaticPort(r.cfg.Network.Port)
	case config.DiscoveryMDNS:
		return remote.MDNSPort{
			Service: r.cfg.Network.MDNSService,
			Timeout: r.cfg.MDNSTimeout(),
			Clock:   r.clock,
		}
	default:
		return remote.PortFile{Path: r.cfg.Network.PortFile}
	}
}

// acceptConn handles one inbound connection on the Server's goroutine.
func (r *Relay) acceptConn(conn net.Conn) {
	ep := remote.NewEndpoint(conn, r.netCodec, r.logger)
	if err := ep.Activate(); err != nil {
		conn.Close()
		return
	}
	s, ok := r.register(ep, false)
	if !ok {
		return
	}
	r.readRemote(s)
}

// register announces ep to the Router before its reader starts, so its
// first message can never overtake the join. A blocking outbox is used
// when the peer is the only destination.
func (r *Relay) register(ep *endpoint.Endpoint, block bool) (*session, bool) {
	s := &session{
		endpoint: ep,
		outbox: router.NewOutbox(ep, router.OutboxOptions{
			Capacity: r.cfg.Queue.OutboxSize,
			Block:    block,
			Logger:   r.logger,
		}),
	}
	r.track(s)
	if !r.inbox.Push(router.Joined(s.outbox)) {
		r.logger.Info("relay shutting down, refusing peer", "peer", ep.ID())
		r.release(s)
		return nil, false
	}
	return s, true
}

// readRemote runs the peer's read loop and retires the session when the
// loop ends: Closed, deregistered, its outbox drained.
func (r *Relay) readRemote(s *session) {
	ep := s.endpoint
	var err error
	if s.exchanger != nil {
		err = s.exchanger.Run()
	} else {
		err = ep.ReadLoop(func(msg types.Message) bool {
			return r.inbox.Push(router.MessageFrom(ep.ID(), msg))
		})
	}
	if err != nil && frame.IsDecodeError(err) {
		r.logger.Warn("dropping peer after bad frame", "peer", ep.ID(), "error", err)
	}
	ep.Close()
	r.inbox.Push(router.Left(ep.ID(), err))
	r.release(s)
}

func (r *Relay) track(s *session) {
	r.mu.Lock()
	r.sessions[s.endpoint.ID()] = s
	r.mu.Unlock()
}

func (r *Relay) release(s *session) {
	r.mu.Lock()
	delete(r.sessions, s.endpoint.ID())
	r.mu.Unlock()
	if s.outbox != nil {
		s.outbox.Close()
	}
	s.endpoint.Close()
}

func (r *Relay) snapshot() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// shutdown stops intake, gives queued remote writes a bounded chance to
// drain, then closes every connection and the listener.
func (r *Relay) shutdown(server *remote.Server, local *native.Host) {
	r.inbox.Close()

	sessions := r.snapshot()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for _, s := range sessions {
			if s.outbox != nil {
				s.outbox.Close()
			}
		}
	}()
	if timeout := r.cfg.DrainTimeout(); timeout > 0 {
		select {
		case <-drained:
		case <-r.clock.After(timeout):
			r.logger.Warn("remote writes did not drain in time", "timeout", timeout)
		}
	}

	for _, s := range sessions {
		s.endpoint.Close()
	}
	if server != nil {
		server.Stop()
	}
	local.Close()
	r.readers.Wait()
	<-drained
	r.logger.Info("all connections closed", "closed", len(sessions))
}
