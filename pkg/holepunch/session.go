// Package holepunch establishes direct UDP connectivity with a peer whose
// public endpoint is already known, then keeps the mapping alive.
package holepunch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saintparish4/udpunch/pkg/schedule"
	"github.com/saintparish4/udpunch/pkg/transport"
	"github.com/saintparish4/udpunch/pkg/types"
)

const eventBufferSize = 64

// State is the position of a session in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StatePunching
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePunching:
		return "punching"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Transport is the part of the socket dispatcher a session needs.
type Transport interface {
	Sender
	Subscribe(from netip.AddrPort) (*transport.Subscription, error)
}

// Config holds configuration for a punch session
type Config struct {
	Peer              netip.AddrPort  // peer's public endpoint
	Target            schedule.Target // when the burst fires; zero fires immediately
	MaxAttempts       int
	Interval          time.Duration
	KeepAliveInterval time.Duration
	Clock             clock.Clock
	Logger            *zap.SugaredLogger
}

type sendRequest struct {
	payload []byte
	errc    chan error
}

// Session drives one peer from idle through punching to connected. All state
// is owned by the goroutine running Run; other goroutines talk to it through
// Send and Events.
type Session struct {
	id                string
	transport         Transport
	peer              netip.AddrPort
	target            schedule.Target
	maxAttempts       int
	interval          time.Duration
	keepAliveInterval time.Duration
	clock             clock.Clock
	log               *zap.SugaredLogger

	events chan Event
	sends  chan sendRequest
	done   chan struct{}

	started       atomic.Bool
	state         atomic.Int32
	lastInboundAt atomic.Pointer[time.Time]

	countdown *schedule.Countdown
	burst     *Burst
	keepAlive *KeepAlive
}

// NewSession validates cfg and creates an idle session.
func NewSession(t Transport, cfg Config) (*Session, error) {
	peer := netip.AddrPortFrom(cfg.Peer.Addr().Unmap(), cfg.Peer.Port())
	if !peer.Addr().Is4() || peer.Port() == 0 {
		return nil, fmt.Errorf("%w: peer endpoint %s", types.ErrInvalidInput, cfg.Peer)
	}
	if cfg.MaxAttempts < 0 || cfg.Interval < 0 || cfg.KeepAliveInterval < 0 {
		return nil, fmt.Errorf("%w: negative burst or keep-alive setting", types.ErrInvalidInput)
	}

	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	id := uuid.NewString()
	if cfg.Logger == nil {
		cfg.Logger = zap.S().Named("session")
	}
	log := cfg.Logger.With("session", id[:8], "peer", peer.String())

	return &Session{
		id:                id,
		transport:         t,
		peer:              peer,
		target:            cfg.Target,
		maxAttempts:       cfg.MaxAttempts,
		interval:          cfg.Interval,
		keepAliveInterval: cfg.KeepAliveInterval,
		clock:             cfg.Clock,
		log:               log,
		events:            make(chan Event, eventBufferSize),
		sends:             make(chan sendRequest),
		done:              make(chan struct{}),
	}, nil
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// Peer is the endpoint being punched.
func (s *Session) Peer() netip.AddrPort {
	return s.peer
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// LastInboundAt is when the last datagram from the peer arrived. The zero
// time means nothing has arrived yet.
func (s *Session) LastInboundAt() time.Time {
	if t := s.lastInboundAt.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// Events is closed when Run returns.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send queues an application payload for the peer. It fails with
// ErrNotConnected until the session has connected and after it has closed.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	req := sendRequest{payload: payload, errc: make(chan error, 1)}

	select {
	case s.sends <- req:
	case <-s.done:
		return fmt.Errorf("%w: session closed", types.ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the session until ctx is cancelled or the burst is exhausted.
// Every timer is stopped before Run returns; closing the socket afterwards
// is the caller's job.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	defer close(s.events)
	defer close(s.done)

	sub, err := s.transport.Subscribe(s.peer)
	if err != nil {
		s.setState(StateClosed)
		return types.NewOpError("subscribe", err)
	}
	defer sub.Cancel()

	s.burst = newBurst(s.transport, s.peer, s.interval, s.maxAttempts, s.clock, s.log)
	s.keepAlive = NewKeepAlive(s.transport, s.peer, s.clock, s.log)
	defer s.shutdown()

	if s.target.Immediate() {
		s.startBurst(ctx)
	} else {
		s.countdown = schedule.NewCountdown(s.clock, s.target)
		s.log.Infow("punch scheduled", "at", s.target.At.Format(time.TimeOnly), "in", s.target.Delay)
		s.emit(ctx, InfoEvent{
			Message:   "punching at " + s.target.At.Format(time.TimeOnly),
			Remaining: s.countdown.Remaining(),
		})
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Debugw("session stopping", "state", s.State())
			return nil

		case dg, ok := <-sub.C:
			if !ok {
				return types.NewOpError("receive", net.ErrClosed)
			}
			s.handleInbound(ctx, dg)

		case <-s.countdown.C():
			remaining, fire := s.countdown.Tick()
			if fire {
				s.countdown = nil
				s.startBurst(ctx)
				continue
			}
			s.emit(ctx, InfoEvent{
				Message:   fmt.Sprintf("%v until punch", remaining.Round(time.Second)),
				Remaining: remaining,
			})

		case <-s.burst.C():
			attempt, err := s.burst.Tick()
			if err != nil {
				s.log.Warnw("punch burst exhausted", "attempts", attempt)
				s.emit(ctx, FailureEvent{Err: err})
				return types.NewOpError("punch", err)
			}
			s.emit(ctx, PunchEvent{Attempt: attempt, MaxAttempts: s.maxAttempts})

		case <-s.keepAlive.C():
			s.keepAlive.Beat()

		case req := <-s.sends:
			req.errc <- s.send(req.payload)
		}
	}
}

func (s *Session) startBurst(ctx context.Context) {
	s.setState(StatePunching)
	s.log.Infow("punch burst started", "max", s.maxAttempts, "interval", s.interval)
	attempt := s.burst.Start()
	s.emit(ctx, PunchEvent{Attempt: attempt, MaxAttempts: s.maxAttempts})
}

func (s *Session) handleInbound(ctx context.Context, dg transport.Datagram) {
	at := dg.At
	s.lastInboundAt.Store(&at)
	class := Classify(dg.Payload)

	if s.State() == StatePunching {
		s.burst.Stop()
		s.setState(StateConnected)
		s.keepAlive.Start(s.keepAliveInterval)
		s.log.Infow("connected", "attempts", s.burst.Attempt(), "first", class)
		s.emit(ctx, ConnectedEvent{Peer: s.peer, Attempts: s.burst.Attempt(), At: dg.At})
	}

	if class != ClassChat || s.State() != StateConnected {
		s.log.Debugw("inbound", "class", class, "state", s.State(), "bytes", len(dg.Payload))
		return
	}

	// chat never stalls the loop; a slow reader loses lines instead
	select {
	case s.events <- MessageEvent{From: dg.From, Text: string(dg.Payload), At: dg.At}:
	default:
		s.log.Warnw("event queue full, dropping chat message", "bytes", len(dg.Payload))
	}
}

func (s *Session) send(payload []byte) error {
	if s.State() != StateConnected {
		return types.ErrNotConnected
	}
	if err := s.transport.Send(s.peer, payload); err != nil {
		s.log.Warnw("send failed", "err", err)
		return err
	}
	return nil
}

func (s *Session) shutdown() {
	s.countdown.Stop()
	s.burst.Stop()
	s.keepAlive.Stop()
	s.setState(StateClosed)
}

func (s *Session) setState(state State) {
	prev := State(s.state.Swap(int32(state)))
	if prev != state {
		s.log.Debugw("state change", "from", prev, "to", state)
	}
}

func (s *Session) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
