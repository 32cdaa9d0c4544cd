// Package transport multiplexes one datagram socket between discovery,
// punching and chat traffic.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/saintparish4/udpunch/pkg/types"
)

// BufferSize for receiving UDP packets
const BufferSize = 1500

const defaultQueueSize = 64

// PacketConn is the bound datagram socket. *net.UDPConn satisfies it.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	LocalAddr() net.Addr
	Close() error
}

// Datagram is one inbound packet together with its source.
type Datagram struct {
	From    netip.AddrPort
	Payload []byte
	At      time.Time
}

// Subscription receives datagrams from exactly one source address.
type Subscription struct {
	C <-chan Datagram

	from netip.AddrPort
	ch   chan Datagram
	d    *Dispatcher
	once sync.Once
}

// Cancel removes the route. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.d.unsubscribe(s)
	})
}

// Dispatcher is the only reader of the socket. It routes every inbound
// datagram by exact source address; datagrams from unknown sources are dropped.
type Dispatcher struct {
	conn  PacketConn
	clock clock.Clock
	log   *zap.SugaredLogger

	mu     sync.Mutex
	routes map[netip.AddrPort]*Subscription
	closed bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock used to timestamp inbound datagrams.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// NewDispatcher wraps a bound socket.
func NewDispatcher(conn PacketConn, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conn:   conn,
		clock:  clock.New(),
		log:    zap.S().Named("dispatcher"),
		routes: make(map[netip.AddrPort]*Subscription),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// LocalAddr returns the bound socket address.
func (d *Dispatcher) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// Subscribe registers a route for datagrams from the given source. It must be
// called before sending anything that expects a reply from that source.
func (d *Dispatcher) Subscribe(from netip.AddrPort) (*Subscription, error) {
	from = unmap(from)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, net.ErrClosed
	}
	if _, exists := d.routes[from]; exists {
		return nil, fmt.Errorf("source %s already subscribed", from)
	}

	ch := make(chan Datagram, defaultQueueSize)
	sub := &Subscription{C: ch, from: from, ch: ch, d: d}
	d.routes[from] = sub
	return sub, nil
}

func (d *Dispatcher) unsubscribe(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cur, ok := d.routes[s.from]; ok && cur == s {
		delete(d.routes, s.from)
		close(s.ch)
	}
}

// Send writes payload to the destination. Failures wrap types.ErrSendFailure.
func (d *Dispatcher) Send(to netip.AddrPort, payload []byte) error {
	addr := net.UDPAddrFromAddrPort(unmap(to))
	if _, err := d.conn.WriteTo(payload, addr); err != nil {
		return fmt.Errorf("%w: to %s: %v", types.ErrSendFailure, to, err)
	}
	return nil
}

// Run reads the socket until ctx is cancelled or the socket is closed.
// Closing the socket is the caller's job; Run returns nil in that case.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.close()

	buf := make([]byte, BufferSize)
	for {
		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("read: %w", err)
		}

		from, ok := addrPortOf(addr)
		if !ok {
			d.log.Debugw("dropping datagram with unusable source", "addr", addr)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		d.route(Datagram{From: from, Payload: payload, At: d.clock.Now()})
	}
}

func (d *Dispatcher) route(dg Datagram) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, ok := d.routes[dg.From]
	if !ok {
		d.log.Debugw("dropping datagram from unknown source", "from", dg.From, "bytes", len(dg.Payload))
		return
	}

	select {
	case sub.ch <- dg:
	default:
		d.log.Warnw("receive queue full, dropping datagram", "from", dg.From)
	}
}

func (d *Dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	for from, sub := range d.routes {
		delete(d.routes, from)
		close(sub.ch)
	}
}

func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return unmap(ua.AddrPort()), true
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}, false
	}
	return unmap(ap), true
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
