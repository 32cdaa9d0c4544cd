package holepunch

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/saintparish4/udpunch/pkg/types"
)

const (
	// DefaultMaxAttempts bounds a punch burst.
	DefaultMaxAttempts = 100

	// DefaultInterval between punch sends.
	DefaultInterval = 100 * time.Millisecond
)

// Sender writes one datagram to a peer. transport.Dispatcher satisfies it.
type Sender interface {
	Send(to netip.AddrPort, payload []byte) error
}

// Burst sends bounded punch datagrams to one peer. It owns no goroutine:
// the session loop selects on C and calls Tick.
type Burst struct {
	sender      Sender
	peer        netip.AddrPort
	interval    time.Duration
	maxAttempts int
	clock       clock.Clock
	log         *zap.SugaredLogger

	ticker  *clock.Ticker
	attempt int
}

func newBurst(sender Sender, peer netip.AddrPort, interval time.Duration, maxAttempts int, c clock.Clock, log *zap.SugaredLogger) *Burst {
	return &Burst{
		sender:      sender,
		peer:        peer,
		interval:    interval,
		maxAttempts: maxAttempts,
		clock:       c,
		log:         log,
	}
}

// Start sends the first punch and arms the interval ticker.
func (b *Burst) Start() int {
	b.ticker = b.clock.Ticker(b.interval)
	return b.fire()
}

// C fires once per interval while the burst is active.
func (b *Burst) C() <-chan time.Time {
	if b == nil || b.ticker == nil {
		return nil
	}
	return b.ticker.C
}

// Tick sends the next punch. Once maxAttempts have been sent it stops the
// burst and returns ErrExhaustedAttempts instead.
func (b *Burst) Tick() (int, error) {
	if b.attempt >= b.maxAttempts {
		b.Stop()
		return b.attempt, fmt.Errorf("%w: %d punches sent to %s", types.ErrExhaustedAttempts, b.attempt, b.peer)
	}
	return b.fire(), nil
}

// Stop cancels the ticker. No punch is sent after Stop returns.
func (b *Burst) Stop() {
	if b == nil || b.ticker == nil {
		return
	}
	b.ticker.Stop()
	b.ticker = nil
}

// Active reports whether the burst is still sending.
func (b *Burst) Active() bool {
	return b != nil && b.ticker != nil
}

// Attempt is the number of punches sent so far, failed sends included.
func (b *Burst) Attempt() int {
	return b.attempt
}

func (b *Burst) fire() int {
	b.attempt++
	msg := NewPunchMessage(b.attempt, b.clock.Now())

	payload, err := msg.Encode()
	if err != nil {
		b.log.Errorw("failed to encode punch", "attempt", b.attempt, "err", err)
		return b.attempt
	}

	if err := b.sender.Send(b.peer, payload); err != nil {
		b.log.Warnw("punch send failed", "attempt", b.attempt, "peer", b.peer, "err", err)
		return b.attempt
	}
	b.log.Debugw("punch sent", "attempt", b.attempt, "max", b.maxAttempts, "peer", b.peer)
	return b.attempt
}
