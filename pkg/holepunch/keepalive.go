package holepunch

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultKeepAliveInterval is the heartbeat period once connected.
const DefaultKeepAliveInterval = 5 * time.Second

// KeepAlive sends the heartbeat literal to the peer on a ticker.
type KeepAlive struct {
	sender Sender
	peer   netip.AddrPort
	clock  clock.Clock
	log    *zap.SugaredLogger

	ticker *clock.Ticker
	sent   int
}

// NewKeepAlive creates a stopped heartbeat loop for peer.
func NewKeepAlive(sender Sender, peer netip.AddrPort, c clock.Clock, log *zap.SugaredLogger) *KeepAlive {
	if c == nil {
		c = clock.New()
	}
	if log == nil {
		log = zap.S().Named("keepalive")
	}
	return &KeepAlive{sender: sender, peer: peer, clock: c, log: log}
}

// Start begins beating every interval. A running ticker is replaced, so
// calling Start twice never yields two loops.
func (k *KeepAlive) Start(interval time.Duration) {
	k.Stop()
	k.ticker = k.clock.Ticker(interval)
	k.log.Debugw("keep-alive started", "peer", k.peer, "interval", interval)
}

// Stop cancels the ticker. Safe to call when never started.
func (k *KeepAlive) Stop() {
	if k == nil || k.ticker == nil {
		return
	}
	k.ticker.Stop()
	k.ticker = nil
}

// C fires once per interval while running.
func (k *KeepAlive) C() <-chan time.Time {
	if k == nil || k.ticker == nil {
		return nil
	}
	return k.ticker.C
}

// Running reports whether the ticker is armed.
func (k *KeepAlive) Running() bool {
	return k != nil && k.ticker != nil
}

// Beat sends one heartbeat. Failures are logged and otherwise ignored.
func (k *KeepAlive) Beat() {
	k.sent++
	if err := k.sender.Send(k.peer, []byte(KeepAliveMessage)); err != nil {
		k.log.Warnw("keep-alive send failed", "peer", k.peer, "err", err)
	}
}

// Sent is the number of heartbeats attempted.
func (k *KeepAlive) Sent() int {
	return k.sent
}
