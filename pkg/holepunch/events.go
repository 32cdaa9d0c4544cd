package holepunch

import (
	"net/netip"
	"time"
)

// Event is something the operator-facing side should hear about.
type Event interface {
	event()
}

// InfoEvent reports countdown progress before the burst starts.
type InfoEvent struct {
	Message   string
	Remaining time.Duration
}

// PunchEvent reports one punch datagram handed to the socket.
type PunchEvent struct {
	Attempt     int
	MaxAttempts int
}

// ConnectedEvent is emitted once, on the first datagram from the peer
// while punching.
type ConnectedEvent struct {
	Peer     netip.AddrPort
	Attempts int
	At       time.Time
}

// MessageEvent carries a chat payload from the peer.
type MessageEvent struct {
	From netip.AddrPort
	Text string
	At   time.Time
}

// FailureEvent reports a terminal session failure.
type FailureEvent struct {
	Err error
}

func (InfoEvent) event()      {}
func (PunchEvent) event()     {}
func (ConnectedEvent) event() {}
func (MessageEvent) event()   {}
func (FailureEvent) event()   {}
