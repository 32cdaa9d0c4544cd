package stun

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/saintparish4/udpunch/pkg/transport"
	"github.com/saintparish4/udpunch/pkg/types"
)

const (
	// DefaultServer is a well-known public binding server.
	DefaultServer = "stun.l.google.com:19302"

	// DefaultTimeout is how long Discover waits for the single response.
	DefaultTimeout = 3 * time.Second
)

// Client performs one binding round trip over a shared socket.
type Client struct {
	dispatcher *transport.Dispatcher
	serverAddr string
	timeout    time.Duration
	clock      clock.Clock
	log        *zap.SugaredLogger
}

// ClientConfig holds configuration for creating a STUN client
type ClientConfig struct {
	ServerAddr string        // STUN server address (host:port)
	Timeout    time.Duration // Response timeout
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
}

// NewClient creates a new STUN client on top of the socket dispatcher.
func NewClient(d *transport.Dispatcher, cfg ClientConfig) *Client {
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = DefaultServer
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.S().Named("stun")
	}

	return &Client{
		dispatcher: d,
		serverAddr: cfg.ServerAddr,
		timeout:    cfg.Timeout,
		clock:      cfg.Clock,
		log:        cfg.Logger,
	}
}

// Discover sends one binding request and returns the mapped address from
// the first datagram the server sends back. There is no retry.
func (c *Client) Discover(ctx context.Context) (MappedAddress, error) {
	serverAddr, err := resolveServer(c.serverAddr)
	if err != nil {
		return MappedAddress{}, types.NewOpError("resolve server", err)
	}

	request, err := EncodeRequest()
	if err != nil {
		return MappedAddress{}, types.NewOpError("build request", err)
	}

	// Route replies before the request leaves so a fast response cannot be lost.
	sub, err := c.dispatcher.Subscribe(serverAddr)
	if err != nil {
		return MappedAddress{}, types.NewOpError("subscribe", err)
	}
	defer sub.Cancel()

	timer := c.clock.Timer(c.timeout)
	defer timer.Stop()

	c.log.Debugw("sending binding request", "server", serverAddr)
	if err := c.dispatcher.Send(serverAddr, request); err != nil {
		return MappedAddress{}, types.NewOpError("send request", err)
	}

	select {
	case <-ctx.Done():
		return MappedAddress{}, types.NewOpError("discover", ctx.Err())

	case <-timer.C:
		return MappedAddress{}, types.NewOpError("discover",
			fmt.Errorf("%w: no response from %s after %v", types.ErrTimeout, serverAddr, c.timeout))

	case dg, ok := <-sub.C:
		if !ok {
			return MappedAddress{}, types.NewOpError("discover", net.ErrClosed)
		}
		timer.Stop()

		addr, err := DecodeResponse(dg.Payload)
		if err != nil {
			return MappedAddress{}, types.NewOpError("decode response", err)
		}
		c.log.Debugw("discovered public endpoint", "addr", addr.String())
		return addr, nil
	}
}

func resolveServer(server string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(server); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}

	ua, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
