// Package app wires discovery, rendezvous, punching and chat over one socket.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/udpunch/internal/config"
	"github.com/saintparish4/udpunch/internal/signaling"
	"github.com/saintparish4/udpunch/pkg/holepunch"
	"github.com/saintparish4/udpunch/pkg/schedule"
	"github.com/saintparish4/udpunch/pkg/stun"
	"github.com/saintparish4/udpunch/pkg/transport"
	"github.com/saintparish4/udpunch/pkg/types"
)

// QuitCommand typed on its own line ends a chat.
const QuitCommand = "/quit"

// DefaultRoom is used when a rendezvous server is configured without a room.
const DefaultRoom = "udpunch"

// PeerPrompt asks the operator for the peer endpoint once the local public
// endpoint is known.
type PeerPrompt func(ctx context.Context, public stun.MappedAddress) (types.Endpoint, error)

// Options describe one run. Config is required; everything else has a default.
type Options struct {
	Config *config.Config

	// Peer is the remote public endpoint. When empty it comes from the
	// rendezvous room, or from Prompt.
	Peer   types.Endpoint
	Minute *int
	Room   string
	Prompt PeerPrompt

	// Conn is the socket to use; nil binds Config.BindAddr. It is closed
	// before Connect or Discover returns.
	Conn transport.PacketConn

	Input  io.Reader
	Output io.Writer
	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

func (o *Options) setDefaults() {
	if o.Config == nil {
		o.Config = config.Default()
	}
	if o.Room == "" {
		o.Room = DefaultRoom
	}
	if o.Input == nil {
		o.Input = os.Stdin
	}
	if o.Output == nil {
		o.Output = os.Stdout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.S().Named("app")
	}
}

// Bind opens the UDP socket every component shares.
func Bind(addr string) (*net.UDPConn, error) {
	pc, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return pc.(*net.UDPConn), nil
}

// Discover reports the public endpoint of the socket and closes it.
func Discover(ctx context.Context, opts Options) (stun.MappedAddress, error) {
	opts.setDefaults()
	out := newConsole(opts.Output)

	var public stun.MappedAddress
	err := withDispatcher(ctx, &opts, out, func(ctx context.Context, d *transport.Dispatcher) error {
		var err error
		public, err = discover(ctx, d, &opts, out)
		return err
	})
	return public, err
}

// Connect discovers the public endpoint, learns the peer, punches and then
// relays chat between Input and the peer until ctx ends, the operator quits
// or the burst is exhausted.
func Connect(ctx context.Context, opts Options) error {
	opts.setDefaults()
	out := newConsole(opts.Output)

	return withDispatcher(ctx, &opts, out, func(ctx context.Context, d *transport.Dispatcher) error {
		public, err := discover(ctx, d, &opts, out)
		if err != nil {
			return err
		}

		peer, minute, err := resolvePeer(ctx, &opts, public, out)
		if err != nil {
			return err
		}
		return punchAndChat(ctx, d, &opts, peer, minute, out)
	})
}

// withDispatcher binds the socket, runs the dispatcher alongside fn and tears
// both down in order: fn returns, the socket closes, the reader exits.
func withDispatcher(ctx context.Context, opts *Options, out *console, fn func(context.Context, *transport.Dispatcher) error) error {
	conn := opts.Conn
	if conn == nil {
		udp, err := Bind(opts.Config.BindAddr)
		if err != nil {
			return err
		}
		conn = udp
	}
	out.info.Printfln("Local socket: %s", conn.LocalAddr())

	d := transport.NewDispatcher(conn,
		transport.WithClock(opts.Clock),
		transport.WithLogger(opts.Logger.Named("dispatcher")),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx)
	})

	runErr := fn(gctx, d)
	cancel()

	var closeErr error
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		closeErr = fmt.Errorf("close socket: %w", err)
	}
	return multierr.Combine(runErr, closeErr, g.Wait())
}

func discover(ctx context.Context, d *transport.Dispatcher, opts *Options, out *console) (stun.MappedAddress, error) {
	cfg := opts.Config
	out.info.Printfln("Discovering public endpoint via %s", cfg.STUNServer)

	client := stun.NewClient(d, stun.ClientConfig{
		ServerAddr: cfg.STUNServer,
		Timeout:    cfg.DiscoveryTimeout,
		Clock:      opts.Clock,
		Logger:     opts.Logger.Named("stun"),
	})
	public, err := client.Discover(ctx)
	if err != nil {
		return stun.MappedAddress{}, err
	}

	out.success.Printfln("Public endpoint: %s", public)
	return public, nil
}

func resolvePeer(ctx context.Context, opts *Options, public stun.MappedAddress, out *console) (types.Endpoint, *int, error) {
	if opts.Peer.IP != "" {
		return opts.Peer, opts.Minute, opts.Peer.Validate()
	}

	if url := opts.Config.Rendezvous; url != "" {
		out.info.Printfln("Waiting for a peer in room %q on %s", opts.Room, url)
		got, err := signaling.Exchange(ctx, url, opts.Room, signaling.Announcement{
			Endpoint: public.Endpoint(),
			Minute:   opts.Minute,
		})
		if err != nil {
			return types.Endpoint{}, nil, fmt.Errorf("rendezvous: %w", err)
		}

		// the first member to name a minute sets the schedule for both
		minute := opts.Minute
		if minute == nil {
			minute = got.Minute
		}
		out.success.Printfln("Peer announced %s", got.Endpoint)
		return got.Endpoint, minute, nil
	}

	if opts.Prompt != nil {
		peer, err := opts.Prompt(ctx, public)
		if err != nil {
			return types.Endpoint{}, nil, err
		}
		return peer, opts.Minute, peer.Validate()
	}

	return types.Endpoint{}, nil, fmt.Errorf("%w: peer endpoint required", types.ErrInvalidInput)
}

func punchAndChat(ctx context.Context, d *transport.Dispatcher, opts *Options, peer types.Endpoint, minute *int, out *console) error {
	cfg := opts.Config

	peerAddr, err := peer.AddrPort()
	if err != nil {
		return err
	}

	target := schedule.Immediate(opts.Clock.Now())
	if minute != nil {
		if target, err = schedule.AtMinute(opts.Clock.Now(), *minute); err != nil {
			return err
		}
	}

	sess, err := holepunch.NewSession(d, holepunch.Config{
		Peer:              peerAddr,
		Target:            target,
		MaxAttempts:       cfg.MaxAttempts,
		Interval:          cfg.PunchInterval,
		KeepAliveInterval: cfg.KeepAliveInterval,
		Clock:             opts.Clock,
		Logger:            opts.Logger.Named("session"),
	})
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	runErr := make(chan error, 1)
	go func() {
		runErr <- sess.Run(ctx)
	}()

	lines := readLines(ctx, opts.Input)
	events := sess.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			out.event(ev)

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			switch {
			case line == QuitCommand:
				stop()
			case line == "":
			default:
				if err := sess.Send(ctx, []byte(line)); err != nil && ctx.Err() == nil {
					if errors.Is(err, types.ErrNotConnected) {
						out.warn.Println("Not connected yet, message dropped")
						continue
					}
					out.warn.Printfln("Send failed: %v", err)
				}
			}
		}
	}

	return <-runErr
}

// readLines forwards trimmed lines until EOF or ctx ends. A read already
// blocked on r is not interrupted.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
