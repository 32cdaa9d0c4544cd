package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/saintparish4/udpunch/internal/app"
	"github.com/saintparish4/udpunch/internal/config"
	"github.com/saintparish4/udpunch/internal/logging"
	"github.com/saintparish4/udpunch/internal/signaling"
	"github.com/saintparish4/udpunch/pkg/stun"
	"github.com/saintparish4/udpunch/pkg/types"
)

const (
	defaultConfigFile = "udpunch.yaml"
	defaultSTUNListen = ":3478"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "udpunch",
		Short: "Direct UDP between two peers behind NAT",
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			debug, _ := cmd.Flags().GetBool("debug")
			logging.Init(debug)
		},
	}
	rootCmd.PersistentFlags().String("config", defaultConfigFile, "YAML config file (missing file means defaults)")
	rootCmd.PersistentFlags().Bool("debug", false, "Verbose logging to stderr")

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover your public IP and port",
		Run:   runDiscover,
	}
	discoverCmd.Flags().String("stun", "", "Binding server host:port (overrides config and "+config.EnvSTUNServer+")")
	discoverCmd.Flags().String("bind", "", "Local UDP address to bind")

	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Punch through to a peer and chat",
		Run:   runConnect,
	}
	connectCmd.Flags().String("peer", "", "Peer public endpoint IP:PORT (prompted when empty and no rendezvous)")
	connectCmd.Flags().Int("minute", 0, "Fire the burst at this minute of the hour (0-59); immediate when unset")
	connectCmd.Flags().String("stun", "", "Binding server host:port (overrides config and "+config.EnvSTUNServer+")")
	connectCmd.Flags().String("bind", "", "Local UDP address to bind")
	connectCmd.Flags().String("rendezvous", "", "Rendezvous websocket URL, e.g. ws://host:8080/ws")
	connectCmd.Flags().String("room", app.DefaultRoom, "Rendezvous room shared with the peer")
	connectCmd.Flags().Int("attempts", 0, "Punch attempts before giving up")
	connectCmd.Flags().Duration("interval", 0, "Delay between punches")

	stunServerCmd := &cobra.Command{
		Use:   "stun-server",
		Short: "Answer binding requests with the observed source address",
		Run:   runSTUNServer,
	}
	stunServerCmd.Flags().String("listen", defaultSTUNListen, "UDP listen address")

	rendezvousCmd := &cobra.Command{
		Use:   "rendezvous",
		Short: "Run the websocket rendezvous server",
		Run:   runRendezvous,
	}
	rendezvousCmd.Flags().String("listen", signaling.DefaultConfig().Addr, "HTTP listen address")

	rootCmd.AddCommand(discoverCmd, connectCmd, stunServerCmd, rendezvousCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDiscover(cmd *cobra.Command, _ []string) {
	defer zap.S().Sync() //nolint:errcheck

	cfg := loadConfig(cmd)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	public, err := app.Discover(ctx, app.Options{Config: cfg})
	if err != nil {
		fail("discovery failed", err)
	}

	pterm.Println()
	pterm.Info.Printfln("IP:   %s", public.IP)
	pterm.Info.Printfln("Port: %d", public.Port)
	pterm.Info.Println("Share this endpoint with your peer, then both run: udpunch connect --peer IP:PORT")
}

func runConnect(cmd *cobra.Command, _ []string) {
	defer zap.S().Sync() //nolint:errcheck

	cfg := loadConfig(cmd)
	opts := app.Options{Config: cfg}

	if raw, _ := cmd.Flags().GetString("peer"); raw != "" {
		peer, err := types.ParseEndpoint(raw)
		if err != nil {
			fail("invalid --peer", err)
		}
		opts.Peer = peer
	}
	if cmd.Flags().Changed("minute") {
		minute, _ := cmd.Flags().GetInt("minute")
		if err := types.ValidateMinute(minute); err != nil {
			fail("invalid --minute", err)
		}
		opts.Minute = &minute
	}
	opts.Room, _ = cmd.Flags().GetString("room")
	if opts.Peer.IP == "" && cfg.Rendezvous == "" {
		opts.Prompt = askPeer
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Connect(ctx, opts); err != nil {
		fail("connect failed", err)
	}
	pterm.Info.Println("Session closed")
}

func runSTUNServer(cmd *cobra.Command, _ []string) {
	defer zap.S().Sync() //nolint:errcheck

	listen, _ := cmd.Flags().GetString("listen")
	conn, err := net.ListenPacket("udp4", listen)
	if err != nil {
		fail("listen", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pterm.Info.Printfln("Binding server listening on %s", conn.LocalAddr())
	if err := stun.NewServer(conn, zap.S().Named("stun-server")).Serve(ctx); err != nil {
		fail("binding server", err)
	}
}

func runRendezvous(cmd *cobra.Command, _ []string) {
	defer zap.S().Sync() //nolint:errcheck

	cfg := signaling.DefaultConfig()
	cfg.Addr, _ = cmd.Flags().GetString("listen")
	cfg.Logger = zap.S().Named("rendezvous")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pterm.Info.Printfln("Rendezvous server listening on %s (websocket at /ws)", cfg.Addr)
	if err := signaling.NewServer(cfg).ListenAndServe(ctx); err != nil {
		fail("rendezvous server", err)
	}
}

// loadConfig reads the config file and applies flag overrides on top.
func loadConfig(cmd *cobra.Command) *config.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		fail("config", err)
	}

	flags := cmd.Flags()
	if flags.Changed("debug") {
		cfg.Debug, _ = flags.GetBool("debug")
	}
	if flags.Lookup("stun") != nil && flags.Changed("stun") {
		cfg.STUNServer, _ = flags.GetString("stun")
	}
	if flags.Lookup("bind") != nil && flags.Changed("bind") {
		cfg.BindAddr, _ = flags.GetString("bind")
	}
	if flags.Lookup("rendezvous") != nil && flags.Changed("rendezvous") {
		cfg.Rendezvous, _ = flags.GetString("rendezvous")
	}
	if flags.Lookup("attempts") != nil && flags.Changed("attempts") {
		cfg.MaxAttempts, _ = flags.GetInt("attempts")
	}
	if flags.Lookup("interval") != nil && flags.Changed("interval") {
		cfg.PunchInterval, _ = flags.GetDuration("interval")
	}

	if err := cfg.Validate(); err != nil {
		fail("config", err)
	}
	if cfg.Debug {
		logging.Init(true)
	}
	return cfg
}

// askPeer prompts until the operator enters a usable endpoint.
func askPeer(ctx context.Context, public stun.MappedAddress) (types.Endpoint, error) {
	pterm.Println()
	pterm.Info.Printfln("Give your peer this endpoint: %s", public)

	ip, err := askUntil(ctx, showPrompt("Peer public IP"), func(raw string) error {
		_, err := types.NewEndpoint(raw, 1)
		return err
	})
	if err != nil {
		return types.Endpoint{}, err
	}

	var port int
	_, err = askUntil(ctx, showPrompt("Peer public port"), func(raw string) error {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: port must be a number", types.ErrInvalidInput)
		}
		port = n
		_, err = types.NewEndpoint(ip, n)
		return err
	})
	if err != nil {
		return types.Endpoint{}, err
	}
	return types.NewEndpoint(ip, port)
}

func showPrompt(text string) func() (string, error) {
	return func() (string, error) {
		return pterm.DefaultInteractiveTextInput.
			WithDefaultText(text).
			Show()
	}
}

// askUntil reads answers until check accepts one. A failed read (stdin
// closed) or a cancelled ctx ends the prompt.
func askUntil(ctx context.Context, read func() (string, error), check func(string) error) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		raw, err := read()
		if err != nil {
			return "", fmt.Errorf("read answer: %w", err)
		}
		raw = strings.TrimSpace(raw)

		if err := check(raw); err != nil {
			pterm.Warning.Println(err.Error())
			continue
		}
		pterm.Println()
		return raw, nil
	}
}

func fail(what string, err error) {
	pterm.Error.Printfln("%s [%s]: %v", what, types.Kind(err), err)
	os.Exit(1)
}
