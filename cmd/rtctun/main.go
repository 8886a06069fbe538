// Command rtctun forwards TCP connections to a server peer over a WebRTC DataChannel.
// The server is reached once through WebSocket signaling; after that, tunnel
// traffic flows peer to peer (or through TURN when no direct path exists).
//
// Without a client mode flag (-L, -W or -p) the process runs as the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/1ureka/rtctun/internal/config"
	"github.com/1ureka/rtctun/internal/rules"
	"github.com/1ureka/rtctun/internal/session"
	"github.com/1ureka/rtctun/internal/signaling"
	"github.com/1ureka/rtctun/internal/transport"
	"github.com/1ureka/rtctun/internal/tunnel"
	"github.com/1ureka/rtctun/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var (
		configFile string
		peers      []string
	)

	cmd := &cobra.Command{
		Use:   "rtctun",
		Short: "TCP tunnels over a peer-to-peer WebRTC DataChannel",
		Example: `  rtctun --listen :8443 -s secret -f rules.txt          # server
  rtctun -i wss://server.example -s secret -L 2222:localhost:22
  rtctun -i wss://server.example -W localhost:22     # ssh ProxyCommand
  rtctun -i wss://server.example -p                  # ping`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolved, err := resolveConfig(cmd.Flags(), cfg, configFile, peers)
			if err != nil {
				return err
			}
			return run(cmd.Context(), resolved)
		},
	}

	f := cmd.Flags()
	bindFlags(f, cfg)
	f.StringVarP(&configFile, "config", "c", "", "YAML config file; flags override its values")
	f.StringArrayVarP(&peers, "peer", "i", nil, "client: signaling URL of the server; server: allowed client identity (repeatable)")
	return cmd
}

// bindFlags binds every flag that maps onto a Config field.
func bindFlags(f *pflag.FlagSet, cfg *config.Config) {
	f.StringVarP(&cfg.Forward, "forward", "L", cfg.Forward, "forward <localport>:<host>:<port> through the server")
	f.StringVarP(&cfg.Pipe, "pipe", "W", cfg.Pipe, "connect stdin/stdout to <host>:<port> (ssh ProxyCommand)")
	f.BoolVarP(&cfg.Ping, "ping", "p", cfg.Ping, "measure the round trip to the server and exit")
	f.StringVar(&cfg.BindHost, "bind", cfg.BindHost, "forward mode: local listen host (default all interfaces)")
	f.BoolVar(&cfg.Reconnect, "reconnect", cfg.Reconnect, "forward mode: reconnect after losing the server")

	f.StringVar(&cfg.Listen, "listen", cfg.Listen, "server: signaling listen address")
	f.StringVarP(&cfg.RulesFile, "rules", "f", cfg.RulesFile, "server: file of allowed <host>:<port> targets")

	f.StringVarP(&cfg.Secret, "secret", "s", cfg.Secret, "shared secret (default $"+config.SecretEnv+")")
	f.StringVarP(&cfg.ConfigDir, "config-dir", "C", cfg.ConfigDir, "directory holding the persistent identity")
	f.StringSliceVar(&cfg.STUN, "stun", cfg.STUN, "STUN server URL (repeatable)")
	f.StringVarP(&cfg.UDPPorts, "udp-ports", "u", cfg.UDPPorts, "local UDP port range <min>:<max>")
	// CountVarP zeroes its target.
	verbosity := cfg.Verbosity
	f.CountVarP(&cfg.Verbosity, "debug", "d", "more logging (-dd adds trace and WebRTC internals)")
	cfg.Verbosity = verbosity
	f.BoolVarP(&cfg.Quiet, "quiet", "q", cfg.Quiet, "log errors only")
	f.StringVarP(&cfg.PIDFile, "pid-file", "F", cfg.PIDFile, "write the process id to this file")

	f.DurationVar((*time.Duration)(&cfg.HandshakeTimeout), "handshake-timeout", cfg.HandshakeTimeout.Std(), "time to reach the server before retrying")
	f.DurationVar((*time.Duration)(&cfg.TunnelTimeout), "tunnel-timeout", cfg.TunnelTimeout.Std(), "time to wait for a tunnel acknowledgement")
	f.DurationVar((*time.Duration)(&cfg.PingTimeout), "ping-timeout", cfg.PingTimeout.Std(), "time to wait for a pong")
	f.DurationVar((*time.Duration)(&cfg.DialTimeout), "dial-timeout", cfg.DialTimeout.Std(), "server: time to connect to a tunnel target")
}

// resolveConfig layers the config file, changed flags and the environment,
// then validates the result.
func resolveConfig(f *pflag.FlagSet, flagged *config.Config, configFile string, peers []string) (*config.Config, error) {
	cfg := flagged
	if configFile != "" {
		fileCfg, err := config.LoadFile(configFile)
		if err != nil {
			return nil, err
		}
		if err := overlayFlags(f, fileCfg); err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	cfg.ApplyEnv()

	if len(peers) > 0 {
		if cfg.Forward != "" || cfg.Pipe != "" || cfg.Ping {
			if len(peers) > 1 {
				return nil, errors.New("a client connects to exactly one peer (-i)")
			}
			cfg.Peer = peers[0]
		} else {
			cfg.AllowedIdentities = peers
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayFlags copies every flag the user set onto dst.
func overlayFlags(f *pflag.FlagSet, dst *config.Config) error {
	target := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
	bindFlags(target, dst)

	var errs []error
	f.Visit(func(fl *pflag.Flag) {
		to := target.Lookup(fl.Name)
		if to == nil {
			return
		}
		if from, ok := fl.Value.(pflag.SliceValue); ok {
			errs = append(errs, to.Value.(pflag.SliceValue).Replace(from.GetSlice()))
			return
		}
		errs = append(errs, to.Value.Set(fl.Value.String()))
	})
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg *config.Config) error {
	util.SetLogLevel(cfg.LogLevel())
	if cfg.Mode != config.ModePipe {
		util.LogInfo("rtctun v%s (%s mode)", version, cfg.Mode)
	}

	if cfg.PIDFile != "" {
		if err := os.WriteFile(cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer os.Remove(cfg.PIDFile)
	}

	dir := cfg.ConfigDir
	if dir == "" {
		var err error
		if dir, err = config.DefaultDir(); err != nil {
			return fmt.Errorf("locate config dir: %w", err)
		}
	}
	identity, err := config.LoadOrCreateIdentity(dir)
	if err != nil {
		return err
	}
	util.LogDebug("identity %s", identity)

	tr, err := transport.New(ctx, transport.Config{
		Identity:   identity,
		ICEServers: iceServers(cfg),
		PortMin:    cfg.PortMin,
		PortMax:    cfg.PortMax,
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	if cfg.Mode != config.ModePing {
		util.StartStatsReporter(ctx, cfg.StatsInterval.Std())
	}

	if cfg.Mode == config.ModeServer {
		err = runServer(ctx, cfg, identity, tr)
	} else {
		err = runClient(ctx, cfg, tr)
	}
	if errors.Is(err, context.Canceled) {
		util.LogInfo("Interrupted, shutting down")
		return nil
	}
	return err
}

func runClient(ctx context.Context, cfg *config.Config, tr *transport.Transport) error {
	ccfg := session.ClientConfig{
		Mode:             cfg.Mode,
		Remote:           cfg.Peer,
		Auth:             []byte(cfg.Secret),
		Target:           cfg.Target,
		HandshakeTimeout: cfg.HandshakeTimeout.Std(),
		TunnelTimeout:    cfg.TunnelTimeout.Std(),
		PingTimeout:      cfg.PingTimeout.Std(),
		Reconnect:        cfg.Reconnect,
	}

	switch cfg.Mode {
	case config.ModeLocalForward:
		ln, err := tunnel.Listen(cfg.BindHost, cfg.Local)
		if err != nil {
			return err
		}
		defer ln.Close()
		util.LogInfo("Listening on %s for %s", ln.Addr(), cfg.Target)
		ccfg.Listener = ln
	case config.ModePipe:
		ccfg.Pipe = tunnel.NewStdio()
	}

	c, err := session.NewClient(tr, ccfg)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}

func runServer(ctx context.Context, cfg *config.Config, identity string, tr *transport.Transport) error {
	var rl *rules.Rules
	if cfg.RulesFile != "" {
		var err error
		if rl, err = rules.Load(cfg.RulesFile); err != nil {
			return err
		}
	}

	srv, err := session.NewServer(tr, session.ServerConfig{
		Rules:       rl,
		DialTimeout: cfg.DialTimeout.Std(),
	})
	if err != nil {
		return err
	}

	sig := signaling.NewServer(
		tr,
		signaling.SecretAuthorizer(cfg.Secret, cfg.AllowedIdentities),
		rate.Limit(cfg.HandshakeRate),
		cfg.HandshakeBurst,
	)

	util.LogSuccess("Server %s ready", identity)
	if cfg.Secret == "" {
		util.LogWarning("No shared secret set, any client may connect")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sig.ListenAndServe(gctx, cfg.Listen) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

func iceServers(cfg *config.Config) []transport.ICEServer {
	servers := make([]transport.ICEServer, 0, len(cfg.STUN)+len(cfg.TURN))
	for _, u := range cfg.STUN {
		servers = append(servers, transport.ICEServer{URL: u})
	}
	for _, t := range cfg.TURN {
		servers = append(servers, transport.ICEServer{URL: t.URL, Username: t.Username, Credential: t.Credential})
	}
	return servers
}
