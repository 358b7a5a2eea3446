package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/park285/cheese-netplay/internal/config"
	"github.com/park285/cheese-netplay/internal/conn"
	"github.com/park285/cheese-netplay/internal/obslog"
	"github.com/park285/cheese-netplay/internal/protocol"
	"github.com/park285/cheese-netplay/internal/statusapi"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
	}
	defer obslog.Sync()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		obslog.Sync()
		if errors.Is(err, conn.ErrConnectFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// overrides are flag values applied on top of the loaded config when set.
type overrides struct {
	port        int
	transport   string
	name        string
	side        string
	mode        string
	statusAddr  string
	redisURL    string
	databaseURL string
}

func rootCmd() *cobra.Command {
	var o overrides
	root := &cobra.Command{
		Use:   "netplay",
		Short: "Play a two-player chess match over a direct connection",
		Long: `netplay connects two players without a server in between.

One player hosts and waits on a port, the other joins by address. Both
apply their own moves immediately and keep the boards in agreement by
comparing state fingerprints.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.IntVarP(&o.port, "port", "p", conn.DefaultPort, "port to listen on or dial")
	pf.StringVar(&o.transport, "transport", "tcp", "transport: tcp or ws")
	pf.StringVarP(&o.name, "name", "n", "", "name shown to the opponent")
	pf.StringVar(&o.side, "side", "", "side the host plays: white or black")
	pf.StringVar(&o.mode, "mode", "", "sync mode: basic or full (host decides)")
	pf.StringVar(&o.statusAddr, "status-addr", "", "serve /status, /healthz and /metrics on this address")
	pf.StringVar(&o.redisURL, "redis-url", "", "mirror match state to this redis")
	pf.StringVar(&o.databaseURL, "database-url", "", "archive results in this postgres database")

	root.AddCommand(
		hostCmd(&o),
		joinCmd(&o),
		statusCmd(),
		versionCmd(),
	)
	return root
}

func loadConfig(cmd *cobra.Command, o *overrides) (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Port = o.port
	}
	if f.Changed("transport") {
		cfg.Transport = o.transport
	}
	if f.Changed("name") {
		cfg.Name = o.name
	}
	if f.Changed("side") {
		cfg.Side = o.side
	}
	if f.Changed("mode") {
		cfg.Mode = o.mode
	}
	if f.Changed("status-addr") {
		cfg.StatusAddr = o.statusAddr
	}
	if f.Changed("redis-url") {
		cfg.RedisURL = o.redisURL
	}
	if f.Changed("database-url") {
		cfg.DatabaseURL = o.databaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func hostCmd(o *overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Wait for an opponent to join",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, o)
			if err != nil {
				return err
			}
			addr := cfg.ListenAddr
			if addr == "" {
				addr = conn.HostAddress(cfg.Port)
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runMatch(ctx, conn.RoleHost, addr, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func joinCmd(o *overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "join [address]",
		Short: "Join a hosted match",
		Long:  "Join a hosted match. The address may omit the port; the configured port is used then.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, o)
			if err != nil {
				return err
			}
			peer := cfg.PeerAddr
			if len(args) == 1 {
				peer = args[0]
			}
			if peer == "" {
				return errors.New("join needs the host address")
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runMatch(ctx, conn.RoleJoiner, conn.JoinAddress(peer, cfg.Port), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func statusCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status <status-addr>",
		Short: "Print the status of a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			st, err := statusapi.NewClient(args[0], statusapi.WithTimeout(timeout)).Status(ctx)
			if err != nil {
				obslog.L().Debug("netplay_status_query_failed", zap.String("addr", args[0]), zap.Error(err))
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "netplay %s (%s)\n", version, commit)
			fmt.Fprintf(out, "  protocol:   v%d (min v%d)\n", protocol.ProtocolVersion, protocol.MinProtocolVersion)
			fmt.Fprintf(out, "  go version: %s\n", runtime.Version())
		},
	}
}
