package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/longg-net/longg/build"
	"github.com/longg-net/longg/config"
	"github.com/longg-net/longg/pkg/errdefs"
	"github.com/longg-net/longg/pkg/log"
	"github.com/longg-net/longg/pkg/node"
)

// Replaced in tests.
var (
	runNode = func(ctx context.Context, cfg *config.Config, role config.Role) error {
		return node.Run(ctx, cfg, role)
	}
	initLogging = log.Init
	initSentry  = sentry.Init
)

// logOptions maps the logging settings of cfg and the global flags onto
// logger options.
func logOptions(cfg *config.Config) ([]log.Option, error) {
	format, err := log.ParseFormat(cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConfig, err)
	}
	var opts []log.Option
	if config.Verbose || cfg.Verbose {
		opts = append(opts, log.WithLevel(log.DebugLevel))
	}
	if format == log.FormatJSON {
		opts = append(opts, log.WithJSON())
	}
	if config.AlsoLogToStderr {
		opts = append(opts, log.WithAlsoLogToStderr())
	}
	return opts, nil
}

// setupSentry enables error reporting when a DSN is configured. SENTRY_DSN
// overrides the config file. A failure only disables reporting.
func setupSentry(cfg *config.Config) {
	dsn := cfg.SentryDSN
	if env := os.Getenv("SENTRY_DSN"); env != "" {
		dsn = env
	}
	if dsn == "" {
		return
	}
	if err := initSentry(sentry.ClientOptions{
		Dsn:     dsn,
		Release: build.Release(),
	}); err != nil {
		slog.Warn("Failed to initialize Sentry", slog.Any("error", err))
	}
}

type runFlags struct {
	role        string
	tunName     string
	uplink      string
	natBackend  string
	metricsAddr string
	logFormat   string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a Base or Mobile node",
		Long: `Bring up the TUN interface and both radios and forward traffic until
interrupted. The Base enables forwarding and NAT towards its uplink; the Mobile
routes the configured destinations through the Base.

Without --role or a role in the config file, the role is read from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("unable to load config: %w", err)
			}
			f.apply(cmd, cfg)

			logOpts, err := logOptions(cfg)
			if err != nil {
				return err
			}
			if err := initLogging(logOpts...); err != nil {
				return err
			}
			setupSentry(cfg)

			role, err := resolveRole(cmd, cfg)
			if err != nil {
				return err
			}
			slog.Info("Starting node", slog.String("role", role.String()), slog.String("version", build.Version()))
			return runNode(cmd.Context(), cfg, role)
		},
	}

	runCmd.Flags().StringVar(&f.role, "role", "", "Node role: 0/base or 1/mobile.")
	runCmd.Flags().StringVar(&f.tunName, "tun-name", "", "Name of the TUN interface.")
	runCmd.Flags().StringVar(&f.uplink, "uplink", "", "Wired interface the Base masquerades through.")
	runCmd.Flags().StringVar(&f.natBackend, "nat-backend", "", "NAT backend on the Base: iptables or nftables.")
	runCmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on.")
	runCmd.Flags().StringVar(&f.logFormat, "log-format", "", "Log format: text or json.")
	return runCmd
}

func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("role") {
		cfg.Role = f.role
	}
	if flags.Changed("tun-name") {
		cfg.Tun.Name = f.tunName
	}
	if flags.Changed("uplink") {
		cfg.Uplink = f.uplink
	}
	if flags.Changed("nat-backend") {
		cfg.NATBackend = f.natBackend
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
}

func resolveRole(cmd *cobra.Command, cfg *config.Config) (config.Role, error) {
	if cfg.Role != "" {
		return config.ParseRole(cfg.Role)
	}
	return promptRole(cmd.InOrStdin(), cmd.OutOrStdout())
}

// promptRole asks for the node role until a valid answer is read.
func promptRole(in io.Reader, out io.Writer) (config.Role, error) {
	s := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Select node role. 0:Base 1:Mobile\n> ")
		if !s.Scan() {
			if err := s.Err(); err != nil {
				return 0, fmt.Errorf("%w: failed to read role: %w", errdefs.ErrIO, err)
			}
			return 0, fmt.Errorf("%w: no role selected", errdefs.ErrConfig)
		}
		role, err := config.ParseRole(s.Text())
		if err == nil {
			return role, nil
		}
		fmt.Fprintf(out, "Invalid role %q.\n", s.Text())
	}
}
