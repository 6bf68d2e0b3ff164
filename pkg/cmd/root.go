package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/longg-net/longg/config"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "longg",
		Short: "LongG tunnels IP traffic over a pair of nRF24L01+ radios.",
		Long: `LongG joins two hosts, a Base and a Mobile, with a point-to-point IPv4 link
carried by nRF24L01+ radios. Each node exposes the link as a TUN interface;
the Base masquerades the Mobile's traffic out of its wired uplink.

Start a node with 'longg run --role base' or 'longg run --role mobile'.
`,
		DisableAutoGenTag: true,
	}

	rootCmd.PersistentFlags().StringVar(&config.ConfigFile, "config", "", "Config file (default is $HOME/.longg/config.yaml).")
	rootCmd.PersistentFlags().BoolVar(&config.AlsoLogToStderr, "alsologtostderr", false, "Log to standard error as well as files.")
	rootCmd.PersistentFlags().BoolVarP(&config.Verbose, "verbose", "v", false, "Enable verbose output.")

	rootCmd.AddCommand(newRunCmd(), newConfigCmd(), newVersionCmd())
	return rootCmd
}

// ExecuteContext executes root command with context.
// This is called by main.main().
func ExecuteContext(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}
