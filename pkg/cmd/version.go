package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/longg-net/longg/build"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "The version of this CLI",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), build.Version())
		},
	}
}
