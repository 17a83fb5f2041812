package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolkov/boundscheck/boundscheck"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		info := boundscheck.GetInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "boundscheck version %s (%s)\n", info.Version, info.Algorithm)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
