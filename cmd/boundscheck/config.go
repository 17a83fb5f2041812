package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolkov/boundscheck/internal/bounds/config"
)

var configKeys bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as TOML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configKeys {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(config.OptionKeys(), "\n"))
			return nil
		}

		c, err := loadConfig()
		if err != nil {
			return err
		}
		return c.Encode(cmd.OutOrStdout())
	},
}

func init() {
	configCmd.Flags().BoolVar(&configKeys, "keys", false, "list the keys accepted in "+config.EnvOptions)
	rootCmd.AddCommand(configCmd)
}
