// Package main implements the boundscheck CLI tool.
//
// The tool inspects and exercises the bounds-checking runtime without an
// instrumented program:
//
//	boundscheck selftest           # Run the boundary scenarios
//	boundscheck selftest --dump    # ... and print the region table
//	boundscheck config             # Print the effective configuration
//	boundscheck version            # Show version information
//
// The configuration is read the way instrumented programs read it, from
// BOUNDS_CONFIG and BOUNDS_OPTIONS, and can be overridden with --config and
// --options.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kolkov/boundscheck/boundscheck"
	"github.com/kolkov/boundscheck/internal/bounds/config"
)

var (
	rootConfigFile string
	rootOptions    string
)

var rootCmd = &cobra.Command{
	Use:   "boundscheck",
	Short: "boundscheck: memory bounds-checking runtime",
	Long: fmt.Sprintf(`boundscheck version %s

Inspect and self-test the bounds-checking runtime used by instrumented
programs. Configuration is taken from %s and %s.`,
		boundscheck.Version, config.EnvConfig, config.EnvOptions),
	SilenceUsage: true,
}

// loadConfig layers the defaults, the configuration file, the environment
// options and the --options flag.
func loadConfig() (config.Config, error) {
	c := config.Default()

	path := rootConfigFile
	if path == "" {
		path = os.Getenv(config.EnvConfig)
	}
	if path != "" {
		if err := c.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := c.ParseOptions(os.Getenv(config.EnvOptions)); err != nil {
		return config.Config{}, fmt.Errorf("%s: %w", config.EnvOptions, err)
	}
	if err := c.ParseOptions(rootOptions); err != nil {
		return config.Config{}, fmt.Errorf("--options: %w", err)
	}
	if err := c.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootConfigFile, "config", "c", "", "configuration file (.toml, .yaml), overrides "+config.EnvConfig)
	rootCmd.PersistentFlags().StringVarP(&rootOptions, "options", "o", "", "key=value options applied after "+config.EnvOptions)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
