package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/labgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "labgate",
	Short: "Session gateway for the experiments app",
	Long: `labgate sits between the experiments single-page app and its backends.
It owns the browser session: it completes hosted sign-in, keeps the
identity tokens server-side, refreshes them before they expire and
forwards API calls with the session's bearer token.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx available to every
// subcommand.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.labgate/config.yaml)")
}

// configPath resolves --config, falling back to the default location.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultPath()
}

// loadConfig reads the config file and environment overrides.
func loadConfig() (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
