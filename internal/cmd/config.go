package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect labgate configuration",
	Long: `Inspect the configuration stored at ~/.labgate/config.yaml.

Values from the file are overridden by LABGATE_* environment variables.
Secrets are masked in every output.

Examples:
  # View the effective configuration
  labgate config view

  # Show configuration file path
  labgate config path
`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Display the effective configuration",
	Long:  `Display the configuration after defaults, the config file and environment overrides are applied.`,
	RunE:  runConfigView,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	RunE:  runConfigPath,
}

var configValidate bool

func init() {
	configViewCmd.Flags().BoolVar(&configValidate, "validate", false, "fail if the configuration is not usable by serve")

	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configPathCmd)

	rootCmd.AddCommand(configCmd)
}

func runConfigView(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if configValidate {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	data, err := cfg.Redacted().Marshal()
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
