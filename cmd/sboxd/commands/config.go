package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nuln/sboxd/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Long: `Write a configuration file with every provider enabled and default
options.

By default, the file is created at $XDG_CONFIG_HOME/sboxd/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  sboxd config init

  # Force overwrite an existing file
  sboxd config init --config /etc/sboxd/config.yaml --force`,
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Force overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.DefaultPath()
	}
	if err := config.Save(config.Default(), path, configForce); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created at: %s\n", path)
	return nil
}
