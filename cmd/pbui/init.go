package main

import (
	"fmt"

	"github.com/spf13/cobra"

	pbui "github.com/pbui-net/pbui/sdk/golang"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [api-base]",
	Short: "Create ~/.pbui/config.toml",
	Long:  "Initialize the PBUI CLI by writing the API base URL and tournament defaults to the local configuration file.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if len(args) == 1 {
			cfg.Default.APIBase = args[0]
		}
		if cfg.Default.APIBase == "" {
			cfg.Default.APIBase = pbui.DefaultAPIBase
		}
		if cfg.Tournament.Host == "" {
			cfg.Tournament.Host = pbui.DefaultTournamentHost
		}
		if cfg.Tournament.Port == 0 {
			cfg.Tournament.Port = pbui.DefaultTournamentPort
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
		return nil
	},
}
