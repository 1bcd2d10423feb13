package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/2389-research/agentmesh/internal/config"
)

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect an agent's configuration",
	}
	cmd.AddCommand(buildConfigShowCmd())
	return cmd
}

func buildConfigShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Load, default, validate, and print a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return printConfig(cmd, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.toml", "path to the agent's TOML configuration file")
	return cmd
}

// printConfig renders the parsed configuration as indented JSON. The
// resolved API key value is never printed, only the environment variable
// name that would supply it.
func printConfig(cmd *cobra.Command, cfg *config.Config) error {
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
