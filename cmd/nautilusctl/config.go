package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/frc-emotion/nautilus/internal/config"
	"github.com/frc-emotion/nautilus/internal/profile"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage nautilus configuration",
	Long:  "View or modify the configuration stored in ~/.nautilus/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrDefault(profile.ConfigPath())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if jsonFlag {
			s, err := toStruct(cfg)
			if err != nil {
				return err
			}
			return outputJSON(s)
		}
		return toml.NewEncoder(os.Stdout).Encode(cfg)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: nautilusctl config set connectivity.probe_interval 30s",
	Args:  cobra.ExactArgs(2),
	// Skips profile validation so a bad default_profile can be fixed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		path := profile.ConfigPath()
		cfg, err := config.LoadOrDefault(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Set(key, value); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(path, cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
