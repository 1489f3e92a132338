package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/gattq/pkg/config"
)

// loadConfig reads --config when given and applies --log-level on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// --log-level takes precedence over the file
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
		if _, err := cfg.Level(); err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", level)
		}
	}
	return cfg, nil
}
