package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/fanout/internal/config"
)

// NewConfigCommand prints the effective configuration.
func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long:  `Print the configuration after applying defaults, the config file and FANOUT_* environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return config.Write(os.Stdout, cfg)
		},
	}
}
