package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowengine/core/internal/config"
)

var version = "0.0.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enginectl",
		Short: "Operate a flowengine store: manage cron schedules and run the background loops",
		Long:  "enginectl [options] <cron|serve|version> [args]",
	}

	cmd.PersistentFlags().StringP(configFlag.name, configFlag.shorthand, "", configFlag.usage)
	cmd.PersistentFlags().StringP(tenantFlag.name, tenantFlag.shorthand, "", tenantFlag.usage)

	cmd.AddCommand(versionCmd())
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(cronCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the enginectl version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Println(version)
		},
	}
}

// loadConfig resolves the engine configuration for a command, applying the
// --config and --tenant persistent flags over the layered env/file defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfgFile, _ := cmd.Flags().GetString(configFlag.name)
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if tenant, _ := cmd.Flags().GetString(tenantFlag.name); tenant != "" {
		cfg.Tenant = tenant
	}
	return cfg, nil
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
