package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// commandLineFlag describes one string flag shared by several subcommands,
// mirroring how the teacher centralizes flag definitions instead of
// repeating StringP calls in every command constructor.
type commandLineFlag struct {
	name, shorthand, defaultValue, usage string
}

var (
	configFlag = commandLineFlag{
		name:      "config",
		shorthand: "c",
		usage:     "config file (default: ./flowengine.yaml or $HOME/.config/flowengine)",
	}
	tenantFlag = commandLineFlag{
		name:  "tenant",
		usage: "tenant namespace (overrides config/env)",
	}
)

func initFlags(cmd *cobra.Command, flags []commandLineFlag) {
	for _, f := range flags {
		cmd.Flags().StringP(f.name, f.shorthand, f.defaultValue, f.usage)
	}
}

func bindFlags(cmd *cobra.Command, names []string) error {
	for _, name := range names {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}
