// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the commands of the peaced binary.
package app

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/peace-protocol/pkg/config"
	"github.com/stacklok/peace-protocol/pkg/logger"
)

// EnvPrefix prefixes every environment variable read through viper.
const EnvPrefix = "PEACE"

// NewRootCmd creates the root command of peaced.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "peaced",
		DisableAutoGenTag: true,
		Short:             "peaced runs a site of the peace protocol",
		Long: `peaced runs a site of the peace protocol. Sites exchange bearer tokens through
a browser-mediated handshake and then deliver short peace messages to each other.`,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML config file")
	bindFlag(rootCmd, config.KeyDebug, "debug")
	bindFlag(rootCmd, config.KeyConfig, "config")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTokensCmd())
	rootCmd.AddCommand(newBansCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newHashPasswordCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		logger.Errorf("Error binding %s flag: %v", flag, err)
	}
}
