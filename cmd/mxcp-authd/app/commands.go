// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command-line surface of the MXCP auth daemon.
package app

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mxcp/mxcp-auth/pkg/config"
	"github.com/mxcp/mxcp-auth/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "mxcp-authd",
	DisableAutoGenTag: true,
	Short:             "MXCP authentication and authorization daemon",
	Long: `mxcp-authd runs the MXCP auth core as a standalone daemon: a local
OAuth issuer with PKCE, external token verification, trusted-header proxy
authentication, scope mapping, and RFC 8693 token exchange for downstream
services.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if viper.GetBool("debug") {
			logger.InitializeWithEnv(func(key string) string {
				if key == "MXCP_AUTH_DEBUG" {
					return "true"
				}
				return os.Getenv(key)
			})
			return
		}
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the mxcp-authd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the auth configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the auth configuration file without starting the daemon.

Checks YAML syntax, mode requirements, provider settings, scope requirement
bindings, and persistence settings.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Infow("configuration is valid",
				"path", configPath,
				"mode", string(cfg.Mode),
				"providers", len(cfg.Providers),
			)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("mxcp-authd version: %s", getVersion())
		},
	}
}

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
}
