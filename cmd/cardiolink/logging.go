package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cardioguard/cardiolink/pkg/config"
)

// configureLogger builds the session logger from the loaded configuration.
// --log-level overrides the config file's log_level, and --verbose is a
// shorthand for debug when no explicit level was given. Level parsing and
// formatter setup live in config.NewLogger.
func configureLogger(cmd *cobra.Command, verboseFlagName string, cfg *config.Config) (*logrus.Logger, error) {
	level := cfg.LogLevel

	if logLevelStr, _ := cmd.Flags().GetString("log-level"); logLevelStr != "" {
		level = logLevelStr
	} else if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
		level = "debug"
	}

	c := *cfg
	c.LogLevel = level
	return c.NewLogger()
}
