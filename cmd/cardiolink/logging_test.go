package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardioguard/cardiolink/pkg/config"
)

func newLoggingTestCmd(logLevel string, verbose bool) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	if logLevel != "" {
		_ = cmd.Flags().Set("log-level", logLevel)
	}
	if verbose {
		_ = cmd.Flags().Set("verbose", "true")
	}
	return cmd
}

func TestConfigureLoggerUsesConfigLevel(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "debug"

	logger, err := configureLogger(newLoggingTestCmd("", false), "verbose", cfg)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestConfigureLoggerFlagOverridesConfig(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "debug"

	logger, err := configureLogger(newLoggingTestCmd("error", false), "verbose", cfg)
	require.NoError(t, err)
	assert.Equal(t, logrus.ErrorLevel, logger.GetLevel())
}

func TestConfigureLoggerVerboseShorthand(t *testing.T) {
	logger, err := configureLogger(newLoggingTestCmd("", true), "verbose", config.Default())
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	// Explicit --log-level beats --verbose.
	logger, err = configureLogger(newLoggingTestCmd("warn", true), "verbose", config.Default())
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
}

func TestConfigureLoggerRejectsBadLevel(t *testing.T) {
	_, err := configureLogger(newLoggingTestCmd("chatty", false), "verbose", config.Default())
	assert.Error(t, err)

	cfg := config.Default()
	cfg.LogLevel = "nope"
	_, err = configureLogger(newLoggingTestCmd("", false), "verbose", cfg)
	assert.Error(t, err)
}

func TestConfigureLoggerDoesNotMutateConfig(t *testing.T) {
	cfg := config.Default()
	_, err := configureLogger(newLoggingTestCmd("error", false), "verbose", cfg)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}
