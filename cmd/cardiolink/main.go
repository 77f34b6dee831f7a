package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cardioguard/cardiolink/internal/simulator"
	"github.com/cardioguard/cardiolink/internal/transport"
	"github.com/cardioguard/cardiolink/pkg/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cardiolink",
	Short: "CardioGuard holter streaming client",
	Long: `Command-line client for CardioGuard wearable ECG holters:

- Scan and discover nearby holter devices
- Connect and stream the live ECG trace with automatic reconnection
- Derive heart rate and signal quality from the stream
- Run against a built-in device simulator when no hardware is at hand

Pass --simulate to any command to use the simulated device.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

var (
	flagConfig   string
	flagSimulate bool
)

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(streamCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&flagSimulate, "simulate", false, "Use the built-in device simulator instead of real hardware")
}

// loadConfig returns the file-backed configuration or defaults when no
// --config was given.
func loadConfig() (*config.Config, error) {
	if flagConfig == "" {
		return config.Default(), nil
	}
	return config.Load(flagConfig)
}

// newTransport picks the backend for the session.
func newTransport(cfg *config.Config, logger *logrus.Logger) transport.Transport {
	if flagSimulate {
		sim := simulator.NewTransport(simulator.NewWaveform(simulator.WaveformConfig{
			SampleRate: cfg.SampleRate,
			HRV:        true,
			NoiseMV:    0.03,
		}), logger)
		sim.EnableStreaming()
		return sim
	}
	return transport.NewBLE(logger)
}
