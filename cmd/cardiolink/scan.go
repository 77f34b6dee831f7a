package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardioguard/cardiolink/internal/holter"
	"github.com/cardioguard/cardiolink/internal/transport"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for holter devices",
	Long: `Scan for and display CardioGuard holter devices in the vicinity.

Discovered devices are listed with their identifiers and signal strength,
strongest first. Use the identifier with 'cardiolink stream' to connect.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanVerbose  bool
	scanAll      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanVerbose, "verbose", "v", false, "Verbose output")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Show all devices, not just holters")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}
	if scanDuration > 0 {
		cfg.ScanTimeout = scanDuration
	}
	if scanAll {
		cfg.DeviceNamePrefix = ""
	}

	mgr := holter.New(cfg, newTransport(cfg, logger), logger)
	defer mgr.Close()

	// Handle interrupts gracefully
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("\nScan interrupted by user")
		cancel()
	}()

	devices, err := mgr.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	return displayDevices(devices)
}

func displayDevices(devices []transport.Peripheral) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	if scanFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devices)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tRSSI\tCONNECTABLE")
	fmt.Fprintln(w, strings.Repeat("-", 60))
	for _, dev := range devices {
		name := dev.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%v\n", name, dev.ID, dev.RSSI, dev.Connectable)
	}
	return w.Flush()
}
