package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cardioguard/cardiolink/internal/holter"
	"github.com/cardioguard/cardiolink/internal/signal"
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream [device-id]",
	Short: "Connect to a holter and stream the live ECG",
	Long: `Connects to a CardioGuard holter and streams the live ECG trace.

A status line with heart rate, signal quality, battery and stream health is
updated in place while streaming. The link is supervised: dropped
connections reconnect automatically within the configured budget.

With no device-id the strongest holter found in a scan is used.

Examples:
  # Stream from the strongest nearby holter
  cardiolink stream

  # Stream from a specific device for one minute
  cardiolink stream a4:c1:38:12:34:56 --duration 1m

  # No hardware: stream from the simulator
  cardiolink stream --simulate`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStream,
}

var (
	streamDuration time.Duration
	streamVerbose  bool
	streamRaw      bool
)

func init() {
	streamCmd.Flags().DurationVarP(&streamDuration, "duration", "d", 0, "Stop after this long (0 to stream until interrupted)")
	streamCmd.Flags().BoolVarP(&streamVerbose, "verbose", "v", false, "Verbose output")
	streamCmd.Flags().BoolVar(&streamRaw, "raw", false, "Print every sample in millivolts instead of the status line")
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}

	mgr := holter.New(cfg, newTransport(cfg, logger), logger)
	defer mgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := make(chan os.Signal, 1)
	ossignal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("\nInterrupted, disconnecting...")
		cancel()
	}()
	if streamDuration > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, streamDuration)
		defer tcancel()
	}

	deviceID, err := pickDevice(ctx, mgr, args)
	if err != nil {
		return err
	}

	// Terminal errors (reconnect budget exhausted) end the session.
	fatal := make(chan holter.Status, 1)
	unsubState := mgr.SubscribeState(func(st holter.Status) {
		switch st.State {
		case holter.StateError:
			select {
			case fatal <- st:
			default:
			}
		case holter.StateConnecting:
			fmt.Println("Reconnecting...")
		}
	})
	defer unsubState()

	if streamRaw {
		unsub := mgr.SubscribeSamples(func(b holter.Batch) {
			for _, mv := range b.Samples {
				fmt.Printf("%.4f\n", mv)
			}
		})
		defer unsub()
	} else {
		unsub := mgr.SubscribeStats(func(st signal.Stats) {
			printStatus(st)
		})
		defer unsub()
	}

	fmt.Printf("Connecting to %s...\n", deviceID)
	if err := mgr.Connect(ctx, deviceID); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	fmt.Println("Streaming (Press Ctrl+C to stop)...")

	select {
	case <-ctx.Done():
		fmt.Println()
		return mgr.Disconnect()
	case st := <-fatal:
		fmt.Println()
		return fmt.Errorf("stream ended: %s", st.Reason)
	}
}

// pickDevice resolves the explicit argument or scans and takes the
// strongest holter.
func pickDevice(ctx context.Context, mgr *holter.Manager, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	fmt.Println("No device given, scanning...")
	devices, err := mgr.Scan(ctx)
	if err != nil {
		return "", fmt.Errorf("scan failed: %w", err)
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("no holter devices found")
	}
	return devices[0].ID, nil
}

var (
	bpmColor     = color.New(color.FgRed, color.Bold)
	goodQuality  = color.New(color.FgGreen)
	poorQuality  = color.New(color.FgYellow)
	badQuality   = color.New(color.FgRed)
	statsIsATTY  = term.IsTerminal(int(os.Stdout.Fd()))
	clearLineSeq = "\r\033[K"
)

// printStatus renders one status line. On a terminal the line is redrawn in
// place; otherwise each update is its own line so logs stay greppable.
func printStatus(st signal.Stats) {
	bpm := "--"
	if st.HasBPM {
		bpm = fmt.Sprintf("%d", st.BPM)
	}
	battery := "--"
	if st.HasBattery {
		battery = fmt.Sprintf("%d%%", st.Battery)
	}

	q := goodQuality
	switch {
	case st.Quality < 0.3:
		q = badQuality
	case st.Quality < 0.8:
		q = poorQuality
	}

	line := fmt.Sprintf("HR %s bpm  quality %s  battery %s  samples %d  gaps %d",
		bpmColor.Sprint(bpm),
		q.Sprintf("%.0f%%", st.Quality*100),
		battery,
		st.SamplesTotal,
		st.SequenceGaps,
	)
	if statsIsATTY {
		fmt.Print(clearLineSeq + line)
	} else {
		fmt.Println(line)
	}
}
