package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/platform/goble"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for named BLE peripherals",
	Long: `Scans for Bluetooth Low Energy peripherals that advertise a name and
prints each one as it is discovered, then a summary table.

Examples:
  # Scan for the configured duration (10s by default)
  gattq scan

  # Scan until Ctrl+C
  gattq scan --duration 0`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var scanDuration time.Duration

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", -1, "Scan duration (0 for indefinite, default from config)")
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	timeout := cfg.ScanTimeout
	if scanDuration >= 0 {
		timeout = scanDuration
	}

	logger := cfg.NewLogger()
	p, err := goble.NewCentral(cfg.EventBuffer, logger)
	if err != nil {
		return fmt.Errorf("failed to open BLE adapter: %w", err)
	}
	manager := central.NewManager(p, cfg.CentralOptions(), logger)
	defer manager.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := commandPrinter(cmd)
	done := make(chan []*central.Device, 1)
	err = manager.Scan(timeout, func(d *central.Device) {
		out.Printf("%s %s %s\n", out.Value("+"), out.Name(d.Name()), out.Muted(d.ID()))
	}, func(devices []*central.Device) {
		done <- devices
	})
	if err != nil {
		return err
	}

	var devices []*central.Device
	select {
	case devices = <-done:
	case <-ctx.Done():
		manager.StopScan()
		devices = <-done
	}

	printDevices(out, devices)
	return nil
}

func printDevices(out *printer, devices []*central.Device) {
	if len(devices) == 0 {
		out.Printf("%s\n", out.Warning("No devices found"))
		return
	}

	w := tabwriter.NewWriter(out.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tRSSI")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%d\n", d.Name(), d.ID(), d.RSSI())
	}
	_ = w.Flush()
}
