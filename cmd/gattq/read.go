package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/platform/goble"
	"github.com/srg/gattq/internal/result"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <peer-id> <service-uuid> <char-uuid>",
	Short: "Connect to a peripheral and read one characteristic",
	Long: `Connects to a peripheral, discovers the service and characteristic and
reads its value. Each GATT step runs through the device operation queue.

Examples:
  # Read Battery Level
  gattq read AA:BB:CC:DD:EE:FF 180f 2a19

  # Output as hex
  gattq read AA:BB:CC:DD:EE:FF 180f 2a19 --hex`,
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

var (
	readHex     bool
	readTimeout time.Duration
)

func init() {
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'ff01'); text by default")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 5*time.Second, "Timeout of each GATT step (0 for none)")
}

func runRead(cmd *cobra.Command, args []string) error {
	peerID := args[0]
	ids, err := device.ValidateUUID(args[1], args[2])
	if err != nil {
		return err
	}
	serviceID, charID := ids[0], ids[1]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	logger := cfg.NewLogger()
	p, err := goble.NewCentral(cfg.EventBuffer, logger)
	if err != nil {
		return fmt.Errorf("failed to open BLE adapter: %w", err)
	}
	manager := central.NewManager(p, cfg.CentralOptions(), logger)
	defer manager.Close()

	d := manager.Device(peerID)
	if err := connect(cmd.Context(), d, cfg.ConnectOptions()); err != nil {
		return err
	}
	defer d.Disconnect(false)

	value, err := readValue(cmd.Context(), d, serviceID, charID, logger)
	if err != nil {
		return err
	}

	out := commandPrinter(cmd)
	if readHex {
		out.Printf("%s\n", out.Value(hex.EncodeToString(value)))
	} else {
		out.Printf("%s\n", out.Value(string(value)))
	}
	return nil
}

// connect blocks until d is connected or the attempt failed.
func connect(ctx context.Context, d *central.Device, opts central.ConnectOptions) error {
	// The command is one-shot: never reconnect behind its back.
	opts.AutoReconnect = false

	_, err := result.Await(ctx, func(complete func(result.Result[struct{}])) {
		err := d.Connect(opts, func(state device.ConnectionState, err error) {
			switch state {
			case device.Connected:
				complete(result.Success(struct{}{}))
			case device.Disconnected:
				if err == nil {
					err = device.ErrDisconnected
				}
				complete(result.Failure[struct{}](err))
			}
		})
		if err != nil {
			complete(result.Failure[struct{}](err))
		}
	})
	return err
}

// readValue discovers exactly the path to charID and reads it.
func readValue(ctx context.Context, d *central.Device, serviceID, charID string, logger *logrus.Logger) ([]byte, error) {
	log := logger.WithFields(logrus.Fields{
		"peer":      d.ID(),
		"service":   serviceID,
		"char_uuid": charID,
	})

	stepCtx, cancel := stepContext(ctx)
	defer cancel()
	if _, err := result.Await(stepCtx, func(complete func(result.Result[[]device.Service])) {
		d.DiscoverServices([]string{serviceID}, complete)
	}); err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}
	log.Debug("Services discovered")

	stepCtx, cancel = stepContext(ctx)
	defer cancel()
	discovered, err := result.Await(stepCtx, func(complete func(result.Result[central.DiscoveredCharacteristics])) {
		d.DiscoverCharacteristics(serviceID, []string{charID}, complete)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discover characteristics: %w", err)
	}
	log.WithField("characteristics", len(discovered.Characteristics)).Debug("Characteristics discovered")

	stepCtx, cancel = stepContext(ctx)
	defer cancel()
	return result.Await(stepCtx, func(complete func(result.Result[[]byte])) {
		d.Read(charID, serviceID, complete)
	})
}

// stepContext bounds one GATT step by --timeout; zero means no bound.
func stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if readTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, readTimeout)
}
