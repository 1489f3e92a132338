package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/peripheral"
	"github.com/srg/gattq/internal/platform/goble"
	"github.com/srg/gattq/internal/result"
)

const (
	counterServiceUUID = "00726f62-6f74-7061-6a61-6d61732e6361"
	counterTxUUID      = "01726f62-6f74-7061-6a61-6d61732e6361"
	counterRxUUID      = "02726f62-6f74-7061-6a61-6d61732e6361"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Advertise a local counter service",
	Long: fmt.Sprintf(`Hosts a counter service and advertises it until Ctrl+C.

  rx %s  read, notify: the current counter byte
  tx %s  write: adds the written byte to the counter and notifies rx

Examples:
  gattq serve --name counter
  gattq serve --advertise-timeout 1m`, counterRxUUID, counterTxUUID),
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveName             string
	serveAdvertiseTimeout time.Duration
)

func init() {
	serveCmd.Flags().StringVar(&serveName, "name", "gattq", "Advertised local name")
	serveCmd.Flags().DurationVar(&serveAdvertiseTimeout, "advertise-timeout", -1, "Stop advertising after this long (0 for never, default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	timeout := cfg.AdvertiseTimeout
	if serveAdvertiseTimeout >= 0 {
		timeout = serveAdvertiseTimeout
	}

	logger := cfg.NewLogger()
	p, err := goble.NewPeripheral(cfg.PeripheralOptions(), logger)
	if err != nil {
		return fmt.Errorf("failed to open BLE adapter: %w", err)
	}
	manager := peripheral.NewManager(p, logger)
	defer manager.Close()

	out := commandPrinter(cmd)
	manager.OnStateChanged(func(state device.BluetoothState) {
		out.Printf("Bluetooth state is %s\n", out.Name(state.String()))
	})

	counter := newCounter(manager, logger)
	if err := manager.AddService(counter.Service()); err != nil {
		return err
	}
	if err := manager.Advertise(serveName, []string{counterServiceUUID}, timeout); err != nil {
		return err
	}
	out.Printf("Advertising %s, press Ctrl+C to stop\n", out.Name(serveName))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}

// counter is a one-byte counter: reads return it, acknowledged writes add
// the written byte and notify the new value on rx.
type counter struct {
	manager *peripheral.Manager
	logger  *logrus.Logger

	mu    sync.Mutex
	value uint8
}

func newCounter(m *peripheral.Manager, logger *logrus.Logger) *counter {
	return &counter{manager: m, logger: device.LoggerOrNop(logger)}
}

func (c *counter) Service() peripheral.Service {
	return peripheral.Service{
		UUID: counterServiceUUID,
		Characteristics: []peripheral.Characteristic{
			{UUID: counterTxUUID, Properties: []peripheral.Property{
				peripheral.Write(c.onWrite),
				peripheral.WriteNoResponse(c.onWriteNoResponse),
			}},
			{UUID: counterRxUUID, Properties: []peripheral.Property{
				peripheral.Notify(c.onNotify),
				peripheral.Read(c.onRead),
			}},
		},
	}
}

func (c *counter) Value() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *counter) onRead(respond func(result.Result[[]byte])) {
	value := c.Value()
	c.logger.WithField("counter", value).Info("Returning counter value")
	respond(result.Success([]byte{value}))
}

func (c *counter) onWrite(data []byte, respond func(result.Result[struct{}])) {
	if len(data) != 1 {
		c.logger.WithField("length", len(data)).Warn("Counter write must be exactly one byte")
		respond(result.Failure[struct{}](fmt.Errorf("expected 1 byte, got %d", len(data))))
		return
	}

	c.mu.Lock()
	c.value += data[0]
	value := c.value
	c.mu.Unlock()

	respond(result.Success(struct{}{}))
	c.manager.Emit([]byte{value}, counterRxUUID)
}

func (c *counter) onWriteNoResponse(data []byte) {
	c.logger.WithField("data", hex.EncodeToString(data)).Debug("Write without response received")
}

func (c *counter) onNotify(r result.Result[[]byte]) {
	c.logger.WithField("data", hex.EncodeToString(r.Value())).Debug("Notification sent")
}
