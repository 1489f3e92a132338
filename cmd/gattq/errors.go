package main

import (
	"errors"

	"github.com/srg/gattq/internal/device"
)

// FormatUserError turns library errors into a one-line hint for the terminal.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off, enable it and retry"
	case errors.Is(err, device.ErrUnsupported):
		return "Bluetooth is not supported on this platform"
	case errors.Is(err, device.ErrTimeout):
		return "operation timed out: " + err.Error()
	case errors.Is(err, device.ErrDisconnected):
		return "device disconnected: " + err.Error()
	default:
		return err.Error()
	}
}
