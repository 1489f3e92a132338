package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/gattq/internal/device"
)

// NormalizeError maps known go-ble error strings to the device sentinels.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.Canceled):
		return device.Cancelled(err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	case device.ContainsIgnoreCase(err.Error(), "connection is not initialized"):
		return fmt.Errorf("%w: %v", device.ErrDisconnected, err)
	default:
		return device.NormalizeError(err)
	}
}

// attStatus converts a handler failure into the ATT status sent to the central.
func attStatus(err error) ble.ATTError {
	var attErr ble.ATTError
	switch {
	case err == nil:
		return ble.ErrSuccess
	case errors.As(err, &attErr):
		return attErr
	case errors.Is(err, device.ErrReadNotPermitted):
		return ble.ErrReadNotPerm
	case errors.Is(err, device.ErrWriteNotPermitted):
		return ble.ErrWriteNotPerm
	case errors.Is(err, device.ErrUnsupported):
		return ble.ErrReqNotSupp
	default:
		return ble.ErrUnlikely
	}
}
