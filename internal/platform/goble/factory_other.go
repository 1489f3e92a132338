//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/gattq/internal/device"
)

func newDevice(_ Role) (ble.Device, error) {
	return nil, fmt.Errorf("%w: no go-ble backend for %s", device.ErrUnsupported, runtime.GOOS)
}
