//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func newDevice(role Role) (ble.Device, error) {
	var opts []ble.Option
	if role == RolePeripheral {
		opts = append(opts, darwin.OptPeripheralRole())
	}
	dev, err := darwin.NewDevice(opts...)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return dev, nil
}
