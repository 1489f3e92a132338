package goble

import (
	"github.com/go-ble/ble"
)

// Role selects how the host device is opened.
type Role int

const (
	RoleCentral Role = iota
	RolePeripheral
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func(role Role) (ble.Device, error) {
	return newDevice(role)
}
