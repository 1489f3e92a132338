package goble

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/gattq/internal/device"
)

// fromBLEProperty converts ble.Property bit flags to device.Property.
// Broadcast, signed writes and extended properties have no counterpart and are dropped.
func fromBLEProperty(p ble.Property) device.Property {
	var props device.Property
	if p&ble.CharRead != 0 {
		props |= device.PropertyRead
	}
	if p&ble.CharWrite != 0 {
		props |= device.PropertyWrite
	}
	if p&ble.CharWriteNR != 0 {
		props |= device.PropertyWriteNoResponse
	}
	if p&ble.CharNotify != 0 {
		props |= device.PropertyNotify
	}
	if p&ble.CharIndicate != 0 {
		props |= device.PropertyIndicate
	}
	return props
}

// toBLEProperty converts device.Property to ble.Property bit flags.
func toBLEProperty(p device.Property) ble.Property {
	var props ble.Property
	if p.Has(device.PropertyRead) {
		props |= ble.CharRead
	}
	if p.Has(device.PropertyWrite) {
		props |= ble.CharWrite
	}
	if p.Has(device.PropertyWriteNoResponse) {
		props |= ble.CharWriteNR
	}
	if p.Has(device.PropertyNotify) {
		props |= ble.CharNotify
	}
	if p.Has(device.PropertyIndicate) {
		props |= ble.CharIndicate
	}
	return props
}

// parseUUID converts a UUID string in any accepted notation into a ble.UUID.
func parseUUID(s string) (ble.UUID, error) {
	normalized := device.NormalizeUUID(s)
	if normalized == "" {
		return nil, fmt.Errorf("invalid UUID format: %q", s)
	}
	return ble.Parse(normalized)
}

// parseUUIDs converts a filter list. A nil filter stays nil (no filter).
func parseUUIDs(filter []string) ([]ble.UUID, error) {
	if filter == nil {
		return nil, nil
	}
	uuids := make([]ble.UUID, 0, len(filter))
	for _, s := range filter {
		u, err := parseUUID(s)
		if err != nil {
			return nil, err
		}
		uuids = append(uuids, u)
	}
	return uuids, nil
}

// uuidString returns the normalized form of a ble.UUID.
func uuidString(u ble.UUID) string {
	return device.NormalizeUUID(strings.ReplaceAll(u.String(), "-", ""))
}
