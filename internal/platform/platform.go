// Package platform defines the capability surface of the host Bluetooth stack
// consumed by the central and peripheral managers, and the events it reports.
//
// Every adapter reports its asynchronous results as Event values through a
// single EventHandler. Implementations deliver events from one goroutine at a
// time (see Dispatcher), so handlers observe a serialized stream.
package platform

import (
	"github.com/srg/gattq/internal/device"
)

// WriteMode selects between acknowledged and unacknowledged writes.
type WriteMode int

const (
	WithResponse WriteMode = iota
	WithoutResponse
)

func (m WriteMode) String() string {
	if m == WithoutResponse {
		return "without-response"
	}
	return "with-response"
}

// CharacteristicRef identifies a remote characteristic by its owning service.
type CharacteristicRef struct {
	Service        string
	Characteristic string
}

// Key returns the composite correlation key of the characteristic.
func (r CharacteristicRef) Key() string {
	return device.CompositeID(r.Service, r.Characteristic)
}

// AdvertisementData is the raw advertisement payload of a discovered peer.
type AdvertisementData struct {
	LocalName        string
	ServiceUUIDs     []string
	ManufacturerData []byte
	TxPowerLevel     int
	Connectable      bool
}

// LocalCharacteristic is a characteristic of a locally hosted service.
type LocalCharacteristic struct {
	UUID       string
	Properties device.Property
}

// LocalService is a service hosted by the local peripheral.
type LocalService struct {
	UUID            string
	Characteristics []LocalCharacteristic
}

// EventHandler receives the events reported by a platform adapter.
type EventHandler func(Event)

// Central is the central role of the host Bluetooth stack. Methods return
// once the request is issued; results arrive later as events. A returned
// error means the request was never issued.
type Central interface {
	SetEventHandler(h EventHandler)
	State() device.BluetoothState

	StartScan(allowDuplicates bool) error
	StopScan()
	IsScanning() bool

	Connect(peerID string) error
	CancelConnection(peerID string) error

	DiscoverServices(peerID string, filter []string) error
	DiscoverCharacteristics(peerID, service string, filter []string) error
	ReadValue(peerID string, c CharacteristicRef) error
	// WriteValue in WithoutResponse mode reports no ValueWritten event.
	WriteValue(peerID string, c CharacteristicRef, data []byte, mode WriteMode) error
	SetNotify(peerID string, c CharacteristicRef, enabled bool) error
	IsNotifying(peerID string, c CharacteristicRef) bool

	Close() error
}

// Peripheral is the peripheral role of the host Bluetooth stack.
type Peripheral interface {
	SetEventHandler(h EventHandler)
	State() device.BluetoothState

	AddService(svc LocalService) error
	RemoveAllServices() error

	StartAdvertising(name string, serviceUUIDs []string) error
	StopAdvertising() error
	IsAdvertising() bool

	// RespondToRead answers a ReadRequest. A non-nil err rejects it.
	RespondToRead(requestID uint64, value []byte, err error) error
	// RespondToWrite answers a WriteRequest that requires a response.
	RespondToWrite(requestID uint64, err error) error

	// UpdateValue sends value to the centrals subscribed to characteristic.
	// It returns false when the transmit queue is full; a ReadyToUpdate event
	// follows once there is room again.
	UpdateValue(characteristic string, value []byte) bool

	Close() error
}
