package platform

import (
	"github.com/srg/gattq/internal/device"
)

// Event is a platform callback. The concrete types below are the complete set.
type Event interface {
	isEvent()
}

// PeerEvent is an Event addressed to one remote peer.
type PeerEvent interface {
	Event
	Peer() string
}

// StateChanged reports a new adapter state.
type StateChanged struct {
	State device.BluetoothState
}

// PeripheralDiscovered reports an advertisement seen while scanning.
type PeripheralDiscovered struct {
	PeerID        string
	Name          string
	RSSI          int
	Advertisement AdvertisementData
}

type Connected struct {
	PeerID string
}

type ConnectFailed struct {
	PeerID string
	Err    error
}

// Disconnected reports a dropped link. Err is nil for a requested disconnect.
type Disconnected struct {
	PeerID string
	Err    error
}

type ServicesDiscovered struct {
	PeerID   string
	Services []device.Service
	Err      error
}

type CharacteristicsDiscovered struct {
	PeerID          string
	Service         string
	Characteristics []device.Characteristic
	Err             error
}

// ValueUpdated carries a read response or a notification.
type ValueUpdated struct {
	PeerID         string
	Characteristic CharacteristicRef
	Value          []byte
	Err            error
}

type ValueWritten struct {
	PeerID         string
	Characteristic CharacteristicRef
	Err            error
}

type NotificationStateChanged struct {
	PeerID         string
	Characteristic CharacteristicRef
	Enabled        bool
	Err            error
}

type AdvertisingStarted struct {
	Err error
}

type AdvertisingStopped struct{}

type CentralSubscribed struct {
	CentralID      string
	Characteristic string
}

type CentralUnsubscribed struct {
	CentralID      string
	Characteristic string
}

type ReadRequest struct {
	RequestID      uint64
	CentralID      string
	Characteristic string
	Offset         int
}

// WriteRequest is one write of a WriteRequests batch.
type WriteRequest struct {
	RequestID        uint64
	CentralID        string
	Characteristic   string
	Value            []byte
	Offset           int
	ResponseRequired bool
}

type WriteRequests struct {
	Requests []WriteRequest
}

// ReadyToUpdate reports that the transmit queue has room again.
type ReadyToUpdate struct{}

func (StateChanged) isEvent()              {}
func (PeripheralDiscovered) isEvent()      {}
func (Connected) isEvent()                 {}
func (ConnectFailed) isEvent()             {}
func (Disconnected) isEvent()              {}
func (ServicesDiscovered) isEvent()        {}
func (CharacteristicsDiscovered) isEvent() {}
func (ValueUpdated) isEvent()              {}
func (ValueWritten) isEvent()              {}
func (NotificationStateChanged) isEvent()  {}
func (AdvertisingStarted) isEvent()        {}
func (AdvertisingStopped) isEvent()        {}
func (CentralSubscribed) isEvent()         {}
func (CentralUnsubscribed) isEvent()       {}
func (ReadRequest) isEvent()               {}
func (WriteRequests) isEvent()             {}
func (ReadyToUpdate) isEvent()             {}

func (e PeripheralDiscovered) Peer() string      { return e.PeerID }
func (e Connected) Peer() string                 { return e.PeerID }
func (e ConnectFailed) Peer() string             { return e.PeerID }
func (e Disconnected) Peer() string              { return e.PeerID }
func (e ServicesDiscovered) Peer() string        { return e.PeerID }
func (e CharacteristicsDiscovered) Peer() string { return e.PeerID }
func (e ValueUpdated) Peer() string              { return e.PeerID }
func (e ValueWritten) Peer() string              { return e.PeerID }
func (e NotificationStateChanged) Peer() string  { return e.PeerID }
