package device

// ConnectionState is the link state of a remote peer.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// BluetoothState is the state of the local adapter.
type BluetoothState int

const (
	StateUnknown BluetoothState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s BluetoothState) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "powered off"
	case StatePoweredOn:
		return "powered on"
	default:
		return "unknown"
	}
}
