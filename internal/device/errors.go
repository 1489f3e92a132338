package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not present in the
// last discovery snapshot
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// Is lets errors.Is match NotFoundError values by Resource, so callers can test
// against ErrServiceNotFound / ErrCharacteristicNotFound.
func (e *NotFoundError) Is(target error) bool {
	t, ok := target.(*NotFoundError)
	if !ok {
		return false
	}
	return e.Resource == t.Resource
}

// ConnectionErrorState represents the specific kind of connection state failure
type ConnectionErrorState string

const (
	NotConnected     ConnectionErrorState = "not_connected"
	AlreadyConnected ConnectionErrorState = "already_connected"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionErrorState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// PlatformError wraps a failure reported by the underlying Bluetooth stack for
// an in-flight request. The platform error is kept verbatim.
type PlatformError struct {
	Op  string
	Err error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform %s failed: %v", e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// WrapPlatform returns nil for a nil err, and a *PlatformError otherwise.
func WrapPlatform(op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *PlatformError
	if errors.As(err, &perr) {
		return err
	}
	return &PlatformError{Op: op, Err: err}
}

// Predefined sentinel errors
var (
	ErrDisconnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}

	ErrServiceNotFound        = &NotFoundError{Resource: "service"}
	ErrCharacteristicNotFound = &NotFoundError{Resource: "characteristic"}
)

// Operation errors
var (
	ErrCancelled         = errors.New("operation cancelled")
	ErrTimeout           = errors.New("timeout")
	ErrBackpressure      = errors.New("platform transmit queue is full")
	ErrUnsupported       = errors.New("unsupported")
	ErrBluetoothOff      = errors.New("bluetooth is turned off")
	ErrReadNotPermitted  = errors.New("read not permitted")
	ErrWriteNotPermitted = errors.New("write not permitted")
)

// Cancelled returns ErrCancelled annotated with the reason, keeping the cause
// reachable through errors.Is.
func Cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionErrorState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ContainsIgnoreCase checks substring case-insensitively
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// NormalizeError maps known platform error strings to the sentinel errors of
// this package. Returns wrapped errors to preserve the original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case ContainsIgnoreCase(msg, "is Bluetooth turned on"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case ContainsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case ContainsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	case ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	case ContainsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}
