package device

import (
	"errors"
	"fmt"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
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

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
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

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff, Msg: "is Bluetooth turned on?"}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// LinkOp names the link phase an error happened in.
type LinkOp string

const (
	OpScan      LinkOp = "scan"
	OpConnect   LinkOp = "connect"
	OpDiscover  LinkOp = "discover"
	OpSubscribe LinkOp = "subscribe"
	OpReconnect LinkOp = "reconnect"
)

// LinkError is a classified failure of the wireless link.
//
// Retryable is false only for device incompatibility: the peripheral does not
// expose the expected service or characteristic, and retrying against the same
// device cannot succeed.
type LinkError struct {
	Op        LinkOp
	Address   string
	Retryable bool
	Err       error
}

func (e *LinkError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.Address, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// ClassifyLinkError wraps err into a *LinkError, marking device incompatibility
// (missing service or characteristic, unsupported property) as non-retryable.
func ClassifyLinkError(op LinkOp, address string, err error) *LinkError {
	if err == nil {
		return nil
	}
	var lerr *LinkError
	if errors.As(err, &lerr) {
		return lerr
	}
	return &LinkError{
		Op:        op,
		Address:   address,
		Retryable: !IsIncompatible(err),
		Err:       err,
	}
}

// IsIncompatible reports whether err means the peripheral is not the expected kind of device.
func IsIncompatible(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) || errors.Is(err, ErrUnsupported)
}

// IsRetryable reports whether err is a link failure worth retrying.
// Errors that are not link errors are treated as retryable.
func IsRetryable(err error) bool {
	var lerr *LinkError
	if errors.As(err, &lerr) {
		return lerr.Retryable
	}
	return !IsIncompatible(err)
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}
