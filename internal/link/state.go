package link

import (
	"errors"
	"time"

	"github.com/srg/kinetic/internal/device"
	"github.com/srg/kinetic/internal/registry"
)

// State is the lifecycle phase of the connection session.
type State int

const (
	Disconnected State = iota
	Scanning
	Connecting
	Discovering
	Subscribed
	Reconnecting
	Failed
)

var stateNames = [...]string{
	Disconnected: "Disconnected",
	Scanning:     "Scanning",
	Connecting:   "Connecting",
	Discovering:  "Discovering",
	Subscribed:   "Subscribed",
	Reconnecting: "Reconnecting",
	Failed:       "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// inFlight reports whether a connect or reconnect owns the session.
func (s State) inFlight() bool {
	return s == Connecting || s == Discovering || s == Reconnecting
}

var (
	// ErrInvalidTransition is returned when an operation is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrBusy is returned when a connect is requested while another transition is in flight.
	ErrBusy = errors.New("connection manager is busy")
	// ErrAborted is wrapped in the LinkError of a connect cut short by Disconnect.
	ErrAborted = errors.New("aborted by disconnect")
)

// Session is a snapshot of the managed connection.
type Session struct {
	Device     registry.Descriptor
	State      State
	Err        *device.LinkError
	Reconnects int
	// SubscribedAt is when the current link started streaming.
	SubscribedAt time.Time
}

// StateEvent describes one state transition.
type StateEvent struct {
	From    State
	To      State
	Address string
	Err     error
	At      time.Time
}
