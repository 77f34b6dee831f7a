// Package holter owns the device connection lifecycle: the scan/connect/
// stream/disconnect/reconnect state machine, the decode and buffering hot
// path, listener fan-out, and the staleness watchdog. One Manager per
// device link; external components only observe it through subscriptions.
package holter

import "fmt"

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is the broadcast unit for state transitions. Reason is only set
// for StateError.
type Status struct {
	State    State
	DeviceID string
	Reason   string
}

// OpError reports a guarded operation the manager refused to start.
type OpError struct {
	Op  string
	Msg string
}

func (e *OpError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// Is allows errors.Is to compare OpError values by operation.
func (e *OpError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*OpError)
	if !ok {
		return false
	}
	return e.Op == t.Op
}

// Guard errors surfaced by Scan and Connect.
var (
	ErrClosed      = &OpError{Op: "manager", Msg: "closed"}
	ErrBusy        = &OpError{Op: "connect", Msg: "connected to a different device - disconnect first"}
	ErrTearingDown = &OpError{Op: "connect", Msg: "disconnect in progress"}
)
