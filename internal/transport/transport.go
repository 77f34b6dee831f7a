// Package transport defines the narrow link interface the connection
// manager owns, plus the go-ble production backend. Keeping the surface
// this small is what lets the simulator stand in for real hardware in
// tests.
package transport

import (
	"context"
	"errors"
	"time"
)

// Peripheral describes a discovered device. Firmware and Battery are zero
// until refined after connection.
type Peripheral struct {
	ID          string
	Name        string
	RSSI        int
	Connectable bool
	Firmware    string
	Battery     uint8
}

// ScanOptions configures discovery.
type ScanOptions struct {
	Timeout time.Duration
	// NamePrefix filters advertisements by local name. Empty matches all.
	NamePrefix      string
	AllowDuplicates bool
}

// Transport opens links to holter devices. Scan and Connect are the only
// awaitable operations in the core; everything downstream of a notification
// is synchronous.
type Transport interface {
	Scan(ctx context.Context, opts ScanOptions, handler func(Peripheral)) error
	Connect(ctx context.Context, id string, timeout time.Duration) (Conn, error)
}

// Conn is one live link. The manager is the sole owner; external components
// never touch it.
//
// SubscribeECG opens the single notification subscription for the ECG
// characteristic. Battery and firmware are polled reads, never a second
// subscription: the GATT command queue is effectively single-threaded on
// common stacks, and interleaving another notification stream with the
// high-frequency ECG stream collides on it. That is a hardware constraint,
// not a preference.
type Conn interface {
	SubscribeECG(handler func(data []byte)) error
	ReadBattery() (uint8, error)
	ReadFirmware() (string, error)
	// ReadRSSI is the watchdog's lightweight liveness probe.
	ReadRSSI() (int, error)
	// Disconnected is closed when the link drops out from under us.
	Disconnected() <-chan struct{}
	// Close releases the link. Implementations must not explicitly cancel
	// the notification registration on a dropped link; tearing the
	// connection down invalidates it.
	Close() error
}

// ErrDeviceNotFound is returned by Connect when the id is unknown to the
// transport.
var ErrDeviceNotFound = errors.New("device not found")
