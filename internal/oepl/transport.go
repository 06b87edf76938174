package oepl

import (
	"context"
	"errors"
	"time"
)

// Transport-level sentinel errors. Implementations return these so the
// engine can tell a clean miss from a broken stack.
var (
	// ErrDeviceNotFound means the scan window elapsed without seeing the
	// target address.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrNotFound means a GATT service or characteristic was not present
	// on the connected device.
	ErrNotFound = errors.New("attribute not found")

	// ErrNotifyTimeout means no notification arrived within the wait
	// window.
	ErrNotifyTimeout = errors.New("notification timeout")
)

// Transport is the BLE stack seam. The engine owns the protocol; a Transport
// owns radios, GATT plumbing and notification delivery. bluez.Transport is
// the production implementation; tests inject scripted stubs.
type Transport interface {
	// Scan searches for the given address for at most duration and
	// returns a handle to the device, or ErrDeviceNotFound.
	// Address comparison is exact.
	Scan(ctx context.Context, address string, duration time.Duration) (Device, error)
}

// Device is a discovered-but-not-connected peripheral handle.
type Device interface {
	Address() string
	Connect(ctx context.Context, timeout time.Duration) (Connection, error)
}

// Connection is an open link to the peripheral. Disconnect must be safe to
// call exactly once on every exit path.
type Connection interface {
	ExchangeMTU(mtu uint16) error
	Service(uuid uint16) (Service, error)
	Disconnect() error
}

// Service resolves characteristics by 16-bit UUID.
type Service interface {
	Characteristic(uuid uint16) (Characteristic, error)
}

// Characteristic is the single command/notify endpoint of the protocol.
type Characteristic interface {
	// Subscribe enables notification delivery for Notification calls.
	Subscribe() error

	// WriteNoResponse writes a command frame without a GATT write
	// response.
	WriteNoResponse(data []byte) error

	// Notification blocks for the next device notification, returning
	// ErrNotifyTimeout after the given window or ctx.Err() on
	// cancellation.
	Notification(ctx context.Context, timeout time.Duration) ([]byte, error)
}
