package scale

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned by commands issued before Connect succeeded.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrNotReady is returned when the device never announced READY.
	ErrNotReady = errors.New("device did not send READY")
)

// Reading is a weight published by the remote sensor.
type Reading struct {
	Grams float64
	At    time.Time // When the host received the line
}

// Device defines the interface for weight sensors (real or mocked).
type Device interface {
	Connect(ctx context.Context) error
	Close() error
	// Weight returns the latest weight in grams without blocking.
	// ok is false until a reading has arrived.
	Weight() (grams float64, ok bool)
	// Latest returns the latest reading together with its arrival time.
	Latest() (Reading, bool)
	// Tare asks the device to zero itself and waits the settle time.
	// Completion is confirmed asynchronously by the device.
	Tare(ctx context.Context) error
	IsConnected() bool
}

// StatusReporter is implemented by devices that expose link diagnostics.
type StatusReporter interface {
	Status() Status
}

// Ensure Serial implements Device.
var _ Device = (*Serial)(nil)

// Ensure Mock implements Device.
var _ Device = (*Mock)(nil)

var (
	_ StatusReporter = (*Serial)(nil)
	_ StatusReporter = (*Mock)(nil)
)
