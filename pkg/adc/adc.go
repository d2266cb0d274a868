package adc

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultBaudRate is the standard baud rate for the bridge MCU.
	DefaultBaudRate = 115200
	// DefaultBufferSize is the default size for the cycles channel buffer.
	DefaultBufferSize = 100

	// MaxCode is the largest valid 24-bit two's complement magnitude.
	MaxCode = 1<<23 - 1
)

// RawSample represents one channel's raw conversion result within a cycle.
type RawSample struct {
	Channel   int
	Code      int32 // Signed 24-bit ADC code
	Timestamp time.Time
}

// Cycle is one synchronized scan of all configured physical channels.
// Samples for the first device carry the cycle timestamp; samples for the
// second device are offset by the reported inter-device skew.
type Cycle struct {
	Timestamp time.Time
	Skew      time.Duration
	Samples   []RawSample
}

// ErrTimeout is returned by NextCycle when no complete cycle arrives
// within the configured acquisition timeout.
var ErrTimeout = errors.New("acquisition timeout")

// FaultError is a bus- or device-level acquisition fault. A faulted cycle
// is dropped entirely; partial cycles are never forwarded downstream.
type FaultError struct {
	Reason string
	Err    error
}

func (e *FaultError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acquisition fault: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("acquisition fault: %s", e.Reason)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Frontend defines the interface for dual-ADC raw-reading providers
// (real or mocked).
type Frontend interface {
	Connect() error
	Close() error
	NextCycle(ctx context.Context) (Cycle, error)
	IsConnected() bool
}

// Ensure Serial implements Frontend.
var _ Frontend = (*Serial)(nil)

// Ensure Mock implements Frontend.
var _ Frontend = (*Mock)(nil)
