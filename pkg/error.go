package pkg

import (
	"errors"
	"fmt"
)

// Base error classes. Every error returned by the core is either nil or
// matches one of these through [errors.Is].
var (
	// ErrInvalid marks a malformed or unsupported request or input.
	// On the control pipe it always resolves to a protocol STALL.
	ErrInvalid = errors.New("invalid")

	// ErrBusy indicates the resource has a transfer in flight.
	// The caller may retry once the transfer completes.
	ErrBusy = errors.New("resource busy")
)

// Invalid-class errors. Each wraps [ErrInvalid].
var (
	ErrInvalidRequest   = fmt.Errorf("%w: request", ErrInvalid)
	ErrInvalidEndpoint  = fmt.Errorf("%w: endpoint", ErrInvalid)
	ErrInvalidInterface = fmt.Errorf("%w: interface", ErrInvalid)
	ErrInvalidState     = fmt.Errorf("%w: device state", ErrInvalid)
	ErrInvalidParameter = fmt.Errorf("%w: parameter", ErrInvalid)
	ErrInvalidLength    = fmt.Errorf("%w: length", ErrInvalid)

	// ErrNotSupported is returned when a capability is absent.
	ErrNotSupported = fmt.Errorf("%w: not supported", ErrInvalid)

	// ErrNotConfigured is returned for data transfers before SET_CONFIGURATION.
	ErrNotConfigured = fmt.Errorf("%w: device not configured", ErrInvalid)

	// ErrStall is returned for transfers on a halted endpoint.
	ErrStall = fmt.Errorf("%w: endpoint stalled", ErrInvalid)

	// ErrNoMemory is returned when a fixed-capacity table is full.
	ErrNoMemory = fmt.Errorf("%w: capacity exhausted", ErrInvalid)

	ErrSetupPacketTooShort    = fmt.Errorf("%w: setup packet too short", ErrInvalid)
	ErrDescriptorTooShort     = fmt.Errorf("%w: descriptor too short", ErrInvalid)
	ErrDescriptorTypeMismatch = fmt.Errorf("%w: descriptor type mismatch", ErrInvalid)
	ErrBufferTooSmall         = fmt.Errorf("%w: buffer too small", ErrInvalid)
)

// Lifecycle errors. These are plain errors and map to [ResultError].
var (
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
	ErrDriver         = errors.New("peripheral driver fault")
)

// Result is the coarse outcome of a core operation.
type Result int

// Result values.
const (
	ResultOK      Result = iota // Operation succeeded
	ResultError                 // Internal or driver-level failure
	ResultBusy                  // Rejected while a transfer is in flight
	ResultInvalid               // Malformed or unsupported, maps to STALL
)

// ResultOf classifies err.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrBusy):
		return ResultBusy
	case errors.Is(err, ErrInvalid):
		return ResultInvalid
	default:
		return ResultError
	}
}

// String returns a string representation of the result.
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultError:
		return "error"
	case ResultBusy:
		return "busy"
	case ResultInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Err returns the base error for the result, or nil for [ResultOK].
func (r Result) Err() error {
	switch r {
	case ResultOK:
		return nil
	case ResultBusy:
		return ErrBusy
	case ResultInvalid:
		return ErrInvalid
	default:
		return ErrDriver
	}
}
