package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrMalformedRecord) {
//	    // drop the entry and carry on
//	}
var (
	// ErrMalformedRecord is returned when a remote record cannot be parsed at
	// all (not an object, or no derivable timestamp).
	ErrMalformedRecord = errors.New("device: malformed record")

	// ErrInvalidID is returned when a device id is empty or unusable as a path segment.
	ErrInvalidID = errors.New("device: invalid id")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidAction is returned when a command action is not recognised.
	ErrInvalidAction = errors.New("device: invalid action")

	// ErrValueOutOfRange is returned when a setpoint falls outside the device bounds.
	ErrValueOutOfRange = errors.New("device: value out of range")
)
