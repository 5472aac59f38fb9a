package cache

import "errors"

var (
	// ErrDeviceNotFound is returned when a device has no cached summary.
	ErrDeviceNotFound = errors.New("cache: device not found")

	// ErrInvalidDeviceID is returned for an empty device id.
	ErrInvalidDeviceID = errors.New("cache: device id is required")

	// ErrInvalidRange is returned when a range query ends before it starts.
	ErrInvalidRange = errors.New("cache: invalid time range")
)
