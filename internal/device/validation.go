package device

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Validation constants.
const (
	// MaxNameLength is the longest device name accepted, in characters.
	MaxNameLength = 64

	maxIDLength = 128

	// idIllegalChars cannot appear in an id because ids are path segments.
	idIllegalChars = "/.#$[]"
)

// validActions is built once for O(1) lookups.
var validActions = func() map[Action]struct{} {
	m := make(map[Action]struct{}, len(ValidActions))
	for _, a := range ValidActions {
		m[a] = struct{}{}
	}
	return m
}()

// ValidateID checks that a device id is usable as a remote path segment.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, maxIDLength)
	}
	if strings.ContainsAny(id, idIllegalChars) {
		return fmt.Errorf("%w: %q contains an illegal character", ErrInvalidID, id)
	}
	return nil
}

// ValidateName checks a user-supplied device name.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if utf8.RuneCountInString(trimmed) > MaxNameLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidName, MaxNameLength)
	}
	return nil
}

// ValidateAction checks that a is a known command action.
func ValidateAction(a Action) error {
	if _, ok := validActions[a]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidAction, a)
	}
	return nil
}

// ValidateSetpoint checks a command value against the device bounds.
// Actions without a value always pass.
func ValidateSetpoint(a Action, value float64, s Settings) error {
	var lo, hi float64
	switch a {
	case ActionSetTemp:
		lo, hi = s.MinTemp, s.MaxTemp
	case ActionSetHumidity:
		lo, hi = s.MinHumidity, s.MaxHumidity
	default:
		return nil
	}
	if value < lo || value > hi {
		return fmt.Errorf("%w: %s %.1f outside [%.1f, %.1f]", ErrValueOutOfRange, a, value, lo, hi)
	}
	return nil
}
