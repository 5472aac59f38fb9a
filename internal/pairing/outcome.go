package pairing

import "github.com/nerrad567/dryerlink-core/internal/device"

// Outcome is the result of a pairing attempt. Validation failures are
// outcomes, not errors: the error return of Pair is reserved for remote
// store faults.
type Outcome int

// Pairing outcomes, in the order their checks run.
const (
	OutcomePaired Outcome = iota
	OutcomeCodeNotFound
	OutcomeCodeDeviceMismatch
	OutcomeCodeAlreadyUsed
	OutcomeCodeExpired
	OutcomeDeviceNotFound
	OutcomeDeviceAlreadyPaired
)

var outcomeNames = map[Outcome]string{
	OutcomePaired:              "paired",
	OutcomeCodeNotFound:        "code_not_found",
	OutcomeCodeDeviceMismatch:  "code_device_mismatch",
	OutcomeCodeAlreadyUsed:     "code_already_used",
	OutcomeCodeExpired:         "code_expired",
	OutcomeDeviceNotFound:      "device_not_found",
	OutcomeDeviceAlreadyPaired: "device_already_paired",
}

var outcomeMessages = map[Outcome]string{
	OutcomePaired:              "Device paired successfully.",
	OutcomeCodeNotFound:        "Invalid pairing code.",
	OutcomeCodeDeviceMismatch:  "Pairing code does not match this device.",
	OutcomeCodeAlreadyUsed:     "Pairing code has already been used.",
	OutcomeCodeExpired:         "Pairing code has expired. Generate a new code on the device.",
	OutcomeDeviceNotFound:      "Device not found.",
	OutcomeDeviceAlreadyPaired: "Device is already paired to another account.",
}

// String returns the machine-readable name, e.g. "code_expired".
func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

// Message returns a user-presentable description of the outcome.
func (o Outcome) Message() string {
	if s, ok := outcomeMessages[o]; ok {
		return s
	}
	return "Pairing failed."
}

// OK reports whether the device ended up paired to the caller.
func (o Outcome) OK() bool {
	return o == OutcomePaired
}

// Result is returned by Pair. Info is the device info after pairing and is
// only set when the outcome is OutcomePaired.
type Result struct {
	Outcome Outcome
	Info    device.Info
}

func fail(o Outcome) Result {
	return Result{Outcome: o}
}
