// Package pairing implements the device ownership handshake.
//
// A device publishes a short numeric code under devicePairing/{code}. A user
// enters that code together with the device id, and Pair binds the device
// to the user:
//
//	devices/{id}/deviceInfo/pairedTo   ← user id            (compare-and-set)
//	devicePairing/{code}               ← used, pairedTo, pairedAt (transaction)
//	users/{uid}/devices/{n}            ← device id          (transaction, if absent)
//
// The remote store offers no multi-key transaction, so the three writes are
// ordered to keep retries safe: once the device is paired to the caller, a
// repeated call skips validation and only completes the missing steps.
// A code moves from unused to used exactly once and is never re-armed, not
// even by Unpair.
//
// Validation failures are reported as an Outcome in the Result, never as an
// error.
package pairing
