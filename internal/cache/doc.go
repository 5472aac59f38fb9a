// Package cache is the durable local copy of remote device state.
//
// It keeps one summary row per device (cached_devices) and a time-ordered
// window of telemetry readings per device (cached_readings) in SQLite, so
// the last known state can be shown while offline. The schema lives in the
// top-level migrations package.
//
// Writes are idempotent: summaries are keyed by device id and readings by
// (device id, timestamp), so re-applying the same remote update never
// creates duplicates. The favourite flag is local only and sync never
// touches it.
//
// RecordSnapshot writes a reading and the matching summary in a single
// transaction, reading first, so no reader ever sees a summary newer than
// the newest reading of that device.
package cache
