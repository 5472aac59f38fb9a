// Package remote defines the client-side view of the remote device tree.
//
// Devices publish their state into a tree-structured, push-notifying store
// and read commands from it. Everything in dryerlink talks to that store
// through the Store interface, which is injected explicitly rather than
// obtained from a global handle:
//
//	devices/{id}/current        live status (firmware field names)
//	devices/{id}/deviceInfo     identity and pairing owner
//	devices/{id}/settings       operating bounds
//	devices/{id}/commands       last command written by a client
//	devices/{id}/history/{key}  append-only telemetry log
//	devicePairing/{code}        single-use pairing codes
//	users/{uid}/devices/{n}     per-user device index
//
// Values in the tree are restricted to the JSON data model: nil, bool,
// string, float64 and map[string]any. Slices are stored as objects keyed
// "0", "1", ... and empty objects do not exist. Normalize converts any
// supported Go value into that form.
//
// The only atomic primitive is CompareAndSet on a single node. Transact
// builds an optimistic read-modify-write loop on top of it.
//
// Implementations:
//   - memtree: in-memory tree (tests, the tree host, memory backend)
//   - mqttstore: client for a tree host reached over MQTT
package remote
