// Package api implements the HTTP REST API and WebSocket live streams for
// dryerlink.
//
// This package provides:
//   - Device list, detail and reading history served from the local cache
//   - Commands and renames written through the command channel
//   - Pairing and unpairing through the pairing coordinator
//   - Live device and fleet streams backed by remote watches
//   - Prometheus metrics at /metrics
//
// # Security
//
// Every /api/v1 route except /health requires an HS256 bearer token whose
// subject is the user id. WebSocket handshakes may carry the token in the
// access_token query parameter. Renames, commands and device live streams
// also require the device to be paired to the caller. Pairing codes are
// never issued here.
//
// # Graceful Degradation
//
// Cached reads keep working while the remote store is unreachable; commands,
// pairing and live streams answer 503 until it returns.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
