// Package connection implements the telemetry connection layer.
//
// The Manager:
//   - Owns the single WebSocket to the TestBro telemetry server
//   - Authenticates with a bearer token from the session provider
//   - Distinguishes manual disconnects from drops, reconnecting with
//     exponential backoff only on the latter
//   - Probes liveness on a fixed interval and tracks round-trip latency
//   - Re-joins active rooms after every successful connect
package connection
