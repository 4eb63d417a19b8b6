// Package protocol defines the wire contract between the TestBro dashboard
// and the telemetry server.
//
// Inbound messages are type-tagged Envelopes; outbound messages are named
// Commands. Room names follow the "{kind}:{id}" convention for subscribe
// and unsubscribe commands.
package protocol
