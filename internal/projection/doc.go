// Package projection folds ordered event streams into the local views the
// dashboard renders: execution progress with its step list and log tail,
// project presence, and system metrics.
//
// Projections are purely local state. They are created by whichever consumer
// needs them and discarded when that consumer detaches; nothing here talks
// to the network.
package projection
