// Package integration provides integration tests for courier-sync.
// These tests run the complete engine in process against a fake backend and
// drive it through the local API, covering offline queueing, replay on
// reconnect, retry exhaustion and persistence across restarts.
package integration
