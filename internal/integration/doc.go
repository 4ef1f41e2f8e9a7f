// Package integration provides cross-package integration tests for stagehand.
// These tests run workflows end to end against a real SQLite store, the
// file-based handoff channel and the built-in capabilities.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
