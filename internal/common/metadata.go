// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package common provides shared types used across multiple packages.
package common

// Metadata contains common fields for all messages that cross component
// boundaries: engine events, API notifications, and anything else consumers
// subscribe to.
type Metadata struct {
	// ExecutionID serves as the correlation ID for execution-related events.
	// Optional - only present for execution-scoped events.
	ExecutionID string `json:"execution_id,omitempty"`

	// IdempotencyKey is used for event deduplication when a producer retries.
	// Optional - events without this key will always be processed.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Version indicates the protocol version for backward compatibility.
	// Format: "v{major}.{minor}.{patch}" (e.g., "v1.0.0")
	Version string `json:"version"`
}

// CurrentProtocolVersion defines the current version of the protocol.
// This should be updated when making breaking changes to the protocol.
const CurrentProtocolVersion = "v1.0.0"

// Event represents events emitted by the workflow engine and services.
// Any type implementing this interface can be sent through the dispatcher.
type Event interface {
	GetMetadata() Metadata
}
