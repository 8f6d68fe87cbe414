// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Here lies the definition of the events the engine and services emit to
// consumers (API subscribers, audit sinks). Every event type embeds Metadata
// and implements the Event interface from the common package. Events are
// published only after the transaction that produced them has committed.
package protocol

import (
	"github.com/makerflow/makerflow/internal/workflow/models"
)

// GetIdempotencyKey extracts the idempotency key from any event
func GetIdempotencyKey(event Event) string {
	return event.GetMetadata().IdempotencyKey
}

// ExecutionLifecycleType defines the type of execution lifecycle event
type ExecutionLifecycleType string

const (
	// ExecutionStarted - an execution has been created and its first step activated
	ExecutionStarted ExecutionLifecycleType = "started"
	// ExecutionStepCompleted - the current step completed and navigation advanced
	ExecutionStepCompleted ExecutionLifecycleType = "step_completed"
	// ExecutionDecisionMade - a decision option was selected at a decision point
	ExecutionDecisionMade ExecutionLifecycleType = "decision_made"
	// ExecutionNavigated - an explicit jump to another step
	ExecutionNavigated ExecutionLifecycleType = "navigated"
	// ExecutionPaused - the execution was paused
	ExecutionPaused ExecutionLifecycleType = "paused"
	// ExecutionResumed - the execution was resumed
	ExecutionResumed ExecutionLifecycleType = "resumed"
	// ExecutionCancelled - the execution was cancelled and reservations released
	ExecutionCancelled ExecutionLifecycleType = "cancelled"
	// ExecutionFailed - the execution failed
	ExecutionFailed ExecutionLifecycleType = "failed"
	// ExecutionCompleted - the execution reached an outcome
	ExecutionCompleted ExecutionLifecycleType = "completed"
)

// ExecutionLifecycleEvent represents any execution state change.
type ExecutionLifecycleEvent struct {
	Metadata
	Type       ExecutionLifecycleType
	WorkflowID string

	// Step info (populated for step-related events)
	StepID   string
	StepName string

	// Decision info (populated for ExecutionDecisionMade)
	DecisionOptionID string

	// Outcome info (populated for ExecutionCompleted)
	OutcomeID string

	// Execution snapshot at the time of the event
	Execution *models.Execution
}

func (e ExecutionLifecycleEvent) GetMetadata() Metadata {
	return e.Metadata
}

// WorkflowLifecycleType defines the type of workflow definition event
type WorkflowLifecycleType string

const (
	WorkflowCreated    WorkflowLifecycleType = "created"
	WorkflowUpdated    WorkflowLifecycleType = "updated"
	WorkflowPublished  WorkflowLifecycleType = "published"
	WorkflowDuplicated WorkflowLifecycleType = "duplicated"
	WorkflowDeleted    WorkflowLifecycleType = "deleted"
	WorkflowImported   WorkflowLifecycleType = "imported"
)

// WorkflowLifecycleEvent represents a workflow definition state change.
type WorkflowLifecycleEvent struct {
	Metadata
	Type       WorkflowLifecycleType
	WorkflowID string
	Name       string
	ActorID    string // user who performed the operation
}

func (e WorkflowLifecycleEvent) GetMetadata() Metadata {
	return e.Metadata
}

// ErrorEvent is sent when an asynchronous operation fails after its request
// already returned.
type ErrorEvent struct {
	Metadata
	WorkflowID string
	Message    string
}

func (e ErrorEvent) GetMetadata() Metadata {
	return e.Metadata
}
