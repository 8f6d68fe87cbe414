// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusActive    ExecutionStatus = "active"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// allowedExecutionTransitions is the execution lifecycle state machine.
// Terminal states have no outgoing edges.
var allowedExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusActive: {ExecutionStatusPaused, ExecutionStatusCompleted, ExecutionStatusCancelled, ExecutionStatusFailed},
	ExecutionStatusPaused: {ExecutionStatusActive, ExecutionStatusCancelled},
}

// CanTransition reports whether from -> to is an allowed lifecycle edge.
func CanTransition(from, to ExecutionStatus) bool {
	for _, next := range allowedExecutionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether status permits no further changes.
func IsTerminalStatus(status ExecutionStatus) bool {
	switch status {
	case ExecutionStatusCompleted, ExecutionStatusCancelled, ExecutionStatusFailed:
		return true
	default:
		return false
	}
}

// StepExecutionStatus is the per-step lifecycle state within an execution.
type StepExecutionStatus string

const (
	StepExecutionReady     StepExecutionStatus = "ready"
	StepExecutionActive    StepExecutionStatus = "active"
	StepExecutionCompleted StepExecutionStatus = "completed"
	StepExecutionSkipped   StepExecutionStatus = "skipped"
	StepExecutionFailed    StepExecutionStatus = "failed"
)

// ActionType classifies a navigation event.
type ActionType string

const (
	ActionNavigateTo        ActionType = "navigate_to"
	ActionStarted           ActionType = "started"
	ActionCompleted         ActionType = "completed"
	ActionDecisionMade      ActionType = "decision_made"
	ActionPaused            ActionType = "paused"
	ActionResumed           ActionType = "resumed"
	ActionCancelled         ActionType = "cancelled"
	ActionSkipped           ActionType = "skipped"
	ActionWorkflowCompleted ActionType = "workflow_completed"
)

// reservationsKey is where reservation records live inside ExecutionData.
const reservationsKey = "reservations"

// Execution is a runtime instance of a workflow definition being navigated
// by a user. The Version column serializes concurrent mutations
// (optimistic locking); every engine write bumps it.
type Execution struct {
	ID                   string          `gorm:"primaryKey;type:text" json:"id"`
	WorkflowID           string          `gorm:"not null;type:text;index" json:"workflow_id"`
	StartedBy            string          `gorm:"type:text;index" json:"started_by"`
	Status               ExecutionStatus `gorm:"not null;type:text;index" json:"status"`
	StartedAt            time.Time       `gorm:"not null" json:"started_at"`
	CompletedAt          *time.Time      `gorm:"type:timestamp" json:"completed_at,omitempty"`
	SelectedOutcomeID    string          `gorm:"type:text" json:"selected_outcome_id,omitempty"`
	CurrentStepID        string          `gorm:"type:text" json:"current_step_id,omitempty"`
	ExecutionData        JSONMap         `gorm:"type:text" json:"execution_data"`
	TotalDurationMinutes *int            `gorm:"type:integer" json:"total_duration_minutes,omitempty"`
	Version              int             `gorm:"not null;default:1" json:"version"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	StepExecutions   []StepExecution   `gorm:"foreignKey:ExecutionID;constraint:OnDelete:CASCADE" json:"step_executions,omitempty"`
	NavigationEvents []NavigationEvent `gorm:"foreignKey:ExecutionID;constraint:OnDelete:CASCADE" json:"navigation_events,omitempty"`
}

func (Execution) TableName() string { return "executions" }

func (e *Execution) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = ExecutionStatusActive
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	if e.ExecutionData == nil {
		e.ExecutionData = JSONMap{}
	}
	if e.Version == 0 {
		e.Version = 1
	}
	return nil
}

// IsTerminal reports whether the execution is in a terminal state.
func (e *Execution) IsTerminal() bool {
	return IsTerminalStatus(e.Status)
}

// Duration returns elapsed wall time since the execution started.
func (e *Execution) Duration() time.Duration {
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(e.StartedAt)
	}
	return time.Since(e.StartedAt)
}

// StepExecutionFor returns the step execution for stepID, or nil.
func (e *Execution) StepExecutionFor(stepID string) *StepExecution {
	for i := range e.StepExecutions {
		if e.StepExecutions[i].StepID == stepID {
			return &e.StepExecutions[i]
		}
	}
	return nil
}

// Reservation is one token held against the inventory oracle for the
// lifetime of an execution. Records are embedded in ExecutionData so they
// travel with the execution row through every transaction.
type Reservation struct {
	Kind       ResourceKind `json:"kind"`
	ResourceID string       `json:"resource_id"`
	Quantity   float64      `json:"quantity"`
	Token      string       `json:"token"`
	StepID     string       `json:"step_id,omitempty"`
}

// Reservations decodes the reservation records held in ExecutionData.
func (e *Execution) Reservations() []Reservation {
	raw, ok := e.ExecutionData[reservationsKey]
	if !ok {
		return nil
	}
	// Round-trip through JSON: after a DB load the value is []any.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []Reservation
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil
	}
	return out
}

// SetReservations stores reservation records into ExecutionData.
func (e *Execution) SetReservations(rs []Reservation) {
	if e.ExecutionData == nil {
		e.ExecutionData = JSONMap{}
	}
	encoded, err := json.Marshal(rs)
	if err != nil {
		return
	}
	var generic []any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return
	}
	e.ExecutionData[reservationsKey] = generic
}

// StepExecution tracks the lifecycle of one step within one execution.
// At most one row exists per (execution, step).
type StepExecution struct {
	ID                    string              `gorm:"primaryKey;type:text" json:"id"`
	ExecutionID           string              `gorm:"not null;type:text;uniqueIndex:idx_step_exec_execution_step" json:"execution_id"`
	StepID                string              `gorm:"not null;type:text;uniqueIndex:idx_step_exec_execution_step" json:"step_id"`
	Status                StepExecutionStatus `gorm:"not null;type:text" json:"status"`
	StartedAt             *time.Time          `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt           *time.Time          `gorm:"type:timestamp" json:"completed_at,omitempty"`
	ActualDurationMinutes *int                `gorm:"type:integer" json:"actual_duration_minutes,omitempty"`
	StepData              JSONMap             `gorm:"type:text" json:"step_data"`
	CreatedAt             time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (StepExecution) TableName() string { return "step_executions" }

func (se *StepExecution) BeforeCreate(tx *gorm.DB) error {
	if se.ID == "" {
		se.ID = uuid.New().String()
	}
	if se.Status == "" {
		se.Status = StepExecutionReady
	}
	if se.StepData == nil {
		se.StepData = JSONMap{}
	}
	return nil
}

// IsSettled reports whether the step reached a final per-step state.
func (se *StepExecution) IsSettled() bool {
	switch se.Status {
	case StepExecutionCompleted, StepExecutionSkipped, StepExecutionFailed:
		return true
	default:
		return false
	}
}

// NavigationEvent is the append-only record of a state change observed by
// the engine. Seq is assigned by the database and matches commit order.
type NavigationEvent struct {
	ID          string     `gorm:"primaryKey;type:text" json:"id"`
	Seq         int64      `gorm:"autoIncrement;uniqueIndex" json:"seq"`
	ExecutionID string     `gorm:"not null;type:text;index" json:"execution_id"`
	StepID      string     `gorm:"type:text" json:"step_id,omitempty"`
	ActionType  ActionType `gorm:"not null;type:text" json:"action_type"`
	ActionData  JSONMap    `gorm:"type:text" json:"action_data"`
	Timestamp   time.Time  `gorm:"not null;index" json:"timestamp"`
}

func (NavigationEvent) TableName() string { return "navigation_events" }

func (n *NavigationEvent) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	if n.ActionData == nil {
		n.ActionData = JSONMap{}
	}
	return nil
}
