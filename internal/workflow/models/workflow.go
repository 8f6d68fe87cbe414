// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/makerflow/makerflow/internal/wferr"
)

// WorkflowStatus is the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusActive    WorkflowStatus = "active"
	WorkflowStatusPublished WorkflowStatus = "published"
	WorkflowStatusArchived  WorkflowStatus = "archived"
)

// Visibility controls who can read a workflow definition.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
	VisibilityShared  Visibility = "shared"
	VisibilitySystem  Visibility = "system"
)

// StepType classifies a workflow step.
type StepType string

const (
	StepTypeInstruction StepType = "instruction"
	StepTypeMaterial    StepType = "material"
	StepTypeTool        StepType = "tool"
	StepTypeTime        StepType = "time"
	StepTypeDecision    StepType = "decision"
	StepTypeOutcome     StepType = "outcome"
)

// ConnectionType classifies a directed edge between steps.
type ConnectionType string

const (
	ConnectionSequential  ConnectionType = "sequential"
	ConnectionConditional ConnectionType = "conditional"
	ConnectionDecision    ConnectionType = "decision"
	ConnectionParallel    ConnectionType = "parallel"
)

// ResourceKind classifies a step resource reference.
type ResourceKind string

const (
	ResourceMaterial      ResourceKind = "material"
	ResourceTool          ResourceKind = "tool"
	ResourceDocumentation ResourceKind = "documentation"
)

const (
	maxNameLen        = 255
	maxDescriptionLen = 4000
)

// Workflow is a workflow definition: the static step graph authored by a
// user, optionally published as a template.
type Workflow struct {
	ID                  string         `gorm:"primaryKey;type:text" json:"id"`
	Name                string         `gorm:"not null;type:text" json:"name"`
	Description         string         `gorm:"type:text" json:"description"`
	Status              WorkflowStatus `gorm:"not null;type:text;index:idx_workflows_status_template" json:"status"`
	CreatedBy           string         `gorm:"type:text;index" json:"created_by"`
	IsTemplate          bool           `gorm:"not null;default:false;index:idx_workflows_status_template" json:"is_template"`
	Visibility          Visibility     `gorm:"not null;type:text" json:"visibility"`
	Version             int            `gorm:"not null;default:1" json:"version"`
	HasMultipleOutcomes bool           `gorm:"not null;default:false" json:"has_multiple_outcomes"`
	EstimatedDuration   *int           `gorm:"type:integer" json:"estimated_duration,omitempty"` // minutes
	DifficultyLevel     *int           `gorm:"type:integer" json:"difficulty_level,omitempty"`
	ProjectID           string         `gorm:"type:text;index" json:"project_id,omitempty"`
	ThemeID             string         `gorm:"type:text" json:"theme_id,omitempty"`
	CreatedAt           time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Steps    []Step    `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE" json:"steps,omitempty"`
	Outcomes []Outcome `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE" json:"outcomes,omitempty"`
}

func (Workflow) TableName() string { return "workflows" }

// BeforeCreate assigns an ID and defaults missing enum fields.
func (w *Workflow) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = WorkflowStatusDraft
	}
	if w.Visibility == "" {
		w.Visibility = VisibilityPrivate
	}
	if w.Version == 0 {
		w.Version = 1
	}
	return nil
}

// IsRunnable reports whether executions may be started from this definition.
func (w *Workflow) IsRunnable() bool {
	return w.Status == WorkflowStatusActive || w.Status == WorkflowStatusPublished
}

// StepByID returns the step with the given ID, or nil.
func (w *Workflow) StepByID(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// OutcomeByID returns the outcome with the given ID, or nil.
func (w *Workflow) OutcomeByID(id string) *Outcome {
	for i := range w.Outcomes {
		if w.Outcomes[i].ID == id {
			return &w.Outcomes[i]
		}
	}
	return nil
}

// Connections flattens the outgoing connections of every step.
func (w *Workflow) Connections() []Connection {
	var conns []Connection
	for i := range w.Steps {
		conns = append(conns, w.Steps[i].OutgoingConnections...)
	}
	return conns
}

// Step is a node in the workflow graph.
type Step struct {
	ID                string   `gorm:"primaryKey;type:text" json:"id"`
	WorkflowID        string   `gorm:"not null;type:text;index:idx_steps_workflow_order" json:"workflow_id"`
	Name              string   `gorm:"not null;type:text" json:"name"`
	Instructions      string   `gorm:"type:text" json:"instructions,omitempty"`
	DisplayOrder      int      `gorm:"not null;index:idx_steps_workflow_order" json:"display_order"`
	StepType          StepType `gorm:"not null;type:text" json:"step_type"`
	EstimatedDuration *int     `gorm:"type:integer" json:"estimated_duration,omitempty"` // minutes
	ParentStepID      string   `gorm:"type:text" json:"parent_step_id,omitempty"`
	IsMilestone       bool     `gorm:"not null;default:false" json:"is_milestone"`
	IsDecisionPoint   bool     `gorm:"not null;default:false" json:"is_decision_point"`
	IsOutcome         bool     `gorm:"not null;default:false" json:"is_outcome"`
	ConditionLogic    string   `gorm:"type:text" json:"condition_logic,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Resources           []StepResource   `gorm:"foreignKey:StepID;constraint:OnDelete:CASCADE" json:"resources,omitempty"`
	DecisionOptions     []DecisionOption `gorm:"foreignKey:StepID;constraint:OnDelete:CASCADE" json:"decision_options,omitempty"`
	OutgoingConnections []Connection     `gorm:"foreignKey:SourceStepID;constraint:OnDelete:CASCADE" json:"outgoing_connections,omitempty"`
}

func (Step) TableName() string { return "steps" }

func (s *Step) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.StepType == "" {
		s.StepType = StepTypeInstruction
	}
	return nil
}

// DefaultDecisionOption returns the option flagged as default, or nil.
func (s *Step) DefaultDecisionOption() *DecisionOption {
	for i := range s.DecisionOptions {
		if s.DecisionOptions[i].IsDefault {
			return &s.DecisionOptions[i]
		}
	}
	return nil
}

// DecisionOptionByID returns the option with the given ID, or nil.
func (s *Step) DecisionOptionByID(id string) *DecisionOption {
	for i := range s.DecisionOptions {
		if s.DecisionOptions[i].ID == id {
			return &s.DecisionOptions[i]
		}
	}
	return nil
}

// Connection is a directed edge between two steps of the same workflow,
// optionally guarded by a condition expression.
type Connection struct {
	ID             string         `gorm:"primaryKey;type:text" json:"id"`
	SourceStepID   string         `gorm:"not null;type:text;index;uniqueIndex:idx_conn_src_tgt_type" json:"source_step_id"`
	TargetStepID   string         `gorm:"not null;type:text;index;uniqueIndex:idx_conn_src_tgt_type" json:"target_step_id"`
	ConnectionType ConnectionType `gorm:"not null;type:text;uniqueIndex:idx_conn_src_tgt_type" json:"connection_type"`
	Condition      string         `gorm:"type:text" json:"condition,omitempty"`
	DisplayOrder   int            `gorm:"not null;default:0" json:"display_order"`
	IsDefault      bool           `gorm:"not null;default:false" json:"is_default"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (Connection) TableName() string { return "connections" }

func (c *Connection) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.ConnectionType == "" {
		c.ConnectionType = ConnectionSequential
	}
	return nil
}

// DecisionOption is one selectable branch of a decision-point step.
type DecisionOption struct {
	ID           string    `gorm:"primaryKey;type:text" json:"id"`
	StepID       string    `gorm:"not null;type:text;index" json:"step_id"`
	OptionText   string    `gorm:"not null;type:text" json:"option_text"`
	ResultAction string    `gorm:"type:text" json:"result_action,omitempty"`
	DisplayOrder int       `gorm:"not null;default:0" json:"display_order"`
	IsDefault    bool      `gorm:"not null;default:false" json:"is_default"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (DecisionOption) TableName() string { return "decision_options" }

func (o *DecisionOption) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	return nil
}

// StepResource ties a step to an external material, tool, or documentation
// reference. Exactly one of the three reference IDs is set, matching Kind.
type StepResource struct {
	ID              string       `gorm:"primaryKey;type:text" json:"id"`
	StepID          string       `gorm:"not null;type:text;index" json:"step_id"`
	ResourceKind    ResourceKind `gorm:"not null;type:text" json:"resource_kind"`
	MaterialID      string       `gorm:"type:text" json:"material_id,omitempty"`
	ToolID          string       `gorm:"type:text" json:"tool_id,omitempty"`
	DocumentationID string       `gorm:"type:text" json:"documentation_id,omitempty"`
	Quantity        float64      `gorm:"not null;default:0" json:"quantity"`
	Unit            string       `gorm:"type:text" json:"unit,omitempty"`
	IsOptional      bool         `gorm:"not null;default:false" json:"is_optional"`
	CreatedAt       time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

func (StepResource) TableName() string { return "step_resources" }

func (r *StepResource) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// ReferenceID returns the external ID matching the resource kind.
func (r *StepResource) ReferenceID() string {
	switch r.ResourceKind {
	case ResourceMaterial:
		return r.MaterialID
	case ResourceTool:
		return r.ToolID
	case ResourceDocumentation:
		return r.DocumentationID
	default:
		return ""
	}
}

// Outcome is a terminal labeling of a completed execution. Names are unique
// per workflow.
type Outcome struct {
	ID              string    `gorm:"primaryKey;type:text" json:"id"`
	WorkflowID      string    `gorm:"not null;type:text;uniqueIndex:idx_outcomes_workflow_name" json:"workflow_id"`
	Name            string    `gorm:"not null;type:text;uniqueIndex:idx_outcomes_workflow_name" json:"name"`
	DisplayOrder    int       `gorm:"not null;default:0" json:"display_order"`
	IsDefault       bool      `gorm:"not null;default:false" json:"is_default"`
	SuccessCriteria string    `gorm:"type:text" json:"success_criteria,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Outcome) TableName() string { return "outcomes" }

func (o *Outcome) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	return nil
}

// --- Constructors: enforce local invariants before anything is persisted ---

// NewWorkflow validates inputs and builds a draft workflow definition.
func NewWorkflow(name, description, createdBy string) (*Workflow, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, wferr.Validation("workflow name is required").WithField("name", "required")
	}
	if len(name) > maxNameLen {
		return nil, wferr.Validation("workflow name must be %d characters or less", maxNameLen).WithField("name", "too long")
	}
	if len(description) > maxDescriptionLen {
		return nil, wferr.Validation("workflow description must be %d characters or less", maxDescriptionLen).WithField("description", "too long")
	}
	return &Workflow{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Status:      WorkflowStatusDraft,
		CreatedBy:   createdBy,
		Visibility:  VisibilityPrivate,
		Version:     1,
	}, nil
}

var validStepTypes = map[StepType]bool{
	StepTypeInstruction: true,
	StepTypeMaterial:    true,
	StepTypeTool:        true,
	StepTypeTime:        true,
	StepTypeDecision:    true,
	StepTypeOutcome:     true,
}

// NewStep validates inputs and builds a step for the given workflow.
func NewStep(workflowID, name string, displayOrder int, stepType StepType) (*Step, error) {
	name = strings.TrimSpace(name)
	if workflowID == "" {
		return nil, wferr.Validation("step workflow ID is required").WithField("workflow_id", "required")
	}
	if name == "" {
		return nil, wferr.Validation("step name is required").WithField("name", "required")
	}
	if len(name) > maxNameLen {
		return nil, wferr.Validation("step name must be %d characters or less", maxNameLen).WithField("name", "too long")
	}
	if displayOrder <= 0 {
		return nil, wferr.Validation("step display order must be positive").WithField("display_order", "must be > 0")
	}
	if stepType == "" {
		stepType = StepTypeInstruction
	}
	if !validStepTypes[stepType] {
		return nil, wferr.Validation("unknown step type %q", stepType).WithField("step_type", "invalid")
	}
	return &Step{
		ID:              uuid.New().String(),
		WorkflowID:      workflowID,
		Name:            name,
		DisplayOrder:    displayOrder,
		StepType:        stepType,
		IsDecisionPoint: stepType == StepTypeDecision,
		IsOutcome:       stepType == StepTypeOutcome,
	}, nil
}

var validConnectionTypes = map[ConnectionType]bool{
	ConnectionSequential:  true,
	ConnectionConditional: true,
	ConnectionDecision:    true,
	ConnectionParallel:    true,
}

// NewConnection validates inputs and builds a directed edge. Self-loops are
// rejected here so they can never enter a definition.
func NewConnection(sourceStepID, targetStepID string, connType ConnectionType) (*Connection, error) {
	if sourceStepID == "" || targetStepID == "" {
		return nil, wferr.Validation("connection endpoints are required").WithField("source_step_id", "required")
	}
	if sourceStepID == targetStepID {
		return nil, wferr.Validation("connection may not be a self-loop").WithField("target_step_id", "equals source")
	}
	if connType == "" {
		connType = ConnectionSequential
	}
	if !validConnectionTypes[connType] {
		return nil, wferr.Validation("unknown connection type %q", connType).WithField("connection_type", "invalid")
	}
	return &Connection{
		ID:             uuid.New().String(),
		SourceStepID:   sourceStepID,
		TargetStepID:   targetStepID,
		ConnectionType: connType,
	}, nil
}

// NewDecisionOption validates inputs and builds a decision branch.
func NewDecisionOption(stepID, optionText string, displayOrder int) (*DecisionOption, error) {
	optionText = strings.TrimSpace(optionText)
	if stepID == "" {
		return nil, wferr.Validation("decision option step ID is required").WithField("step_id", "required")
	}
	if optionText == "" {
		return nil, wferr.Validation("decision option text is required").WithField("option_text", "required")
	}
	return &DecisionOption{
		ID:           uuid.New().String(),
		StepID:       stepID,
		OptionText:   optionText,
		DisplayOrder: displayOrder,
	}, nil
}

// NewStepResource validates that exactly one reference is set matching the
// kind, and that material quantities are non-negative.
func NewStepResource(stepID string, kind ResourceKind, referenceID string, quantity float64, unit string) (*StepResource, error) {
	if stepID == "" {
		return nil, wferr.Validation("resource step ID is required").WithField("step_id", "required")
	}
	if referenceID == "" {
		return nil, wferr.Validation("resource reference ID is required").WithField("reference_id", "required")
	}
	if quantity < 0 {
		return nil, wferr.Validation("resource quantity must be non-negative").WithField("quantity", "negative")
	}
	r := &StepResource{
		ID:           uuid.New().String(),
		StepID:       stepID,
		ResourceKind: kind,
		Quantity:     quantity,
		Unit:         unit,
	}
	switch kind {
	case ResourceMaterial:
		r.MaterialID = referenceID
	case ResourceTool:
		r.ToolID = referenceID
	case ResourceDocumentation:
		r.DocumentationID = referenceID
	default:
		return nil, wferr.Validation("unknown resource kind %q", kind).WithField("resource_kind", "invalid")
	}
	return r, nil
}

// NewOutcome validates inputs and builds an outcome label.
func NewOutcome(workflowID, name string, displayOrder int) (*Outcome, error) {
	name = strings.TrimSpace(name)
	if workflowID == "" {
		return nil, wferr.Validation("outcome workflow ID is required").WithField("workflow_id", "required")
	}
	if name == "" {
		return nil, wferr.Validation("outcome name is required").WithField("name", "required")
	}
	return &Outcome{
		ID:           uuid.New().String(),
		WorkflowID:   workflowID,
		Name:         name,
		DisplayOrder: displayOrder,
	}, nil
}
