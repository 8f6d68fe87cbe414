// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package codec converts workflow definitions to and from the portable
// preset envelope. Envelopes are self-contained: step references use local
// IDs instead of database IDs, so a preset can be imported into any
// installation. Both JSON and YAML renderings are supported; YAML is what
// the bundled preset files use.
package codec

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/makerflow/makerflow/internal/wferr"
)

// FormatVersion is the envelope format this build reads and writes.
const FormatVersion = "1.0"

// Envelope is the canonical export format for a workflow definition.
type Envelope struct {
	PresetInfo        PresetInfo        `json:"presetInfo" yaml:"presetInfo"`
	Workflow          WorkflowEnvelope  `json:"workflow" yaml:"workflow"`
	RequiredResources RequiredResources `json:"requiredResources" yaml:"requiredResources"`
	Metadata          EnvelopeMetadata  `json:"metadata" yaml:"metadata"`
}

// PresetInfo carries the catalog-facing description of a preset.
type PresetInfo struct {
	Name          string   `json:"name" yaml:"name"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
	Difficulty    int      `json:"difficulty,omitempty" yaml:"difficulty,omitempty"`
	EstimatedTime int      `json:"estimatedTime,omitempty" yaml:"estimatedTime,omitempty"` // minutes
	Tags          []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Category      string   `json:"category,omitempty" yaml:"category,omitempty"`
}

// WorkflowEnvelope is the definition payload inside an envelope.
type WorkflowEnvelope struct {
	Name                string               `json:"name" yaml:"name"`
	Description         string               `json:"description,omitempty" yaml:"description,omitempty"`
	HasMultipleOutcomes bool                 `json:"hasMultipleOutcomes,omitempty" yaml:"hasMultipleOutcomes,omitempty"`
	EstimatedDuration   *int                 `json:"estimatedDuration,omitempty" yaml:"estimatedDuration,omitempty"`
	DifficultyLevel     *int                 `json:"difficultyLevel,omitempty" yaml:"difficultyLevel,omitempty"`
	Steps               []StepEnvelope       `json:"steps" yaml:"steps"`
	Outcomes            []OutcomeEnvelope    `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`
	Connections         []ConnectionEnvelope `json:"connections,omitempty" yaml:"connections,omitempty"`
}

// StepEnvelope is one step of the definition, identified by a local ID that
// only has meaning within this envelope.
type StepEnvelope struct {
	LocalID           string                   `json:"localId" yaml:"localId"`
	Name              string                   `json:"name" yaml:"name"`
	Instructions      string                   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	DisplayOrder      int                      `json:"displayOrder" yaml:"displayOrder"`
	StepType          string                   `json:"stepType" yaml:"stepType"`
	EstimatedDuration *int                     `json:"estimatedDuration,omitempty" yaml:"estimatedDuration,omitempty"`
	IsMilestone       bool                     `json:"isMilestone,omitempty" yaml:"isMilestone,omitempty"`
	IsDecisionPoint   bool                     `json:"isDecisionPoint,omitempty" yaml:"isDecisionPoint,omitempty"`
	IsOutcome         bool                     `json:"isOutcome,omitempty" yaml:"isOutcome,omitempty"`
	ConditionLogic    string                   `json:"conditionLogic,omitempty" yaml:"conditionLogic,omitempty"`
	Resources         []ResourceEnvelope       `json:"resources,omitempty" yaml:"resources,omitempty"`
	DecisionOptions   []DecisionOptionEnvelope `json:"decisionOptions,omitempty" yaml:"decisionOptions,omitempty"`
}

// ResourceEnvelope references a material, tool, or documentation item. The
// reference ID is installation-specific, so the name travels along for
// re-resolution on import.
type ResourceEnvelope struct {
	Kind            string  `json:"kind" yaml:"kind"`
	MaterialID      string  `json:"materialId,omitempty" yaml:"materialId,omitempty"`
	ToolID          string  `json:"toolId,omitempty" yaml:"toolId,omitempty"`
	DocumentationID string  `json:"documentationId,omitempty" yaml:"documentationId,omitempty"`
	Name            string  `json:"name,omitempty" yaml:"name,omitempty"`
	Quantity        float64 `json:"quantity,omitempty" yaml:"quantity,omitempty"`
	Unit            string  `json:"unit,omitempty" yaml:"unit,omitempty"`
	IsOptional      bool    `json:"isOptional,omitempty" yaml:"isOptional,omitempty"`
}

// DecisionOptionEnvelope is one selectable branch of a decision step.
type DecisionOptionEnvelope struct {
	OptionText   string `json:"optionText" yaml:"optionText"`
	ResultAction string `json:"resultAction,omitempty" yaml:"resultAction,omitempty"`
	DisplayOrder int    `json:"displayOrder" yaml:"displayOrder"`
	IsDefault    bool   `json:"isDefault,omitempty" yaml:"isDefault,omitempty"`
}

// OutcomeEnvelope is one terminal label of the definition.
type OutcomeEnvelope struct {
	Name            string `json:"name" yaml:"name"`
	DisplayOrder    int    `json:"displayOrder" yaml:"displayOrder"`
	IsDefault       bool   `json:"isDefault,omitempty" yaml:"isDefault,omitempty"`
	SuccessCriteria string `json:"successCriteria,omitempty" yaml:"successCriteria,omitempty"`
}

// ConnectionEnvelope is a directed edge between two local step IDs.
type ConnectionEnvelope struct {
	SourceLocalID  string `json:"sourceLocalId" yaml:"sourceLocalId"`
	TargetLocalID  string `json:"targetLocalId" yaml:"targetLocalId"`
	ConnectionType string `json:"connectionType" yaml:"connectionType"`
	Condition      string `json:"condition,omitempty" yaml:"condition,omitempty"`
	DisplayOrder   int    `json:"displayOrder,omitempty" yaml:"displayOrder,omitempty"`
	IsDefault      bool   `json:"isDefault,omitempty" yaml:"isDefault,omitempty"`
}

// RequiredResources is the envelope-level shopping list aggregated over all
// steps, grouped by kind.
type RequiredResources struct {
	Materials     []RequiredResource `json:"materials,omitempty" yaml:"materials,omitempty"`
	Tools         []RequiredResource `json:"tools,omitempty" yaml:"tools,omitempty"`
	Documentation []RequiredResource `json:"documentation,omitempty" yaml:"documentation,omitempty"`
}

// RequiredResource is one aggregated requirement.
type RequiredResource struct {
	ID       string  `json:"id,omitempty" yaml:"id,omitempty"`
	Name     string  `json:"name,omitempty" yaml:"name,omitempty"`
	Quantity float64 `json:"quantity,omitempty" yaml:"quantity,omitempty"`
	Unit     string  `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// EnvelopeMetadata describes the export itself.
type EnvelopeMetadata struct {
	FormatVersion      string    `json:"formatVersion" yaml:"formatVersion"`
	ExportedAt         time.Time `json:"exportedAt" yaml:"exportedAt"`
	OriginalWorkflowID string    `json:"originalWorkflowId,omitempty" yaml:"originalWorkflowId,omitempty"`
}

// EncodeJSON renders the envelope as indented JSON.
func EncodeJSON(env *Envelope) ([]byte, error) {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, wferr.Validation("encode envelope: %v", err)
	}
	return data, nil
}

// DecodeJSON parses a JSON envelope.
func DecodeJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, wferr.Validation("malformed envelope: %v", err).WithField("body", "invalid JSON")
	}
	return &env, nil
}

// DecodeYAML parses a YAML envelope, the format the preset files ship in.
func DecodeYAML(data []byte) (*Envelope, error) {
	var env Envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, wferr.Validation("malformed envelope: %v", err).WithField("body", "invalid YAML")
	}
	return &env, nil
}
