// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package codec

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/makerflow/makerflow/internal/logger"
	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/database"
	"github.com/makerflow/makerflow/internal/workflow/models"
	"github.com/makerflow/makerflow/internal/workflow/resources"
)

var (
	codecLog     *zerolog.Logger
	codecLogOnce sync.Once
)

func getCodecLog() *zerolog.Logger {
	codecLogOnce.Do(func() {
		l := logger.GetCodecLogger()
		codecLog = &l
	})
	return codecLog
}

// Importer materializes envelopes into persisted workflow definitions.
// The oracle is optional; without it, named resources cannot be re-resolved
// and are imported as optional.
type Importer struct {
	db     *database.GormDB
	oracle resources.Oracle
}

// NewImporter creates an envelope importer.
func NewImporter(db *database.GormDB, oracle resources.Oracle) *Importer {
	return &Importer{db: db, oracle: oracle}
}

// ImportResult reports what an import produced. Warnings list everything
// that was dropped or degraded without failing the import.
type ImportResult struct {
	Workflow *models.Workflow `json:"workflow"`
	Warnings []string         `json:"warnings,omitempty"`
}

// Import validates the envelope, allocates a fresh ID space, and persists
// the definition in a single transaction. Connections whose endpoints do
// not map are dropped with a warning; resource references that cannot be
// re-resolved become optional with a warning.
func (im *Importer) Import(ctx context.Context, env *Envelope, userID string) (*ImportResult, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}

	w, err := models.NewWorkflow(env.Workflow.Name, env.Workflow.Description, userID)
	if err != nil {
		return nil, err
	}
	w.HasMultipleOutcomes = env.Workflow.HasMultipleOutcomes
	w.EstimatedDuration = env.Workflow.EstimatedDuration
	w.DifficultyLevel = env.Workflow.DifficultyLevel

	result := &ImportResult{}
	idByLocal := make(map[string]string, len(env.Workflow.Steps))

	for i := range env.Workflow.Steps {
		se := &env.Workflow.Steps[i]
		step, err := im.importStep(ctx, w.ID, se, result)
		if err != nil {
			return nil, err
		}
		idByLocal[se.LocalID] = step.ID
		w.Steps = append(w.Steps, *step)
	}

	for i := range env.Workflow.Connections {
		ce := &env.Workflow.Connections[i]
		sourceID, sourceOK := idByLocal[ce.SourceLocalID]
		targetID, targetOK := idByLocal[ce.TargetLocalID]
		if !sourceOK || !targetOK {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"connection %s -> %s dropped: endpoint not found in envelope", ce.SourceLocalID, ce.TargetLocalID))
			continue
		}
		conn, err := models.NewConnection(sourceID, targetID, models.ConnectionType(ce.ConnectionType))
		if err != nil {
			return nil, err
		}
		conn.Condition = ce.Condition
		conn.DisplayOrder = ce.DisplayOrder
		conn.IsDefault = ce.IsDefault
		for j := range w.Steps {
			if w.Steps[j].ID == sourceID {
				w.Steps[j].OutgoingConnections = append(w.Steps[j].OutgoingConnections, *conn)
			}
		}
	}

	for i := range env.Workflow.Outcomes {
		oe := &env.Workflow.Outcomes[i]
		outcome, err := models.NewOutcome(w.ID, oe.Name, oe.DisplayOrder)
		if err != nil {
			return nil, err
		}
		outcome.IsDefault = oe.IsDefault
		outcome.SuccessCriteria = oe.SuccessCriteria
		w.Outcomes = append(w.Outcomes, *outcome)
	}

	err = im.db.Transaction(ctx, func(tx *database.GormDB) error {
		return tx.CreateWorkflow(ctx, w)
	})
	if err != nil {
		return nil, err
	}

	getCodecLog().Info().
		Str("workflow_id", w.ID).
		Str("name", w.Name).
		Int("steps", len(w.Steps)).
		Int("warnings", len(result.Warnings)).
		Msg("envelope imported")

	result.Workflow = w
	return result, nil
}

// importStep builds one step with its resources and decision options,
// resolving named resource references through the oracle.
func (im *Importer) importStep(ctx context.Context, workflowID string, se *StepEnvelope, result *ImportResult) (*models.Step, error) {
	step, err := models.NewStep(workflowID, se.Name, se.DisplayOrder, models.StepType(se.StepType))
	if err != nil {
		return nil, err
	}
	step.Instructions = se.Instructions
	step.EstimatedDuration = se.EstimatedDuration
	step.IsMilestone = se.IsMilestone
	if se.IsDecisionPoint {
		step.IsDecisionPoint = true
	}
	if se.IsOutcome {
		step.IsOutcome = true
	}
	step.ConditionLogic = se.ConditionLogic

	for i := range se.Resources {
		re := &se.Resources[i]
		resource, warning := im.importResource(ctx, step.ID, re)
		if warning != "" {
			result.Warnings = append(result.Warnings, warning)
		}
		if resource != nil {
			step.Resources = append(step.Resources, *resource)
		}
	}

	for i := range se.DecisionOptions {
		oe := &se.DecisionOptions[i]
		option, err := models.NewDecisionOption(step.ID, oe.OptionText, oe.DisplayOrder)
		if err != nil {
			return nil, err
		}
		option.ResultAction = oe.ResultAction
		option.IsDefault = oe.IsDefault
		step.DecisionOptions = append(step.DecisionOptions, *option)
	}
	return step, nil
}

// importResource maps a resource envelope onto a StepResource. When the
// envelope carries no installation ID, the name is resolved through the
// oracle; an unresolved reference is kept under its name but demoted to
// optional so the preset still imports.
func (im *Importer) importResource(ctx context.Context, stepID string, re *ResourceEnvelope) (*models.StepResource, string) {
	kind := models.ResourceKind(re.Kind)
	referenceID := ""
	switch kind {
	case models.ResourceMaterial:
		referenceID = re.MaterialID
	case models.ResourceTool:
		referenceID = re.ToolID
	case models.ResourceDocumentation:
		referenceID = re.DocumentationID
	default:
		return nil, fmt.Sprintf("resource on step %s dropped: unknown kind %q", stepID, re.Kind)
	}

	warning := ""
	if referenceID == "" && re.Name != "" {
		resolved, err := im.resolveByName(ctx, kind, re.Name)
		if err != nil {
			getCodecLog().Warn().Err(err).Str("name", re.Name).Msg("resource name resolution failed")
		}
		if resolved != "" {
			referenceID = resolved
		}
	}

	resource := &models.StepResource{
		StepID:       stepID,
		ResourceKind: kind,
		Quantity:     re.Quantity,
		Unit:         re.Unit,
		IsOptional:   re.IsOptional,
	}
	if referenceID == "" {
		// Keep the name as the reference so the requirement stays visible,
		// but never let it block an execution.
		referenceID = re.Name
		resource.IsOptional = true
		warning = fmt.Sprintf("resource %q could not be resolved in this inventory, imported as optional", re.Name)
	}
	if referenceID == "" {
		return nil, fmt.Sprintf("resource on step %s dropped: no reference and no name", stepID)
	}

	switch kind {
	case models.ResourceMaterial:
		resource.MaterialID = referenceID
	case models.ResourceTool:
		resource.ToolID = referenceID
	case models.ResourceDocumentation:
		resource.DocumentationID = referenceID
	}
	return resource, warning
}

func (im *Importer) resolveByName(ctx context.Context, kind models.ResourceKind, name string) (string, error) {
	if im.oracle == nil {
		return "", nil
	}
	switch kind {
	case models.ResourceMaterial:
		return im.oracle.FindMaterialByName(ctx, name)
	case models.ResourceTool:
		return im.oracle.FindToolByName(ctx, name)
	default:
		return "", nil
	}
}

// validateEnvelope checks the structural preconditions of an import before
// anything is allocated.
func validateEnvelope(env *Envelope) error {
	if env == nil {
		return wferr.Validation("envelope is required")
	}
	if env.Metadata.FormatVersion != "" && env.Metadata.FormatVersion != FormatVersion {
		return wferr.Validation("unsupported envelope format version %q, this build reads %q",
			env.Metadata.FormatVersion, FormatVersion).WithField("metadata.formatVersion", "unsupported")
	}
	if env.Workflow.Name == "" {
		return wferr.Validation("envelope workflow name is required").WithField("workflow.name", "required")
	}
	if len(env.Workflow.Steps) == 0 {
		return wferr.Validation("envelope has no steps").WithField("workflow.steps", "empty")
	}

	seen := make(map[string]bool, len(env.Workflow.Steps))
	for i := range env.Workflow.Steps {
		se := &env.Workflow.Steps[i]
		if se.LocalID == "" {
			return wferr.Validation("step %q has no localId", se.Name).WithField("workflow.steps.localId", "required")
		}
		if seen[se.LocalID] {
			return wferr.Validation("duplicate localId %q", se.LocalID).WithField("workflow.steps.localId", "duplicate")
		}
		seen[se.LocalID] = true
	}
	return nil
}
