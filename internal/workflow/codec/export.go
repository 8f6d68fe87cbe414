// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package codec

import (
	"sort"
	"time"

	"github.com/makerflow/makerflow/internal/workflow/models"
)

// Export renders a workflow definition into the portable envelope. Local IDs
// equal the exporting installation's step IDs, which keeps exports stable:
// exporting the same definition twice yields the same envelope apart from
// the timestamp. Steps, options and outcomes are emitted in display order;
// connections by (sourceLocalId, displayOrder, targetLocalId).
func Export(w *models.Workflow) *Envelope {
	env := &Envelope{
		PresetInfo: PresetInfo{
			Name:        w.Name,
			Description: w.Description,
		},
		Workflow: WorkflowEnvelope{
			Name:                w.Name,
			Description:         w.Description,
			HasMultipleOutcomes: w.HasMultipleOutcomes,
			EstimatedDuration:   w.EstimatedDuration,
			DifficultyLevel:     w.DifficultyLevel,
		},
		Metadata: EnvelopeMetadata{
			FormatVersion:      FormatVersion,
			ExportedAt:         time.Now().UTC(),
			OriginalWorkflowID: w.ID,
		},
	}
	if w.DifficultyLevel != nil {
		env.PresetInfo.Difficulty = *w.DifficultyLevel
	}
	if w.EstimatedDuration != nil {
		env.PresetInfo.EstimatedTime = *w.EstimatedDuration
	}

	steps := make([]models.Step, len(w.Steps))
	copy(steps, w.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].DisplayOrder < steps[j].DisplayOrder })

	var conns []ConnectionEnvelope
	for i := range steps {
		step := &steps[i]
		env.Workflow.Steps = append(env.Workflow.Steps, exportStep(step))
		for _, conn := range step.OutgoingConnections {
			conns = append(conns, ConnectionEnvelope{
				SourceLocalID:  conn.SourceStepID,
				TargetLocalID:  conn.TargetStepID,
				ConnectionType: string(conn.ConnectionType),
				Condition:      conn.Condition,
				DisplayOrder:   conn.DisplayOrder,
				IsDefault:      conn.IsDefault,
			})
		}
	}
	sort.SliceStable(conns, func(i, j int) bool {
		if conns[i].SourceLocalID != conns[j].SourceLocalID {
			return conns[i].SourceLocalID < conns[j].SourceLocalID
		}
		if conns[i].DisplayOrder != conns[j].DisplayOrder {
			return conns[i].DisplayOrder < conns[j].DisplayOrder
		}
		return conns[i].TargetLocalID < conns[j].TargetLocalID
	})
	env.Workflow.Connections = conns

	outcomes := make([]models.Outcome, len(w.Outcomes))
	copy(outcomes, w.Outcomes)
	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].DisplayOrder < outcomes[j].DisplayOrder })
	for _, o := range outcomes {
		env.Workflow.Outcomes = append(env.Workflow.Outcomes, OutcomeEnvelope{
			Name:            o.Name,
			DisplayOrder:    o.DisplayOrder,
			IsDefault:       o.IsDefault,
			SuccessCriteria: o.SuccessCriteria,
		})
	}

	env.RequiredResources = aggregateResources(steps)
	return env
}

func exportStep(step *models.Step) StepEnvelope {
	se := StepEnvelope{
		LocalID:           step.ID,
		Name:              step.Name,
		Instructions:      step.Instructions,
		DisplayOrder:      step.DisplayOrder,
		StepType:          string(step.StepType),
		EstimatedDuration: step.EstimatedDuration,
		IsMilestone:       step.IsMilestone,
		IsDecisionPoint:   step.IsDecisionPoint,
		IsOutcome:         step.IsOutcome,
		ConditionLogic:    step.ConditionLogic,
	}
	for _, r := range step.Resources {
		se.Resources = append(se.Resources, ResourceEnvelope{
			Kind:            string(r.ResourceKind),
			MaterialID:      r.MaterialID,
			ToolID:          r.ToolID,
			DocumentationID: r.DocumentationID,
			Quantity:        r.Quantity,
			Unit:            r.Unit,
			IsOptional:      r.IsOptional,
		})
	}

	options := make([]models.DecisionOption, len(step.DecisionOptions))
	copy(options, step.DecisionOptions)
	sort.SliceStable(options, func(i, j int) bool { return options[i].DisplayOrder < options[j].DisplayOrder })
	for _, o := range options {
		se.DecisionOptions = append(se.DecisionOptions, DecisionOptionEnvelope{
			OptionText:   o.OptionText,
			ResultAction: o.ResultAction,
			DisplayOrder: o.DisplayOrder,
			IsDefault:    o.IsDefault,
		})
	}
	return se
}

// aggregateResources builds the envelope-level shopping list: material
// quantities summed per ID, tools and documentation deduplicated.
func aggregateResources(steps []models.Step) RequiredResources {
	materials := map[string]*RequiredResource{}
	tools := map[string]bool{}
	docs := map[string]bool{}
	var materialOrder, toolOrder, docOrder []string

	for i := range steps {
		for _, r := range steps[i].Resources {
			switch r.ResourceKind {
			case models.ResourceMaterial:
				if agg, ok := materials[r.MaterialID]; ok {
					agg.Quantity += r.Quantity
				} else {
					materials[r.MaterialID] = &RequiredResource{ID: r.MaterialID, Quantity: r.Quantity, Unit: r.Unit}
					materialOrder = append(materialOrder, r.MaterialID)
				}
			case models.ResourceTool:
				if !tools[r.ToolID] {
					tools[r.ToolID] = true
					toolOrder = append(toolOrder, r.ToolID)
				}
			case models.ResourceDocumentation:
				if !docs[r.DocumentationID] {
					docs[r.DocumentationID] = true
					docOrder = append(docOrder, r.DocumentationID)
				}
			}
		}
	}

	var required RequiredResources
	for _, id := range materialOrder {
		required.Materials = append(required.Materials, *materials[id])
	}
	for _, id := range toolOrder {
		required.Tools = append(required.Tools, RequiredResource{ID: id})
	}
	for _, id := range docOrder {
		required.Documentation = append(required.Documentation, RequiredResource{ID: id})
	}
	return required
}
