// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/makerflow/makerflow/internal/workflow/database"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

// WorkflowBuilder assembles a workflow fixture step by step and persists it
// in one call. Construction failures fail the test immediately.
type WorkflowBuilder struct {
	t *testing.T
	w *models.Workflow
}

// NewWorkflow starts a builder for a published workflow owned by owner.
func NewWorkflow(t *testing.T, name, owner string) *WorkflowBuilder {
	t.Helper()
	w, err := models.NewWorkflow(name, "fixture for "+name, owner)
	require.NoError(t, err)
	w.Status = models.WorkflowStatusPublished
	return &WorkflowBuilder{t: t, w: w}
}

// Draft downgrades the fixture to a draft.
func (b *WorkflowBuilder) Draft() *WorkflowBuilder {
	b.w.Status = models.WorkflowStatusDraft
	return b
}

// Step appends a step and returns it for wiring. Mutators run before the
// step is stored.
func (b *WorkflowBuilder) Step(name string, order int, stepType models.StepType, mutate ...func(*models.Step)) *models.Step {
	b.t.Helper()
	step, err := models.NewStep(b.w.ID, name, order, stepType)
	require.NoError(b.t, err)
	for _, fn := range mutate {
		fn(step)
	}
	b.w.Steps = append(b.w.Steps, *step)
	return &b.w.Steps[len(b.w.Steps)-1]
}

// Connect wires source to target. The connection is appended to the source
// step's outgoing list, which must already be part of the builder.
func (b *WorkflowBuilder) Connect(source, target *models.Step, connType models.ConnectionType, mutate ...func(*models.Connection)) *models.Connection {
	b.t.Helper()
	conn, err := models.NewConnection(source.ID, target.ID, connType)
	require.NoError(b.t, err)
	for _, fn := range mutate {
		fn(conn)
	}
	for i := range b.w.Steps {
		if b.w.Steps[i].ID == source.ID {
			b.w.Steps[i].OutgoingConnections = append(b.w.Steps[i].OutgoingConnections, *conn)
			return conn
		}
	}
	b.t.Fatalf("source step %q is not part of the fixture", source.Name)
	return nil
}

// Outcome appends a labeled outcome.
func (b *WorkflowBuilder) Outcome(name string, order int, isDefault bool) *models.Outcome {
	b.t.Helper()
	outcome, err := models.NewOutcome(b.w.ID, name, order)
	require.NoError(b.t, err)
	outcome.IsDefault = isDefault
	b.w.Outcomes = append(b.w.Outcomes, *outcome)
	return &b.w.Outcomes[len(b.w.Outcomes)-1]
}

// Option attaches a decision option to a step already in the builder.
func (b *WorkflowBuilder) Option(step *models.Step, text string, order int, mutate ...func(*models.DecisionOption)) *models.DecisionOption {
	b.t.Helper()
	option, err := models.NewDecisionOption(step.ID, text, order)
	require.NoError(b.t, err)
	for _, fn := range mutate {
		fn(option)
	}
	for i := range b.w.Steps {
		if b.w.Steps[i].ID == step.ID {
			b.w.Steps[i].DecisionOptions = append(b.w.Steps[i].DecisionOptions, *option)
			return option
		}
	}
	b.t.Fatalf("step %q is not part of the fixture", step.Name)
	return nil
}

// Material attaches a material requirement to a step already in the builder.
func (b *WorkflowBuilder) Material(step *models.Step, materialID string, quantity float64, unit string) *models.StepResource {
	b.t.Helper()
	res, err := models.NewStepResource(step.ID, models.ResourceMaterial, materialID, quantity, unit)
	require.NoError(b.t, err)
	for i := range b.w.Steps {
		if b.w.Steps[i].ID == step.ID {
			b.w.Steps[i].Resources = append(b.w.Steps[i].Resources, *res)
			return res
		}
	}
	b.t.Fatalf("step %q is not part of the fixture", step.Name)
	return nil
}

// Build persists the workflow and returns it.
func (b *WorkflowBuilder) Build(db *database.GormDB) *models.Workflow {
	b.t.Helper()
	require.NoError(b.t, db.CreateWorkflow(context.Background(), b.w))
	return b.w
}
