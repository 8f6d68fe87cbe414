// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/condition"
	"github.com/makerflow/makerflow/internal/workflow/graph"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

// graphBuilder assembles in-memory workflow graphs for navigator tests.
type graphBuilder struct {
	t *testing.T
	w *models.Workflow
}

func newGraph(t *testing.T) *graphBuilder {
	w, err := models.NewWorkflow("Test graph", "", "maker-1")
	require.NoError(t, err)
	return &graphBuilder{t: t, w: w}
}

func (b *graphBuilder) step(name string, stepType models.StepType) *models.Step {
	s, err := models.NewStep(b.w.ID, name, len(b.w.Steps)+1, stepType)
	require.NoError(b.t, err)
	b.w.Steps = append(b.w.Steps, *s)
	return &b.w.Steps[len(b.w.Steps)-1]
}

func (b *graphBuilder) connect(from, to *models.Step, connType models.ConnectionType, mutate ...func(*models.Connection)) *models.Connection {
	c, err := models.NewConnection(from.ID, to.ID, connType)
	require.NoError(b.t, err)
	for _, fn := range mutate {
		fn(c)
	}
	for i := range b.w.Steps {
		if b.w.Steps[i].ID == from.ID {
			b.w.Steps[i].OutgoingConnections = append(b.w.Steps[i].OutgoingConnections, *c)
		}
	}
	return c
}

func (b *graphBuilder) snapshot() *graph.Snapshot {
	return graph.NewSnapshot(b.w)
}

func TestSelectNextFirstTrueGuardWins(t *testing.T) {
	b := newGraph(t)
	a := b.step("A", models.StepTypeInstruction)
	hot := b.step("Hot", models.StepTypeInstruction)
	cold := b.step("Cold", models.StepTypeInstruction)
	fallback := b.step("Fallback", models.StepTypeInstruction)

	b.connect(a, hot, models.ConnectionConditional, func(c *models.Connection) {
		c.Condition = "ctx.temp > 100"
		c.DisplayOrder = 1
	})
	b.connect(a, cold, models.ConnectionConditional, func(c *models.Connection) {
		c.Condition = "ctx.temp <= 100"
		c.DisplayOrder = 2
	})
	b.connect(a, fallback, models.ConnectionSequential)

	snap := b.snapshot()
	sel, err := selectNext(snap, snap.Step(a.ID), condition.Env{Ctx: models.JSONMap{"temp": 150}})
	require.NoError(t, err)
	require.NotNil(t, sel.Next)
	assert.Equal(t, "Hot", sel.Next.Name)

	sel, err = selectNext(snap, snap.Step(a.ID), condition.Env{Ctx: models.JSONMap{"temp": 20}})
	require.NoError(t, err)
	assert.Equal(t, "Cold", sel.Next.Name)
}

func TestSelectNextFallsBackToDefaultEdge(t *testing.T) {
	b := newGraph(t)
	a := b.step("A", models.StepTypeInstruction)
	guardTarget := b.step("Guarded", models.StepTypeInstruction)
	plain := b.step("Plain", models.StepTypeInstruction)
	def := b.step("Default", models.StepTypeInstruction)

	b.connect(a, guardTarget, models.ConnectionConditional, func(c *models.Connection) {
		c.Condition = "ctx.flag == true"
	})
	b.connect(a, plain, models.ConnectionSequential, func(c *models.Connection) {
		c.DisplayOrder = 1
	})
	b.connect(a, def, models.ConnectionSequential, func(c *models.Connection) {
		c.DisplayOrder = 2
		c.IsDefault = true
	})

	snap := b.snapshot()
	sel, err := selectNext(snap, snap.Step(a.ID), condition.Env{Ctx: models.JSONMap{}})
	require.NoError(t, err)
	require.NotNil(t, sel.Next)
	assert.Equal(t, "Default", sel.Next.Name, "default edge beats lower display order")
}

func TestSelectNextDowngradesBrokenGuard(t *testing.T) {
	b := newGraph(t)
	a := b.step("A", models.StepTypeInstruction)
	broken := b.step("Broken", models.StepTypeInstruction)
	safe := b.step("Safe", models.StepTypeInstruction)

	b.connect(a, broken, models.ConnectionConditional, func(c *models.Connection) {
		c.Condition = "ctx.temp >= >="
	})
	b.connect(a, safe, models.ConnectionSequential)

	snap := b.snapshot()
	sel, err := selectNext(snap, snap.Step(a.ID), condition.Env{Ctx: models.JSONMap{}})
	require.NoError(t, err, "a broken edge guard counts as false, not an error")
	require.NotNil(t, sel.Next)
	assert.Equal(t, "Safe", sel.Next.Name)
}

func TestSelectNextIgnoresDecisionEdges(t *testing.T) {
	b := newGraph(t)
	a := b.step("A", models.StepTypeDecision)
	viaDecision := b.step("ViaDecision", models.StepTypeInstruction)

	b.connect(a, viaDecision, models.ConnectionDecision)

	snap := b.snapshot()
	sel, err := selectNext(snap, snap.Step(a.ID), condition.Env{})
	require.NoError(t, err)
	assert.Nil(t, sel.Next, "decision edges are not followed by plain completion")
}

func TestSelectNextGathersParallelSiblings(t *testing.T) {
	b := newGraph(t)
	a := b.step("A", models.StepTypeInstruction)
	cut := b.step("Cut", models.StepTypeInstruction)
	sand := b.step("Sand", models.StepTypeInstruction)
	drill := b.step("Drill", models.StepTypeInstruction)

	b.connect(a, cut, models.ConnectionParallel, func(c *models.Connection) { c.DisplayOrder = 1 })
	b.connect(a, sand, models.ConnectionParallel, func(c *models.Connection) { c.DisplayOrder = 2 })
	b.connect(a, drill, models.ConnectionParallel, func(c *models.Connection) { c.DisplayOrder = 3 })

	snap := b.snapshot()
	sel, err := selectNext(snap, snap.Step(a.ID), condition.Env{})
	require.NoError(t, err)
	require.NotNil(t, sel.Next)
	assert.Equal(t, "Cut", sel.Next.Name)
	require.Len(t, sel.Parallel, 2)
	names := []string{sel.Parallel[0].Name, sel.Parallel[1].Name}
	assert.ElementsMatch(t, []string{"Sand", "Drill"}, names)
}

func TestSelectDecisionMatchesOptionGuard(t *testing.T) {
	b := newGraph(t)
	decide := b.step("Decide", models.StepTypeDecision)
	left := b.step("Left", models.StepTypeInstruction)
	right := b.step("Right", models.StepTypeInstruction)

	optLeft, err := models.NewDecisionOption(decide.ID, "Go left", 1)
	require.NoError(t, err)
	optRight, err := models.NewDecisionOption(decide.ID, "Go right", 2)
	require.NoError(t, err)
	decide.DecisionOptions = []models.DecisionOption{*optLeft, *optRight}
	b.w.Steps[0].DecisionOptions = decide.DecisionOptions

	b.connect(decide, left, models.ConnectionDecision, func(c *models.Connection) {
		c.Condition = fmt.Sprintf("outcome.id == '%s'", optLeft.ID)
	})
	b.connect(decide, right, models.ConnectionDecision, func(c *models.Connection) {
		c.IsDefault = true
	})

	snap := b.snapshot()
	sel, err := selectDecision(snap, snap.Step(decide.ID), optLeft, condition.Env{Ctx: models.JSONMap{}})
	require.NoError(t, err)
	assert.Equal(t, "Left", sel.Next.Name)

	// No guard matches the right option, so the unguarded default edge is
	// taken.
	sel, err = selectDecision(snap, snap.Step(decide.ID), optRight, condition.Env{Ctx: models.JSONMap{}})
	require.NoError(t, err)
	assert.Equal(t, "Right", sel.Next.Name)
}

func TestSelectDecisionNoMatchIsConditionError(t *testing.T) {
	b := newGraph(t)
	decide := b.step("Decide", models.StepTypeDecision)
	left := b.step("Left", models.StepTypeInstruction)

	opt, err := models.NewDecisionOption(decide.ID, "Other", 1)
	require.NoError(t, err)

	b.connect(decide, left, models.ConnectionDecision, func(c *models.Connection) {
		c.Condition = "outcome.id == 'someone-else'"
	})

	snap := b.snapshot()
	_, err = selectDecision(snap, snap.Step(decide.ID), opt, condition.Env{})
	require.Error(t, err)
	assert.True(t, wferr.IsKind(err, wferr.KindCondition))
}

func TestResolveSkipsWalksChainedGuards(t *testing.T) {
	b := newGraph(t)
	a := b.step("A", models.StepTypeInstruction)
	skipMe := b.step("SkipMe", models.StepTypeInstruction)
	skipMeToo := b.step("SkipMeToo", models.StepTypeInstruction)
	land := b.step("Land", models.StepTypeInstruction)

	skipMe.ConditionLogic = "ctx.advanced == true"
	skipMeToo.ConditionLogic = "ctx.advanced == true"
	b.w.Steps[1].ConditionLogic = skipMe.ConditionLogic
	b.w.Steps[2].ConditionLogic = skipMeToo.ConditionLogic

	b.connect(a, skipMe, models.ConnectionSequential)
	b.connect(skipMe, skipMeToo, models.ConnectionSequential)
	b.connect(skipMeToo, land, models.ConnectionSequential)

	snap := b.snapshot()
	next, skipped, err := resolveSkips(snap, snap.Step(skipMe.ID), condition.Env{Ctx: models.JSONMap{}})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "Land", next.Name)
	require.Len(t, skipped, 2)

	// With the guard satisfied nothing is skipped.
	next, skipped, err = resolveSkips(snap, snap.Step(skipMe.ID), condition.Env{Ctx: models.JSONMap{"advanced": true}})
	require.NoError(t, err)
	assert.Equal(t, "SkipMe", next.Name)
	assert.Empty(t, skipped)
}

func TestComputeProgressCountsReachableOnly(t *testing.T) {
	b := newGraph(t)
	a := b.step("A", models.StepTypeInstruction)
	mid := b.step("Mid", models.StepTypeInstruction)
	end := b.step("End", models.StepTypeOutcome)
	b.step("Orphan", models.StepTypeInstruction)

	b.connect(a, mid, models.ConnectionSequential)
	b.connect(mid, end, models.ConnectionSequential)

	snap := b.snapshot()
	execution := &models.Execution{
		CurrentStepID: mid.ID,
		StepExecutions: []models.StepExecution{
			{StepID: a.ID, Status: models.StepExecutionCompleted},
			{StepID: mid.ID, Status: models.StepExecutionActive},
		},
	}

	p := computeProgress(snap, execution)
	assert.Equal(t, 4, p.TotalSteps, "orphan steps count as reachable entry points")
	assert.Equal(t, 1, p.CompletedSteps)
	assert.Equal(t, 1, p.SettledSteps)
	assert.Equal(t, 25.0, p.Percent)
	assert.Equal(t, 1, p.RemainingHops, "one edge from mid to the outcome")
}

func TestOptimalPathPrefersFewerHops(t *testing.T) {
	b := newGraph(t)
	a := b.step("A", models.StepTypeInstruction)
	long1 := b.step("Long1", models.StepTypeInstruction)
	long2 := b.step("Long2", models.StepTypeInstruction)
	slow := b.step("SlowEnd", models.StepTypeOutcome)
	fast := b.step("FastEnd", models.StepTypeOutcome)

	b.connect(a, long1, models.ConnectionSequential)
	b.connect(long1, long2, models.ConnectionSequential)
	b.connect(long2, slow, models.ConnectionSequential)
	b.connect(a, fast, models.ConnectionSequential)

	snap := b.snapshot()
	path := optimalPath(snap, a.ID, "")
	require.NotNil(t, path)
	assert.Equal(t, []string{a.ID, fast.ID}, path.StepIDs)
}

func TestOptimalPathHonorsPreselectedOutcome(t *testing.T) {
	b := newGraph(t)
	a := b.step("A", models.StepTypeInstruction)
	long1 := b.step("Long1", models.StepTypeInstruction)
	slow := b.step("SlowEnd", models.StepTypeOutcome)
	fast := b.step("FastEnd", models.StepTypeOutcome)

	b.connect(a, long1, models.ConnectionSequential)
	b.connect(long1, slow, models.ConnectionSequential)
	b.connect(a, fast, models.ConnectionSequential)

	slowOutcome, err := models.NewOutcome(b.w.ID, "SlowEnd", 1)
	require.NoError(t, err)
	b.w.Outcomes = []models.Outcome{*slowOutcome}

	// Aiming at the preselected outcome overrides the shorter route.
	snap := b.snapshot()
	path := optimalPath(snap, a.ID, slowOutcome.ID)
	require.NotNil(t, path)
	assert.Equal(t, []string{a.ID, long1.ID, slow.ID}, path.StepIDs)
}

func TestBuildGuidanceProjection(t *testing.T) {
	b := newGraph(t)
	decide := b.step("Decide", models.StepTypeDecision)
	left := b.step("Left", models.StepTypeInstruction)
	right := b.step("Right", models.StepTypeOutcome)

	opt, err := models.NewDecisionOption(decide.ID, "Go left", 1)
	require.NoError(t, err)
	b.w.Steps[0].DecisionOptions = []models.DecisionOption{*opt}

	b.connect(decide, left, models.ConnectionDecision)
	b.connect(decide, right, models.ConnectionDecision)

	snap := b.snapshot()
	execution := &models.Execution{
		ID:            "exec-1",
		WorkflowID:    b.w.ID,
		Status:        models.ExecutionStatusActive,
		CurrentStepID: decide.ID,
		StepExecutions: []models.StepExecution{
			{StepID: decide.ID, Status: models.StepExecutionActive},
			{StepID: left.ID, Status: models.StepExecutionReady},
		},
	}

	g := buildGuidance(snap, execution)
	require.NotNil(t, g.CurrentStep)
	assert.Equal(t, "Decide", g.CurrentStep.Name)
	require.Len(t, g.DecisionOptions, 1)
	assert.Len(t, g.PossibleNext, 2)
	require.Len(t, g.ReadySteps, 1)
	assert.Equal(t, left.ID, g.ReadySteps[0].ID)
	assert.NotEmpty(t, g.OptimalPath)

	require.NotNil(t, g.Suggestion)
	assert.Equal(t, SuggestMakeDecision, g.Suggestion.Action)
	assert.Equal(t, decide.ID, g.Suggestion.StepID)
}

func TestBuildGuidanceFiltersGuardedEdges(t *testing.T) {
	b := newGraph(t)
	a := b.step("A", models.StepTypeInstruction)
	glaze := b.step("Glaze", models.StepTypeInstruction)
	done := b.step("Done", models.StepTypeOutcome)

	b.connect(a, glaze, models.ConnectionConditional, func(c *models.Connection) {
		c.Condition = "ctx.glaze == true"
	})
	b.connect(a, done, models.ConnectionSequential)

	snap := b.snapshot()
	execution := &models.Execution{
		ID:            "exec-1",
		WorkflowID:    b.w.ID,
		Status:        models.ExecutionStatusActive,
		CurrentStepID: a.ID,
		ExecutionData: models.JSONMap{},
	}

	// With the guard unmet the glaze branch is not offered.
	g := buildGuidance(snap, execution)
	require.Len(t, g.PossibleNext, 1)
	assert.Equal(t, done.ID, g.PossibleNext[0].ID)
	require.NotNil(t, g.Suggestion)
	assert.Equal(t, SuggestCompleteStep, g.Suggestion.Action)

	execution.ExecutionData["glaze"] = true
	g = buildGuidance(snap, execution)
	assert.Len(t, g.PossibleNext, 2)
}

func TestBuildSuggestionTerminalAndReadyShapes(t *testing.T) {
	b := newGraph(t)
	a := b.step("A", models.StepTypeInstruction)
	end := b.step("End", models.StepTypeOutcome)
	b.connect(a, end, models.ConnectionSequential)
	snap := b.snapshot()

	completed := &models.Execution{
		ID:         "exec-1",
		WorkflowID: b.w.ID,
		Status:     models.ExecutionStatusCompleted,
	}
	g := buildGuidance(snap, completed)
	require.NotNil(t, g.Suggestion)
	assert.Equal(t, SuggestWorkflowComplete, g.Suggestion.Action)

	// Without a cursor the first ready step is offered for pickup.
	parked := &models.Execution{
		ID:         "exec-2",
		WorkflowID: b.w.ID,
		Status:     models.ExecutionStatusActive,
		StepExecutions: []models.StepExecution{
			{StepID: a.ID, Status: models.StepExecutionReady},
		},
	}
	g = buildGuidance(snap, parked)
	require.NotNil(t, g.Suggestion)
	assert.Equal(t, SuggestStartStep, g.Suggestion.Action)
	assert.Equal(t, a.ID, g.Suggestion.StepID)

	// A paused execution gets no recommendation.
	paused := &models.Execution{
		ID:         "exec-3",
		WorkflowID: b.w.ID,
		Status:     models.ExecutionStatusPaused,
	}
	g = buildGuidance(snap, paused)
	assert.Nil(t, g.Suggestion)
}
