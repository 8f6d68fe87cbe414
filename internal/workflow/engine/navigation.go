// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"time"

	"github.com/makerflow/makerflow/internal/protocol"
	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/condition"
	"github.com/makerflow/makerflow/internal/workflow/database"
	"github.com/makerflow/makerflow/internal/workflow/graph"
	"github.com/makerflow/makerflow/internal/workflow/models"
	"github.com/makerflow/makerflow/internal/workflow/resources"
)

// CompleteStepParams carries a step completion request. StepID is optional:
// when set, the completion applies to that step only and fails if it is no
// longer the active one; when empty, the execution's current step is taken.
type CompleteStepParams struct {
	ExecutionID string
	StepID      string
	StepData    models.JSONMap
}

// CompleteStep settles the current step, records resource usage, and moves
// the execution along the first eligible connection. Completing the last
// step of a path finishes the execution.
func (e *Engine) CompleteStep(ctx context.Context, params CompleteStepParams) (*Guidance, error) {
	var guidance *Guidance
	err := e.withRetry(ctx, func(attempt int) error {
		execution, snap, err := e.load(ctx, params.ExecutionID)
		if err != nil {
			return err
		}
		if execution.Status != models.ExecutionStatusActive {
			return wferr.BusinessRule("execution_not_active",
				"cannot complete a step while the execution is %s", execution.Status)
		}
		stepID := params.StepID
		if stepID == "" {
			stepID = execution.CurrentStepID
		}
		current := snap.Step(stepID)
		if current == nil {
			return wferr.NotFound("step", stepID)
		}
		if current.IsDecisionPoint && len(current.DecisionOptions) > 0 {
			return wferr.BusinessRule("decision_required",
				"step %q is a decision point, use the decision operation", current.Name)
		}
		se := execution.StepExecutionFor(current.ID)
		if se != nil && se.Status != models.StepExecutionActive {
			return wferr.InvalidStateTransition(string(se.Status), string(models.StepExecutionCompleted))
		}
		if se == nil && current.ID != execution.CurrentStepID {
			return wferr.InvalidStateTransition("pending", string(models.StepExecutionCompleted))
		}

		env := condition.Env{Ctx: execution.ExecutionData, Last: params.StepData}
		sel, err := selectNext(snap, current, env)
		if err != nil {
			return err
		}

		guidance, err = e.settle(ctx, execution, snap, current, sel, env, settleParams{
			action:   models.ActionCompleted,
			stepData: params.StepData,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return guidance, nil
}

// DecisionParams carries a decision selection request.
type DecisionParams struct {
	ExecutionID string
	OptionID    string
	StepData    models.JSONMap
}

// MakeDecision settles a decision-point step with the chosen option,
// applies the option's result actions to the execution data, and follows
// the matching decision connection.
func (e *Engine) MakeDecision(ctx context.Context, params DecisionParams) (*Guidance, error) {
	var guidance *Guidance
	err := e.withRetry(ctx, func(attempt int) error {
		execution, snap, err := e.load(ctx, params.ExecutionID)
		if err != nil {
			return err
		}
		if execution.Status != models.ExecutionStatusActive {
			return wferr.BusinessRule("execution_not_active",
				"cannot decide while the execution is %s", execution.Status)
		}
		current := snap.Step(execution.CurrentStepID)
		if current == nil {
			return wferr.NotFound("step", execution.CurrentStepID)
		}
		if !current.IsDecisionPoint {
			return wferr.BusinessRule("not_a_decision_point",
				"step %q does not take decisions", current.Name)
		}
		if params.OptionID == "" {
			return wferr.Validation("a decision option is required for step %q", current.Name).
				WithField("option_id", "required")
		}
		option := current.DecisionOptionByID(params.OptionID)
		if option == nil {
			return wferr.NotFound("decision option", params.OptionID)
		}

		// Result actions land in the execution data before the guards of
		// downstream connections are evaluated.
		if option.ResultAction != "" {
			if err := condition.ApplyActions(option.ResultAction, execution.ExecutionData); err != nil {
				return err
			}
		}

		env := condition.Env{Ctx: execution.ExecutionData, Last: params.StepData, OutcomeID: option.ID}
		sel, err := selectDecision(snap, current, option, env)
		if err != nil {
			return err
		}

		guidance, err = e.settle(ctx, execution, snap, current, sel, env, settleParams{
			action:    models.ActionDecisionMade,
			stepData:  params.StepData,
			optionID:  option.ID,
			eventType: protocol.ExecutionDecisionMade,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return guidance, nil
}

// NavigateTo jumps the execution to an arbitrary step of its workflow,
// including previously completed ones. The abandoned step drops back to
// ready so it can be picked up again.
func (e *Engine) NavigateTo(ctx context.Context, executionID, targetStepID string) (*Guidance, error) {
	var guidance *Guidance
	err := e.withRetry(ctx, func(attempt int) error {
		execution, snap, err := e.load(ctx, executionID)
		if err != nil {
			return err
		}
		if execution.Status != models.ExecutionStatusActive {
			return wferr.BusinessRule("execution_not_active",
				"cannot navigate while the execution is %s", execution.Status)
		}
		target := snap.Step(targetStepID)
		if target == nil {
			return wferr.Validation("step %q does not belong to workflow %q", targetStepID, execution.WorkflowID).
				WithField("step_id", "not in workflow")
		}
		if target.ID == execution.CurrentStepID {
			guidance = buildGuidance(snap, execution)
			return nil
		}

		// The target must be reachable along connections from a step the
		// execution has already entered; jumps into disconnected parts of
		// the graph are refused.
		seeds := []string{execution.CurrentStepID}
		for i := range execution.StepExecutions {
			se := &execution.StepExecutions[i]
			if se.Status != models.StepExecutionFailed {
				seeds = append(seeds, se.StepID)
			}
		}
		if !snap.ReachableFrom(seeds)[target.ID] {
			return wferr.BusinessRule("step_unreachable",
				"step %q is not reachable from any current or completed step", target.Name)
		}

		now := time.Now()
		previousID := execution.CurrentStepID
		execution.CurrentStepID = target.ID

		err = e.db.Transaction(ctx, func(tx *database.GormDB) error {
			if previousID != "" {
				if prev := execution.StepExecutionFor(previousID); prev != nil && prev.Status == models.StepExecutionActive {
					prev.Status = models.StepExecutionReady
					if err := tx.UpsertStepExecution(ctx, prev); err != nil {
						return err
					}
				}
			}
			se := execution.StepExecutionFor(target.ID)
			if se == nil {
				se = &models.StepExecution{ExecutionID: execution.ID, StepID: target.ID}
			}
			se.Status = models.StepExecutionActive
			if se.StartedAt == nil {
				se.StartedAt = &now
			}
			if err := tx.UpsertStepExecution(ctx, se); err != nil {
				return err
			}
			if err := tx.AppendNavigationEvent(ctx, &models.NavigationEvent{
				ExecutionID: execution.ID,
				StepID:      target.ID,
				ActionType:  models.ActionNavigateTo,
				ActionData:  models.JSONMap{"from_step_id": previousID},
			}); err != nil {
				return err
			}
			return tx.UpdateExecution(ctx, execution)
		})
		if err != nil {
			return err
		}

		e.publish(protocol.ExecutionLifecycleEvent{
			Metadata:   protocol.Metadata{ExecutionID: execution.ID, Version: protocol.CurrentProtocolVersion},
			Type:       protocol.ExecutionNavigated,
			WorkflowID: execution.WorkflowID,
			StepID:     target.ID,
			StepName:   target.Name,
			Execution:  execution,
		})

		refreshed, err := e.db.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		guidance = buildGuidance(snap, refreshed)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return guidance, nil
}

type settleParams struct {
	action    models.ActionType
	stepData  models.JSONMap
	optionID  string
	eventType protocol.ExecutionLifecycleType
}

// settle writes the completion of the current step plus the navigation that
// follows from sel, in one transaction. It handles the three shapes of
// aftermath: advance to a next step, finish on an outcome step, or reject a
// dead end.
func (e *Engine) settle(ctx context.Context, execution *models.Execution, snap *graph.Snapshot, current *models.Step, sel *NextStepSelection, env condition.Env, params settleParams) (*Guidance, error) {
	log := getEngineLog()
	now := time.Now()

	completed := execution.StepExecutionFor(current.ID)
	if completed == nil {
		completed = &models.StepExecution{ExecutionID: execution.ID, StepID: current.ID}
	}
	completed.Status = models.StepExecutionCompleted
	completed.CompletedAt = &now
	if completed.StartedAt != nil {
		minutes := int(now.Sub(*completed.StartedAt).Minutes())
		completed.ActualDurationMinutes = &minutes
	}
	if completed.StepData == nil {
		completed.StepData = models.JSONMap{}
	}
	completed.StepData.Merge(params.stepData)

	// Planned-versus-actual usage lands on the step's record. Reservations
	// stay with the execution until it reaches a terminal state.
	if e.coordinator != nil {
		e.coordinator.RecordUsage(current, completed, resources.ReportedUsage(params.stepData))
	}

	actionData := models.JSONMap{}
	if params.optionID != "" {
		actionData["option_id"] = params.optionID
	}

	// Outcome: no eligible connection out of an outcome step finishes the
	// execution.
	if sel.Next == nil {
		if !current.IsOutcome {
			return nil, wferr.BusinessRule("dead_end",
				"step %q has no eligible next connection and is not an outcome", current.Name)
		}
		return e.finish(ctx, execution, snap, current, completed, actionData, params)
	}

	next, skipped, err := resolveSkips(snap, sel.Next, env)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, wferr.BusinessRule("dead_end",
			"every step after %q is skipped with nowhere left to go", current.Name)
	}

	execution.CurrentStepID = next.ID

	err = e.db.Transaction(ctx, func(tx *database.GormDB) error {
		if err := tx.UpsertStepExecution(ctx, completed); err != nil {
			return err
		}
		if err := tx.AppendNavigationEvent(ctx, &models.NavigationEvent{
			ExecutionID: execution.ID,
			StepID:      current.ID,
			ActionType:  params.action,
			ActionData:  actionData,
		}); err != nil {
			return err
		}
		for _, step := range skipped {
			se := &models.StepExecution{
				ExecutionID: execution.ID,
				StepID:      step.ID,
				Status:      models.StepExecutionSkipped,
				CompletedAt: &now,
			}
			if err := tx.UpsertStepExecution(ctx, se); err != nil {
				return err
			}
			if err := tx.AppendNavigationEvent(ctx, &models.NavigationEvent{
				ExecutionID: execution.ID,
				StepID:      step.ID,
				ActionType:  models.ActionSkipped,
			}); err != nil {
				return err
			}
		}
		active := execution.StepExecutionFor(next.ID)
		if active == nil {
			active = &models.StepExecution{ExecutionID: execution.ID, StepID: next.ID}
		}
		active.Status = models.StepExecutionActive
		if active.StartedAt == nil {
			active.StartedAt = &now
		}
		if err := tx.UpsertStepExecution(ctx, active); err != nil {
			return err
		}
		// Parallel siblings become ready without taking the cursor.
		for _, step := range sel.Parallel {
			if step.ID == next.ID || execution.StepExecutionFor(step.ID) != nil {
				continue
			}
			ready := &models.StepExecution{
				ExecutionID: execution.ID,
				StepID:      step.ID,
				Status:      models.StepExecutionReady,
			}
			if err := tx.UpsertStepExecution(ctx, ready); err != nil {
				return err
			}
		}
		return tx.UpdateExecution(ctx, execution)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("execution_id", execution.ID).
		Str("completed_step", current.Name).
		Str("next_step", next.Name).
		Msg("step settled")

	eventType := params.eventType
	if eventType == "" {
		eventType = protocol.ExecutionStepCompleted
	}
	e.publish(protocol.ExecutionLifecycleEvent{
		Metadata:         protocol.Metadata{ExecutionID: execution.ID, Version: protocol.CurrentProtocolVersion},
		Type:             eventType,
		WorkflowID:       execution.WorkflowID,
		StepID:           current.ID,
		StepName:         current.Name,
		DecisionOptionID: params.optionID,
		Execution:        execution,
	})

	refreshed, err := e.db.GetExecution(ctx, execution.ID)
	if err != nil {
		return nil, err
	}
	return buildGuidance(snap, refreshed), nil
}

// finish completes the execution on an outcome step. Every other entered
// step must already be completed or skipped; an execution with ready or
// active steps elsewhere is refused so no branch is silently abandoned.
func (e *Engine) finish(ctx context.Context, execution *models.Execution, snap *graph.Snapshot, current *models.Step, completed *models.StepExecution, actionData models.JSONMap, params settleParams) (*Guidance, error) {
	now := time.Now()

	for i := range execution.StepExecutions {
		se := &execution.StepExecutions[i]
		if se.StepID == current.ID ||
			se.Status == models.StepExecutionCompleted || se.Status == models.StepExecutionSkipped {
			continue
		}
		name := se.StepID
		if step := snap.Step(se.StepID); step != nil {
			name = step.Name
		}
		return nil, wferr.BusinessRule("unsettled_steps",
			"cannot complete the workflow while step %q is still %s", name, se.Status)
	}

	if err := e.releaseAll(ctx, execution); err != nil {
		getEngineLog().Warn().Err(err).
			Str("execution_id", execution.ID).
			Msg("release on completion incomplete")
	}

	execution.Status = models.ExecutionStatusCompleted
	execution.CompletedAt = &now
	execution.SelectedOutcomeID = resolveOutcome(snap.Workflow(), current, execution.SelectedOutcomeID)
	total := int(now.Sub(execution.StartedAt).Minutes())
	execution.TotalDurationMinutes = &total

	err := e.db.Transaction(ctx, func(tx *database.GormDB) error {
		if err := tx.UpsertStepExecution(ctx, completed); err != nil {
			return err
		}
		if err := tx.AppendNavigationEvent(ctx, &models.NavigationEvent{
			ExecutionID: execution.ID,
			StepID:      current.ID,
			ActionType:  params.action,
			ActionData:  actionData,
		}); err != nil {
			return err
		}
		if err := tx.AppendNavigationEvent(ctx, &models.NavigationEvent{
			ExecutionID: execution.ID,
			StepID:      current.ID,
			ActionType:  models.ActionWorkflowCompleted,
			ActionData:  models.JSONMap{"outcome_id": execution.SelectedOutcomeID},
		}); err != nil {
			return err
		}
		return tx.UpdateExecution(ctx, execution)
	})
	if err != nil {
		return nil, err
	}

	getEngineLog().Info().
		Str("execution_id", execution.ID).
		Str("outcome_id", execution.SelectedOutcomeID).
		Int("total_minutes", total).
		Msg("execution completed")

	e.publish(protocol.ExecutionLifecycleEvent{
		Metadata:   protocol.Metadata{ExecutionID: execution.ID, Version: protocol.CurrentProtocolVersion},
		Type:       protocol.ExecutionCompleted,
		WorkflowID: execution.WorkflowID,
		StepID:     current.ID,
		StepName:   current.Name,
		OutcomeID:  execution.SelectedOutcomeID,
		Execution:  execution,
	})

	refreshed, err := e.db.GetExecution(ctx, execution.ID)
	if err != nil {
		return nil, err
	}
	return buildGuidance(snap, refreshed), nil
}

// resolveOutcome maps a terminal step to one of the workflow's outcome
// labels: same name first, then the outcome preselected at start, then the
// default outcome.
func resolveOutcome(workflow *models.Workflow, step *models.Step, preselected string) string {
	var defaultID string
	for i := range workflow.Outcomes {
		o := &workflow.Outcomes[i]
		if o.Name == step.Name {
			return o.ID
		}
		if o.IsDefault {
			defaultID = o.ID
		}
	}
	if preselected != "" {
		return preselected
	}
	return defaultID
}
