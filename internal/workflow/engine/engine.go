// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine drives workflow executions: starting, step completion,
// decisions, explicit navigation and the pause/resume/cancel lifecycle.
// Every mutation is written through the execution's optimistic version
// column and retried once on conflict; events are published only after the
// transaction committed.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/makerflow/makerflow/internal/config"
	"github.com/makerflow/makerflow/internal/logger"
	"github.com/makerflow/makerflow/internal/protocol"
	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/condition"
	"github.com/makerflow/makerflow/internal/workflow/database"
	"github.com/makerflow/makerflow/internal/workflow/graph"
	"github.com/makerflow/makerflow/internal/workflow/models"
	"github.com/makerflow/makerflow/internal/workflow/resources"
)

var (
	engineLog     *zerolog.Logger
	engineLogOnce sync.Once
)

func getEngineLog() *zerolog.Logger {
	engineLogOnce.Do(func() {
		l := logger.GetEngineLogger()
		engineLog = &l
	})
	return engineLog
}

// Engine executes workflow definitions.
type Engine struct {
	db          *database.GormDB
	coordinator *resources.Coordinator
	dispatcher  *protocol.Dispatcher
	attempts    int
}

// New creates an execution engine.
func New(db *database.GormDB, coordinator *resources.Coordinator, dispatcher *protocol.Dispatcher, cfg *config.EngineConfig) *Engine {
	attempts := 2
	if cfg != nil && cfg.OptimisticRetryAttempts > 0 {
		attempts = cfg.OptimisticRetryAttempts
	}
	return &Engine{
		db:          db,
		coordinator: coordinator,
		dispatcher:  dispatcher,
		attempts:    attempts,
	}
}

// StartParams describes a new execution request. SelectedOutcomeID is
// optional: when set, the navigator aims the optimal path at that outcome.
type StartParams struct {
	WorkflowID        string
	UserID            string
	InitialData       models.JSONMap
	SelectedOutcomeID string
}

// Start creates an execution of a runnable workflow, reserves the
// aggregated resource requirements of the whole workflow up front, and
// activates its first step.
func (e *Engine) Start(ctx context.Context, params StartParams) (*models.Execution, error) {
	log := getEngineLog()

	workflow, err := e.db.GetWorkflow(ctx, params.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !workflow.IsRunnable() {
		return nil, wferr.BusinessRule("workflow_not_runnable",
			"workflow %q has status %s and cannot be executed", workflow.Name, workflow.Status)
	}

	snap := graph.NewSnapshot(workflow)
	initials := snap.InitialSteps()
	if len(initials) == 0 {
		return nil, wferr.Validation("workflow %q has no steps to execute", workflow.Name)
	}

	execution := &models.Execution{
		WorkflowID:    workflow.ID,
		StartedBy:     params.UserID,
		Status:        models.ExecutionStatusActive,
		StartedAt:     time.Now(),
		ExecutionData: params.InitialData,
	}
	if execution.ExecutionData == nil {
		execution.ExecutionData = models.JSONMap{}
	}
	if params.SelectedOutcomeID != "" {
		if workflow.OutcomeByID(params.SelectedOutcomeID) == nil {
			return nil, wferr.Validation("outcome %q does not belong to workflow %q", params.SelectedOutcomeID, workflow.Name).
				WithField("selected_outcome_id", "not in workflow")
		}
		execution.SelectedOutcomeID = params.SelectedOutcomeID
	}

	env := condition.Env{Ctx: execution.ExecutionData}
	first, skipped, err := resolveSkips(snap, initials[0], env)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, wferr.BusinessRule("all_steps_skipped",
			"every step from the start of workflow %q is skipped", workflow.Name)
	}

	// Everything the workflow will need is reserved before the execution
	// row exists; a shortfall under the strict policy refuses the start.
	if err := e.reserveAll(ctx, execution, workflow.Steps); err != nil {
		return nil, err
	}
	execution.CurrentStepID = first.ID

	now := time.Now()
	err = e.db.Transaction(ctx, func(tx *database.GormDB) error {
		if err := tx.CreateExecution(ctx, execution); err != nil {
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
			event := &models.NavigationEvent{
				ExecutionID: execution.ID,
				StepID:      step.ID,
				ActionType:  models.ActionSkipped,
			}
			if err := tx.AppendNavigationEvent(ctx, event); err != nil {
				return err
			}
		}
		se := &models.StepExecution{
			ExecutionID: execution.ID,
			StepID:      first.ID,
			Status:      models.StepExecutionActive,
			StartedAt:   &now,
		}
		if err := tx.UpsertStepExecution(ctx, se); err != nil {
			return err
		}
		// Remaining entry points become ready so parallel starts can be
		// picked up later.
		for _, step := range initials[1:] {
			ready := &models.StepExecution{
				ExecutionID: execution.ID,
				StepID:      step.ID,
				Status:      models.StepExecutionReady,
			}
			if err := tx.UpsertStepExecution(ctx, ready); err != nil {
				return err
			}
		}
		return tx.AppendNavigationEvent(ctx, &models.NavigationEvent{
			ExecutionID: execution.ID,
			StepID:      first.ID,
			ActionType:  models.ActionStarted,
		})
	})
	if err != nil {
		e.releaseQuietly(ctx, execution)
		return nil, err
	}

	log.Info().
		Str("execution_id", execution.ID).
		Str("workflow_id", workflow.ID).
		Str("first_step", first.Name).
		Msg("execution started")

	e.publish(protocol.ExecutionLifecycleEvent{
		Metadata:   protocol.Metadata{ExecutionID: execution.ID, Version: protocol.CurrentProtocolVersion},
		Type:       protocol.ExecutionStarted,
		WorkflowID: workflow.ID,
		StepID:     first.ID,
		StepName:   first.Name,
		Execution:  execution,
	})
	return execution, nil
}

// Guidance returns the navigation projection for an execution.
func (e *Engine) Guidance(ctx context.Context, executionID string) (*Guidance, error) {
	execution, snap, err := e.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return buildGuidance(snap, execution), nil
}

// PrepareStep returns the pre-flight resource checklist for one step of an
// execution.
func (e *Engine) PrepareStep(ctx context.Context, executionID, stepID string) (*resources.StepPreparation, error) {
	execution, snap, err := e.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	step := snap.Step(stepID)
	if step == nil {
		return nil, wferr.NotFound("step", stepID)
	}
	if e.coordinator == nil {
		return &resources.StepPreparation{StepID: step.ID, StepName: step.Name, Ready: true}, nil
	}
	return e.coordinator.PrepareStep(ctx, execution, step)
}

// Progress returns the progress summary for an execution.
func (e *Engine) Progress(ctx context.Context, executionID string) (*Progress, error) {
	execution, snap, err := e.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	p := computeProgress(snap, execution)
	return &p, nil
}

// Pause moves an active execution to paused.
func (e *Engine) Pause(ctx context.Context, executionID string) (*models.Execution, error) {
	return e.transition(ctx, executionID, models.ExecutionStatusPaused, models.ActionPaused, protocol.ExecutionPaused)
}

// Resume moves a paused execution back to active.
func (e *Engine) Resume(ctx context.Context, executionID string) (*models.Execution, error) {
	return e.transition(ctx, executionID, models.ExecutionStatusActive, models.ActionResumed, protocol.ExecutionResumed)
}

// Cancel terminates an execution and releases every reservation it holds.
func (e *Engine) Cancel(ctx context.Context, executionID string) (*models.Execution, error) {
	return e.transition(ctx, executionID, models.ExecutionStatusCancelled, models.ActionCancelled, protocol.ExecutionCancelled)
}

// Fail marks an active execution as failed and releases its reservations.
func (e *Engine) Fail(ctx context.Context, executionID string, reason string) (*models.Execution, error) {
	var result *models.Execution
	err := e.withRetry(ctx, func(attempt int) error {
		execution, _, err := e.load(ctx, executionID)
		if err != nil {
			return err
		}
		if !models.CanTransition(execution.Status, models.ExecutionStatusFailed) {
			return wferr.InvalidStateTransition(string(execution.Status), string(models.ExecutionStatusFailed))
		}
		if err := e.releaseAll(ctx, execution); err != nil {
			getEngineLog().Warn().Err(err).Str("execution_id", executionID).Msg("release on failure incomplete")
		}
		now := time.Now()
		execution.Status = models.ExecutionStatusFailed
		execution.CompletedAt = &now
		if reason != "" {
			execution.ExecutionData["failure_reason"] = reason
		}

		err = e.db.Transaction(ctx, func(tx *database.GormDB) error {
			if err := tx.UpdateExecution(ctx, execution); err != nil {
				return err
			}
			return tx.AppendNavigationEvent(ctx, &models.NavigationEvent{
				ExecutionID: execution.ID,
				StepID:      execution.CurrentStepID,
				ActionType:  models.ActionCancelled,
				ActionData:  models.JSONMap{"reason": reason, "failed": true},
			})
		})
		if err != nil {
			return err
		}
		result = execution
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(protocol.ExecutionLifecycleEvent{
		Metadata:   protocol.Metadata{ExecutionID: result.ID, Version: protocol.CurrentProtocolVersion},
		Type:       protocol.ExecutionFailed,
		WorkflowID: result.WorkflowID,
		Execution:  result,
	})
	return result, nil
}

// transition applies one lifecycle edge with the shared bookkeeping.
func (e *Engine) transition(ctx context.Context, executionID string, to models.ExecutionStatus, action models.ActionType, eventType protocol.ExecutionLifecycleType) (*models.Execution, error) {
	var result *models.Execution
	err := e.withRetry(ctx, func(attempt int) error {
		execution, _, err := e.load(ctx, executionID)
		if err != nil {
			return err
		}
		if !models.CanTransition(execution.Status, to) {
			return wferr.InvalidStateTransition(string(execution.Status), string(to))
		}

		if to == models.ExecutionStatusCancelled {
			if err := e.releaseAll(ctx, execution); err != nil {
				getEngineLog().Warn().Err(err).Str("execution_id", executionID).Msg("release on cancel incomplete")
			}
			now := time.Now()
			execution.CompletedAt = &now
		}
		execution.Status = to

		err = e.db.Transaction(ctx, func(tx *database.GormDB) error {
			if err := tx.UpdateExecution(ctx, execution); err != nil {
				return err
			}
			return tx.AppendNavigationEvent(ctx, &models.NavigationEvent{
				ExecutionID: execution.ID,
				StepID:      execution.CurrentStepID,
				ActionType:  action,
			})
		})
		if err != nil {
			return err
		}
		result = execution
		return nil
	})
	if err != nil {
		return nil, err
	}

	getEngineLog().Info().
		Str("execution_id", result.ID).
		Str("status", string(to)).
		Msg("execution transitioned")

	e.publish(protocol.ExecutionLifecycleEvent{
		Metadata:   protocol.Metadata{ExecutionID: result.ID, Version: protocol.CurrentProtocolVersion},
		Type:       eventType,
		WorkflowID: result.WorkflowID,
		Execution:  result,
	})
	return result, nil
}

// IsComplete reports whether the execution has reached a terminal state.
func (e *Engine) IsComplete(ctx context.Context, executionID string) (bool, error) {
	execution, _, err := e.load(ctx, executionID)
	if err != nil {
		return false, err
	}
	return execution.IsTerminal(), nil
}

// load fetches an execution together with its workflow snapshot.
func (e *Engine) load(ctx context.Context, executionID string) (*models.Execution, *graph.Snapshot, error) {
	execution, err := e.db.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	workflow, err := e.db.GetWorkflow(ctx, execution.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	return execution, graph.NewSnapshot(workflow), nil
}

// withRetry runs fn up to the configured attempt count, retrying only on
// optimistic-lock conflicts.
func (e *Engine) withRetry(ctx context.Context, fn func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		err = fn(attempt)
		if err == nil || !wferr.IsKind(err, wferr.KindConflict) {
			return err
		}
		getEngineLog().Debug().Int("attempt", attempt).Msg("optimistic conflict, retrying")
	}
	return err
}

// releaseAll frees every reservation the execution still holds.
func (e *Engine) releaseAll(ctx context.Context, execution *models.Execution) error {
	if e.coordinator == nil {
		return nil
	}
	return e.coordinator.Release(ctx, execution)
}

// reserveAll acquires the aggregated resource requirements of the given
// steps and records the reservations on the execution.
func (e *Engine) reserveAll(ctx context.Context, execution *models.Execution, steps []models.Step) error {
	if e.coordinator == nil {
		return nil
	}
	return e.coordinator.Reserve(ctx, execution, steps)
}

// releaseQuietly frees the execution's reservations after a failed write,
// logging instead of propagating.
func (e *Engine) releaseQuietly(ctx context.Context, execution *models.Execution) {
	if e.coordinator == nil {
		return
	}
	if err := e.coordinator.Release(ctx, execution); err != nil {
		getEngineLog().Warn().Err(err).
			Str("execution_id", execution.ID).
			Msg("post-rollback release incomplete")
	}
}

func (e *Engine) publish(event protocol.Event) {
	if e.dispatcher != nil {
		e.dispatcher.Publish(event)
	}
}

// resolveSkips walks forward from a candidate step past every step whose
// skip guard fires, returning the step that actually activates plus the
// steps skipped on the way. Bounded by the graph size.
func resolveSkips(snap *graph.Snapshot, step *models.Step, env condition.Env) (*models.Step, []*models.Step, error) {
	var skipped []*models.Step
	current := step
	for i := 0; i <= snap.StepCount(); i++ {
		skip, err := shouldSkip(current, env)
		if err != nil {
			return nil, nil, err
		}
		if !skip {
			return current, skipped, nil
		}
		skipped = append(skipped, current)
		sel, err := selectNext(snap, current, env)
		if err != nil {
			return nil, nil, err
		}
		if sel.Next == nil {
			return nil, skipped, nil
		}
		current = sel.Next
	}
	return nil, skipped, wferr.Condition("skip resolution did not terminate, graph may contain a cycle")
}
