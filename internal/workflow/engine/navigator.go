// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/condition"
	"github.com/makerflow/makerflow/internal/workflow/graph"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

// NextStepSelection is the navigator's verdict after a step settles: the
// step the execution moves to, the connection taken, and any additional
// steps activated in parallel.
type NextStepSelection struct {
	Next     *models.Step
	Via      *models.Connection
	Parallel []*models.Step
}

// evalGuard evaluates an edge guard. A guard that fails to parse or
// evaluate counts as false: a broken expression on one edge must not strand
// the whole execution.
func evalGuard(conn *models.Connection, env condition.Env) bool {
	ok, err := condition.Evaluate(conn.Condition, env)
	if err != nil {
		getEngineLog().Warn().Err(err).
			Str("connection_id", conn.ID).
			Str("condition", conn.Condition).
			Msg("edge guard failed to evaluate, treating as false")
		return false
	}
	return ok
}

// selectNext picks the connection to follow out of current. Connections with
// a guard are evaluated in display order and the first true guard wins;
// otherwise the default connection, then the first unguarded one. Decision
// edges are only followed by selectDecision. A parallel winner carries its
// sibling parallel targets along.
func selectNext(snap *graph.Snapshot, current *models.Step, env condition.Env) (*NextStepSelection, error) {
	conns := snap.Outgoing(current.ID)

	var guarded, unguarded []models.Connection
	for _, conn := range conns {
		if conn.ConnectionType == models.ConnectionDecision {
			continue
		}
		if conn.Condition != "" {
			guarded = append(guarded, conn)
		} else {
			unguarded = append(unguarded, conn)
		}
	}

	var chosen *models.Connection
	for i := range guarded {
		if evalGuard(&guarded[i], env) {
			chosen = &guarded[i]
			break
		}
	}
	if chosen == nil && len(unguarded) > 0 {
		// unguarded is already ordered isDefault desc, displayOrder asc.
		chosen = &unguarded[0]
	}
	if chosen == nil {
		return &NextStepSelection{}, nil
	}

	sel := &NextStepSelection{
		Next: snap.Step(chosen.TargetStepID),
		Via:  chosen,
	}
	if chosen.ConnectionType == models.ConnectionParallel {
		for i := range conns {
			conn := &conns[i]
			if conn.ID == chosen.ID || conn.ConnectionType != models.ConnectionParallel {
				continue
			}
			if step := snap.Step(conn.TargetStepID); step != nil {
				sel.Parallel = append(sel.Parallel, step)
			}
		}
	}
	return sel, nil
}

// selectDecision picks the decision edge matching the chosen option. Guarded
// decision edges are evaluated with the option ID bound to the outcome
// scope; when none matches, an unguarded default decision edge is taken.
func selectDecision(snap *graph.Snapshot, current *models.Step, option *models.DecisionOption, env condition.Env) (*NextStepSelection, error) {
	env.OutcomeID = option.ID

	decisionConns := lo.Filter(snap.Outgoing(current.ID), func(c models.Connection, _ int) bool {
		return c.ConnectionType == models.ConnectionDecision
	})
	if len(decisionConns) == 0 {
		// A decision point without decision edges degrades to normal
		// navigation, so authors can use options purely for data capture.
		return selectNext(snap, current, env)
	}

	var fallback *models.Connection
	for i := range decisionConns {
		conn := &decisionConns[i]
		if conn.Condition == "" {
			if fallback == nil || conn.IsDefault {
				if fallback == nil || !fallback.IsDefault {
					fallback = conn
				}
			}
			continue
		}
		if evalGuard(conn, env) {
			return &NextStepSelection{Next: snap.Step(conn.TargetStepID), Via: conn}, nil
		}
	}
	if fallback != nil {
		return &NextStepSelection{Next: snap.Step(fallback.TargetStepID), Via: fallback}, nil
	}
	return nil, wferr.Condition("no decision connection matches option %q on step %q", option.ID, current.Name)
}

// shouldSkip evaluates a step's skip guard. A step with condition logic that
// evaluates to false is skipped.
func shouldSkip(step *models.Step, env condition.Env) (bool, error) {
	if step.ConditionLogic == "" {
		return false, nil
	}
	ok, err := condition.Evaluate(step.ConditionLogic, env)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Progress summarizes how far an execution has come.
type Progress struct {
	TotalSteps     int     `json:"total_steps"`
	SettledSteps   int     `json:"settled_steps"`
	CompletedSteps int     `json:"completed_steps"`
	SkippedSteps   int     `json:"skipped_steps"`
	Percent        float64 `json:"percent"`
	CurrentStepID  string  `json:"current_step_id,omitempty"`
	RemainingHops  int     `json:"remaining_hops"` // shortest remaining path to an outcome, -1 when unreachable
}

// computeProgress derives progress from the execution's step executions and
// the graph. The denominator is the reachable step count so unreachable
// branches do not depress the percentage.
func computeProgress(snap *graph.Snapshot, execution *models.Execution) Progress {
	reachable := snap.Reachable()
	p := Progress{
		TotalSteps:    len(reachable),
		CurrentStepID: execution.CurrentStepID,
		RemainingHops: -1,
	}
	for i := range execution.StepExecutions {
		se := &execution.StepExecutions[i]
		if !reachable[se.StepID] {
			continue
		}
		switch se.Status {
		case models.StepExecutionCompleted:
			p.CompletedSteps++
			p.SettledSteps++
		case models.StepExecutionSkipped:
			p.SkippedSteps++
			p.SettledSteps++
		case models.StepExecutionFailed:
			p.SettledSteps++
		}
	}
	if p.TotalSteps > 0 {
		p.Percent = float64(p.SettledSteps) / float64(p.TotalSteps) * 100
	}
	if execution.CurrentStepID != "" {
		if path := optimalPath(snap, execution.CurrentStepID, execution.SelectedOutcomeID); path != nil {
			p.RemainingHops = path.Hops
		}
	}
	return p
}

// outcomeTargets returns the outcome steps the navigator aims for. With a
// preselected outcome, only the steps carrying that outcome's name qualify;
// otherwise, or when no step matches it, every outcome step does.
func outcomeTargets(snap *graph.Snapshot, selectedOutcomeID string) []*models.Step {
	all := snap.OutcomeSteps()
	if selectedOutcomeID == "" {
		return all
	}
	outcome := snap.Workflow().OutcomeByID(selectedOutcomeID)
	if outcome == nil {
		return all
	}
	matched := lo.Filter(all, func(s *models.Step, _ int) bool {
		return s.Name == outcome.Name
	})
	if len(matched) == 0 {
		return all
	}
	return matched
}

// optimalPath finds the best path from the given step to an outcome step:
// fewest hops, then smallest summed duration, then most default edges.
func optimalPath(snap *graph.Snapshot, fromStepID, selectedOutcomeID string) *graph.Path {
	var best *graph.Path
	for _, outcome := range outcomeTargets(snap, selectedOutcomeID) {
		path := snap.ShortestPath(fromStepID, outcome.ID)
		if path == nil {
			continue
		}
		if best == nil || betterPath(path, best) {
			best = path
		}
	}
	return best
}

func betterPath(a, b *graph.Path) bool {
	if a.Hops != b.Hops {
		return a.Hops < b.Hops
	}
	if a.EstimatedDuration != b.EstimatedDuration {
		return a.EstimatedDuration < b.EstimatedDuration
	}
	return a.DefaultCount > b.DefaultCount
}

// Suggestion actions, in the order the builder considers them.
const (
	SuggestWorkflowComplete = "workflow_complete"
	SuggestMakeDecision     = "make_decision"
	SuggestCompleteStep     = "complete_step"
	SuggestStartStep        = "start_step"
	SuggestNavigateToStep   = "navigate_to_step"
)

// Suggestion is the single recommended next action for the maker.
type Suggestion struct {
	Action  string `json:"action"`
	StepID  string `json:"step_id,omitempty"`
	Message string `json:"message"`
}

// Guidance is the user-facing projection of where an execution stands.
type Guidance struct {
	ExecutionID     string                  `json:"execution_id"`
	WorkflowID      string                  `json:"workflow_id"`
	Status          models.ExecutionStatus  `json:"status"`
	CurrentStep     *models.Step            `json:"current_step,omitempty"`
	DecisionOptions []models.DecisionOption `json:"decision_options,omitempty"`
	PossibleNext    []*models.Step          `json:"possible_next,omitempty"`
	ReadySteps      []*models.Step          `json:"ready_steps,omitempty"`
	Suggestion      *Suggestion             `json:"suggestion,omitempty"`
	Progress        Progress                `json:"progress"`
	OptimalPath     []string                `json:"optimal_path,omitempty"`
}

// buildGuidance assembles the guidance projection. Pure: no I/O. Possible
// next steps are filtered through the edge guards against the execution
// data, so the projection only offers targets a completion could reach.
func buildGuidance(snap *graph.Snapshot, execution *models.Execution) *Guidance {
	g := &Guidance{
		ExecutionID: execution.ID,
		WorkflowID:  execution.WorkflowID,
		Status:      execution.Status,
		Progress:    computeProgress(snap, execution),
	}

	if execution.CurrentStepID != "" {
		current := snap.Step(execution.CurrentStepID)
		g.CurrentStep = current
		if current != nil {
			if current.IsDecisionPoint {
				g.DecisionOptions = current.DecisionOptions
			}
			env := condition.Env{Ctx: execution.ExecutionData}
			conns := snap.Outgoing(current.ID)
			for i := range conns {
				conn := &conns[i]
				if conn.Condition != "" && !evalGuard(conn, env) {
					continue
				}
				if step := snap.Step(conn.TargetStepID); step != nil {
					g.PossibleNext = append(g.PossibleNext, step)
				}
			}
			if path := optimalPath(snap, current.ID, execution.SelectedOutcomeID); path != nil {
				g.OptimalPath = path.StepIDs
			}
		}
	}

	for i := range execution.StepExecutions {
		se := &execution.StepExecutions[i]
		if se.Status != models.StepExecutionReady || se.StepID == execution.CurrentStepID {
			continue
		}
		if step := snap.Step(se.StepID); step != nil {
			g.ReadySteps = append(g.ReadySteps, step)
		}
	}

	g.Suggestion = buildSuggestion(execution, g)
	return g
}

// buildSuggestion distills the guidance into one recommended action.
func buildSuggestion(execution *models.Execution, g *Guidance) *Suggestion {
	if execution.Status == models.ExecutionStatusCompleted {
		return &Suggestion{
			Action:  SuggestWorkflowComplete,
			Message: "every step is settled, the workflow is complete",
		}
	}
	if execution.Status != models.ExecutionStatusActive {
		return nil
	}
	if current := g.CurrentStep; current != nil {
		if current.IsDecisionPoint && len(current.DecisionOptions) > 0 {
			return &Suggestion{
				Action:  SuggestMakeDecision,
				StepID:  current.ID,
				Message: fmt.Sprintf("choose one of the %d options on %q", len(current.DecisionOptions), current.Name),
			}
		}
		return &Suggestion{
			Action:  SuggestCompleteStep,
			StepID:  current.ID,
			Message: fmt.Sprintf("finish %q and record the result", current.Name),
		}
	}
	if len(g.ReadySteps) > 0 {
		return &Suggestion{
			Action:  SuggestStartStep,
			StepID:  g.ReadySteps[0].ID,
			Message: fmt.Sprintf("pick up %q", g.ReadySteps[0].Name),
		}
	}
	if len(g.PossibleNext) > 0 {
		return &Suggestion{
			Action:  SuggestNavigateToStep,
			StepID:  g.PossibleNext[0].ID,
			Message: fmt.Sprintf("move to %q", g.PossibleNext[0].Name),
		}
	}
	return nil
}
