// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import (
	"fmt"
	"strings"

	"github.com/makerflow/makerflow/internal/workflow/models"
)

// Issue code constants classify each ValidationIssue. Codes are stable
// strings so callers can switch on them without numeric values.
const (
	IssueCrossWorkflowEdge = "CROSS_WORKFLOW_EDGE"
	IssueSelfLoop          = "SELF_LOOP"
	IssueCycleDetected     = "CYCLE_DETECTED"
	IssueUnreachableStep   = "UNREACHABLE_STEP"
	IssueDeadEndStep       = "DEAD_END_STEP"
	IssueMultipleDefaults  = "MULTIPLE_DEFAULT_CONNECTIONS"
	IssueDanglingEndpoint  = "DANGLING_ENDPOINT"
	IssueNoSteps           = "NO_STEPS"
	IssueDecisionNoOptions = "DECISION_WITHOUT_OPTIONS"
	IssueMultipleDefaultOptions = "MULTIPLE_DEFAULT_OPTIONS"
)

// ValidationIssue describes a single problem found in a definition.
type ValidationIssue struct {
	Code    string `json:"code"`
	StepID  string `json:"step_id,omitempty"`
	Message string `json:"message"`
}

// ValidationResult is the structured report produced by Validate.
// StructuralErrors violate invariants that must hold even for drafts.
// PublicationErrors only block publication. Warnings never block anything.
type ValidationResult struct {
	StructuralErrors  []ValidationIssue `json:"structural_errors"`
	PublicationErrors []ValidationIssue `json:"publication_errors"`
	Warnings          []ValidationIssue `json:"warnings"`
}

// IsValid reports whether the definition has no structural errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.StructuralErrors) == 0
}

// IsPublishable reports whether the definition may be published.
func (r *ValidationResult) IsPublishable() bool {
	return len(r.StructuralErrors) == 0 && len(r.PublicationErrors) == 0
}

// String returns a multi-line human-readable summary.
func (r *ValidationResult) String() string {
	var b strings.Builder
	writeSection := func(name string, issues []ValidationIssue) {
		fmt.Fprintf(&b, "%s (%d):\n", name, len(issues))
		for _, issue := range issues {
			if issue.StepID != "" {
				fmt.Fprintf(&b, "  [%s] step %q: %s\n", issue.Code, issue.StepID, issue.Message)
			} else {
				fmt.Fprintf(&b, "  [%s] %s\n", issue.Code, issue.Message)
			}
		}
	}
	writeSection("Structural errors", r.StructuralErrors)
	writeSection("Publication errors", r.PublicationErrors)
	writeSection("Warnings", r.Warnings)
	return b.String()
}

// Validate inspects an in-memory workflow graph and returns the structured
// report. Pure: no I/O, no mutation.
func Validate(w *models.Workflow) *ValidationResult {
	result := &ValidationResult{}
	snap := NewSnapshot(w)

	if len(w.Steps) == 0 {
		result.PublicationErrors = append(result.PublicationErrors, ValidationIssue{
			Code:    IssueNoSteps,
			Message: "workflow has no steps",
		})
		return result
	}

	stepIDs := make(map[string]bool, len(w.Steps))
	for i := range w.Steps {
		stepIDs[w.Steps[i].ID] = true
	}

	// Structural checks: endpoints in the same workflow, no self-loops,
	// endpoints resolvable.
	for i := range w.Steps {
		step := &w.Steps[i]
		defaults := 0
		for _, conn := range step.OutgoingConnections {
			if conn.SourceStepID == conn.TargetStepID {
				result.StructuralErrors = append(result.StructuralErrors, ValidationIssue{
					Code:    IssueSelfLoop,
					StepID:  step.ID,
					Message: fmt.Sprintf("connection %s is a self-loop", conn.ID),
				})
				continue
			}
			if !stepIDs[conn.TargetStepID] {
				result.StructuralErrors = append(result.StructuralErrors, ValidationIssue{
					Code:    IssueDanglingEndpoint,
					StepID:  step.ID,
					Message: fmt.Sprintf("connection %s targets unknown step %s", conn.ID, conn.TargetStepID),
				})
				continue
			}
			target := snap.Step(conn.TargetStepID)
			if target != nil && target.WorkflowID != step.WorkflowID {
				result.StructuralErrors = append(result.StructuralErrors, ValidationIssue{
					Code:    IssueCrossWorkflowEdge,
					StepID:  step.ID,
					Message: fmt.Sprintf("connection %s crosses workflow boundaries", conn.ID),
				})
			}
			if conn.IsDefault {
				defaults++
			}
		}
		if defaults > 1 {
			result.Warnings = append(result.Warnings, ValidationIssue{
				Code:    IssueMultipleDefaults,
				StepID:  step.ID,
				Message: fmt.Sprintf("step has %d default connections, expected at most 1", defaults),
			})
		}

		if step.IsDecisionPoint {
			if len(step.DecisionOptions) == 0 {
				result.PublicationErrors = append(result.PublicationErrors, ValidationIssue{
					Code:    IssueDecisionNoOptions,
					StepID:  step.ID,
					Message: "decision point has no options",
				})
			}
			defaultOptions := 0
			for _, opt := range step.DecisionOptions {
				if opt.IsDefault {
					defaultOptions++
				}
			}
			if defaultOptions > 1 {
				result.StructuralErrors = append(result.StructuralErrors, ValidationIssue{
					Code:    IssueMultipleDefaultOptions,
					StepID:  step.ID,
					Message: fmt.Sprintf("decision point has %d default options, expected at most 1", defaultOptions),
				})
			}
		}
	}

	// Publication checks: acyclic, every non-outcome step reachable, steps
	// without outgoing connections must be outcomes.
	if cycle := snap.DetectCycle(); cycle != nil {
		result.PublicationErrors = append(result.PublicationErrors, ValidationIssue{
			Code:    IssueCycleDetected,
			StepID:  cycle[0],
			Message: fmt.Sprintf("cycle detected: [%s]", strings.Join(cycleNames(snap, cycle), ", ")),
		})
	}

	reachable := snap.Reachable()
	for i := range w.Steps {
		step := &w.Steps[i]
		if !reachable[step.ID] {
			issue := ValidationIssue{
				Code:    IssueUnreachableStep,
				StepID:  step.ID,
				Message: fmt.Sprintf("step %q is not reachable from any initial step", step.Name),
			}
			if step.IsOutcome {
				result.Warnings = append(result.Warnings, issue)
			} else {
				result.PublicationErrors = append(result.PublicationErrors, issue)
			}
		}
		if len(snap.Outgoing(step.ID)) == 0 && !step.IsOutcome {
			result.PublicationErrors = append(result.PublicationErrors, ValidationIssue{
				Code:    IssueDeadEndStep,
				StepID:  step.ID,
				Message: fmt.Sprintf("step %q has no outgoing connections and is not an outcome", step.Name),
			})
		}
	}

	return result
}

// cycleNames maps a cycle of step IDs to step names for readable reports.
func cycleNames(snap *Snapshot, ids []string) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		if step := snap.Step(id); step != nil {
			names[i] = step.Name
		} else {
			names[i] = id
		}
	}
	return names
}
