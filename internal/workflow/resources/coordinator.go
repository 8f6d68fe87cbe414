// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package resources

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/makerflow/makerflow/internal/logger"
	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

var (
	coordLog     *zerolog.Logger
	coordLogOnce sync.Once
)

func getCoordLog() *zerolog.Logger {
	coordLogOnce.Do(func() {
		l := logger.GetInventoryLogger()
		coordLog = &l
	})
	return coordLog
}

// Requirement is one aggregated resource need of a workflow or step.
// Quantities for the same material are summed across steps.
type Requirement struct {
	Kind       models.ResourceKind `json:"kind"`
	ResourceID string              `json:"resource_id"`
	Quantity   float64             `json:"quantity"`
	Unit       string              `json:"unit,omitempty"`
	Optional   bool                `json:"optional"`
	StepIDs    []string            `json:"step_ids"`
}

// RequirementStatus is a requirement annotated with the oracle's answer.
type RequirementStatus struct {
	Requirement
	Available bool `json:"available"`
}

// Coordinator mediates between step resource declarations and the inventory
// oracle: analysis, reservation with rollback, release and usage recording.
type Coordinator struct {
	oracle Oracle
	strict bool
}

// NewCoordinator builds a coordinator. With strict enabled, a required
// resource that cannot be reserved fails the whole reservation.
func NewCoordinator(oracle Oracle, strict bool) *Coordinator {
	return &Coordinator{oracle: oracle, strict: strict}
}

// AnalyzeRequirements aggregates the resource needs of the given steps.
// Material quantities are summed per resource; a requirement is optional
// only when every declaration of it is optional. Documentation references
// are informational and never aggregated.
func AnalyzeRequirements(steps []models.Step) []Requirement {
	type key struct {
		kind models.ResourceKind
		id   string
	}
	index := make(map[key]*Requirement)
	var order []key

	for i := range steps {
		step := &steps[i]
		for _, res := range step.Resources {
			if res.ResourceKind == models.ResourceDocumentation {
				continue
			}
			k := key{kind: res.ResourceKind, id: res.ReferenceID()}
			req, ok := index[k]
			if !ok {
				req = &Requirement{
					Kind:       res.ResourceKind,
					ResourceID: res.ReferenceID(),
					Unit:       res.Unit,
					Optional:   true,
				}
				index[k] = req
				order = append(order, k)
			}
			if res.ResourceKind == models.ResourceMaterial {
				req.Quantity += res.Quantity
			}
			if !res.IsOptional {
				req.Optional = false
			}
			if !lo.Contains(req.StepIDs, step.ID) {
				req.StepIDs = append(req.StepIDs, step.ID)
			}
		}
	}

	reqs := make([]Requirement, 0, len(order))
	for _, k := range order {
		reqs = append(reqs, *index[k])
	}
	return reqs
}

// CheckRequirements asks the oracle about every aggregated requirement.
func (c *Coordinator) CheckRequirements(ctx context.Context, steps []models.Step) ([]RequirementStatus, error) {
	reqs := AnalyzeRequirements(steps)
	statuses := make([]RequirementStatus, 0, len(reqs))
	for _, req := range reqs {
		var avail *Availability
		var err error
		switch req.Kind {
		case models.ResourceMaterial:
			avail, err = c.oracle.CheckMaterial(ctx, req.ResourceID, req.Quantity)
		case models.ResourceTool:
			avail, err = c.oracle.CheckTool(ctx, req.ResourceID)
		default:
			continue
		}
		if err != nil {
			if wferr.IsKind(err, wferr.KindNotFound) {
				statuses = append(statuses, RequirementStatus{Requirement: req, Available: false})
				continue
			}
			return nil, err
		}
		statuses = append(statuses, RequirementStatus{Requirement: req, Available: avail.Available})
	}
	return statuses, nil
}

// Reserve acquires reservations for every non-optional requirement of the
// given steps and records them on the execution. All-or-nothing: any failure
// releases what was already acquired before the error is returned. Optional
// requirements that cannot be reserved are skipped with a warning.
func (c *Coordinator) Reserve(ctx context.Context, execution *models.Execution, steps []models.Step) error {
	log := getCoordLog()
	reqs := AnalyzeRequirements(steps)

	var acquired []models.Reservation
	rollback := func() {
		for _, r := range acquired {
			if err := c.release(ctx, r); err != nil {
				log.Warn().Err(err).
					Str("execution_id", execution.ID).
					Str("resource_id", r.ResourceID).
					Msg("rollback release failed, reservation may leak")
			}
		}
	}

	for _, req := range reqs {
		token, err := c.reserve(ctx, req)
		if err != nil {
			unavailable := wferr.IsKind(err, wferr.KindBusinessRule) || wferr.IsKind(err, wferr.KindUnreserved)
			if req.Optional || (!c.strict && unavailable) {
				log.Info().
					Str("execution_id", execution.ID).
					Str("resource_id", req.ResourceID).
					Msg("skipping unavailable optional resource")
				continue
			}
			rollback()
			if wferr.IsKind(err, wferr.KindTimeout) || wferr.IsKind(err, wferr.KindExternalUnavailable) {
				return err
			}
			return wferr.Unreserved("could not reserve %s %s", req.Kind, req.ResourceID).WithCause(err)
		}
		stepID := ""
		if len(req.StepIDs) == 1 {
			stepID = req.StepIDs[0]
		}
		acquired = append(acquired, models.Reservation{
			Kind:       req.Kind,
			ResourceID: req.ResourceID,
			Quantity:   req.Quantity,
			Token:      token,
			StepID:     stepID,
		})
	}

	existing := execution.Reservations()
	execution.SetReservations(append(existing, acquired...))
	log.Debug().
		Str("execution_id", execution.ID).
		Int("reserved", len(acquired)).
		Msg("resources reserved")
	return nil
}

// Release frees every reservation held by the execution. Idempotent: a
// reservation the oracle no longer knows about counts as released. Errors
// are aggregated so one failure does not strand the remaining tokens.
func (c *Coordinator) Release(ctx context.Context, execution *models.Execution) error {
	log := getCoordLog()
	reservations := execution.Reservations()
	if len(reservations) == 0 {
		return nil
	}

	var errs []error
	var remaining []models.Reservation
	for _, r := range reservations {
		if err := c.release(ctx, r); err != nil {
			errs = append(errs, err)
			remaining = append(remaining, r)
			log.Warn().Err(err).
				Str("execution_id", execution.ID).
				Str("resource_id", r.ResourceID).
				Msg("failed to release reservation")
		}
	}

	execution.SetReservations(remaining)
	return errors.Join(errs...)
}

// usageKey is the step-execution data key holding the usage records.
const usageKey = "resource_usage"

// UsageRecord compares a step's planned resource need with what was
// actually used, as reported on completion.
type UsageRecord struct {
	Kind       models.ResourceKind `json:"kind"`
	ResourceID string              `json:"resource_id"`
	Planned    float64             `json:"planned"`
	Actual     float64             `json:"actual"`
	Unit       string              `json:"unit,omitempty"`
}

// RecordUsage writes the planned-versus-actual resource usage of a step
// into its step execution data. When no actual figure was reported for a
// resource, the planned quantity stands in. Reservations are untouched;
// they are released together when the execution reaches a terminal state.
func (c *Coordinator) RecordUsage(step *models.Step, se *models.StepExecution, actual map[string]float64) {
	var records []any
	for _, res := range step.Resources {
		if res.ResourceKind == models.ResourceDocumentation {
			continue
		}
		rec := UsageRecord{
			Kind:       res.ResourceKind,
			ResourceID: res.ReferenceID(),
			Planned:    res.Quantity,
			Actual:     res.Quantity,
			Unit:       res.Unit,
		}
		if qty, ok := actual[rec.ResourceID]; ok {
			rec.Actual = qty
		}
		records = append(records, map[string]any{
			"kind":        string(rec.Kind),
			"resource_id": rec.ResourceID,
			"planned":     rec.Planned,
			"actual":      rec.Actual,
			"unit":        rec.Unit,
		})
	}
	if len(records) == 0 {
		return
	}
	if se.StepData == nil {
		se.StepData = models.JSONMap{}
	}
	se.StepData[usageKey] = records
	getCoordLog().Debug().
		Str("execution_id", se.ExecutionID).
		Str("step_id", step.ID).
		Int("resources", len(records)).
		Msg("resource usage recorded")
}

// ReportedUsage extracts the actual-usage figures a caller attached to a
// step completion payload under the "actual_usage" key, keyed by resource
// ID. Missing or malformed entries are ignored.
func ReportedUsage(data models.JSONMap) map[string]float64 {
	raw, ok := data["actual_usage"].(map[string]any)
	if !ok {
		return nil
	}
	usage := make(map[string]float64, len(raw))
	for id, v := range raw {
		switch q := v.(type) {
		case float64:
			usage[id] = q
		case int:
			usage[id] = float64(q)
		}
	}
	return usage
}

// PreparedResource is one entry of a step's pre-flight checklist.
type PreparedResource struct {
	Kind       models.ResourceKind `json:"kind"`
	ResourceID string              `json:"resource_id"`
	Quantity   float64             `json:"quantity"`
	Unit       string              `json:"unit,omitempty"`
	Optional   bool                `json:"optional"`
	Reserved   bool                `json:"reserved"`
	Available  bool                `json:"available"`
}

// StepPreparation is the pre-flight view of one step: its declared
// resources, whether the execution already holds a reservation covering
// each, and current availability from the inventory.
type StepPreparation struct {
	StepID    string             `json:"step_id"`
	StepName  string             `json:"step_name"`
	Resources []PreparedResource `json:"resources"`
	Ready     bool               `json:"ready"`
}

// PrepareStep assembles the pre-flight checklist for a step. A resource
// covered by one of the execution's reservations counts as available
// without asking the oracle again. Ready means every required resource is
// reserved or currently available.
func (c *Coordinator) PrepareStep(ctx context.Context, execution *models.Execution, step *models.Step) (*StepPreparation, error) {
	reserved := make(map[string]bool)
	for _, r := range execution.Reservations() {
		reserved[r.ResourceID] = true
	}

	prep := &StepPreparation{StepID: step.ID, StepName: step.Name, Ready: true}
	for _, res := range step.Resources {
		if res.ResourceKind == models.ResourceDocumentation {
			continue
		}
		pr := PreparedResource{
			Kind:       res.ResourceKind,
			ResourceID: res.ReferenceID(),
			Quantity:   res.Quantity,
			Unit:       res.Unit,
			Optional:   res.IsOptional,
			Reserved:   reserved[res.ReferenceID()],
		}
		if pr.Reserved {
			pr.Available = true
		} else {
			var avail *Availability
			var err error
			switch res.ResourceKind {
			case models.ResourceMaterial:
				avail, err = c.oracle.CheckMaterial(ctx, pr.ResourceID, res.Quantity)
			case models.ResourceTool:
				avail, err = c.oracle.CheckTool(ctx, pr.ResourceID)
			}
			switch {
			case err == nil:
				pr.Available = avail.Available
			case wferr.IsKind(err, wferr.KindNotFound):
				pr.Available = false
			default:
				return nil, err
			}
		}
		if !pr.Optional && !pr.Available {
			prep.Ready = false
		}
		prep.Resources = append(prep.Resources, pr)
	}
	return prep, nil
}

func (c *Coordinator) reserve(ctx context.Context, req Requirement) (string, error) {
	switch req.Kind {
	case models.ResourceMaterial:
		return c.oracle.ReserveMaterial(ctx, req.ResourceID, req.Quantity)
	case models.ResourceTool:
		return c.oracle.ReserveTool(ctx, req.ResourceID)
	default:
		return "", wferr.Validation("cannot reserve resource kind %q", req.Kind)
	}
}

func (c *Coordinator) release(ctx context.Context, r models.Reservation) error {
	var err error
	switch r.Kind {
	case models.ResourceMaterial:
		err = c.oracle.ReleaseMaterial(ctx, r.Token)
	case models.ResourceTool:
		err = c.oracle.ReleaseTool(ctx, r.Token)
	}
	// An unknown token means the reservation is already gone.
	if wferr.IsKind(err, wferr.KindNotFound) {
		return nil
	}
	return err
}
