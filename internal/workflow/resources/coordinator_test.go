// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package resources

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

// fakeOracle is an in-memory inventory with per-resource stock levels.
type fakeOracle struct {
	mu        sync.Mutex
	materials map[string]float64 // on-hand quantity
	tools     map[string]bool    // available
	tokens    map[string]models.Reservation
	nextToken int
	failWith  error // when set, every mutating call fails
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		materials: make(map[string]float64),
		tools:     make(map[string]bool),
		tokens:    make(map[string]models.Reservation),
	}
}

func (f *fakeOracle) CheckMaterial(_ context.Context, id string, qty float64) (*Availability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stock, ok := f.materials[id]
	if !ok {
		return nil, wferr.NotFound("material", id)
	}
	return &Availability{ResourceID: id, Available: stock >= qty, Quantity: stock}, nil
}

func (f *fakeOracle) ReserveMaterial(_ context.Context, id string, qty float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", f.failWith
	}
	stock, ok := f.materials[id]
	if !ok {
		return "", wferr.NotFound("material", id)
	}
	if stock < qty {
		return "", wferr.BusinessRule("insufficient_stock", "material %s has %g, need %g", id, stock, qty)
	}
	f.materials[id] = stock - qty
	f.nextToken++
	token := fmt.Sprintf("tok-%d", f.nextToken)
	f.tokens[token] = models.Reservation{Kind: models.ResourceMaterial, ResourceID: id, Quantity: qty, Token: token}
	return token, nil
}

func (f *fakeOracle) ReleaseMaterial(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.tokens[token]
	if !ok {
		return wferr.NotFound("reservation", token)
	}
	f.materials[r.ResourceID] += r.Quantity
	delete(f.tokens, token)
	return nil
}

func (f *fakeOracle) CheckTool(_ context.Context, id string) (*Availability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	avail, ok := f.tools[id]
	if !ok {
		return nil, wferr.NotFound("tool", id)
	}
	return &Availability{ResourceID: id, Available: avail}, nil
}

func (f *fakeOracle) ReserveTool(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", f.failWith
	}
	avail, ok := f.tools[id]
	if !ok {
		return "", wferr.NotFound("tool", id)
	}
	if !avail {
		return "", wferr.BusinessRule("tool_in_use", "tool %s is not available", id)
	}
	f.tools[id] = false
	f.nextToken++
	token := fmt.Sprintf("tok-%d", f.nextToken)
	f.tokens[token] = models.Reservation{Kind: models.ResourceTool, ResourceID: id, Token: token}
	return token, nil
}

func (f *fakeOracle) ReleaseTool(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.tokens[token]
	if !ok {
		return wferr.NotFound("reservation", token)
	}
	f.tools[r.ResourceID] = true
	delete(f.tokens, token)
	return nil
}

func (f *fakeOracle) FindMaterialByName(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "material-" + name
	if _, ok := f.materials[id]; ok {
		return id, nil
	}
	return "", nil
}

func (f *fakeOracle) FindToolByName(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "tool-" + name
	if _, ok := f.tools[id]; ok {
		return id, nil
	}
	return "", nil
}

func (f *fakeOracle) heldTokens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

func stepWithResources(t *testing.T, name string, resources ...models.StepResource) models.Step {
	step, err := models.NewStep("wf-1", name, 1, models.StepTypeMaterial)
	require.NoError(t, err)
	step.Resources = resources
	return *step
}

func materialRes(t *testing.T, stepID, materialID string, qty float64, optional bool) models.StepResource {
	r, err := models.NewStepResource(stepID, models.ResourceMaterial, materialID, qty, "ml")
	require.NoError(t, err)
	r.IsOptional = optional
	return *r
}

func toolRes(t *testing.T, stepID, toolID string, optional bool) models.StepResource {
	r, err := models.NewStepResource(stepID, models.ResourceTool, toolID, 0, "")
	require.NoError(t, err)
	r.IsOptional = optional
	return *r
}

func TestAnalyzeRequirementsAggregates(t *testing.T) {
	s1 := stepWithResources(t, "Cut",
		materialRes(t, "s1", "plywood", 2, false),
		toolRes(t, "s1", "saw", false),
	)
	s2 := stepWithResources(t, "Glue",
		materialRes(t, "s2", "plywood", 3, true),
		materialRes(t, "s2", "glue", 50, false),
	)
	doc, err := models.NewStepResource("s2", models.ResourceDocumentation, "doc-1", 0, "")
	require.NoError(t, err)
	s2.Resources = append(s2.Resources, *doc)

	reqs := AnalyzeRequirements([]models.Step{s1, s2})
	require.Len(t, reqs, 3, "documentation references are not aggregated")

	byID := map[string]Requirement{}
	for _, r := range reqs {
		byID[r.ResourceID] = r
	}
	assert.Equal(t, 5.0, byID["plywood"].Quantity, "quantities sum across steps")
	assert.False(t, byID["plywood"].Optional, "one required declaration makes the requirement required")
	assert.Equal(t, 50.0, byID["glue"].Quantity)
	assert.Len(t, byID["plywood"].StepIDs, 2)
}

func TestReserveAllOrNothing(t *testing.T) {
	oracle := newFakeOracle()
	oracle.materials["plywood"] = 10
	oracle.materials["glue"] = 0 // cannot be reserved
	oracle.tools["saw"] = true

	coord := NewCoordinator(oracle, true)
	exec := &models.Execution{ID: "exec-1", ExecutionData: models.JSONMap{}}

	steps := []models.Step{
		stepWithResources(t, "Cut",
			materialRes(t, "s1", "plywood", 2, false),
			toolRes(t, "s1", "saw", false),
			materialRes(t, "s1", "glue", 50, false),
		),
	}

	err := coord.Reserve(context.Background(), exec, steps)
	require.Error(t, err)
	assert.True(t, wferr.IsKind(err, wferr.KindUnreserved))

	// Everything acquired before the failure was rolled back.
	assert.Equal(t, 0, oracle.heldTokens())
	assert.Equal(t, 10.0, oracle.materials["plywood"])
	assert.True(t, oracle.tools["saw"])
	assert.Empty(t, exec.Reservations())
}

func TestReserveSkipsUnavailableOptional(t *testing.T) {
	oracle := newFakeOracle()
	oracle.materials["plywood"] = 10
	oracle.materials["varnish"] = 0

	coord := NewCoordinator(oracle, true)
	exec := &models.Execution{ID: "exec-1", ExecutionData: models.JSONMap{}}

	steps := []models.Step{
		stepWithResources(t, "Finish",
			materialRes(t, "s1", "plywood", 2, false),
			materialRes(t, "s1", "varnish", 100, true),
		),
	}

	require.NoError(t, coord.Reserve(context.Background(), exec, steps))
	reservations := exec.Reservations()
	require.Len(t, reservations, 1)
	assert.Equal(t, "plywood", reservations[0].ResourceID)
}

func TestReserveWarnModeSkipsScarceRequired(t *testing.T) {
	oracle := newFakeOracle()
	oracle.materials["plywood"] = 10
	oracle.materials["glue"] = 0

	coord := NewCoordinator(oracle, false)
	exec := &models.Execution{ID: "exec-1", ExecutionData: models.JSONMap{}}

	steps := []models.Step{
		stepWithResources(t, "Cut",
			materialRes(t, "s1", "plywood", 2, false),
			materialRes(t, "s1", "glue", 50, false),
		),
	}

	// In warn mode a scarce required material is skipped instead of failing
	// the reservation.
	require.NoError(t, coord.Reserve(context.Background(), exec, steps))
	reservations := exec.Reservations()
	require.Len(t, reservations, 1)
	assert.Equal(t, "plywood", reservations[0].ResourceID)
}

func TestReleaseIsIdempotent(t *testing.T) {
	oracle := newFakeOracle()
	oracle.materials["plywood"] = 10
	oracle.tools["saw"] = true

	coord := NewCoordinator(oracle, true)
	exec := &models.Execution{ID: "exec-1", ExecutionData: models.JSONMap{}}

	steps := []models.Step{
		stepWithResources(t, "Cut",
			materialRes(t, "s1", "plywood", 4, false),
			toolRes(t, "s1", "saw", false),
		),
	}
	require.NoError(t, coord.Reserve(context.Background(), exec, steps))
	require.Len(t, exec.Reservations(), 2)

	require.NoError(t, coord.Release(context.Background(), exec))
	assert.Empty(t, exec.Reservations())
	assert.Equal(t, 10.0, oracle.materials["plywood"])
	assert.True(t, oracle.tools["saw"])

	// Second release is a no-op.
	require.NoError(t, coord.Release(context.Background(), exec))
}

func TestRecordUsageTracksPlannedVersusActual(t *testing.T) {
	oracle := newFakeOracle()
	oracle.materials["glue"] = 100
	oracle.tools["clamp"] = true

	coord := NewCoordinator(oracle, true)
	exec := &models.Execution{ID: "exec-1", ExecutionData: models.JSONMap{}}

	step := stepWithResources(t, "Glue",
		materialRes(t, "s1", "glue", 30, false),
		toolRes(t, "s1", "clamp", false),
	)
	require.NoError(t, coord.Reserve(context.Background(), exec, []models.Step{step}))

	se := &models.StepExecution{ExecutionID: exec.ID, StepID: step.ID}
	coord.RecordUsage(&step, se, map[string]float64{"glue": 24})

	records, ok := se.StepData["resource_usage"].([]any)
	require.True(t, ok)
	require.Len(t, records, 2)
	glue := records[0].(map[string]any)
	assert.Equal(t, "glue", glue["resource_id"])
	assert.Equal(t, 30.0, glue["planned"])
	assert.Equal(t, 24.0, glue["actual"])
	clamp := records[1].(map[string]any)
	assert.Equal(t, "clamp", clamp["resource_id"], "tools get a record with planned standing in for actual")

	// Recording usage leaves the reservations and the inventory untouched.
	assert.Len(t, exec.Reservations(), 2)
	assert.Equal(t, 2, oracle.heldTokens())
	assert.Equal(t, 70.0, oracle.materials["glue"])
	assert.False(t, oracle.tools["clamp"])
}

func TestReportedUsageParsesCompletionPayload(t *testing.T) {
	usage := ReportedUsage(models.JSONMap{
		"notes":        "went fine",
		"actual_usage": map[string]any{"glue": 12.5, "screws": 8, "bad": "lots"},
	})
	assert.Equal(t, map[string]float64{"glue": 12.5, "screws": 8}, usage)

	assert.Nil(t, ReportedUsage(models.JSONMap{"notes": "nothing reported"}))
	assert.Nil(t, ReportedUsage(nil))
}

func TestPrepareStepReportsReservationAndAvailability(t *testing.T) {
	oracle := newFakeOracle()
	oracle.materials["glue"] = 100
	oracle.tools["clamp"] = false // present but in use

	coord := NewCoordinator(oracle, true)
	exec := &models.Execution{ID: "exec-1", ExecutionData: models.JSONMap{}}
	exec.SetReservations([]models.Reservation{
		{Kind: models.ResourceMaterial, ResourceID: "glue", Quantity: 30, Token: "tok-1"},
	})

	step := stepWithResources(t, "Glue",
		materialRes(t, "s1", "glue", 30, false),
		toolRes(t, "s1", "clamp", false),
	)

	prep, err := coord.PrepareStep(context.Background(), exec, &step)
	require.NoError(t, err)
	require.Len(t, prep.Resources, 2)

	assert.True(t, prep.Resources[0].Reserved)
	assert.True(t, prep.Resources[0].Available, "a held reservation counts as available")
	assert.False(t, prep.Resources[1].Reserved)
	assert.False(t, prep.Resources[1].Available)
	assert.False(t, prep.Ready, "a required tool that is in use blocks readiness")
}

func TestReservePropagatesOracleOutage(t *testing.T) {
	oracle := newFakeOracle()
	oracle.materials["plywood"] = 10
	oracle.failWith = wferr.ExternalUnavailable("inventory down")

	coord := NewCoordinator(oracle, true)
	exec := &models.Execution{ID: "exec-1", ExecutionData: models.JSONMap{}}

	steps := []models.Step{
		stepWithResources(t, "Cut", materialRes(t, "s1", "plywood", 2, false)),
	}
	err := coord.Reserve(context.Background(), exec, steps)
	require.Error(t, err)
	assert.True(t, wferr.IsKind(err, wferr.KindExternalUnavailable))
}
