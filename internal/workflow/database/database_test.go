// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerflow/makerflow/internal/config"
	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

// setupTestDB creates a test database with a unique name and registers cleanup
func setupTestDB(t *testing.T, name string) *config.DatabaseConfig {
	testDBName := fmt.Sprintf("%s.db", name)
	t.Cleanup(func() { os.Remove(testDBName) })

	return &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: testDBName,
	}
}

// createAndMigrateDB creates a database connection and runs migrations
func createAndMigrateDB(t *testing.T, cfg *config.DatabaseConfig) *GormDB {
	db, err := NewGormDB(cfg)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { db.Close() })

	err = db.AutoMigrate()
	require.NoError(t, err, "Failed to run migrations")

	return db
}

// buildTestWorkflow assembles a small three-step graph in memory:
// prepare -> assemble -> finished (outcome).
func buildTestWorkflow(t *testing.T, createdBy string) *models.Workflow {
	w, err := models.NewWorkflow("Birdhouse", "Build a cedar birdhouse", createdBy)
	require.NoError(t, err)

	prepare, err := models.NewStep(w.ID, "Prepare materials", 1, models.StepTypeMaterial)
	require.NoError(t, err)
	assemble, err := models.NewStep(w.ID, "Assemble panels", 2, models.StepTypeInstruction)
	require.NoError(t, err)
	finished, err := models.NewStep(w.ID, "Finished", 3, models.StepTypeOutcome)
	require.NoError(t, err)

	c1, err := models.NewConnection(prepare.ID, assemble.ID, models.ConnectionSequential)
	require.NoError(t, err)
	c2, err := models.NewConnection(assemble.ID, finished.ID, models.ConnectionSequential)
	require.NoError(t, err)
	prepare.OutgoingConnections = []models.Connection{*c1}
	assemble.OutgoingConnections = []models.Connection{*c2}

	outcome, err := models.NewOutcome(w.ID, "Completed", 1)
	require.NoError(t, err)

	w.Steps = []models.Step{*prepare, *assemble, *finished}
	w.Outcomes = []models.Outcome{*outcome}
	return w
}

func TestWorkflowRoundTrip(t *testing.T) {
	db := createAndMigrateDB(t, setupTestDB(t, "test_workflow_roundtrip"))
	ctx := context.Background()

	w := buildTestWorkflow(t, "maker-1")
	require.NoError(t, db.CreateWorkflow(ctx, w))

	loaded, err := db.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "Birdhouse", loaded.Name)
	assert.Equal(t, models.WorkflowStatusDraft, loaded.Status)
	require.Len(t, loaded.Steps, 3)
	assert.Equal(t, "Prepare materials", loaded.Steps[0].Name, "steps come back in display order")
	require.Len(t, loaded.Steps[0].OutgoingConnections, 1)
	assert.Equal(t, loaded.Steps[1].ID, loaded.Steps[0].OutgoingConnections[0].TargetStepID)
	require.Len(t, loaded.Outcomes, 1)
}

func TestGetWorkflowNotFound(t *testing.T) {
	db := createAndMigrateDB(t, setupTestDB(t, "test_workflow_not_found"))

	_, err := db.GetWorkflow(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.True(t, wferr.IsKind(err, wferr.KindNotFound))
}

func TestSaveWorkflowPrunesRemovedChildren(t *testing.T) {
	db := createAndMigrateDB(t, setupTestDB(t, "test_workflow_prune"))
	ctx := context.Background()

	w := buildTestWorkflow(t, "maker-1")
	require.NoError(t, db.CreateWorkflow(ctx, w))

	// Drop the middle step and rewire prepare directly to the outcome step.
	prepare := &w.Steps[0]
	finished := w.Steps[2]
	conn, err := models.NewConnection(prepare.ID, finished.ID, models.ConnectionSequential)
	require.NoError(t, err)
	prepare.OutgoingConnections = []models.Connection{*conn}
	w.Steps = []models.Step{*prepare, finished}

	require.NoError(t, db.SaveWorkflow(ctx, w))

	loaded, err := db.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Steps, 2)
	require.Len(t, loaded.Steps[0].OutgoingConnections, 1)
	assert.Equal(t, finished.ID, loaded.Steps[0].OutgoingConnections[0].TargetStepID)
}

func TestSearchWorkflowsFilterAndPaging(t *testing.T) {
	db := createAndMigrateDB(t, setupTestDB(t, "test_workflow_search"))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		w, err := models.NewWorkflow(fmt.Sprintf("Workbench %d", i), "garage build", "maker-1")
		require.NoError(t, err)
		if i >= 3 {
			w.Status = models.WorkflowStatusActive
		}
		require.NoError(t, db.CreateWorkflow(ctx, w))
	}
	other, err := models.NewWorkflow("Knife sharpening", "", "maker-2")
	require.NoError(t, err)
	require.NoError(t, db.CreateWorkflow(ctx, other))

	items, total, err := db.SearchWorkflows(ctx, WorkflowFilter{Query: "workbench"}, Page{Number: 1, Size: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, items, 2)

	items, total, err = db.SearchWorkflows(ctx, WorkflowFilter{Status: models.WorkflowStatusActive}, Page{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, items, 2)

	items, total, err = db.SearchWorkflows(ctx, WorkflowFilter{CreatedBy: "maker-2"}, Page{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "Knife sharpening", items[0].Name)
}

func TestDeleteWorkflowRefusedWhileRunning(t *testing.T) {
	db := createAndMigrateDB(t, setupTestDB(t, "test_workflow_delete_running"))
	ctx := context.Background()

	w := buildTestWorkflow(t, "maker-1")
	require.NoError(t, db.CreateWorkflow(ctx, w))

	exec := &models.Execution{WorkflowID: w.ID, StartedBy: "maker-1"}
	require.NoError(t, db.CreateExecution(ctx, exec))

	err := db.DeleteWorkflow(ctx, w.ID)
	require.Error(t, err)
	assert.True(t, wferr.IsKind(err, wferr.KindBusinessRule))

	// Finish the execution, deletion now goes through.
	exec.Status = models.ExecutionStatusCancelled
	require.NoError(t, db.UpdateExecution(ctx, exec))
	require.NoError(t, db.DeleteWorkflow(ctx, w.ID))

	_, err = db.GetWorkflow(ctx, w.ID)
	assert.True(t, wferr.IsKind(err, wferr.KindNotFound))
}

func TestUpdateExecutionOptimisticLocking(t *testing.T) {
	db := createAndMigrateDB(t, setupTestDB(t, "test_execution_optimistic"))
	ctx := context.Background()

	w := buildTestWorkflow(t, "maker-1")
	require.NoError(t, db.CreateWorkflow(ctx, w))

	exec := &models.Execution{WorkflowID: w.ID, StartedBy: "maker-1"}
	require.NoError(t, db.CreateExecution(ctx, exec))
	assert.Equal(t, 1, exec.Version)

	// Two readers load the same version.
	a, err := db.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	b, err := db.GetExecution(ctx, exec.ID)
	require.NoError(t, err)

	a.CurrentStepID = w.Steps[0].ID
	require.NoError(t, db.UpdateExecution(ctx, a))
	assert.Equal(t, 2, a.Version)

	b.CurrentStepID = w.Steps[1].ID
	err = db.UpdateExecution(ctx, b)
	require.Error(t, err, "stale writer must lose")
	assert.True(t, wferr.IsKind(err, wferr.KindConflict))

	// The winner's write is what persisted.
	reloaded, err := db.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Steps[0].ID, reloaded.CurrentStepID)
	assert.Equal(t, 2, reloaded.Version)
}

func TestUpsertStepExecutionSingleRowPerStep(t *testing.T) {
	db := createAndMigrateDB(t, setupTestDB(t, "test_step_exec_upsert"))
	ctx := context.Background()

	w := buildTestWorkflow(t, "maker-1")
	require.NoError(t, db.CreateWorkflow(ctx, w))
	exec := &models.Execution{WorkflowID: w.ID}
	require.NoError(t, db.CreateExecution(ctx, exec))

	se := &models.StepExecution{ExecutionID: exec.ID, StepID: w.Steps[0].ID, Status: models.StepExecutionActive}
	require.NoError(t, db.UpsertStepExecution(ctx, se))

	// A second upsert for the same pair updates in place.
	se2 := &models.StepExecution{ExecutionID: exec.ID, StepID: w.Steps[0].ID, Status: models.StepExecutionCompleted}
	require.NoError(t, db.UpsertStepExecution(ctx, se2))

	all, err := db.GetStepExecutions(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.StepExecutionCompleted, all[0].Status)
}

func TestNavigationHistoryCommitOrder(t *testing.T) {
	db := createAndMigrateDB(t, setupTestDB(t, "test_navigation_order"))
	ctx := context.Background()

	w := buildTestWorkflow(t, "maker-1")
	require.NoError(t, db.CreateWorkflow(ctx, w))
	exec := &models.Execution{WorkflowID: w.ID}
	require.NoError(t, db.CreateExecution(ctx, exec))

	actions := []models.ActionType{models.ActionStarted, models.ActionCompleted, models.ActionNavigateTo}
	for _, a := range actions {
		event := &models.NavigationEvent{ExecutionID: exec.ID, ActionType: a}
		require.NoError(t, db.AppendNavigationEvent(ctx, event))
	}

	history, err := db.GetNavigationHistory(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, event := range history {
		assert.Equal(t, actions[i], event.ActionType)
		if i > 0 {
			assert.Greater(t, event.Seq, history[i-1].Seq, "seq strictly increases in commit order")
		}
	}
}

func TestExecutionStatistics(t *testing.T) {
	db := createAndMigrateDB(t, setupTestDB(t, "test_execution_stats"))
	ctx := context.Background()

	w := buildTestWorkflow(t, "maker-1")
	require.NoError(t, db.CreateWorkflow(ctx, w))

	duration := 30
	completed := &models.Execution{WorkflowID: w.ID, Status: models.ExecutionStatusActive}
	require.NoError(t, db.CreateExecution(ctx, completed))
	completed.Status = models.ExecutionStatusCompleted
	completed.SelectedOutcomeID = w.Outcomes[0].ID
	completed.TotalDurationMinutes = &duration
	require.NoError(t, db.UpdateExecution(ctx, completed))

	running := &models.Execution{WorkflowID: w.ID}
	require.NoError(t, db.CreateExecution(ctx, running))

	stats, err := db.GetExecutionStatistics(ctx, w.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Total)
	assert.EqualValues(t, 1, stats.ByStatus[models.ExecutionStatusCompleted])
	assert.EqualValues(t, 1, stats.ByStatus[models.ExecutionStatusActive])
	assert.EqualValues(t, 1, stats.ByOutcome[w.Outcomes[0].ID])
	assert.InDelta(t, 30.0, stats.AvgDurationMin, 0.001)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	db := createAndMigrateDB(t, setupTestDB(t, "test_transaction_rollback"))
	ctx := context.Background()

	w := buildTestWorkflow(t, "maker-1")
	boom := fmt.Errorf("boom")
	err := db.Transaction(ctx, func(tx *GormDB) error {
		if err := tx.CreateWorkflow(ctx, w); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = db.GetWorkflow(ctx, w.ID)
	assert.True(t, wferr.IsKind(err, wferr.KindNotFound))
}
