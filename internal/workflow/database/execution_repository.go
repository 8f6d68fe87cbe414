// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

// CreateExecution persists a new execution row.
func (db *GormDB) CreateExecution(ctx context.Context, execution *models.Execution) error {
	return db.db.WithContext(ctx).Create(execution).Error
}

// GetExecution retrieves an execution with its step executions and its
// navigation history in commit order.
func (db *GormDB) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	var execution models.Execution
	err := db.db.WithContext(ctx).
		Preload("StepExecutions", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, id ASC")
		}).
		Preload("NavigationEvents", func(db *gorm.DB) *gorm.DB {
			return db.Order("seq ASC")
		}).
		First(&execution, "id = ?", executionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, wferr.NotFound("execution", executionID)
		}
		return nil, err
	}
	return &execution, nil
}

// UpdateExecution writes back an execution row guarded by its version
// column. The update only lands when nobody else has written the row since
// it was read; a lost race surfaces as a conflict error and the execution's
// in-memory version is not advanced.
func (db *GormDB) UpdateExecution(ctx context.Context, execution *models.Execution) error {
	readVersion := execution.Version
	result := db.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("id = ? AND version = ?", execution.ID, readVersion).
		Updates(map[string]any{
			"status":                 execution.Status,
			"current_step_id":        execution.CurrentStepID,
			"selected_outcome_id":    execution.SelectedOutcomeID,
			"completed_at":           execution.CompletedAt,
			"execution_data":         execution.ExecutionData,
			"total_duration_minutes": execution.TotalDurationMinutes,
			"version":                readVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return wferr.Conflict("execution %s was modified concurrently (version %d is stale)",
			execution.ID, readVersion)
	}
	execution.Version = readVersion + 1
	return nil
}

// UpsertStepExecution inserts or updates the step execution row for its
// (execution, step) pair.
func (db *GormDB) UpsertStepExecution(ctx context.Context, stepExec *models.StepExecution) error {
	return db.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "execution_id"}, {Name: "step_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status",
				"started_at",
				"completed_at",
				"actual_duration_minutes",
				"step_data",
				"updated_at",
			}),
		}).
		Create(stepExec).Error
}

// GetStepExecutions retrieves all step executions for an execution.
func (db *GormDB) GetStepExecutions(ctx context.Context, executionID string) ([]*models.StepExecution, error) {
	var stepExecs []*models.StepExecution
	err := db.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at ASC, id ASC").
		Find(&stepExecs).Error
	if err != nil {
		return nil, err
	}
	return stepExecs, nil
}

// AppendNavigationEvent appends one record to the execution's history. Seq
// is assigned by the database on insert.
func (db *GormDB) AppendNavigationEvent(ctx context.Context, event *models.NavigationEvent) error {
	return db.db.WithContext(ctx).Create(event).Error
}

// GetNavigationHistory retrieves the navigation history in commit order.
func (db *GormDB) GetNavigationHistory(ctx context.Context, executionID string) ([]*models.NavigationEvent, error) {
	var events []*models.NavigationEvent
	err := db.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("seq ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ListExecutions retrieves executions filtered by workflow and/or status,
// newest first.
func (db *GormDB) ListExecutions(ctx context.Context, workflowID string, statuses []models.ExecutionStatus, page Page) ([]*models.Execution, int64, error) {
	page = page.normalize()

	q := db.db.WithContext(ctx).Model(&models.Execution{})
	if workflowID != "" {
		q = q.Where("workflow_id = ?", workflowID)
	}
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var executions []*models.Execution
	err := q.
		Order("started_at DESC, id ASC").
		Offset((page.Number - 1) * page.Size).
		Limit(page.Size).
		Find(&executions).Error
	if err != nil {
		return nil, 0, err
	}
	return executions, total, nil
}

// ListExecutionsByUser retrieves a user's executions, newest first.
func (db *GormDB) ListExecutionsByUser(ctx context.Context, userID string, page Page) ([]*models.Execution, int64, error) {
	page = page.normalize()

	q := db.db.WithContext(ctx).Model(&models.Execution{}).Where("started_by = ?", userID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var executions []*models.Execution
	err := q.
		Order("started_at DESC, id ASC").
		Offset((page.Number - 1) * page.Size).
		Limit(page.Size).
		Find(&executions).Error
	if err != nil {
		return nil, 0, err
	}
	return executions, total, nil
}

// ExecutionStatistics summarizes the executions of one workflow.
type ExecutionStatistics struct {
	Total          int64                            `json:"total"`
	ByStatus       map[models.ExecutionStatus]int64 `json:"by_status"`
	ByOutcome      map[string]int64                 `json:"by_outcome"`
	AvgDurationMin float64                          `json:"avg_duration_minutes"`
}

// GetExecutionStatistics aggregates execution counts and average duration
// for a workflow.
func (db *GormDB) GetExecutionStatistics(ctx context.Context, workflowID string) (*ExecutionStatistics, error) {
	stats := &ExecutionStatistics{
		ByStatus:  make(map[models.ExecutionStatus]int64),
		ByOutcome: make(map[string]int64),
	}

	byStatus, err := db.CountWorkflowExecutions(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for status, n := range byStatus {
		stats.ByStatus[status] = n
		stats.Total += n
	}

	type outcomeRow struct {
		SelectedOutcomeID string
		N                 int64
	}
	var outcomes []outcomeRow
	err = db.db.WithContext(ctx).
		Model(&models.Execution{}).
		Select("selected_outcome_id, COUNT(*) as n").
		Where("workflow_id = ? AND selected_outcome_id != ''", workflowID).
		Group("selected_outcome_id").
		Scan(&outcomes).Error
	if err != nil {
		return nil, err
	}
	for _, r := range outcomes {
		stats.ByOutcome[r.SelectedOutcomeID] = r.N
	}

	var avg *float64
	err = db.db.WithContext(ctx).
		Model(&models.Execution{}).
		Select("AVG(total_duration_minutes)").
		Where("workflow_id = ? AND status = ? AND total_duration_minutes IS NOT NULL",
			workflowID, models.ExecutionStatusCompleted).
		Scan(&avg).Error
	if err != nil {
		return nil, err
	}
	if avg != nil {
		stats.AvgDurationMin = *avg
	}

	return stats, nil
}
