// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"strings"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

// WorkflowFilter narrows a workflow search. Zero-valued fields are ignored.
type WorkflowFilter struct {
	Query      string // matches name or description, case-insensitive
	Status     models.WorkflowStatus
	Visibility models.Visibility
	CreatedBy  string
	ProjectID  string
	IsTemplate *bool
	ThemeID    string

	// VisibleTo restricts results to workflows the given user may read:
	// their own plus public and system ones. Superusers leave it empty.
	VisibleTo string
}

// Page is a limit/offset pagination request. Page numbers start at 1.
type Page struct {
	Number int
	Size   int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = defaultPageSize
	}
	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}
	return p
}

// GetWorkflow retrieves a workflow definition with its full graph: steps,
// connections, decision options, resources and outcomes, in display order.
func (db *GormDB) GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	var workflow models.Workflow
	err := db.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("display_order ASC, id ASC")
		}).
		Preload("Steps.Resources").
		Preload("Steps.DecisionOptions", func(db *gorm.DB) *gorm.DB {
			return db.Order("display_order ASC, id ASC")
		}).
		Preload("Steps.OutgoingConnections", func(db *gorm.DB) *gorm.DB {
			return db.Order("display_order ASC, id ASC")
		}).
		Preload("Outcomes", func(db *gorm.DB) *gorm.DB {
			return db.Order("display_order ASC, id ASC")
		}).
		First(&workflow, "id = ?", workflowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, wferr.NotFound("workflow", workflowID)
		}
		return nil, err
	}
	return &workflow, nil
}

// GetWorkflowSummary retrieves a workflow row without its graph.
func (db *GormDB) GetWorkflowSummary(ctx context.Context, workflowID string) (*models.Workflow, error) {
	var workflow models.Workflow
	err := db.db.WithContext(ctx).First(&workflow, "id = ?", workflowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, wferr.NotFound("workflow", workflowID)
		}
		return nil, err
	}
	return &workflow, nil
}

// CreateWorkflow persists a new workflow definition with its graph.
func (db *GormDB) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	return db.db.WithContext(ctx).Create(workflow).Error
}

// SaveWorkflow upserts a workflow definition and its entire graph in one
// transaction. Children that exist in the database but are absent from the
// given definition are deleted, so the stored graph always mirrors the
// in-memory one.
func (db *GormDB) SaveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	return db.Transaction(ctx, func(tx *GormDB) error {
		keptStepIDs := lo.Map(workflow.Steps, func(s models.Step, _ int) string { return s.ID })
		keptOutcomeIDs := lo.Map(workflow.Outcomes, func(o models.Outcome, _ int) string { return o.ID })

		// Prune steps that were removed from the definition. Connections,
		// options and resources hang off steps and cascade.
		if err := tx.deleteRemovedSteps(workflow.ID, keptStepIDs); err != nil {
			return err
		}
		if err := tx.deleteRemovedOutcomes(workflow.ID, keptOutcomeIDs); err != nil {
			return err
		}

		// Prune per-step children that were removed but whose parent step
		// survived.
		for i := range workflow.Steps {
			step := &workflow.Steps[i]
			keptConnIDs := lo.Map(step.OutgoingConnections, func(c models.Connection, _ int) string { return c.ID })
			if err := tx.deleteRemoved(&models.Connection{}, "source_step_id = ?", step.ID, keptConnIDs); err != nil {
				return err
			}
			keptOptionIDs := lo.Map(step.DecisionOptions, func(o models.DecisionOption, _ int) string { return o.ID })
			if err := tx.deleteRemoved(&models.DecisionOption{}, "step_id = ?", step.ID, keptOptionIDs); err != nil {
				return err
			}
			keptResourceIDs := lo.Map(step.Resources, func(r models.StepResource, _ int) string { return r.ID })
			if err := tx.deleteRemoved(&models.StepResource{}, "step_id = ?", step.ID, keptResourceIDs); err != nil {
				return err
			}
		}

		return tx.db.
			Session(&gorm.Session{FullSaveAssociations: true}).
			Save(workflow).Error
	})
}

func (db *GormDB) deleteRemovedSteps(workflowID string, keptIDs []string) error {
	q := db.db.Where("workflow_id = ?", workflowID)
	if len(keptIDs) > 0 {
		q = q.Where("id NOT IN ?", keptIDs)
	}
	return q.Delete(&models.Step{}).Error
}

func (db *GormDB) deleteRemovedOutcomes(workflowID string, keptIDs []string) error {
	q := db.db.Where("workflow_id = ?", workflowID)
	if len(keptIDs) > 0 {
		q = q.Where("id NOT IN ?", keptIDs)
	}
	return q.Delete(&models.Outcome{}).Error
}

func (db *GormDB) deleteRemoved(model any, parentCond string, parentID string, keptIDs []string) error {
	q := db.db.Where(parentCond, parentID)
	if len(keptIDs) > 0 {
		q = q.Where("id NOT IN ?", keptIDs)
	}
	return q.Delete(model).Error
}

// SearchWorkflows returns the page of workflows matching the filter plus the
// total match count. Results are ordered by last update, newest first, with
// ID as tiebreaker for stable pages.
func (db *GormDB) SearchWorkflows(ctx context.Context, filter WorkflowFilter, page Page) ([]*models.Workflow, int64, error) {
	page = page.normalize()

	q := db.db.WithContext(ctx).Model(&models.Workflow{})
	if filter.Query != "" {
		like := "%" + strings.ToLower(filter.Query) + "%"
		q = q.Where("LOWER(name) LIKE ? OR LOWER(description) LIKE ?", like, like)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Visibility != "" {
		q = q.Where("visibility = ?", filter.Visibility)
	}
	if filter.CreatedBy != "" {
		q = q.Where("created_by = ?", filter.CreatedBy)
	}
	if filter.ProjectID != "" {
		q = q.Where("project_id = ?", filter.ProjectID)
	}
	if filter.IsTemplate != nil {
		q = q.Where("is_template = ?", *filter.IsTemplate)
	}
	if filter.ThemeID != "" {
		q = q.Where("theme_id = ?", filter.ThemeID)
	}
	if filter.VisibleTo != "" {
		q = q.Where("created_by = ? OR visibility IN ?", filter.VisibleTo,
			[]models.Visibility{models.VisibilityPublic, models.VisibilitySystem})
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var workflows []*models.Workflow
	err := q.
		Order("updated_at DESC, id ASC").
		Offset((page.Number - 1) * page.Size).
		Limit(page.Size).
		Find(&workflows).Error
	if err != nil {
		return nil, 0, err
	}
	return workflows, total, nil
}

// DeleteWorkflow deletes a workflow definition and its graph. Deletion is
// refused while any execution of the workflow is still running or paused.
func (db *GormDB) DeleteWorkflow(ctx context.Context, workflowID string) error {
	return db.Transaction(ctx, func(tx *GormDB) error {
		var count int64
		err := tx.db.Model(&models.Execution{}).
			Where("workflow_id = ? AND status IN ?", workflowID,
				[]models.ExecutionStatus{models.ExecutionStatusActive, models.ExecutionStatusPaused}).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return wferr.BusinessRule("workflow_in_use",
				"workflow has %d unfinished executions and cannot be deleted", count)
		}

		result := tx.db.Delete(&models.Workflow{}, "id = ?", workflowID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return wferr.NotFound("workflow", workflowID)
		}
		return nil
	})
}

// CountWorkflowExecutions returns the number of executions per status for a
// workflow.
func (db *GormDB) CountWorkflowExecutions(ctx context.Context, workflowID string) (map[models.ExecutionStatus]int64, error) {
	type row struct {
		Status models.ExecutionStatus
		N      int64
	}
	var rows []row
	err := db.db.WithContext(ctx).
		Model(&models.Execution{}).
		Select("status, COUNT(*) as n").
		Where("workflow_id = ?", workflowID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.ExecutionStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
