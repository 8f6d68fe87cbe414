// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package service is the authorization-aware facade over workflow
// definitions: create, update, publish, duplicate, search, delete and the
// envelope import/export operations. Execution operations live in the
// engine package; this layer owns everything that happens before a
// workflow runs.
package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/makerflow/makerflow/internal/logger"
	"github.com/makerflow/makerflow/internal/protocol"
	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/codec"
	"github.com/makerflow/makerflow/internal/workflow/database"
	"github.com/makerflow/makerflow/internal/workflow/graph"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

var (
	svcLog     *zerolog.Logger
	svcLogOnce sync.Once
)

func getServiceLog() *zerolog.Logger {
	svcLogOnce.Do(func() {
		l := logger.GetAPILogger()
		svcLog = &l
	})
	return svcLog
}

// Role is the coarse authorization level of a caller.
type Role string

const (
	RoleUser      Role = "user"
	RoleSuperuser Role = "superuser"
)

// Principal identifies the caller of a service operation.
type Principal struct {
	UserID string
	Role   Role
}

// IsSuperuser reports whether the principal bypasses ownership checks.
func (p Principal) IsSuperuser() bool { return p.Role == RoleSuperuser }

func canRead(w *models.Workflow, p Principal) bool {
	if p.IsSuperuser() {
		return true
	}
	return w.CreatedBy == p.UserID ||
		w.Visibility == models.VisibilityPublic ||
		w.Visibility == models.VisibilitySystem
}

func canWrite(w *models.Workflow, p Principal) bool {
	return p.IsSuperuser() || w.CreatedBy == p.UserID
}

// Service exposes the workflow definition operations.
type Service struct {
	db         *database.GormDB
	importer   *codec.Importer
	dispatcher *protocol.Dispatcher
}

// New creates the workflow definition service.
func New(db *database.GormDB, importer *codec.Importer, dispatcher *protocol.Dispatcher) *Service {
	return &Service{db: db, importer: importer, dispatcher: dispatcher}
}

// Create validates a new definition and persists it as a private draft
// owned by the caller.
func (s *Service) Create(ctx context.Context, w *models.Workflow, p Principal) (*models.Workflow, error) {
	w.CreatedBy = p.UserID
	w.Status = models.WorkflowStatusDraft
	if err := validateStructure(w); err != nil {
		return nil, err
	}
	if err := s.db.CreateWorkflow(ctx, w); err != nil {
		return nil, err
	}
	getServiceLog().Info().Str("workflow_id", w.ID).Str("user_id", p.UserID).Msg("workflow created")
	s.publishWorkflowEvent(protocol.WorkflowCreated, w, p)
	return w, nil
}

// Get returns a definition the caller is allowed to read.
func (s *Service) Get(ctx context.Context, workflowID string, p Principal) (*models.Workflow, error) {
	w, err := s.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !canRead(w, p) {
		return nil, wferr.PermissionDenied("you do not have access to workflow %q", workflowID)
	}
	return w, nil
}

// Update replaces a definition's graph after authorization and validation.
// The stored version counter advances by one.
func (s *Service) Update(ctx context.Context, w *models.Workflow, p Principal) (*models.Workflow, error) {
	existing, err := s.db.GetWorkflowSummary(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	if !canWrite(existing, p) {
		return nil, wferr.PermissionDenied("you may not modify workflow %q", w.ID)
	}
	if err := validateStructure(w); err != nil {
		return nil, err
	}

	w.CreatedBy = existing.CreatedBy
	w.Version = existing.Version + 1
	if w.Status == "" {
		w.Status = existing.Status
	}
	if w.Visibility == "" {
		w.Visibility = existing.Visibility
	}
	if err := s.db.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}
	getServiceLog().Info().Str("workflow_id", w.ID).Int("version", w.Version).Msg("workflow updated")
	s.publishWorkflowEvent(protocol.WorkflowUpdated, w, p)
	return w, nil
}

// Publish turns a definition into a runnable template. The full graph
// report must be clean: cycles, orphaned steps and dead ends all block
// publication, named in the returned error.
func (s *Service) Publish(ctx context.Context, workflowID string, visibility models.Visibility, p Principal) (*models.Workflow, error) {
	w, err := s.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !canWrite(w, p) {
		return nil, wferr.PermissionDenied("you may not publish workflow %q", workflowID)
	}

	report := graph.Validate(w)
	if !report.IsPublishable() {
		verr := wferr.Validation("workflow %q cannot be published", w.Name)
		for _, issue := range append(report.StructuralErrors, report.PublicationErrors...) {
			verr = verr.WithField(issue.Code, issue.Message)
		}
		return nil, verr
	}

	w.IsTemplate = true
	w.Status = models.WorkflowStatusPublished
	if visibility != "" {
		w.Visibility = visibility
	}
	if err := s.db.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}
	getServiceLog().Info().Str("workflow_id", w.ID).Str("visibility", string(w.Visibility)).Msg("workflow published")
	s.publishWorkflowEvent(protocol.WorkflowPublished, w, p)
	return w, nil
}

// Duplicate deep-copies a definition the caller can read into a fresh draft
// owned by the caller. Every ID is remapped; the copy shares nothing with
// the original.
func (s *Service) Duplicate(ctx context.Context, workflowID, newName string, p Principal, asTemplate bool) (*models.Workflow, error) {
	source, err := s.Get(ctx, workflowID, p)
	if err != nil {
		return nil, err
	}
	if newName == "" {
		newName = source.Name + " (copy)"
	}

	dup, err := models.NewWorkflow(newName, source.Description, p.UserID)
	if err != nil {
		return nil, err
	}
	dup.HasMultipleOutcomes = source.HasMultipleOutcomes
	dup.EstimatedDuration = source.EstimatedDuration
	dup.DifficultyLevel = source.DifficultyLevel
	dup.IsTemplate = asTemplate

	stepIDMap := make(map[string]string, len(source.Steps))
	for i := range source.Steps {
		stepIDMap[source.Steps[i].ID] = uuid.New().String()
	}

	for i := range source.Steps {
		src := &source.Steps[i]
		step := *src
		step.ID = stepIDMap[src.ID]
		step.WorkflowID = dup.ID
		if step.ParentStepID != "" {
			step.ParentStepID = stepIDMap[step.ParentStepID]
		}

		step.Resources = make([]models.StepResource, len(src.Resources))
		for j, r := range src.Resources {
			r.ID = uuid.New().String()
			r.StepID = step.ID
			step.Resources[j] = r
		}
		step.DecisionOptions = make([]models.DecisionOption, len(src.DecisionOptions))
		for j, o := range src.DecisionOptions {
			o.ID = uuid.New().String()
			o.StepID = step.ID
			step.DecisionOptions[j] = o
		}
		step.OutgoingConnections = make([]models.Connection, 0, len(src.OutgoingConnections))
		for _, c := range src.OutgoingConnections {
			target, ok := stepIDMap[c.TargetStepID]
			if !ok {
				continue
			}
			c.ID = uuid.New().String()
			c.SourceStepID = step.ID
			c.TargetStepID = target
			step.OutgoingConnections = append(step.OutgoingConnections, c)
		}
		dup.Steps = append(dup.Steps, step)
	}

	for _, o := range source.Outcomes {
		o.ID = uuid.New().String()
		o.WorkflowID = dup.ID
		dup.Outcomes = append(dup.Outcomes, o)
	}

	if err := s.db.CreateWorkflow(ctx, dup); err != nil {
		return nil, err
	}
	getServiceLog().Info().
		Str("source_id", workflowID).
		Str("workflow_id", dup.ID).
		Msg("workflow duplicated")
	s.publishWorkflowEvent(protocol.WorkflowDuplicated, dup, p)
	return dup, nil
}

// Search returns the definitions matching the filter that the caller may
// read. Non-superusers only see their own plus public and system workflows.
func (s *Service) Search(ctx context.Context, filter database.WorkflowFilter, page database.Page, p Principal) ([]*models.Workflow, int64, error) {
	if !p.IsSuperuser() {
		filter.VisibleTo = p.UserID
	}
	return s.db.SearchWorkflows(ctx, filter, page)
}

// Delete removes a definition. The repository refuses while unfinished
// executions reference it.
func (s *Service) Delete(ctx context.Context, workflowID string, p Principal) error {
	w, err := s.db.GetWorkflowSummary(ctx, workflowID)
	if err != nil {
		return err
	}
	if !canWrite(w, p) {
		return wferr.PermissionDenied("you may not delete workflow %q", workflowID)
	}
	if err := s.db.DeleteWorkflow(ctx, workflowID); err != nil {
		return err
	}
	getServiceLog().Info().Str("workflow_id", workflowID).Msg("workflow deleted")
	s.publishWorkflowEvent(protocol.WorkflowDeleted, w, p)
	return nil
}

// BulkDeleteItem is the per-item outcome of a bulk delete.
type BulkDeleteItem struct {
	WorkflowID string `json:"workflow_id"`
	Deleted    bool   `json:"deleted"`
	Error      string `json:"error,omitempty"`
}

// BulkDelete deletes each workflow independently: one refusal never aborts
// the rest of the batch. The caller's cancellation is honored between
// items.
func (s *Service) BulkDelete(ctx context.Context, workflowIDs []string, p Principal) ([]BulkDeleteItem, error) {
	items := make([]BulkDeleteItem, 0, len(workflowIDs))
	for _, id := range workflowIDs {
		if err := ctx.Err(); err != nil {
			return items, wferr.Cancelled("bulk delete aborted after %d of %d items", len(items), len(workflowIDs))
		}
		item := BulkDeleteItem{WorkflowID: id}
		if err := s.Delete(ctx, id, p); err != nil {
			item.Error = err.Error()
		} else {
			item.Deleted = true
		}
		items = append(items, item)
	}
	return items, nil
}

// Export renders a definition as a portable envelope. Raw envelope access
// is superuser-only.
func (s *Service) Export(ctx context.Context, workflowID string, p Principal) (*codec.Envelope, error) {
	if !p.IsSuperuser() {
		return nil, wferr.PermissionDenied("exporting workflows requires superuser access")
	}
	w, err := s.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return codec.Export(w), nil
}

// Import materializes an envelope into a new definition owned by the
// caller. Superuser-only, like Export.
func (s *Service) Import(ctx context.Context, env *codec.Envelope, p Principal) (*codec.ImportResult, error) {
	if !p.IsSuperuser() {
		return nil, wferr.PermissionDenied("importing workflows requires superuser access")
	}
	result, err := s.importer.Import(ctx, env, p.UserID)
	if err != nil {
		return nil, err
	}
	s.publishWorkflowEvent(protocol.WorkflowImported, result.Workflow, p)
	return result, nil
}

// validateStructure rejects definitions with structural errors, reported
// per issue.
func validateStructure(w *models.Workflow) error {
	report := graph.Validate(w)
	if report.IsValid() {
		return nil
	}
	verr := wferr.Validation("workflow definition is structurally invalid")
	for _, issue := range report.StructuralErrors {
		verr = verr.WithField(issue.Code, issue.Message)
	}
	return verr
}

func (s *Service) publishWorkflowEvent(eventType protocol.WorkflowLifecycleType, w *models.Workflow, p Principal) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Publish(protocol.WorkflowLifecycleEvent{
		Metadata:   protocol.Metadata{Version: protocol.CurrentProtocolVersion},
		Type:       eventType,
		WorkflowID: w.ID,
		Name:       w.Name,
		ActorID:    p.UserID,
	})
}
