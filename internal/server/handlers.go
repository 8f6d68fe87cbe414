// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/codec"
	"github.com/makerflow/makerflow/internal/workflow/database"
	"github.com/makerflow/makerflow/internal/workflow/engine"
	"github.com/makerflow/makerflow/internal/workflow/graph"
	"github.com/makerflow/makerflow/internal/workflow/models"
	"github.com/makerflow/makerflow/internal/workflow/service"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	svc    *service.Service
	engine *engine.Engine
	db     *database.GormDB
}

// NewHandlers creates the handler set.
func NewHandlers(svc *service.Service, eng *engine.Engine, db *database.GormDB) *Handlers {
	return &Handlers{svc: svc, engine: eng, db: db}
}

// --- helpers ---

// statusClientClosedRequest is nginx's non-standard code for a request the
// client abandoned.
const statusClientClosedRequest = 499

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses and emits a stable
// machine-readable payload.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch wferr.KindOf(err) {
	case wferr.KindNotFound:
		status = http.StatusNotFound
	case wferr.KindValidation, wferr.KindCondition:
		status = http.StatusBadRequest
	case wferr.KindBusinessRule, wferr.KindInvalidStateTransition, wferr.KindUnreserved:
		status = http.StatusConflict
	case wferr.KindPermissionDenied:
		status = http.StatusForbidden
	case wferr.KindConflict, wferr.KindTimeout, wferr.KindExternalUnavailable:
		status = http.StatusServiceUnavailable
	case wferr.KindCancelled:
		status = statusClientClosedRequest
	}

	var werr *wferr.Error
	if errors.As(err, &werr) {
		writeJSON(w, status, map[string]interface{}{
			"error":  werr.Message,
			"code":   werr.Code,
			"kind":   werr.Kind,
			"fields": werr.Fields,
		})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// principal derives the caller from the forwarded identity headers. The
// deployment's proxy is responsible for authenticating them.
func principal(r *http.Request) service.Principal {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		userID = "anonymous"
	}
	role := service.RoleUser
	if r.Header.Get("X-User-Role") == string(service.RoleSuperuser) {
		role = service.RoleSuperuser
	}
	return service.Principal{UserID: userID, Role: role}
}

func pageFromQuery(r *http.Request) database.Page {
	page := database.Page{}
	if n, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil {
		page.Number = n
	}
	if s, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil {
		page.Size = s
	}
	return page
}

// --- workflow definition handlers ---

// SearchWorkflows handles GET /api/v1/workflows
func (h *Handlers) SearchWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.WorkflowFilter{
		Query:      q.Get("q"),
		Status:     models.WorkflowStatus(q.Get("status")),
		Visibility: models.Visibility(q.Get("visibility")),
		ProjectID:  q.Get("project_id"),
		ThemeID:    q.Get("theme_id"),
	}
	if t := q.Get("template"); t != "" {
		isTemplate := t == "true"
		filter.IsTemplate = &isTemplate
	}

	workflows, total, err := h.svc.Search(r.Context(), filter, pageFromQuery(r), principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": workflows,
		"total":     total,
	})
}

// CreateWorkflow handles POST /api/v1/workflows
func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body models.Workflow
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}
	created, err := h.svc.Create(r.Context(), &body, principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetWorkflow handles GET /api/v1/workflows/{id}
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"), principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflow)
}

// UpdateWorkflow handles PUT /api/v1/workflows/{id}
func (h *Handlers) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body models.Workflow
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}
	body.ID = chi.URLParam(r, "id")
	updated, err := h.svc.Update(r.Context(), &body, principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteWorkflow handles DELETE /api/v1/workflows/{id}
func (h *Handlers) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id"), principal(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type publishRequest struct {
	Visibility string `json:"visibility,omitempty"`
}

// PublishWorkflow handles POST /api/v1/workflows/{id}/publish
func (h *Handlers) PublishWorkflow(w http.ResponseWriter, r *http.Request) {
	var body publishRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
			return
		}
	}
	published, err := h.svc.Publish(r.Context(), chi.URLParam(r, "id"), models.Visibility(body.Visibility), principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, published)
}

type duplicateRequest struct {
	Name       string `json:"name,omitempty"`
	AsTemplate bool   `json:"as_template,omitempty"`
}

// DuplicateWorkflow handles POST /api/v1/workflows/{id}/duplicate
func (h *Handlers) DuplicateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body duplicateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
			return
		}
	}
	dup, err := h.svc.Duplicate(r.Context(), chi.URLParam(r, "id"), body.Name, principal(r), body.AsTemplate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dup)
}

// ValidateWorkflow handles GET /api/v1/workflows/{id}/validate
func (h *Handlers) ValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"), principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, graph.Validate(workflow))
}

// ExportWorkflow handles GET /api/v1/workflows/{id}/export
func (h *Handlers) ExportWorkflow(w http.ResponseWriter, r *http.Request) {
	env, err := h.svc.Export(r.Context(), chi.URLParam(r, "id"), principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// ImportWorkflow handles POST /api/v1/workflows/import
func (h *Handlers) ImportWorkflow(w http.ResponseWriter, r *http.Request) {
	var env codec.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}
	result, err := h.svc.Import(r.Context(), &env, principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type bulkDeleteRequest struct {
	IDs []string `json:"ids"`
}

// BulkDeleteWorkflows handles POST /api/v1/workflows/bulk-delete
func (h *Handlers) BulkDeleteWorkflows(w http.ResponseWriter, r *http.Request) {
	var body bulkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}
	if len(body.IDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ids is required and must not be empty"})
		return
	}
	items, err := h.svc.BulkDelete(r.Context(), body.IDs, principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// GetWorkflowStatistics handles GET /api/v1/workflows/{id}/statistics
func (h *Handlers) GetWorkflowStatistics(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")
	if _, err := h.svc.Get(r.Context(), workflowID, principal(r)); err != nil {
		writeError(w, err)
		return
	}
	stats, err := h.db.GetExecutionStatistics(r.Context(), workflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- execution handlers ---

type startExecutionRequest struct {
	InitialData       models.JSONMap `json:"initial_data,omitempty"`
	SelectedOutcomeID string         `json:"selected_outcome_id,omitempty"`
}

// StartExecution handles POST /api/v1/workflows/{id}/executions
func (h *Handlers) StartExecution(w http.ResponseWriter, r *http.Request) {
	var body startExecutionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
			return
		}
	}
	execution, err := h.engine.Start(r.Context(), engine.StartParams{
		WorkflowID:        chi.URLParam(r, "id"),
		UserID:            principal(r).UserID,
		InitialData:       body.InitialData,
		SelectedOutcomeID: body.SelectedOutcomeID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, execution)
}

// ListExecutions handles GET /api/v1/workflows/{id}/executions
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")
	if _, err := h.svc.Get(r.Context(), workflowID, principal(r)); err != nil {
		writeError(w, err)
		return
	}

	var statuses []models.ExecutionStatus
	for _, s := range r.URL.Query()["status"] {
		statuses = append(statuses, models.ExecutionStatus(s))
	}
	executions, total, err := h.db.ListExecutions(r.Context(), workflowID, statuses, pageFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"total":      total,
	})
}

// ListMyExecutions handles GET /api/v1/executions
func (h *Handlers) ListMyExecutions(w http.ResponseWriter, r *http.Request) {
	executions, total, err := h.db.ListExecutionsByUser(r.Context(), principal(r).UserID, pageFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"total":      total,
	})
}

// GetExecution handles GET /api/v1/executions/{id}
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := h.db.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

// GetGuidance handles GET /api/v1/executions/{id}/guidance
func (h *Handlers) GetGuidance(w http.ResponseWriter, r *http.Request) {
	guidance, err := h.engine.Guidance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guidance)
}

// PrepareStep handles GET /api/v1/executions/{id}/steps/{stepID}/preparation
func (h *Handlers) PrepareStep(w http.ResponseWriter, r *http.Request) {
	prep, err := h.engine.PrepareStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stepID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prep)
}

// GetProgress handles GET /api/v1/executions/{id}/progress
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.engine.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// GetHistory handles GET /api/v1/executions/{id}/history
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.db.GetNavigationHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type completeStepRequest struct {
	StepID   string         `json:"step_id,omitempty"`
	StepData models.JSONMap `json:"step_data,omitempty"`
}

// CompleteStep handles POST /api/v1/executions/{id}/complete
func (h *Handlers) CompleteStep(w http.ResponseWriter, r *http.Request) {
	var body completeStepRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
			return
		}
	}
	guidance, err := h.engine.CompleteStep(r.Context(), engine.CompleteStepParams{
		ExecutionID: chi.URLParam(r, "id"),
		StepID:      body.StepID,
		StepData:    body.StepData,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guidance)
}

type makeDecisionRequest struct {
	OptionID string         `json:"option_id"`
	StepData models.JSONMap `json:"step_data,omitempty"`
}

// MakeDecision handles POST /api/v1/executions/{id}/decide
func (h *Handlers) MakeDecision(w http.ResponseWriter, r *http.Request) {
	var body makeDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}
	guidance, err := h.engine.MakeDecision(r.Context(), engine.DecisionParams{
		ExecutionID: chi.URLParam(r, "id"),
		OptionID:    body.OptionID,
		StepData:    body.StepData,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guidance)
}

type navigateRequest struct {
	StepID string `json:"step_id"`
}

// NavigateTo handles POST /api/v1/executions/{id}/navigate
func (h *Handlers) NavigateTo(w http.ResponseWriter, r *http.Request) {
	var body navigateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}
	if body.StepID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "step_id is required"})
		return
	}
	guidance, err := h.engine.NavigateTo(r.Context(), chi.URLParam(r, "id"), body.StepID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guidance)
}

// PauseExecution handles POST /api/v1/executions/{id}/pause
func (h *Handlers) PauseExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := h.engine.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

// ResumeExecution handles POST /api/v1/executions/{id}/resume
func (h *Handlers) ResumeExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := h.engine.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

// CancelExecution handles POST /api/v1/executions/{id}/cancel
func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

type failRequest struct {
	Reason string `json:"reason,omitempty"`
}

// FailExecution handles POST /api/v1/executions/{id}/fail
func (h *Handlers) FailExecution(w http.ResponseWriter, r *http.Request) {
	var body failRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
	}
	execution, err := h.engine.Fail(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}
