// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the workflow service and execution engine over a
// REST API. Authentication is delegated to the deployment's proxy; the
// server only reads the principal headers it forwards.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/makerflow/makerflow/internal/config"
	"github.com/makerflow/makerflow/internal/logger"
	"github.com/makerflow/makerflow/internal/workflow/database"
	"github.com/makerflow/makerflow/internal/workflow/engine"
	"github.com/makerflow/makerflow/internal/workflow/service"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger()
		log = &l
	})
	return log
}

// Server is the REST API server.
type Server struct {
	httpServer *http.Server
}

// New creates and wires up the API server. It does NOT start listening —
// call Run() for that.
func New(cfg *config.ServerConfig, svc *service.Service, eng *engine.Engine, db *database.GormDB) *Server {
	handlers := NewHandlers(svc, eng, db)

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(1 << 20)) // 1 MB default

	r.Route("/api/v1", func(r chi.Router) {
		// Workflow definitions
		r.Get("/workflows", handlers.SearchWorkflows)
		r.Post("/workflows", handlers.CreateWorkflow)
		r.Post("/workflows/import", handlers.ImportWorkflow)
		r.Post("/workflows/bulk-delete", handlers.BulkDeleteWorkflows)

		r.Route("/workflows/{id}", func(r chi.Router) {
			r.Get("/", handlers.GetWorkflow)
			r.Put("/", handlers.UpdateWorkflow)
			r.Delete("/", handlers.DeleteWorkflow)
			r.Post("/publish", handlers.PublishWorkflow)
			r.Post("/duplicate", handlers.DuplicateWorkflow)
			r.Get("/validate", handlers.ValidateWorkflow)
			r.Get("/export", handlers.ExportWorkflow)
			r.Get("/statistics", handlers.GetWorkflowStatistics)
			r.Get("/executions", handlers.ListExecutions)
			r.Post("/executions", handlers.StartExecution)
		})

		// Executions
		r.Get("/executions", handlers.ListMyExecutions)
		r.Route("/executions/{id}", func(r chi.Router) {
			r.Get("/", handlers.GetExecution)
			r.Get("/guidance", handlers.GetGuidance)
			r.Get("/progress", handlers.GetProgress)
			r.Get("/steps/{stepID}/preparation", handlers.PrepareStep)
			r.Get("/history", handlers.GetHistory)
			r.Post("/complete", handlers.CompleteStep)
			r.Post("/decide", handlers.MakeDecision)
			r.Post("/navigate", handlers.NavigateTo)
			r.Post("/pause", handlers.PauseExecution)
			r.Post("/resume", handlers.ResumeExecution)
			r.Post("/cancel", handlers.CancelExecution)
			r.Post("/fail", handlers.FailExecution)
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. Blocks until the server is shut down.
func (s *Server) Run(ctx context.Context) error {
	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
