// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/makerflow/makerflow/internal/config"
	"github.com/makerflow/makerflow/internal/logger"
	"github.com/makerflow/makerflow/internal/protocol"
	"github.com/makerflow/makerflow/internal/server"
	"github.com/makerflow/makerflow/internal/telemetry"
	"github.com/makerflow/makerflow/internal/workflow/codec"
	"github.com/makerflow/makerflow/internal/workflow/database"
	"github.com/makerflow/makerflow/internal/workflow/engine"
	"github.com/makerflow/makerflow/internal/workflow/resources"
	"github.com/makerflow/makerflow/internal/workflow/service"
)

func main() {
	cfg, err := config.NewConfig("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting makerflow API server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tele, err := telemetry.Setup(ctx, &cfg.Telemetry)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error setting up telemetry")
		os.Exit(1)
	}

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error connecting to database")
		os.Exit(1)
	}
	defer db.Close()

	if err := db.ValidateSchema(); err != nil {
		mainLog.Warn().Err(err).Msg("Schema out of date, running migrations")
		if err := db.AutoMigrate(); err != nil {
			mainLog.Error().Err(err).Msg("Error migrating database")
			os.Exit(1)
		}
	}

	oracle := resources.NewHTTPOracle(&cfg.Inventory)
	coordinator := resources.NewCoordinator(oracle, cfg.Inventory.StrictReserve)
	dispatcher := protocol.NewDispatcher(cfg.Engine.EventBufferSize)
	defer dispatcher.Close()

	eng := engine.New(db, coordinator, dispatcher, &cfg.Engine)
	importer := codec.NewImporter(db, oracle)
	svc := service.New(db, importer, dispatcher)

	if cfg.Presets.Enabled {
		if err := seedPresets(ctx, db, importer, cfg.Presets.Dir); err != nil {
			mainLog.Warn().Err(err).Str("dir", cfg.Presets.Dir).Msg("Preset seeding incomplete")
		}
	}

	srv := server.New(&cfg.Server, svc, eng, db)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	}

	// Graceful shutdown: fresh context with timeout, independent of the run ctx.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}
	if err := tele.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down telemetry")
	}

	mainLog.Info().Msg("API server shut down")
}
