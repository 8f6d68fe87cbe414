// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/makerflow/makerflow/internal/logger"
	"github.com/makerflow/makerflow/internal/workflow/codec"
	"github.com/makerflow/makerflow/internal/workflow/database"
	"github.com/makerflow/makerflow/internal/workflow/graph"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

// seedPresetUser owns the bundled workflows so they survive user deletion
// sweeps and show up as system-provided.
const seedPresetUser = "system"

// seedPresets imports the bundled YAML workflow definitions from dir. A
// preset whose name already exists for the system user is skipped, so
// seeding is idempotent across restarts. Individual preset failures are
// logged and do not abort the rest.
func seedPresets(ctx context.Context, db *database.GormDB, importer *codec.Importer, dir string) error {
	log := logger.GetLogger("presets")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("dir", dir).Msg("no preset directory, skipping seed")
			return nil
		}
		return fmt.Errorf("failed to read preset directory: %w", err)
	}

	seeded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if err := seedPreset(ctx, db, importer, path); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("preset skipped")
			continue
		}
		seeded++
	}

	if seeded > 0 {
		log.Info().Int("count", seeded).Str("dir", dir).Msg("presets seeded")
	}
	return nil
}

func seedPreset(ctx context.Context, db *database.GormDB, importer *codec.Importer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	env, err := codec.DecodeYAML(data)
	if err != nil {
		return err
	}

	exists, err := presetExists(ctx, db, env.Workflow.Name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	result, err := importer.Import(ctx, env, seedPresetUser)
	if err != nil {
		return err
	}
	presetLog := logger.GetLogger("presets")
	for _, warning := range result.Warnings {
		presetLog.Warn().
			Str("workflow", result.Workflow.Name).
			Msg(warning)
	}

	// Publish the preset when its graph allows it; otherwise it stays a
	// draft the operator can inspect.
	wf := result.Workflow
	wf.Visibility = models.VisibilitySystem
	if graph.Validate(wf).IsPublishable() {
		wf.Status = models.WorkflowStatusPublished
		wf.IsTemplate = true
	}
	return db.SaveWorkflow(ctx, wf)
}

func presetExists(ctx context.Context, db *database.GormDB, name string) (bool, error) {
	workflows, _, err := db.SearchWorkflows(ctx, database.WorkflowFilter{
		Query:     name,
		CreatedBy: seedPresetUser,
	}, database.Page{Size: 100})
	if err != nil {
		return false, err
	}
	for _, wf := range workflows {
		if wf.Name == name {
			return true, nil
		}
	}
	return false, nil
}
