// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/makerflow/makerflow/internal/config"
	"github.com/makerflow/makerflow/internal/workflow/codec"
	"github.com/makerflow/makerflow/internal/workflow/database"
	"github.com/makerflow/makerflow/internal/workflow/resources"
)

type exportOptions struct {
	configPath string
	outPath    string
}

// exportCommand writes a workflow envelope to a file or stdout.
func exportCommand(args []string) error {
	opts := &exportOptions{}
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "config.yaml", "Path to config file")
	fs.StringVar(&opts.outPath, "o", "", "Output file (default: stdout)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("workflow ID is required")
	}

	return exportWorkflow(opts, fs.Arg(0))
}

func exportWorkflow(opts *exportOptions, workflowID string) error {
	db, err := openDB(opts.configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w, err := db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}

	data, err := codec.EncodeJSON(codec.Export(w))
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	if opts.outPath == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(opts.outPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", opts.outPath, err)
	}
	fmt.Printf("Exported %q to %s\n", w.Name, opts.outPath)
	return nil
}

type importOptions struct {
	configPath string
	owner      string
}

// importCommand reads an envelope file and imports it as a new workflow.
func importCommand(args []string) error {
	opts := &importOptions{}
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "config.yaml", "Path to config file")
	fs.StringVar(&opts.owner, "owner", "system", "User ID to own the imported workflow")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("envelope file is required")
	}

	return importEnvelope(opts, fs.Arg(0))
}

func importEnvelope(opts *importOptions, path string) error {
	cfg, err := config.NewConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var env *codec.Envelope
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		env, err = codec.DecodeYAML(data)
	default:
		env, err = codec.DecodeJSON(data)
	}
	if err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}

	// Resource names resolve against the inventory when it is reachable;
	// otherwise the importer records them as optional with a warning.
	oracle := resources.NewHTTPOracle(&cfg.Inventory)
	importer := codec.NewImporter(db, oracle)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := importer.Import(ctx, env, opts.owner)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Printf("Imported %q as %s\n", result.Workflow.Name, result.Workflow.ID)
	for _, warning := range result.Warnings {
		fmt.Printf("  warning: %s\n", warning)
	}
	return nil
}
