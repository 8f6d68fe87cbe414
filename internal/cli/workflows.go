// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/makerflow/makerflow/internal/config"
	"github.com/makerflow/makerflow/internal/workflow/database"
	"github.com/makerflow/makerflow/internal/workflow/graph"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

type workflowsOptions struct {
	configPath string
	status     string
	query      string
}

func workflowsCommand(args []string) error {
	opts := &workflowsOptions{}
	fs := flag.NewFlagSet("workflows", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "config.yaml", "Path to config file")
	fs.StringVar(&opts.status, "status", "", "Filter by status (draft, published, active, archived)")
	fs.StringVar(&opts.query, "query", "", "Filter by name or description")

	if err := fs.Parse(args); err != nil {
		return err
	}

	return listWorkflows(opts)
}

func listWorkflows(opts *workflowsOptions) error {
	db, err := openDB(opts.configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	workflows, total, err := db.SearchWorkflows(ctx, database.WorkflowFilter{
		Query:  opts.query,
		Status: models.WorkflowStatus(opts.status),
	}, database.Page{Size: 100})
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}

	if len(workflows) == 0 {
		fmt.Println("No workflows found.")
		return nil
	}

	fmt.Println()
	fmt.Printf("%-28s  %-36s  %-10s  %-8s  %s\n", "NAME", "ID", "STATUS", "STEPS", "VISIBILITY")
	fmt.Println("────────────────────────────  ────────────────────────────────────  ──────────  ────────  ──────────")
	for _, w := range workflows {
		name := w.Name
		if len(name) > 28 {
			name = name[:25] + "..."
		}
		fmt.Printf("%-28s  %-36s  %-10s  %-8d  %s\n", name, w.ID, w.Status, len(w.Steps), w.Visibility)
	}
	fmt.Printf("\n%d of %d workflows\n\n", len(workflows), total)

	return nil
}

type workflowShowOptions struct {
	configPath string
}

// workflowCommand dispatches workflow subcommands
func workflowCommand(args []string) error {
	if len(args) == 0 || args[0] != "show" {
		fmt.Println("Usage: makerflow workflow show <id>")
		return nil
	}
	args = args[1:]

	opts := &workflowShowOptions{}
	fs := flag.NewFlagSet("workflow show", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "config.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("workflow ID is required")
	}

	return showWorkflow(opts, fs.Arg(0))
}

func showWorkflow(opts *workflowShowOptions, workflowID string) error {
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

	fmt.Printf("\n%s  (%s)\n", w.Name, w.ID)
	if w.Description != "" {
		fmt.Printf("%s\n", w.Description)
	}
	fmt.Printf("status: %s   visibility: %s   created by: %s\n\n", w.Status, w.Visibility, w.CreatedBy)

	nameByID := map[string]string{}
	for i := range w.Steps {
		nameByID[w.Steps[i].ID] = w.Steps[i].Name
	}

	fmt.Println("Steps:")
	for i := range w.Steps {
		step := &w.Steps[i]
		marker := " "
		switch {
		case step.IsOutcome:
			marker = "◆"
		case step.IsDecisionPoint:
			marker = "?"
		}
		fmt.Printf("  %2d %s %s\n", step.DisplayOrder, marker, step.Name)
		for _, conn := range step.OutgoingConnections {
			arrow := "→"
			if conn.Condition != "" {
				arrow = fmt.Sprintf("→ [%s]", conn.Condition)
			}
			fmt.Printf("        %s %s\n", arrow, nameByID[conn.TargetStepID])
		}
	}

	if len(w.Outcomes) > 0 {
		fmt.Println("\nOutcomes:")
		for i := range w.Outcomes {
			o := &w.Outcomes[i]
			suffix := ""
			if o.IsDefault {
				suffix = " (default)"
			}
			fmt.Printf("  - %s%s\n", o.Name, suffix)
		}
	}

	report := graph.Validate(w)
	if report.IsPublishable() {
		fmt.Println("\nValidation: ok")
	} else {
		fmt.Println("\nValidation issues:")
		for _, issue := range append(report.StructuralErrors, report.PublicationErrors...) {
			fmt.Printf("  %s: %s\n", issue.Code, issue.Message)
		}
	}
	fmt.Println()

	return nil
}

// openDB loads the configuration and connects to the configured database.
func openDB(configPath string) (*database.GormDB, error) {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
