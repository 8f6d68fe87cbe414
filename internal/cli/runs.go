// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/makerflow/makerflow/internal/workflow/database"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

type runsOptions struct {
	configPath string
	status     string
}

// runsCommand lists the executions of a workflow.
func runsCommand(args []string) error {
	opts := &runsOptions{}
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "config.yaml", "Path to config file")
	fs.StringVar(&opts.status, "status", "", "Filter by status (active, paused, completed, cancelled, failed)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("workflow ID is required")
	}

	return listRuns(opts, fs.Arg(0))
}

func listRuns(opts *runsOptions, workflowID string) error {
	db, err := openDB(opts.configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var statuses []models.ExecutionStatus
	if opts.status != "" {
		statuses = append(statuses, models.ExecutionStatus(opts.status))
	}

	executions, total, err := db.ListExecutions(ctx, workflowID, statuses, database.Page{Size: 100})
	if err != nil {
		return fmt.Errorf("failed to load executions: %w", err)
	}

	if len(executions) == 0 {
		fmt.Println("No executions found.")
		return nil
	}

	fmt.Println()
	fmt.Printf("%-36s  %-10s  %-20s  %-19s  %s\n", "ID", "STATUS", "STARTED BY", "STARTED", "DURATION")
	fmt.Println("────────────────────────────────────  ──────────  ────────────────────  ───────────────────  ────────")
	for _, e := range executions {
		startedBy := e.StartedBy
		if len(startedBy) > 20 {
			startedBy = startedBy[:17] + "..."
		}
		duration := "-"
		if e.TotalDurationMinutes != nil {
			duration = fmt.Sprintf("%dm", *e.TotalDurationMinutes)
		}
		fmt.Printf("%-36s  %-10s  %-20s  %-19s  %s\n",
			e.ID, e.Status, startedBy, e.StartedAt.Format("2006-01-02 15:04:05"), duration)
	}
	fmt.Printf("\n%d of %d executions\n\n", len(executions), total)

	return nil
}
