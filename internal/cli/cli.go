// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the makerflow command line tool. It operates on the
// configured database directly, the same way the server does, so it works
// without a running API server.
package cli

import (
	"fmt"
	"os"
)

const (
	appName    = "makerflow"
	appVersion = "0.1.0-alpha"
)

// Execute runs the CLI application
func Execute() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "workflows":
		return workflowsCommand(args)
	case "workflow":
		return workflowCommand(args)
	case "export":
		return exportCommand(args)
	case "import":
		return importCommand(args)
	case "runs":
		return runsCommand(args)
	case "version":
		fmt.Printf("%s version %s\n", appName, appVersion)
		return nil
	case "help", "-h", "--help":
		return printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		return printUsage()
	}
}

func printUsage() error {
	fmt.Printf(`%s - workflow definition and execution engine

Usage:
  %s <command> [arguments]

Commands:
  workflows            List workflow definitions
  workflow show <id>   Show one workflow with its steps and connections
  export <id>          Export a workflow envelope as JSON
  import <file>        Import a workflow envelope (.json, .yaml or .yml)
  runs <workflow_id>   List executions of a workflow
  version              Print version information
  help                 Show this help message

Examples:
  %s workflows
  %s workflows --status published
  %s workflow show 4f7c21aa
  %s export 4f7c21aa -o birdhouse.json
  %s import presets/birdhouse.yaml
  %s runs 4f7c21aa

`, appName, appName, appName, appName, appName, appName, appName, appName)
	return nil
}
