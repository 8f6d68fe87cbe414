// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package testutil holds the shared plumbing for integration tests: database
// setup, a stub inventory oracle, and workflow fixtures.
package testutil

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/makerflow/makerflow/internal/config"
	"github.com/makerflow/makerflow/internal/workflow/database"
)

// OpenDB creates a migrated sqlite database backed by a per-test file. The
// file and connection are cleaned up when the test finishes.
func OpenDB(t *testing.T, name string) *database.GormDB {
	t.Helper()

	path := fmt.Sprintf("%s.db", name)
	t.Cleanup(func() { os.Remove(path) })

	db, err := database.NewGormDB(&config.DatabaseConfig{Driver: "sqlite", Database: path})
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.AutoMigrate(), "Failed to run migrations")
	return db
}
