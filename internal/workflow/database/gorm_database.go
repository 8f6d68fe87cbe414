// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/makerflow/makerflow/internal/config"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

// GormDB wraps the GORM database connection
type GormDB struct {
	db *gorm.DB
}

// NewGormDB creates a new GORM database connection
func NewGormDB(cfg *config.DatabaseConfig) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &GormDB{db: db}, nil
}

// NewGormDBFromConn wraps an existing GORM connection. Used by tests and by
// code that needs a repository inside an already-open transaction.
func NewGormDBFromConn(db *gorm.DB) *GormDB {
	return &GormDB{db: db}
}

// AutoMigrate runs database migrations
func (db *GormDB) AutoMigrate() error {
	if err := db.db.AutoMigrate(
		&models.Workflow{},
		&models.Step{},
		&models.Connection{},
		&models.DecisionOption{},
		&models.StepResource{},
		&models.Outcome{},
		&models.Execution{},
		&models.StepExecution{},
		&models.NavigationEvent{},
	); err != nil {
		return err
	}

	// Migration path for existing databases: enforce the one-row-per-step
	// guarantee for step executions.
	if !db.db.Migrator().HasIndex(&models.StepExecution{}, "idx_step_exec_execution_step") {
		if err := db.db.Migrator().CreateIndex(&models.StepExecution{}, "idx_step_exec_execution_step"); err != nil {
			return fmt.Errorf("failed to create step_executions unique index (execution_id, step_id): %w", err)
		}
	}

	return nil
}

// ValidateSchema checks if GORM models match the database schema
func (db *GormDB) ValidateSchema() error {
	var missingTables []string
	var missingColumns []string
	var missingIndexes []string

	tables := []struct {
		model any
		name  string
	}{
		{&models.Workflow{}, "workflows"},
		{&models.Step{}, "steps"},
		{&models.Connection{}, "connections"},
		{&models.DecisionOption{}, "decision_options"},
		{&models.StepResource{}, "step_resources"},
		{&models.Outcome{}, "outcomes"},
		{&models.Execution{}, "executions"},
		{&models.StepExecution{}, "step_executions"},
		{&models.NavigationEvent{}, "navigation_events"},
	}
	for _, t := range tables {
		if !db.db.Migrator().HasTable(t.model) {
			missingTables = append(missingTables, t.name)
		}
	}
	if len(missingTables) > 0 {
		return fmt.Errorf("missing tables: %v\n\nRun 'make migrate' to create the required tables", missingTables)
	}

	workflowColumns := []string{"id", "name", "status", "created_by", "is_template", "visibility", "version"}
	for _, col := range workflowColumns {
		if !db.db.Migrator().HasColumn(&models.Workflow{}, col) {
			missingColumns = append(missingColumns, fmt.Sprintf("workflows.%s", col))
		}
	}

	executionColumns := []string{"id", "workflow_id", "status", "current_step_id", "execution_data", "version"}
	for _, col := range executionColumns {
		if !db.db.Migrator().HasColumn(&models.Execution{}, col) {
			missingColumns = append(missingColumns, fmt.Sprintf("executions.%s", col))
		}
	}

	// seq is assigned by the database and drives event replay order.
	navigationColumns := []string{"id", "seq", "execution_id", "action_type", "timestamp"}
	for _, col := range navigationColumns {
		if !db.db.Migrator().HasColumn(&models.NavigationEvent{}, col) {
			missingColumns = append(missingColumns, fmt.Sprintf("navigation_events.%s", col))
		}
	}

	if !db.db.Migrator().HasIndex(&models.StepExecution{}, "idx_step_exec_execution_step") {
		missingIndexes = append(missingIndexes, "step_executions.idx_step_exec_execution_step")
	}

	if len(missingColumns) > 0 {
		return fmt.Errorf("missing columns: %v\n\nRun 'make migrate' to add the required columns", missingColumns)
	}

	if len(missingIndexes) > 0 {
		return fmt.Errorf("missing indexes: %v\n\nRun 'make migrate' to add the required indexes", missingIndexes)
	}

	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn inside a database transaction. The repository passed
// to fn shares the transaction; a returned error rolls everything back.
func (db *GormDB) Transaction(ctx context.Context, fn func(tx *GormDB) error) error {
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormDB{db: tx})
	})
}
