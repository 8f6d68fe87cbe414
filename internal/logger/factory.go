// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetEngineLogger returns a logger for the execution engine
func GetEngineLogger() zerolog.Logger {
	return GetLogger("engine")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetInventoryLogger returns a logger for inventory oracle operations
func GetInventoryLogger() zerolog.Logger {
	return GetLogger("inventory")
}

// GetGraphLogger returns a logger for graph algorithms and validation
func GetGraphLogger() zerolog.Logger {
	return GetLogger("graph")
}

// GetCodecLogger returns a logger for import/export operations
func GetCodecLogger() zerolog.Logger {
	return GetLogger("codec")
}
