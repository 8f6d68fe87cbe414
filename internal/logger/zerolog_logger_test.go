// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/makerflow/makerflow/internal/config"
)

func newTestConfig(outputs []config.LogOutputConfig) *config.LogConfig {
	return &config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: outputs,
		Context: config.LogContextConfig{
			IncludeTimestamp: true,
		},
	}
}

func TestNewManagerOutputs(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		config      *config.LogConfig
		expectError string
	}{
		{
			name: "console output",
			config: newTestConfig([]config.LogOutputConfig{
				{Type: "console", Enabled: true},
			}),
		},
		{
			name: "file output",
			config: newTestConfig([]config.LogOutputConfig{
				{Type: "file", Enabled: true, Path: filepath.Join(tempDir, "plain.log")},
			}),
		},
		{
			name: "rotating file output",
			config: newTestConfig([]config.LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    filepath.Join(tempDir, "rotating.log"),
					Rotate: config.LogRotateConfig{
						MaxSizeMB:  1,
						MaxBackups: 3,
						MaxAgeDays: 7,
						Compress:   true,
					},
				},
			}),
		},
		{
			name: "unsupported output type",
			config: newTestConfig([]config.LogOutputConfig{
				{Type: "syslog2", Enabled: true},
			}),
			expectError: "unsupported output type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, err := NewManager(tt.config)
			if tt.expectError != "" {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(manager.writers) == 0 {
				t.Error("expected writers for enabled outputs")
			}
			if tt.config.Output[0].Type != "console" {
				defer manager.Close()
			}
		})
	}
}

func TestManagerPackageLevels(t *testing.T) {
	originalLevel := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(originalLevel)

	cfg := newTestConfig([]config.LogOutputConfig{{Type: "console", Enabled: true}})
	cfg.Level = "trace"
	cfg.Levels = map[string]string{
		"engine":   "debug",
		"database": "warn",
	}

	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Package loggers carry the pkg field and their configured level.
	var buf bytes.Buffer
	engineLogger := manager.GetLogger("engine").Output(&buf)
	engineLogger.Debug().Msg("reserving step resources")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log JSON: %v", err)
	}
	if entry["pkg"] != "engine" {
		t.Errorf("expected pkg=engine, got %v", entry["pkg"])
	}

	buf.Reset()
	dbLogger := manager.GetLogger("database").Output(&buf)
	dbLogger.Info().Msg("should be suppressed at warn level")
	if buf.Len() > 0 {
		t.Error("info message should not appear for a warn-level package")
	}
}

func TestManagerSetPackageLevel(t *testing.T) {
	cfg := newTestConfig([]config.LogOutputConfig{{Type: "console", Enabled: true}})
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger := manager.GetLogger("inventory")
	manager.SetPackageLevel("inventory", "error")

	var buf bytes.Buffer
	testLogger := logger.Output(&buf)
	testLogger.Debug().Msg("suppressed")
	if buf.Len() > 0 {
		t.Error("debug message should not appear when level is error")
	}
	testLogger.Error().Msg("oracle unavailable")
	if buf.Len() == 0 {
		t.Error("error message should appear when level is error")
	}
}

func TestManagerThreadSafety(t *testing.T) {
	cfg := newTestConfig([]config.LogOutputConfig{{Type: "console", Enabled: true}})
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const goroutines = 50
	packages := []string{"engine", "database", "api", "inventory", "graph", "codec"}

	var wg sync.WaitGroup
	wg.Add(goroutines * 2)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			pkg := packages[i%len(packages)]
			log := manager.GetLogger(pkg)
			log.Info().Int("i", i).Msg("concurrent get")
		}(i)
		go func(i int) {
			defer wg.Done()
			pkg := packages[i%len(packages)]
			manager.SetPackageLevel(pkg, []string{"debug", "info", "warn"}[i%3])
		}(i)
	}
	wg.Wait()

	manager.mu.RLock()
	defer manager.mu.RUnlock()
	if len(manager.packageLoggers) != len(packages) {
		t.Errorf("expected %d package loggers, got %d", len(packages), len(manager.packageLoggers))
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"FATAL", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.expected {
			t.Errorf("parseLevel(%q) = %v, expected %v", tt.input, got, tt.expected)
		}
	}
}

func TestManagerFallbackWriter(t *testing.T) {
	cfg := newTestConfig(nil)

	tempDir := t.TempDir()
	originalDir, _ := os.Getwd()
	defer os.Chdir(originalDir)
	os.Chdir(tempDir)

	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer manager.Close()

	fallbackPath := filepath.Join(tempDir, "logs", "makerflow-fallback.log")
	if _, err := os.Stat(fallbackPath); os.IsNotExist(err) {
		t.Error("fallback log file was not created")
	}
}

func TestManagerClose(t *testing.T) {
	tempDir := t.TempDir()
	cfg := newTestConfig([]config.LogOutputConfig{
		{Type: "file", Enabled: true, Path: filepath.Join(tempDir, "close.log")},
	})

	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	closeLog := manager.GetLogger("engine")
	closeLog.Info().Msg("before close")
	if err := manager.Close(); err != nil {
		t.Errorf("expected Close() to succeed, got: %v", err)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	// Uninitialized global logger discards without panicking.
	discardLog := GetLogger("engine")
	discardLog.Info().Msg("discarded")

	cfg := newTestConfig([]config.LogOutputConfig{{Type: "console", Enabled: true}})
	if err := Initialize(cfg); err != nil {
		t.Fatalf("failed to initialize global logger: %v", err)
	}
	if err := Initialize(cfg); err != nil {
		t.Errorf("second initialization should not fail: %v", err)
	}

	var buf bytes.Buffer
	testLogger := GetEngineLogger().Output(&buf)
	testLogger.Info().Msg("engine message")
	if buf.Len() == 0 {
		t.Error("expected initialized global logger to produce output")
	}

	_ = CloseGlobal()
	globalManager = nil
	if err := CloseGlobal(); err != nil {
		t.Errorf("CloseGlobal should not fail when not initialized: %v", err)
	}
}
