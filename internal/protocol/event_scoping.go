// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// GetWorkflowID / GetExecutionID methods allow the API server's event filter
// to match events without maintaining an exhaustive type switch.

func (e ExecutionLifecycleEvent) GetWorkflowID() string  { return e.WorkflowID }
func (e ExecutionLifecycleEvent) GetExecutionID() string { return e.Metadata.ExecutionID }
func (e WorkflowLifecycleEvent) GetWorkflowID() string   { return e.WorkflowID }
func (e ErrorEvent) GetWorkflowID() string               { return e.WorkflowID }
