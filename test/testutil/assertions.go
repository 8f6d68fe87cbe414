// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

// RequireKind fails the test unless err carries the expected error kind.
func RequireKind(t *testing.T, err error, kind wferr.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Truef(t, wferr.IsKind(err, kind),
		"expected error kind %s, got %s (%v)", kind, wferr.KindOf(err), err)
}

// AssertTrace checks the execution's navigation history against the expected
// sequence of action types, in commit order.
func AssertTrace(t *testing.T, execution *models.Execution, expected ...models.ActionType) {
	t.Helper()
	actual := make([]models.ActionType, 0, len(execution.NavigationEvents))
	for _, event := range execution.NavigationEvents {
		actual = append(actual, event.ActionType)
	}
	assert.Equal(t, expected, actual, "navigation trace mismatch")
}

// CountEvents returns how many navigation events of the given action type
// the execution holds.
func CountEvents(t *testing.T, execution *models.Execution, action models.ActionType) int {
	t.Helper()
	n := 0
	for _, event := range execution.NavigationEvents {
		if event.ActionType == action {
			n++
		}
	}
	return n
}
