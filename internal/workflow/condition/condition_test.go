// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

func testEnv() Env {
	return Env{
		Ctx: models.JSONMap{
			"skill_level": "advanced",
			"coats":       float64(2),
			"sanded":      true,
			"finish":      nil,
		},
		Last: models.JSONMap{
			"duration_minutes": float64(45),
			"quality":          "good",
		},
		OutcomeID: "outcome-matte",
	}
}

func TestEvaluateComparisons(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want bool
	}{
		{"string equality", "ctx.skill_level == 'advanced'", true},
		{"string inequality", "ctx.skill_level != 'beginner'", true},
		{"number less than", "ctx.coats < 3", true},
		{"number greater equal", "last.duration_minutes >= 45", true},
		{"bool literal", "ctx.sanded == true", true},
		{"null comparison", "ctx.finish == null", true},
		{"missing key is null", "ctx.no_such_key == null", true},
		{"missing key not equal", "ctx.no_such_key == 'x'", false},
		{"outcome lookup", "outcome.id == 'outcome-matte'", true},
		{"string ordering", "last.quality < 'great'", true},
		{"negation", "!(ctx.coats > 5)", true},
		{"and short circuit", "ctx.sanded && ctx.coats >= 2", true},
		{"or", "ctx.coats > 10 || ctx.skill_level == 'advanced'", true},
		{"grouping", "(ctx.coats > 10 || ctx.sanded) && last.quality == 'good'", true},
		{"double quotes", `ctx.skill_level == "advanced"`, true},
		{"negative number", "ctx.coats > -1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Evaluate(tc.src, testEnv())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got, tc.src)
		})
	}
}

func TestEvaluateTypeErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"non-boolean result", "ctx.coats"},
		{"ordering across types", "ctx.coats < 'three'"},
		{"ordering on bool", "ctx.sanded < true"},
		{"not on string", "!ctx.skill_level"},
		{"and on number", "ctx.coats && ctx.sanded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Evaluate(tc.src, testEnv())
			require.Error(t, err)
			assert.True(t, wferr.IsKind(err, wferr.KindCondition))
		})
	}
}

func TestEvaluateEqualityAcrossTypesIsFalse(t *testing.T) {
	got, err := Evaluate("ctx.coats == '2'", testEnv())
	require.NoError(t, err)
	assert.False(t, got, "number/string equality must be false, not an error")
}

func TestEvaluateShortCircuitSkipsRHSTypeError(t *testing.T) {
	// The RHS would be a type error if evaluated.
	got, err := Evaluate("ctx.coats > 100 && (ctx.coats && true)", testEnv())
	require.NoError(t, err)
	assert.False(t, got)

	got, err = Evaluate("ctx.sanded || (ctx.coats && true)", testEnv())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"",
		"ctx.a ==",
		"(ctx.a == 1",
		"ctx.a == 1 extra",
		"plain_identifier == 1",
		"outcome.name == 'x'",
		"env.a == 1",
		"'unterminated",
		"ctx.a @ 1",
	}
	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			require.Error(t, err, "source: %q", src)
			assert.True(t, wferr.IsKind(err, wferr.KindCondition))
		})
	}
}

func TestApplyActions(t *testing.T) {
	ctx := models.JSONMap{"existing": "kept"}
	err := ApplyActions("ctx.finish = 'matte'; ctx.coats = 3; ctx.done = true; ctx.note = null", ctx)
	require.NoError(t, err)

	assert.Equal(t, "kept", ctx["existing"])
	assert.Equal(t, "matte", ctx["finish"])
	assert.Equal(t, float64(3), ctx["coats"])
	assert.Equal(t, true, ctx["done"])
	assert.Contains(t, ctx, "note")
	assert.Nil(t, ctx["note"])
}

func TestApplyActionsLastWriteWins(t *testing.T) {
	ctx := models.JSONMap{}
	err := ApplyActions("ctx.color = 'red'; ctx.color = 'blue';", ctx)
	require.NoError(t, err)
	assert.Equal(t, "blue", ctx["color"])
}

func TestApplyActionsParseFailureLeavesCtxUntouched(t *testing.T) {
	ctx := models.JSONMap{"a": float64(1)}
	err := ApplyActions("ctx.b = 2; last.c = 3", ctx)
	require.Error(t, err)
	assert.True(t, wferr.IsKind(err, wferr.KindCondition))
	assert.Equal(t, models.JSONMap{"a": float64(1)}, ctx)
}

func TestApplyActionsRejectsExpressions(t *testing.T) {
	err := ApplyActions("ctx.a = ctx.b", models.JSONMap{})
	require.Error(t, err)
	assert.True(t, wferr.IsKind(err, wferr.KindCondition))
}
