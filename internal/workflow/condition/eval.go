// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package condition

import (
	"encoding/json"

	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/models"
)

// Env is the read-only evaluation environment: the execution's data map,
// the just-completed step's data map, and the selected outcome ID.
type Env struct {
	Ctx       models.JSONMap
	Last      models.JSONMap
	OutcomeID string
}

// Evaluate parses src and evaluates it against env. The result must be a
// boolean; anything else is a type error.
func Evaluate(src string, env Env) (bool, error) {
	expr, err := Parse(src)
	if err != nil {
		return false, err
	}
	value, err := eval(expr, env)
	if err != nil {
		return false, err
	}
	b, ok := value.(bool)
	if !ok {
		return false, wferr.Condition("expression %q does not evaluate to a boolean", src)
	}
	return b, nil
}

// ApplyActions parses a result-action script and applies its assignments to
// ctx in order. On parse failure ctx is left untouched.
func ApplyActions(src string, ctx models.JSONMap) error {
	actions, err := ParseActions(src)
	if err != nil {
		return err
	}
	for _, a := range actions {
		ctx[a.Key] = a.Value
	}
	return nil
}

func eval(expr Expr, env Env) (any, error) {
	switch e := expr.(type) {
	case Literal:
		return e.Value, nil

	case Lookup:
		switch e.Scope {
		case "ctx":
			return env.Ctx[e.Key], nil
		case "last":
			return env.Last[e.Key], nil
		case "outcome":
			return env.OutcomeID, nil
		default:
			return nil, wferr.Condition("unknown scope %q", e.Scope)
		}

	case Unary:
		x, err := eval(e.X, env)
		if err != nil {
			return nil, err
		}
		b, ok := x.(bool)
		if !ok {
			return nil, wferr.Condition("operator ! requires a boolean operand")
		}
		return !b, nil

	case Binary:
		switch e.Op {
		case "&&", "||":
			lhs, err := evalBool(e.LHS, env)
			if err != nil {
				return nil, err
			}
			// Short-circuit, but the RHS must still be well-formed; parse
			// errors were already rejected so only eval errors can hide here.
			if e.Op == "&&" && !lhs {
				return false, nil
			}
			if e.Op == "||" && lhs {
				return true, nil
			}
			return evalBool(e.RHS, env)
		default:
			lhs, err := eval(e.LHS, env)
			if err != nil {
				return nil, err
			}
			rhs, err := eval(e.RHS, env)
			if err != nil {
				return nil, err
			}
			return compare(e.Op, lhs, rhs)
		}
	}
	return nil, wferr.Condition("unhandled expression node")
}

func evalBool(expr Expr, env Env) (bool, error) {
	v, err := eval(expr, env)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, wferr.Condition("boolean operator requires boolean operands")
	}
	return b, nil
}

// compare implements == != < <= > >=. Equality is defined across the whole
// closed value sum; ordering only for numbers and strings.
func compare(op string, lhs, rhs any) (any, error) {
	switch op {
	case "==":
		return looseEqual(lhs, rhs), nil
	case "!=":
		return !looseEqual(lhs, rhs), nil
	}

	// Ordering operators.
	lf, lok := asNumber(lhs)
	rf, rok := asNumber(rhs)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, lok := lhs.(string)
	rs, rok := rhs.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, wferr.Condition("operator %s requires two numbers or two strings (got %T and %T)", op, lhs, rhs)
}

func looseEqual(lhs, rhs any) bool {
	if lhs == nil || rhs == nil {
		return lhs == nil && rhs == nil
	}
	if lf, ok := asNumber(lhs); ok {
		if rf, ok := asNumber(rhs); ok {
			return lf == rf
		}
		return false
	}
	switch l := lhs.(type) {
	case string:
		r, ok := rhs.(string)
		return ok && l == r
	case bool:
		r, ok := rhs.(bool)
		return ok && l == r
	default:
		// Lists and maps are not comparable in the guard language.
		return false
	}
}

// asNumber normalizes the numeric types JSON decoding and Go literals
// produce into float64.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
