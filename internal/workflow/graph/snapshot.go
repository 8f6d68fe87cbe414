// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package graph implements the static algorithms over a workflow's step
// graph: initial-step discovery, reachability, cycle detection, shortest
// paths, and the structural validation report. All algorithms operate on an
// immutable Snapshot; callers may memoize one per definition.
package graph

import (
	"sort"

	"github.com/samber/lo"

	"github.com/makerflow/makerflow/internal/workflow/models"
)

// Snapshot is an immutable view of a workflow's step graph: an arena of
// steps plus outgoing/incoming adjacency keyed by step ID. Back-references
// are kept in the maps only, never as owning pointers.
type Snapshot struct {
	workflow *models.Workflow
	steps    map[string]*models.Step
	outgoing map[string][]models.Connection
	incoming map[string][]models.Connection
}

// NewSnapshot indexes the workflow's steps and connections. The workflow
// must have its Steps (with OutgoingConnections) loaded.
func NewSnapshot(w *models.Workflow) *Snapshot {
	s := &Snapshot{
		workflow: w,
		steps:    make(map[string]*models.Step, len(w.Steps)),
		outgoing: make(map[string][]models.Connection),
		incoming: make(map[string][]models.Connection),
	}
	for i := range w.Steps {
		step := &w.Steps[i]
		s.steps[step.ID] = step
	}
	for i := range w.Steps {
		for _, conn := range w.Steps[i].OutgoingConnections {
			s.outgoing[conn.SourceStepID] = append(s.outgoing[conn.SourceStepID], conn)
			s.incoming[conn.TargetStepID] = append(s.incoming[conn.TargetStepID], conn)
		}
	}
	for id := range s.outgoing {
		sortConnections(s.outgoing[id])
	}
	return s
}

// Workflow returns the underlying definition.
func (s *Snapshot) Workflow() *models.Workflow { return s.workflow }

// Step returns the step with the given ID, or nil.
func (s *Snapshot) Step(id string) *models.Step { return s.steps[id] }

// StepCount returns the number of steps in the graph.
func (s *Snapshot) StepCount() int { return len(s.steps) }

// Outgoing returns the outgoing connections of a step in deterministic
// order: isDefault desc, displayOrder asc, id asc.
func (s *Snapshot) Outgoing(stepID string) []models.Connection {
	return s.outgoing[stepID]
}

// Incoming returns the incoming connections of a step (unordered).
func (s *Snapshot) Incoming(stepID string) []models.Connection {
	return s.incoming[stepID]
}

// sortConnections orders edges the way the navigator consumes them.
func sortConnections(conns []models.Connection) {
	sort.SliceStable(conns, func(i, j int) bool {
		if conns[i].IsDefault != conns[j].IsDefault {
			return conns[i].IsDefault
		}
		if conns[i].DisplayOrder != conns[j].DisplayOrder {
			return conns[i].DisplayOrder < conns[j].DisplayOrder
		}
		return conns[i].ID < conns[j].ID
	})
}

// InitialSteps returns the steps with no incoming connection and no parent,
// ordered by display order. When none qualify (every step has an incoming
// edge), the step with the smallest display order is returned as fallback.
func (s *Snapshot) InitialSteps() []*models.Step {
	initial := lo.Filter(s.stepsSorted(), func(step *models.Step, _ int) bool {
		return len(s.incoming[step.ID]) == 0 && step.ParentStepID == ""
	})
	if len(initial) > 0 {
		return initial
	}
	all := s.stepsSorted()
	if len(all) == 0 {
		return nil
	}
	return all[:1]
}

// OutcomeSteps returns the steps flagged as outcomes, by display order.
func (s *Snapshot) OutcomeSteps() []*models.Step {
	return lo.Filter(s.stepsSorted(), func(step *models.Step, _ int) bool {
		return step.IsOutcome
	})
}

func (s *Snapshot) stepsSorted() []*models.Step {
	steps := lo.Values(s.steps)
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].DisplayOrder != steps[j].DisplayOrder {
			return steps[i].DisplayOrder < steps[j].DisplayOrder
		}
		return steps[i].ID < steps[j].ID
	})
	return steps
}

// Reachable runs a BFS from the initial step set and returns the set of
// reachable step IDs.
func (s *Snapshot) Reachable() map[string]bool {
	visited := make(map[string]bool, len(s.steps))
	var queue []string
	for _, step := range s.InitialSteps() {
		visited[step.ID] = true
		queue = append(queue, step.ID)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, conn := range s.outgoing[cur] {
			if !visited[conn.TargetStepID] {
				visited[conn.TargetStepID] = true
				queue = append(queue, conn.TargetStepID)
			}
		}
	}
	return visited
}

// ReachableFrom runs a BFS from the given seed steps.
func (s *Snapshot) ReachableFrom(seeds []string) map[string]bool {
	visited := make(map[string]bool, len(s.steps))
	var queue []string
	for _, id := range seeds {
		if _, ok := s.steps[id]; ok && !visited[id] {
			visited[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, conn := range s.outgoing[cur] {
			if !visited[conn.TargetStepID] {
				visited[conn.TargetStepID] = true
				queue = append(queue, conn.TargetStepID)
			}
		}
	}
	return visited
}

// Orphans returns the steps unreachable from the initial set, by display
// order.
func (s *Snapshot) Orphans() []*models.Step {
	reachable := s.Reachable()
	return lo.Filter(s.stepsSorted(), func(step *models.Step, _ int) bool {
		return !reachable[step.ID]
	})
}

// DetectCycle runs a DFS with a recursion stack and returns the first
// directed cycle found as a step-ID path (first element repeated at the
// end), or nil when the graph is acyclic.
func (s *Snapshot) DetectCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on recursion stack
		black = 2 // done
	)
	color := make(map[string]int, len(s.steps))
	parent := make(map[string]string)

	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, conn := range s.outgoing[id] {
			next := conn.TargetStepID
			switch color[next] {
			case white:
				parent[next] = id
				if visit(next) {
					return true
				}
			case gray:
				// Unwind the stack from id back to next.
				cycle = nil
				for cur := id; cur != next; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, next)
				// Reverse into traversal order and close the loop.
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				cycle = append(cycle, next)
				return true
			}
		}
		color[id] = black
		return false
	}

	for _, step := range s.stepsSorted() {
		if color[step.ID] == white {
			if visit(step.ID) {
				return cycle
			}
		}
	}
	return nil
}

// Path is a sequence of step IDs from source to target, with the metrics
// used for tie-breaking between equal-length paths.
type Path struct {
	StepIDs           []string
	Hops              int
	EstimatedDuration int // summed step estimates along the path, minutes
	DefaultCount      int // count of default connections traversed
}

// ShortestPath computes the BFS-shortest path from source to target over
// the connection set. Among equal-hop paths, the one with the smaller
// summed estimated duration wins, then the one traversing more default
// connections. Returns nil when target is unreachable.
func (s *Snapshot) ShortestPath(sourceID, targetID string) *Path {
	if s.steps[sourceID] == nil || s.steps[targetID] == nil {
		return nil
	}

	type state struct {
		prev     string
		depth    int
		duration int
		defaults int
	}
	// better reports whether candidate beats incumbent under
	// (hops asc, duration asc, defaults desc).
	better := func(cand, inc state) bool {
		if cand.depth != inc.depth {
			return cand.depth < inc.depth
		}
		if cand.duration != inc.duration {
			return cand.duration < inc.duration
		}
		return cand.defaults > inc.defaults
	}

	best := map[string]state{sourceID: {depth: 0, duration: s.stepDuration(sourceID)}}
	frontier := []string{sourceID}

	// Level-by-level relaxation: within a BFS level, ties are resolved by
	// the composite comparison before the next level expands.
	for len(frontier) > 0 {
		next := make(map[string]bool)
		for _, cur := range frontier {
			for _, conn := range s.outgoing[cur] {
				tgt := conn.TargetStepID
				cand := state{
					prev:     cur,
					depth:    best[cur].depth + 1,
					duration: best[cur].duration + s.stepDuration(tgt),
					defaults: best[cur].defaults,
				}
				if conn.IsDefault {
					cand.defaults++
				}
				inc, seen := best[tgt]
				if !seen || better(cand, inc) {
					best[tgt] = cand
					next[tgt] = true
				}
			}
		}
		frontier = lo.Keys(next)
		sort.Strings(frontier)
	}

	final, ok := best[targetID]
	if !ok {
		return nil
	}

	var ids []string
	for cur := targetID; ; cur = best[cur].prev {
		ids = append(ids, cur)
		if cur == sourceID {
			break
		}
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return &Path{
		StepIDs:           ids,
		Hops:              final.depth,
		EstimatedDuration: final.duration,
		DefaultCount:      final.defaults,
	}
}

func (s *Snapshot) stepDuration(id string) int {
	if step := s.steps[id]; step != nil && step.EstimatedDuration != nil {
		return *step.EstimatedDuration
	}
	return 0
}
