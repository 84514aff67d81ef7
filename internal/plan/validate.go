package plan

import (
	"fmt"
	"math"
	"strings"
)

// Validate checks the plan's structure and returns the first problem
// found as a ValidationError (wrapping ErrInvalidPlan). Duplicate
// dependency entries are normalized in place: the first occurrence
// keeps its position, later ones are dropped.
//
// Checks, in order: task count, ID charset and uniqueness, dependency
// existence, dependency cycles, params tree shape, output references,
// and per-task bounds.
func Validate(p *Plan) error {
	if p == nil {
		return validationErrorf("", "plan is nil")
	}
	if len(p.Tasks) == 0 {
		return validationErrorf("", "plan has no tasks")
	}
	if len(p.Tasks) > MaxTasks {
		return validationErrorf("", "plan has %d tasks, limit is %d", len(p.Tasks), MaxTasks)
	}

	seen := make(map[string]bool, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if !taskIDPattern.MatchString(t.ID) {
			return validationErrorf("", "task ID %q is not [a-zA-Z0-9_-]{1,64}", t.ID)
		}
		if seen[t.ID] {
			return validationErrorf(t.ID, "duplicate task ID")
		}
		seen[t.ID] = true
		if t.Tool == "" {
			return validationErrorf(t.ID, "tool name is empty")
		}
	}

	for i := range p.Tasks {
		t := &p.Tasks[i]
		t.DependsOn = dedupDeps(t.DependsOn)
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return validationErrorf(t.ID, "dependency Cycle: task depends on itself")
			}
			if !seen[dep] {
				return validationErrorf(t.ID, "unknown dependency %q", dep)
			}
		}
	}

	if path := findCycle(p); path != nil {
		return validationErrorf("", "dependency Cycle detected: %s", strings.Join(path, " -> "))
	}

	closures := dependencyClosures(p)
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if err := validateParams(t, closures[t.ID]); err != nil {
			return err
		}
		if t.Timeout < 0 || t.Timeout > MaxTaskTimeout {
			return validationErrorf(t.ID, "timeout %s out of range [0, %s]", t.Timeout, MaxTaskTimeout)
		}
		if t.MaxRetries < 0 || t.MaxRetries > MaxTaskRetries {
			return validationErrorf(t.ID, "max_retries %d out of range [0, %d]", t.MaxRetries, MaxTaskRetries)
		}
	}
	return nil
}

// dedupDeps drops repeated dependency IDs, keeping first positions.
func dedupDeps(deps []string) []string {
	if len(deps) < 2 {
		return deps
	}
	seen := make(map[string]bool, len(deps))
	out := deps[:0]
	for _, d := range deps {
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// validateParams checks one task's params tree: value types, reference
// well-formedness, and that every reference lands inside the task's
// transitive dependency closure.
func validateParams(t *Task, closure map[string]bool) error {
	if t.Params == nil {
		return nil
	}
	if err := checkParamTypes(t.ID, "params", t.Params); err != nil {
		return err
	}
	return collectStringLeaves(t.Params, false, func(s string, isKey bool) error {
		if isKey {
			if strings.Contains(s, refPrefix) {
				return validationErrorf(t.ID, "output reference in map key %q", s)
			}
			return nil
		}
		if hasMalformedRef(s) {
			return validationErrorf(t.ID, "malformed output reference in %q", s)
		}
		for _, ref := range ExtractRefs(s) {
			if ref == t.ID {
				return validationErrorf(t.ID, "task references its own output")
			}
			if !closure[ref] {
				return validationErrorf(t.ID, "references task %q which is not a (transitive) dependency", ref)
			}
		}
		return nil
	})
}

// checkParamTypes rejects values outside the JSON-representable set.
// Integers are tolerated alongside float64 so hand-built plans do not
// need casts; canonical encoding treats them identically.
func checkParamTypes(taskID, path string, v any) error {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return validationErrorf(taskID, "param %s is not a finite number", path)
		}
		return nil
	case nil, bool, string, int, int64:
		return nil
	case map[string]any:
		for k, item := range val {
			if err := checkParamTypes(taskID, path+"."+k, item); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, item := range val {
			if err := checkParamTypes(taskID, fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
		return nil
	default:
		return validationErrorf(taskID, "param %s has non-JSON type %T", path, v)
	}
}

// dependencyClosures computes, for every task, the set of task IDs
// reachable through DependsOn.
func dependencyClosures(p *Plan) map[string]map[string]bool {
	closures := make(map[string]map[string]bool, len(p.Tasks))
	var visit func(id string) map[string]bool
	visit = func(id string) map[string]bool {
		if c, ok := closures[id]; ok {
			return c
		}
		c := make(map[string]bool)
		closures[id] = c // placeholder guards against revisits on cycles
		t := p.TaskByID(id)
		if t == nil {
			return c
		}
		for _, dep := range t.DependsOn {
			c[dep] = true
			for r := range visit(dep) {
				c[r] = true
			}
		}
		return c
	}
	for i := range p.Tasks {
		visit(p.Tasks[i].ID)
	}
	return closures
}

// findCycle returns an example cycle path (first node repeated at the
// end), or nil when the DAG is acyclic. Traversal order follows the
// plan's task order so the reported path is deterministic.
func findCycle(p *Plan) []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(p.Tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = inStack
		stack = append(stack, id)
		t := p.TaskByID(id)
		if t != nil {
			for _, dep := range t.DependsOn {
				switch state[dep] {
				case inStack:
					// Slice the stack from the first occurrence of dep.
					for i, node := range stack {
						if node == dep {
							path := append([]string{}, stack[i:]...)
							return append(path, dep)
						}
					}
				case unvisited:
					if path := visit(dep); path != nil {
						return path
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for i := range p.Tasks {
		if state[p.Tasks[i].ID] == unvisited {
			if path := visit(p.Tasks[i].ID); path != nil {
				return path
			}
		}
	}
	return nil
}
