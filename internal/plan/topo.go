package plan

import (
	"sort"
	"strings"
)

// TopologicalOrder returns the plan's task IDs in a dependency-respecting
// order. The order is deterministic: among tasks whose dependencies are
// all satisfied, the one earliest in the plan's task list goes first.
// A cyclic plan yields a ValidationError whose message names the Cycle.
func TopologicalOrder(p *Plan) ([]string, error) {
	if p == nil || len(p.Tasks) == 0 {
		return nil, validationErrorf("", "plan has no tasks")
	}

	idx := p.taskIndex()
	indegree := make(map[string]int, len(p.Tasks))
	dependents := make(map[string][]string, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if _, ok := indegree[t.ID]; !ok {
			indegree[t.ID] = 0
		}
		for _, dep := range dedupDeps(t.DependsOn) {
			if _, ok := idx[dep]; !ok {
				return nil, validationErrorf(t.ID, "unknown dependency %q", dep)
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	// Ready set kept sorted by plan position.
	var ready []string
	for i := range p.Tasks {
		if indegree[p.Tasks[i].ID] == 0 {
			ready = append(ready, p.Tasks[i].ID)
		}
	}

	order := make([]string, 0, len(p.Tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = insertByPlanOrder(ready, dep, idx)
			}
		}
	}

	if len(order) != len(p.Tasks) {
		if path := findCycle(p); path != nil {
			return nil, validationErrorf("", "dependency Cycle detected: %s", strings.Join(path, " -> "))
		}
		return nil, validationErrorf("", "dependency Cycle detected")
	}
	return order, nil
}

// insertByPlanOrder inserts id into ready keeping ready sorted by the
// tasks' positions in the plan.
func insertByPlanOrder(ready []string, id string, idx map[string]int) []string {
	pos := sort.Search(len(ready), func(i int) bool {
		return idx[ready[i]] > idx[id]
	})
	ready = append(ready, "")
	copy(ready[pos+1:], ready[pos:])
	ready[pos] = id
	return ready
}
