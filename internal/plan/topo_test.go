package plan

import (
	"strings"
	"testing"
)

func TestTopologicalOrder_RespectsDependencies(t *testing.T) {
	p := &Plan{
		Goal: "diamond",
		Tasks: []Task{
			{ID: "fetch", Tool: "http.get"},
			{ID: "parse", Tool: "json.parse", DependsOn: []string{"fetch"}},
			{ID: "stats", Tool: "math.stats", DependsOn: []string{"fetch"}},
			{ID: "report", Tool: "llm.generate", DependsOn: []string{"parse", "stats"}},
		},
	}
	order, err := TopologicalOrder(p)
	if err != nil {
		t.Fatalf("TopologicalOrder() error = %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for i := range p.Tasks {
		for _, dep := range p.Tasks[i].DependsOn {
			if pos[dep] >= pos[p.Tasks[i].ID] {
				t.Errorf("dependency %q ordered after %q", dep, p.Tasks[i].ID)
			}
		}
	}
}

func TestTopologicalOrder_Deterministic(t *testing.T) {
	p := &Plan{
		Goal: "parallel roots",
		Tasks: []Task{
			{ID: "c", Tool: "echo"},
			{ID: "a", Tool: "echo"},
			{ID: "b", Tool: "echo"},
			{ID: "join", Tool: "echo", DependsOn: []string{"a", "b", "c"}},
		},
	}
	first, err := TopologicalOrder(p)
	if err != nil {
		t.Fatalf("TopologicalOrder() error = %v", err)
	}
	// Roots come out in authoring order, not alphabetical.
	want := []string{"c", "a", "b", "join"}
	for i := range want {
		if first[i] != want[i] {
			t.Fatalf("order = %v, want %v", first, want)
		}
	}
	for i := 0; i < 10; i++ {
		again, err := TopologicalOrder(p)
		if err != nil {
			t.Fatalf("TopologicalOrder() error = %v", err)
		}
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("run %d produced %v, first run produced %v", i, again, first)
			}
		}
	}
}

func TestTopologicalOrder_Cycle(t *testing.T) {
	p := &Plan{
		Goal: "loop",
		Tasks: []Task{
			{ID: "a", Tool: "echo", DependsOn: []string{"b"}},
			{ID: "b", Tool: "echo", DependsOn: []string{"a"}},
		},
	}
	_, err := TopologicalOrder(p)
	if err == nil {
		t.Fatal("cycle should fail")
	}
	if !strings.Contains(err.Error(), "Cycle") {
		t.Errorf("error %q should mention Cycle", err.Error())
	}
	if !IsInvalidPlan(err) {
		t.Errorf("cycle error should wrap ErrInvalidPlan")
	}
}

func TestTopologicalOrder_SingleTask(t *testing.T) {
	p := &Plan{Goal: "solo", Tasks: []Task{{ID: "only", Tool: "echo"}}}
	order, err := TopologicalOrder(p)
	if err != nil {
		t.Fatalf("TopologicalOrder() error = %v", err)
	}
	if len(order) != 1 || order[0] != "only" {
		t.Errorf("order = %v, want [only]", order)
	}
}
