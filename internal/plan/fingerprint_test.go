package plan

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := linearPlan()
	b := linearPlan()
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("identical plans should share a fingerprint")
	}
}

func TestFingerprint_IgnoresVolatileFields(t *testing.T) {
	a := linearPlan()
	b := linearPlan()
	b.ID = "plan-123"
	b.ChatID = "chat-456"
	b.CreatedAt = time.Now()
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("persistence-time fields should not affect the fingerprint")
	}
}

func TestFingerprint_Discriminates(t *testing.T) {
	base := Fingerprint(linearPlan())

	mutations := map[string]func(*Plan){
		"goal":       func(p *Plan) { p.Goal = "different goal" },
		"tool":       func(p *Plan) { p.Tasks[0].Tool = "file.write" },
		"param":      func(p *Plan) { p.Tasks[0].Params["path"] = "other.txt" },
		"retries":    func(p *Plan) { p.Tasks[1].MaxRetries = 3 },
		"timeout":    func(p *Plan) { p.Tasks[1].Timeout = time.Minute },
		"task order": func(p *Plan) { p.Tasks[0], p.Tasks[1] = p.Tasks[1], p.Tasks[0] },
		"extra task": func(p *Plan) {
			p.Tasks = append(p.Tasks, Task{ID: "extra", Tool: "echo"})
		},
		"dep order": func(p *Plan) {
			p.Tasks = append(p.Tasks, Task{ID: "j", Tool: "echo", DependsOn: []string{"read", "summarize"}})
		},
	}
	for name, mutate := range mutations {
		p := linearPlan()
		mutate(p)
		if Fingerprint(p) == base {
			t.Errorf("mutation %q should change the fingerprint", name)
		}
	}

	// Swapping dependency order is semantic: base-context selection
	// follows the last listed dependency.
	a := linearPlan()
	a.Tasks = append(a.Tasks, Task{ID: "j", Tool: "echo", DependsOn: []string{"read", "summarize"}})
	b := linearPlan()
	b.Tasks = append(b.Tasks, Task{ID: "j", Tool: "echo", DependsOn: []string{"summarize", "read"}})
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("dependency order should affect the fingerprint")
	}
}

func TestFingerprint_MapOrderInsensitive(t *testing.T) {
	// Go map iteration order is random; two plans with the same params
	// must hash the same regardless.
	build := func() *Plan {
		params := map[string]any{}
		for _, k := range []string{"alpha", "beta", "gamma", "delta", "epsilon"} {
			params[k] = k + "-value"
		}
		return &Plan{Goal: "maps", Tasks: []Task{{ID: "a", Tool: "echo", Params: params}}}
	}
	first := Fingerprint(build())
	for i := 0; i < 20; i++ {
		if got := Fingerprint(build()); got != first {
			t.Fatalf("iteration %d produced %s, want %s", i, got, first)
		}
	}
}

func TestFingerprint_NumberForms(t *testing.T) {
	// An int param and the equivalent float64 (as JSON decoding yields)
	// must hash identically.
	a := &Plan{Goal: "nums", Tasks: []Task{{ID: "a", Tool: "echo", Params: map[string]any{"n": 3}}}}
	b := &Plan{Goal: "nums", Tasks: []Task{{ID: "a", Tool: "echo", Params: map[string]any{"n": float64(3)}}}}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("int 3 and float64 3 should hash identically")
	}

	c := &Plan{Goal: "nums", Tasks: []Task{{ID: "a", Tool: "echo", Params: map[string]any{"n": 3.5}}}}
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("3 and 3.5 should hash differently")
	}
}

func TestFingerprint_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// gopter's Gen.Map treats a mapper returning `any` as one returning
	// *gopter.GenResult and panics, so re-type the results directly.
	asAny := func(g gopter.Gen) gopter.Gen {
		return func(p *gopter.GenParameters) *gopter.GenResult {
			r := g(p)
			return &gopter.GenResult{
				Labels:     r.Labels,
				Shrinker:   gopter.NoShrinker,
				ResultType: reflect.TypeOf((*any)(nil)).Elem(),
				Result:     r.Result,
			}
		}
	}

	genParams := gen.MapOf(gen.Identifier(), gen.OneGenOf(
		asAny(gen.AlphaString()),
		asAny(gen.Float64Range(-1e6, 1e6)),
		asAny(gen.Bool()),
	))

	properties.Property("fingerprint is stable across calls", prop.ForAll(
		func(goal string, params map[string]any) bool {
			p := &Plan{Goal: goal, Tasks: []Task{{ID: "t1", Tool: "echo", Params: params}}}
			return Fingerprint(p) == Fingerprint(p)
		},
		gen.AlphaString(),
		genParams,
	))

	properties.Property("goal change changes fingerprint", prop.ForAll(
		func(goal string, params map[string]any) bool {
			a := &Plan{Goal: goal, Tasks: []Task{{ID: "t1", Tool: "echo", Params: params}}}
			b := &Plan{Goal: goal + "!", Tasks: []Task{{ID: "t1", Tool: "echo", Params: params}}}
			return Fingerprint(a) != Fingerprint(b)
		},
		gen.AlphaString(),
		genParams,
	))

	properties.Property("added param changes fingerprint", prop.ForAll(
		func(goal string, params map[string]any, extra string) bool {
			a := &Plan{Goal: goal, Tasks: []Task{{ID: "t1", Tool: "echo", Params: params}}}
			fpA := Fingerprint(a)
			grown := make(map[string]any, len(params)+1)
			for k, v := range params {
				grown[k] = v
			}
			key := "zz_" + extra
			if _, exists := grown[key]; exists {
				return true
			}
			grown[key] = "sentinel"
			b := &Plan{Goal: goal, Tasks: []Task{{ID: "t1", Tool: "echo", Params: grown}}}
			return fpA != Fingerprint(b)
		},
		gen.AlphaString(),
		genParams,
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
