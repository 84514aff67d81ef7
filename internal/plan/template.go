package plan

import (
	"regexp"
	"strings"
)

// refPattern matches a well-formed output reference. Anything that
// merely looks like one (a "{{task." prefix that does not parse) is
// treated as literal text by resolution and rejected by validation.
var refPattern = regexp.MustCompile(`\{\{task\.([a-zA-Z0-9_-]{1,64})\.output\}\}`)

const refPrefix = "{{task."

// ExtractRefs returns the task IDs referenced by well-formed
// {{task.<id>.output}} refs in s, in order of appearance. Duplicates
// are preserved.
func ExtractRefs(s string) []string {
	if !strings.Contains(s, refPrefix) {
		return nil
	}
	matches := refPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, m[1])
	}
	return refs
}

// hasMalformedRef reports whether s contains a "{{task." prefix that is
// not part of a well-formed reference.
func hasMalformedRef(s string) bool {
	if !strings.Contains(s, refPrefix) {
		return false
	}
	stripped := refPattern.ReplaceAllString(s, "")
	return strings.Contains(stripped, refPrefix)
}

// ResolveString substitutes every well-formed reference in s with the
// referenced task's output. A reference to a task missing from outputs
// is a validation error.
func ResolveString(s string, outputs map[string]string) (string, error) {
	if !strings.Contains(s, refPrefix) {
		return s, nil
	}
	var missing string
	resolved := refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		id := refPattern.FindStringSubmatch(ref)[1]
		out, ok := outputs[id]
		if !ok {
			if missing == "" {
				missing = id
			}
			return ref
		}
		return out
	})
	if missing != "" {
		return "", validationErrorf("", "reference to task %q has no output", missing)
	}
	return resolved, nil
}

// ResolveParams returns a deep copy of params with every string leaf
// resolved against outputs. The input tree is never mutated.
func ResolveParams(params map[string]any, outputs map[string]string) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	resolved, err := resolveValue(params, outputs)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func resolveValue(v any, outputs map[string]string) (any, error) {
	switch val := v.(type) {
	case string:
		return ResolveString(val, outputs)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolveValue(item, outputs)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveValue(item, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// collectStringLeaves walks the params tree invoking fn on every string
// leaf. Map keys are passed with isKey=true so validation can reject
// references in keys.
func collectStringLeaves(v any, isKey bool, fn func(s string, isKey bool) error) error {
	switch val := v.(type) {
	case string:
		return fn(val, isKey)
	case map[string]any:
		for k, item := range val {
			if err := fn(k, true); err != nil {
				return err
			}
			if err := collectStringLeaves(item, false, fn); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for _, item := range val {
			if err := collectStringLeaves(item, false, fn); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}
