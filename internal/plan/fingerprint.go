package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
)

// Fingerprint returns a deterministic SHA-256 hex digest of the plan's
// semantic content: goal plus each task's id, tool, params, dependency
// list, timeout, and retry budget, in task order. Volatile fields (plan
// ID, chat ID, creation time) are excluded, so the same authored plan
// always hashes the same regardless of when or where it was persisted.
func Fingerprint(p *Plan) string {
	var buf bytes.Buffer
	buf.WriteString(`{"goal":`)
	writeCanonicalString(&buf, p.Goal)
	buf.WriteString(`,"tasks":[`)
	for i := range p.Tasks {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeCanonicalTask(&buf, &p.Tasks[i])
	}
	buf.WriteString(`]}`)

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func writeCanonicalTask(buf *bytes.Buffer, t *Task) {
	buf.WriteString(`{"id":`)
	writeCanonicalString(buf, t.ID)
	buf.WriteString(`,"tool":`)
	writeCanonicalString(buf, t.Tool)
	buf.WriteString(`,"params":`)
	writeCanonicalValue(buf, t.Params)
	buf.WriteString(`,"depends_on":[`)
	for i, dep := range dedupDeps(t.DependsOn) {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeCanonicalString(buf, dep)
	}
	buf.WriteString(`],"timeout_ms":`)
	buf.WriteString(strconv.FormatInt(t.Timeout.Milliseconds(), 10))
	buf.WriteString(`,"max_retries":`)
	buf.WriteString(strconv.Itoa(t.MaxRetries))
	buf.WriteByte('}')
}

// writeCanonicalValue writes a canonical encoding of a JSON-like value:
// map keys sorted, floats in shortest round-trip form, explicit nulls.
// Values outside the JSON set were rejected by Validate; they encode as
// null here so the fingerprint stays total.
func writeCanonicalValue(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case string:
		writeCanonicalString(buf, val)
	case float64:
		buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case int:
		buf.WriteString(strconv.Itoa(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case map[string]any:
		if val == nil {
			buf.WriteString("null")
			return
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, k)
			buf.WriteByte(':')
			writeCanonicalValue(buf, val[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalValue(buf, item)
		}
		buf.WriteByte(']')
	default:
		buf.WriteString("null")
	}
}

func writeCanonicalString(buf *bytes.Buffer, s string) {
	// json.Marshal escapes strings deterministically.
	b, err := json.Marshal(s)
	if err != nil {
		buf.WriteString(`""`)
		return
	}
	buf.Write(b)
}
