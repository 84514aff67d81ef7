package models

// ContextOpKind identifies a context mutation.
type ContextOpKind string

const (
	// ContextOpSet replaces the entry under Key with Content.
	ContextOpSet ContextOpKind = "set"

	// ContextOpAppend appends Content to the entry under Key, creating
	// it when absent.
	ContextOpAppend ContextOpKind = "append"

	// ContextOpDelete removes the entry under Key.
	ContextOpDelete ContextOpKind = "delete"
)

// Valid reports whether k is a known op kind.
func (k ContextOpKind) Valid() bool {
	switch k {
	case ContextOpSet, ContextOpAppend, ContextOpDelete:
		return true
	}
	return false
}

// ContextOp is a single mutation applied when committing a context
// snapshot. Ops are immutable once committed; the oplog records them in
// application order.
type ContextOp struct {
	Kind    ContextOpKind `json:"kind"`
	Key     string        `json:"key"`
	Content string        `json:"content,omitempty"`
}

// ContextEntry is one materialized entry of a context snapshot.
type ContextEntry struct {
	Key     string `json:"key"`
	Content string `json:"content"`
}
