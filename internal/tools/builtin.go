package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/loom/pkg/models"
)

const builtinVersion = "1.0.0"

// maxFileReadSize caps file.read payloads so a tool result cannot
// balloon a task attempt.
const maxFileReadSize = 4 << 20

// BuiltinConfig configures the built-in tool set.
type BuiltinConfig struct {
	// WorkspaceRoot is the directory the file tools operate under.
	// Empty means the current directory.
	WorkspaceRoot string
}

// RegisterBuiltins installs the built-in tools into r. Deployments can
// re-register any name afterwards to shadow a built-in.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	specs := []*Spec{
		contextSetSpec(),
		contextAppendSpec(),
		contextDeleteSpec(),
		echoSpec(),
		fileReadSpec(cfg.WorkspaceRoot),
		fileEditSpec(cfg.WorkspaceRoot),
	}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// DecodeParams converts a templated param tree into a typed struct by
// round-tripping through JSON.
func DecodeParams(params any, dst any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

type contextWriteParams struct {
	Key   string `json:"key" jsonschema:"description=Context key to write"`
	Value string `json:"value" jsonschema:"description=Value to write"`
}

type contextDeleteParams struct {
	Key string `json:"key" jsonschema:"description=Context key to remove"`
}

func contextSetSpec() *Spec {
	schema := reflectSchema(&contextWriteParams{})
	return &Spec{
		Name:        "context.set",
		Version:     builtinVersion,
		Description: "Set a context key to a value, replacing any existing value.",
		Effects:     []string{"write"},
		InSchema:    schema,
		AutoExec:    true,
		Fn: func(ctx context.Context, params any, ec ExecutionContext) (*Result, error) {
			p, err := decodeContextWrite("context.set", schema, params)
			if err != nil {
				return nil, err
			}
			return &Result{
				Output: p.Value,
				Ops: []models.ContextOp{
					{Kind: models.ContextOpSet, Key: p.Key, Content: p.Value},
				},
			}, nil
		},
	}
}

func contextAppendSpec() *Spec {
	schema := reflectSchema(&contextWriteParams{})
	return &Spec{
		Name:        "context.append",
		Version:     builtinVersion,
		Description: "Append text to a context key, creating it when absent.",
		Effects:     []string{"write"},
		InSchema:    schema,
		AutoExec:    true,
		Fn: func(ctx context.Context, params any, ec ExecutionContext) (*Result, error) {
			p, err := decodeContextWrite("context.append", schema, params)
			if err != nil {
				return nil, err
			}
			return &Result{
				Output: p.Value,
				Ops: []models.ContextOp{
					{Kind: models.ContextOpAppend, Key: p.Key, Content: p.Value},
				},
			}, nil
		},
	}
}

func contextDeleteSpec() *Spec {
	schema := reflectSchema(&contextDeleteParams{})
	return &Spec{
		Name:        "context.delete",
		Version:     builtinVersion,
		Description: "Remove a context key.",
		Effects:     []string{"write"},
		InSchema:    schema,
		AutoExec:    true,
		Fn: func(ctx context.Context, params any, ec ExecutionContext) (*Result, error) {
			if err := validateAgainst("context.delete", schema, params); err != nil {
				return nil, err
			}
			var p contextDeleteParams
			if err := DecodeParams(params, &p); err != nil {
				return nil, err
			}
			return &Result{
				Output: p.Key,
				Ops: []models.ContextOp{
					{Kind: models.ContextOpDelete, Key: p.Key},
				},
			}, nil
		},
	}
}

func decodeContextWrite(name string, schema json.RawMessage, params any) (*contextWriteParams, error) {
	if err := validateAgainst(name, schema, params); err != nil {
		return nil, err
	}
	var p contextWriteParams
	if err := DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return nil, fmt.Errorf("key is required")
	}
	return &p, nil
}

type echoParams struct {
	Text string `json:"text" jsonschema:"description=Text to return unchanged"`
}

func echoSpec() *Spec {
	schema := reflectSchema(&echoParams{})
	return &Spec{
		Name:            "echo",
		Version:         builtinVersion,
		Description:     "Return the given text unchanged.",
		Effects:         []string{"read"},
		InSchema:        schema,
		AutoExec:        true,
		StreamingParams: []string{"text"},
		Fn: func(ctx context.Context, params any, ec ExecutionContext) (*Result, error) {
			if err := validateAgainst("echo", schema, params); err != nil {
				return nil, err
			}
			var p echoParams
			if err := DecodeParams(params, &p); err != nil {
				return nil, err
			}
			return &Result{Output: p.Text}, nil
		},
	}
}

type fileReadParams struct {
	Path string `json:"path" jsonschema:"description=Workspace-relative path to read"`
}

type fileEditParams struct {
	Path    string `json:"path" jsonschema:"description=Workspace-relative path to write"`
	Content string `json:"content" jsonschema:"description=Full new file contents"`
}

func fileReadSpec(root string) *Spec {
	schema := reflectSchema(&fileReadParams{})
	resolver := Resolver{Root: root}
	return &Spec{
		Name:        "file.read",
		Version:     builtinVersion,
		Description: "Read a file from the workspace.",
		Effects:     []string{"read"},
		InSchema:    schema,
		Fn: func(ctx context.Context, params any, ec ExecutionContext) (*Result, error) {
			if err := validateAgainst("file.read", schema, params); err != nil {
				return nil, err
			}
			var p fileReadParams
			if err := DecodeParams(params, &p); err != nil {
				return nil, err
			}
			target, err := resolver.Resolve(p.Path)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(target)
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", p.Path, err)
			}
			if info.Size() > maxFileReadSize {
				return nil, fmt.Errorf("%s is %d bytes, over the %d byte read limit", p.Path, info.Size(), maxFileReadSize)
			}
			data, err := os.ReadFile(target)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", p.Path, err)
			}
			return &Result{Output: string(data)}, nil
		},
	}
}

func fileEditSpec(root string) *Spec {
	schema := reflectSchema(&fileEditParams{})
	resolver := Resolver{Root: root}
	return &Spec{
		Name:        "file.edit",
		Version:     builtinVersion,
		Description: "Write the full contents of a workspace file, creating parent directories as needed.",
		Effects:     []string{"write"},
		InSchema:    schema,
		AutoExec:    true,
		// Edit content streams, but auto-execution still waits for the
		// complete call so a torn body never reaches the filesystem.
		StreamingParams: []string{"content"},
		Fn: func(ctx context.Context, params any, ec ExecutionContext) (*Result, error) {
			if err := validateAgainst("file.edit", schema, params); err != nil {
				return nil, err
			}
			var p fileEditParams
			if err := DecodeParams(params, &p); err != nil {
				return nil, err
			}
			target, err := resolver.Resolve(p.Path)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, fmt.Errorf("create parent dirs for %s: %w", p.Path, err)
			}
			if err := os.WriteFile(target, []byte(p.Content), 0o644); err != nil {
				return nil, fmt.Errorf("write %s: %w", p.Path, err)
			}
			return &Result{
				Output: map[string]any{
					"path":  p.Path,
					"bytes": len(p.Content),
				},
			}, nil
		},
	}
}
