package tools

import (
	"errors"
	"fmt"
)

// UnknownToolError reports a registry lookup miss.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// IsUnknownTool reports whether err is an UnknownToolError.
func IsUnknownTool(err error) bool {
	var target *UnknownToolError
	return errors.As(err, &target)
}

// ToolError wraps a failure raised by a tool's callable.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// IsToolError reports whether err is a ToolError.
func IsToolError(err error) bool {
	var target *ToolError
	return errors.As(err, &target)
}
