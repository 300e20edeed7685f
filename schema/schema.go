// Package schema defines the Standard-Schema validation interface the
// collection runtime validates inserts and updates against (spec §4.6
// "Schema validation"). It deliberately does not implement a validation
// library itself — schema libraries are an external collaborator per the
// purpose statement's scope — only the thin synchronous contract collection
// calls into.
package schema

import (
	"fmt"
	"strings"
)

// OperationType names which collection operation triggered validation.
type OperationType string

const (
	Insert OperationType = "insert"
	Update OperationType = "update"
)

// Issue is one validation failure, with a field path for nested errors.
type Issue struct {
	Path    []string
	Message string
}

// Validator is the Standard-Schema contract: Validate must be synchronous
// and side-effect free. A non-nil error indicates the validator itself
// failed (a bug in the schema, not a validation failure); issues indicate
// validation failures, which callers surface through ValidationError.
type Validator[T any] interface {
	Validate(value T) (issues []Issue, err error)
}

// Func adapts a plain function to Validator.
type Func[T any] func(value T) ([]Issue, error)

func (f Func[T]) Validate(value T) ([]Issue, error) { return f(value) }

// ValidationError is thrown (returned) synchronously on issues found
// during insert or update (spec §7 "SchemaValidation").
type ValidationError struct {
	Type   OperationType
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		if len(issue.Path) == 0 {
			parts[i] = issue.Message
			continue
		}
		parts[i] = fmt.Sprintf("%s: %s", strings.Join(issue.Path, "."), issue.Message)
	}
	return fmt.Sprintf("schema: %s validation failed: %s", e.Type, strings.Join(parts, "; "))
}

// Validate runs v against value (a no-op if v is nil) and returns a
// *ValidationError when issues are found.
func Validate[T any](v Validator[T], op OperationType, value T) error {
	if v == nil {
		return nil
	}
	issues, err := v.Validate(value)
	if err != nil {
		return fmt.Errorf("schema: validator error: %w", err)
	}
	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Type: op, Issues: issues}
}
