// Package derr defines the structured error values exchanged between
// delegate components. Errors carry a kind, a message, and optional
// context so callers can branch on classification instead of string
// matching.
package derr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error for cross-component handling.
type Kind string

const (
	KindInvalidInput          Kind = "INVALID_INPUT"
	KindInvalidOperation      Kind = "INVALID_OPERATION"
	KindTaskNotFound          Kind = "TASK_NOT_FOUND"
	KindDependencyCycle       Kind = "DEPENDENCY_CYCLE"
	KindDependencyExists      Kind = "DEPENDENCY_EXISTS"
	KindDepthExceeded         Kind = "DEPTH_EXCEEDED"
	KindFanoutExceeded        Kind = "FANOUT_EXCEEDED"
	KindResourceExhausted     Kind = "RESOURCE_EXHAUSTED"
	KindInsufficientResources Kind = "INSUFFICIENT_RESOURCES"
	KindWorkerSpawnFailed     Kind = "WORKER_SPAWN_FAILED"
	KindTimeout               Kind = "TIMEOUT"
	KindSystemError           Kind = "SYSTEM_ERROR"
)

// Error is a classified error with optional context values.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Context[k])
		}
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var de *Error
	if !errors.As(target, &de) {
		return false
	}
	return de.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// With attaches a context value and returns the same error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report KindSystemError; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindSystemError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
