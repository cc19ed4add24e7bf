package policy

import (
	"errors"
	"fmt"
)

// ErrUnknownOperator is wrapped by errors returned when a condition
// references an operator name that is not in the registry.
var ErrUnknownOperator = errors.New("policy: unknown operator")

// LoadError reports that a policy document could not be loaded or parsed.
// Callers fall back to the built-in default policy on this error.
type LoadError struct {
	Path string // empty when loading from an in-process document
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("policy: load %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("policy: load document: %v", e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ConditionError reports a malformed condition node. When the cause is an
// unrecognized operator name, Err wraps ErrUnknownOperator so callers can
// tell "unknown operator" apart from "malformed operand list".
type ConditionError struct {
	Reason string
	Err    error
}

func (e *ConditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policy: invalid condition: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("policy: invalid condition: %s", e.Reason)
}

func (e *ConditionError) Unwrap() error { return e.Err }
