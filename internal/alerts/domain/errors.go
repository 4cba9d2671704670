package alerts

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a missing rule or event.
var ErrNotFound = errors.New("alert: not found")

// ErrInvalidRule wraps rule validation failures from the admin surface.
var ErrInvalidRule = errors.New("alert: invalid rule")

// RuleEvaluationError reports a rule that could not be evaluated.
type RuleEvaluationError struct {
	RuleID int64
	Reason string
	Err    error
}

func (e *RuleEvaluationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("alert rule %d: %s", e.RuleID, e.Reason)
	}
	return fmt.Sprintf("alert rule %d: %s: %v", e.RuleID, e.Reason, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure during evaluation.
type StoreError struct {
	Op     string
	RuleID int64
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("alert store: %s (rule %d): %v", e.Op, e.RuleID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
