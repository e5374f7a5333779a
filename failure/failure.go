// Package failure holds the error taxonomy shared by the condition
// evaluator, dispatcher, stage controller, resume manager and batch
// controller.
package failure

import (
	"errors"
	"fmt"
)

type Kind string

const (
	FilterMismatch         Kind = "filter_mismatch"
	ConditionNotMet        Kind = "condition_not_met"
	ActionExecutionFailure Kind = "action_execution_failure"
	CycleExhausted         Kind = "cycle_exhausted"
	FollowupExhausted      Kind = "followup_exhausted"
	CommitFailure          Kind = "commit_failure"
	StateCorruption        Kind = "state_corruption"
)

// Category is an advisory classification attached to CycleExhausted.
type Category string

const (
	DependencyUnavailable Category = "dependency_unavailable"
	ConstraintConflict    Category = "constraint_conflict"
	ProhibitedAction      Category = "prohibited_action"
	TestFailure           Category = "test_failure"
	Unknown               Category = "unknown"
)

type Error struct {
	Kind     Kind
	Action   string
	Category Category
	Err      error
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.Action != "" && e.Category != "":
		msg = fmt.Sprintf("%s: action %q (category: %s)", e.Kind, e.Action, e.Category)
	case e.Action != "":
		msg = fmt.Sprintf("%s: action %q", e.Kind, e.Action)
	default:
		msg = string(e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k})
// works without comparing the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Action == "" || t.Action == e.Action)
}

func New(kind Kind, action string, err error) *Error {
	return &Error{Kind: kind, Action: action, Err: err}
}

func Newf(kind Kind, action string, format string, args ...any) *Error {
	return &Error{Kind: kind, Action: action, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or ""
// when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Has reports whether err's chain contains an *Error of the given kind.
func Has(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
