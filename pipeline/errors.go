// Package pipeline defines the error kinds shared by every stage of the
// conversion pipeline. Callers dispatch on Kind, never on message text.
package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindValidation
	KindUpload
	KindTransform
	KindPublish
	KindNotify
	KindDoubleFault
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindValidation:
		return "validation"
	case KindUpload:
		return "upload"
	case KindTransform:
		return "transform"
	case KindPublish:
		return "publish"
	case KindNotify:
		return "notify"
	case KindDoubleFault:
		return "double_fault"
	default:
		return "unknown"
	}
}

// Error is a failure tagged with the stage that produced it.
// Rollback is set only for KindDoubleFault and holds the compensation failure;
// Err then holds the failure that triggered the compensation.
type Error struct {
	Kind     Kind
	Op       string
	Err      error
	Rollback error
}

func (e *Error) Error() string {
	if e.Kind == KindDoubleFault {
		return fmt.Sprintf("%s: %v (rollback failed: %v)", e.Op, e.Err, e.Rollback)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both causes so errors.Is matches either of them.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Rollback != nil {
		errs = append(errs, e.Rollback)
	}
	return errs
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// DoubleFault reports a failed compensation. cause is the error that
// triggered the rollback and rollback is why the rollback itself failed.
func DoubleFault(op string, cause, rollback error) *Error {
	return &Error{Kind: KindDoubleFault, Op: op, Err: cause, Rollback: rollback}
}

// Validation is shorthand for a KindValidation error built from a message.
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost *Error in err's chain,
// or KindUnknown when there is none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Causes splits a double fault into its primary and rollback causes.
// ok is false when err is not a double fault.
func Causes(err error) (primary, rollback error, ok bool) {
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindDoubleFault {
		return nil, nil, false
	}
	return pe.Err, pe.Rollback, true
}

// IsConnection reports whether err is a broker connection failure.
func IsConnection(err error) bool {
	return KindOf(err) == KindConnection
}
