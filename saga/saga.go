// Package saga tracks compensating actions for multi-resource operations.
package saga

import (
	"context"
	"errors"
	"fmt"

	"audiorelay/logger"
	"audiorelay/pipeline"
)

// Compensation undoes a completed step.
type Compensation func(ctx context.Context) error

type step struct {
	name string
	undo Compensation
}

// Saga collects compensations in the order their steps completed.
// The zero value is ready to use. A Saga is not safe for concurrent use.
type Saga struct {
	op        string
	steps     []step
	committed bool
}

// New returns a saga whose errors are reported under op.
func New(op string) *Saga {
	return &Saga{op: op}
}

// Defer registers the compensation for a step that just succeeded.
func (s *Saga) Defer(name string, undo Compensation) error {
	if name == "" {
		return errors.New("saga step name is required")
	}
	for _, st := range s.steps {
		if st.name == name {
			return fmt.Errorf("duplicate saga step: %s", name)
		}
	}
	s.steps = append(s.steps, step{name: name, undo: undo})
	return nil
}

// Commit marks the saga complete. Later Rollback calls become no-ops, which
// lets callers defer a rollback unconditionally.
func (s *Saga) Commit() {
	s.committed = true
}

// Rollback runs every registered compensation in reverse order and returns
// the error the caller should surface. cause is returned unchanged when all
// compensations succeed; otherwise the result is a double fault holding cause
// and the compensation failures.
func (s *Saga) Rollback(ctx context.Context, cause error) error {
	if s.committed {
		return cause
	}
	s.committed = true

	var failed []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		st := s.steps[i]
		logger.Warnf("saga %s: compensating step %q after: %v", s.op, st.name, cause)
		if err := st.undo(ctx); err != nil {
			logger.Errorf("saga %s: compensation %q failed: %v", s.op, st.name, err)
			failed = append(failed, fmt.Errorf("%s: %w", st.name, err))
		}
	}
	if len(failed) == 0 {
		return cause
	}
	return pipeline.DoubleFault(s.op, cause, errors.Join(failed...))
}
