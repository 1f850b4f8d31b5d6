package saga

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"audiorelay/pipeline"
)

func TestRollbackRunsInReverseOrder(t *testing.T) {
	var order []string
	s := New("convert")
	for _, name := range []string{"put audio", "write marker"} {
		name := name
		if err := s.Defer(name, func(context.Context) error {
			order = append(order, name)
			return nil
		}); err != nil {
			t.Fatalf("Defer(%q): %v", name, err)
		}
	}

	cause := errors.New("publish failed")
	if err := s.Rollback(context.Background(), cause); err != cause {
		t.Fatalf("Rollback = %v, want cause unchanged", err)
	}
	want := []string{"write marker", "put audio"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestRollbackFailureIsDoubleFault(t *testing.T) {
	s := New("submit")
	rollbackErr := errors.New("delete refused")
	_ = s.Defer("put video", func(context.Context) error { return rollbackErr })

	cause := errors.New("broker down")
	err := s.Rollback(context.Background(), cause)

	if pipeline.KindOf(err) != pipeline.KindDoubleFault {
		t.Fatalf("kind = %v, want double fault", pipeline.KindOf(err))
	}
	primary, rollback, ok := pipeline.Causes(err)
	if !ok || primary != cause {
		t.Fatalf("primary = %v, want %v", primary, cause)
	}
	if !errors.Is(rollback, rollbackErr) {
		t.Fatalf("rollback cause = %v, want it to wrap %v", rollback, rollbackErr)
	}
}

func TestCommitDisablesRollback(t *testing.T) {
	called := false
	s := New("submit")
	_ = s.Defer("put video", func(context.Context) error {
		called = true
		return nil
	})
	s.Commit()

	cause := errors.New("late failure")
	if err := s.Rollback(context.Background(), cause); err != cause {
		t.Fatalf("Rollback = %v, want %v", err, cause)
	}
	if called {
		t.Fatal("compensation ran after Commit")
	}
}

func TestDeferRejectsBadNames(t *testing.T) {
	s := New("x")
	noop := func(context.Context) error { return nil }
	if err := s.Defer("", noop); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := s.Defer("a", noop); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := s.Defer("a", noop); err == nil {
		t.Fatal("expected error for duplicate name")
	}
}
