package chain

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Backoff(context.Background(), 3, time.Millisecond, 1.5, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls: got %d want 1", calls)
	}
}

func TestBackoff_RecoversMidway(t *testing.T) {
	calls := 0
	err := Backoff(context.Background(), 3, time.Millisecond, 1.5, func(context.Context) error {
		calls++
		if calls < 3 {
			return ErrRPCFailure
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: got %d want 3", calls)
	}
}

func TestBackoff_ExhaustsBudget(t *testing.T) {
	calls := 0
	err := Backoff(context.Background(), 3, time.Millisecond, 1.5, func(context.Context) error {
		calls++
		return ErrRPCFailure
	})
	if !errors.Is(err, ErrRPCFailure) {
		t.Fatalf("expected ErrRPCFailure, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: got %d want 3", calls)
	}
}

func TestBackoff_CancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Backoff(ctx, 5, 50*time.Millisecond, 2.0, func(context.Context) error {
		calls++
		cancel()
		return ErrRPCFailure
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls: got %d want 1", calls)
	}
}
