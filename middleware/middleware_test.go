package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/middleware"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

func newTestTask() *transport.Task {
	t := transport.NewTask("backup", transport.KindBatch, id.NewRunID(), "backup")
	t.BatchIndex = 2
	return t
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *transport.Task, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}
	mw2 := func(ctx context.Context, _ *transport.Task, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	err := chain(context.Background(), newTestTask(), func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_EmptyAndErrors(t *testing.T) {
	want := errors.New("handler error")
	err := middleware.Chain()(context.Background(), newTestTask(), func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestRecover_ConvertsPanic(t *testing.T) {
	m := middleware.Recover(slog.Default())
	err := m(context.Background(), newTestTask(), func(context.Context) error {
		panic("nil map write")
	})
	if err == nil || !strings.Contains(err.Error(), "nil map write") {
		t.Fatalf("expected panic error, got %v", err)
	}
}

func TestLogging_PassesThrough(t *testing.T) {
	m := middleware.Logging(slog.Default())
	want := errors.New("boom")
	if err := m(context.Background(), newTestTask(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTimeout_SetsDeadline(t *testing.T) {
	m := middleware.Timeout(20*time.Millisecond, slog.Default())
	err := m(context.Background(), newTestTask(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected a deadline on the task context")
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestTimeout_ZeroDisabled(t *testing.T) {
	m := middleware.Timeout(0, slog.Default())
	_ = m(context.Background(), newTestTask(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("zero limit must not set a deadline")
		}
		return nil
	})
}
