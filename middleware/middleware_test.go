package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/middleware"
)

func newTestStep() *middleware.StepInfo {
	return &middleware.StepInfo{
		RecordID:       id.NewRecordID(),
		IdempotencyKey: "ride_42",
		JobName:        "ride_create",
		Step:           "charge_card",
	}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *middleware.StepInfo, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *middleware.StepInfo, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	err := chain(context.Background(), newTestStep(), func(_ context.Context) error {
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

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	err := chain(context.Background(), newTestStep(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	pass := func(ctx context.Context, _ *middleware.StepInfo, next middleware.Handler) error {
		return next(ctx)
	}
	want := errors.New("handler error")

	err := middleware.Chain(pass)(context.Background(), newTestStep(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	mw := middleware.Recover(slog.Default())

	err := mw(context.Background(), newTestStep(), func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if got := err.Error(); got != "panic in step ride_create.charge_card: test panic" {
		t.Errorf("unexpected error message: %q", got)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	mw := middleware.Recover(slog.Default())

	called := false
	err := mw(context.Background(), newTestStep(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	mw := middleware.Logging(logger)
	want := errors.New("fail")

	if err := mw(context.Background(), newTestStep(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mw(context.Background(), newTestStep(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}

	out := buf.String()
	for _, s := range []string{"step completed", "step failed", "step=charge_card", "error=fail"} {
		if !strings.Contains(out, s) {
			t.Errorf("log output missing %q:\n%s", s, out)
		}
	}
}

func TestTimeout_SetsDeadline(t *testing.T) {
	mw := middleware.Timeout(time.Minute, slog.Default())

	err := mw(context.Background(), newTestStep(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected a deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTimeout_DisabledWhenZero(t *testing.T) {
	mw := middleware.Timeout(0, slog.Default())

	_ = mw(context.Background(), newTestStep(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("expected no deadline")
		}
		return nil
	})
}

func TestInject_ExposesStep(t *testing.T) {
	s := newTestStep()

	err := middleware.Inject()(context.Background(), s, func(ctx context.Context) error {
		got, ok := middleware.StepFrom(ctx)
		if !ok {
			t.Fatal("expected step in context")
		}
		if got.Step != "charge_card" || got.RecordID != s.RecordID {
			t.Errorf("StepFrom = %+v", got)
		}
		key, ok := middleware.DownstreamKey(ctx)
		if !ok || key != s.RecordID.String()+":charge_card" {
			t.Errorf("DownstreamKey = %q, %v", key, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := middleware.DownstreamKey(context.Background()); ok {
		t.Error("expected no key outside a step")
	}
}
