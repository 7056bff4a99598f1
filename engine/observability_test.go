package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xraph/acidic/engine"
	"github.com/xraph/acidic/workflow"
)

// registerFlakyRide registers the three ride steps where charge_card
// declines on its first call.
func registerFlakyRide(h *harness) {
	var charges atomic.Int32
	ok := func(name string) workflow.Handler {
		return func(_ context.Context, s *workflow.Scope) error { return s.Set(name, true) }
	}
	engine.Register(h.eng, workflow.Definition[rideArgs]{
		Name: "ride",
		Declare: func(b *workflow.Builder, _ rideArgs) {
			b.Step("create_ride", ok("create_ride")).
				Step("charge_card", func(_ context.Context, s *workflow.Scope) error {
					if charges.Add(1) == 1 {
						return errDeclined
					}
					return s.Set("charge_card", true)
				}).
				Step("send_receipt", ok("send_receipt"))
		},
	})
}

// stepSpans returns the ended step spans as "step:status" in end order.
func stepSpans(t *testing.T, sr *tracetest.SpanRecorder, recordID string) []string {
	t.Helper()
	var out []string
	for _, s := range sr.Ended() {
		if s.Name() != "acidic.step.execute" {
			continue
		}
		attrs := map[attribute.Key]string{}
		for _, kv := range s.Attributes() {
			attrs[kv.Key] = kv.Value.AsString()
		}
		if got := attrs["acidic.record.id"]; got != recordID {
			t.Errorf("span for %q carries record %q, want %q", attrs["acidic.step"], got, recordID)
		}
		if got := attrs["acidic.job.name"]; got != "ride" {
			t.Errorf("span job name = %q, want ride", got)
		}
		status := "ok"
		if s.Status().Code == codes.Error {
			status = "error"
		}
		out = append(out, attrs["acidic.step"]+":"+status)
	}
	return out
}

func TestPerform_OneSpanPerStep(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	h := newHarness(t, engine.WithTracerProvider(tp))
	registerFlakyRide(h)
	ctx := context.Background()

	if _, err := h.eng.Perform(ctx, rideInvocation("ride-1", 1)); !errors.Is(err, errDeclined) {
		t.Fatalf("first Perform: err = %v, want errDeclined", err)
	}
	rec := mustFind(t, h, "ride-1", "ride")

	got := stepSpans(t, sr, rec.ID.String())
	want := []string{"create_ride:ok", "charge_card:error"}
	if !equalStrings(got, want) {
		t.Fatalf("spans after failure = %v, want %v", got, want)
	}

	// The retry resumes at charge_card; create_ride is not traced again.
	if _, err := h.eng.Perform(ctx, rideInvocation("ride-1", 1)); err != nil {
		t.Fatalf("retry Perform: %v", err)
	}
	got = stepSpans(t, sr, rec.ID.String())
	want = append(want, "charge_card:ok", "send_receipt:ok")
	if !equalStrings(got, want) {
		t.Fatalf("spans after retry = %v, want %v", got, want)
	}

	// Replaying a finished record runs no steps.
	if _, err := h.eng.Perform(ctx, rideInvocation("ride-1", 1)); err != nil {
		t.Fatalf("replay Perform: %v", err)
	}
	if n := len(stepSpans(t, sr, rec.ID.String())); n != len(want) {
		t.Errorf("replay added spans: %d, want %d", n, len(want))
	}
}

func TestPerform_StepMetricsPerStep(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	h := newHarness(t, engine.WithMeterProvider(mp))
	registerFlakyRide(h)
	ctx := context.Background()

	_, _ = h.eng.Perform(ctx, rideInvocation("ride-1", 1))
	if _, err := h.eng.Perform(ctx, rideInvocation("ride-1", 1)); err != nil {
		t.Fatalf("retry Perform: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	counts := map[string]int64{}
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "acidic.step.executions" {
				continue
			}
			found = true
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("executions data is %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				step, _ := dp.Attributes.Value("step")
				status, _ := dp.Attributes.Value("status")
				job, _ := dp.Attributes.Value("job_name")
				if job.AsString() != "ride" {
					t.Errorf("job_name = %q, want ride", job.AsString())
				}
				counts[step.AsString()+":"+status.AsString()] += dp.Value
			}
		}
	}
	if !found {
		t.Fatal("acidic.step.executions not recorded")
	}

	want := map[string]int64{
		"create_ride:ok":    1,
		"charge_card:error": 1,
		"charge_card:ok":    1,
		"send_receipt:ok":   1,
	}
	if len(counts) != len(want) {
		t.Errorf("series = %v, want %v", counts, want)
	}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("executions{%s} = %d, want %d", k, counts[k], v)
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
