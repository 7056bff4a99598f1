package audithook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	ah "github.com/xraph/acidic/audit_hook"
	"github.com/xraph/acidic/ext"
	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/staged"
	"github.com/xraph/acidic/workflow"
)

// ── Mock recorder ────────────────────────────────────

type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// ── Test helpers ─────────────────────────────────────

func newTestRecord() *record.Record {
	locked := time.Now().UTC()
	return &record.Record{
		ID:             id.NewRecordID(),
		IdempotencyKey: "ride_42",
		JobName:        "ride_create",
		RecoveryPoint:  "charge_card",
		Workflow: workflow.Workflow{
			{Does: "charge_card", Then: workflow.Finished},
		},
		LockedAt: &locked,
	}
}

func newTestStaged() *staged.Job {
	return staged.New("redis", "send_receipt", json.RawMessage(`{"ride_id":42}`), time.Now(), time.Minute)
}

// ── Tests ────────────────────────────────────────────

func TestExtension_Name(t *testing.T) {
	if got := ah.New(&mockRecorder{}).Name(); got != "audit-hook" {
		t.Errorf("Name() = %q, want audit-hook", got)
	}
}

func TestExtension_Hooks(t *testing.T) {
	ctx := context.Background()
	r := newTestRecord()
	sj := newTestStaged()
	boom := errors.New("card declined")

	tests := []struct {
		name       string
		emit       func(e *ah.Extension) error
		action     string
		severity   string
		outcome    string
		resource   string
		resourceID string
		metaKey    string
		metaValue  any
		reason     string
	}{
		{
			name:   "record created",
			emit:   func(e *ah.Extension) error { return e.OnRecordCreated(ctx, r) },
			action: ah.ActionRecordCreated, severity: ah.SeverityInfo, outcome: ah.OutcomeSuccess,
			resource: ah.ResourceRecord, resourceID: r.ID.String(),
			metaKey: "idempotency_key", metaValue: "ride_42",
		},
		{
			name:   "replayed",
			emit:   func(e *ah.Extension) error { return e.OnReplayed(ctx, r) },
			action: ah.ActionRecordReplayed, severity: ah.SeverityInfo, outcome: ah.OutcomeSuccess,
			resource: ah.ResourceRecord, resourceID: r.ID.String(),
			metaKey: "job_name", metaValue: "ride_create",
		},
		{
			name:   "lock contended",
			emit:   func(e *ah.Extension) error { return e.OnLockContended(ctx, r) },
			action: ah.ActionLockContended, severity: ah.SeverityWarning, outcome: ah.OutcomeFailure,
			resource: ah.ResourceRecord, resourceID: r.ID.String(),
			metaKey: "recovery_point", metaValue: "charge_card",
		},
		{
			name:   "step completed",
			emit:   func(e *ah.Extension) error { return e.OnStepCompleted(ctx, r, "charge_card", 1500*time.Millisecond) },
			action: ah.ActionStepCompleted, severity: ah.SeverityInfo, outcome: ah.OutcomeSuccess,
			resource: ah.ResourceRecord, resourceID: r.ID.String(),
			metaKey: "elapsed_ms", metaValue: int64(1500),
		},
		{
			name:   "step failed",
			emit:   func(e *ah.Extension) error { return e.OnStepFailed(ctx, r, "charge_card", boom) },
			action: ah.ActionStepFailed, severity: ah.SeverityWarning, outcome: ah.OutcomeFailure,
			resource: ah.ResourceRecord, resourceID: r.ID.String(),
			metaKey: "step", metaValue: "charge_card", reason: "card declined",
		},
		{
			name:   "workflow finished",
			emit:   func(e *ah.Extension) error { return e.OnWorkflowFinished(ctx, r, time.Second) },
			action: ah.ActionWorkflowFinished, severity: ah.SeverityInfo, outcome: ah.OutcomeSuccess,
			resource: ah.ResourceRecord, resourceID: r.ID.String(),
			metaKey: "elapsed_ms", metaValue: int64(1000),
		},
		{
			name:   "workflow failed",
			emit:   func(e *ah.Extension) error { return e.OnWorkflowFailed(ctx, r, boom) },
			action: ah.ActionWorkflowFailed, severity: ah.SeverityCritical, outcome: ah.OutcomeFailure,
			resource: ah.ResourceRecord, resourceID: r.ID.String(),
			metaKey: "error", metaValue: "card declined", reason: "card declined",
		},
		{
			name:   "job staged",
			emit:   func(e *ah.Extension) error { return e.OnJobStaged(ctx, sj) },
			action: ah.ActionJobStaged, severity: ah.SeverityInfo, outcome: ah.OutcomeSuccess,
			resource: ah.ResourceStaged, resourceID: sj.ID.String(),
			metaKey: "adapter", metaValue: "redis",
		},
		{
			name:   "staged enqueued",
			emit:   func(e *ah.Extension) error { return e.OnStagedEnqueued(ctx, sj) },
			action: ah.ActionStagedEnqueued, severity: ah.SeverityInfo, outcome: ah.OutcomeSuccess,
			resource: ah.ResourceStaged, resourceID: sj.ID.String(),
			metaKey: "job_name", metaValue: "send_receipt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &mockRecorder{}
			if err := tt.emit(ah.New(rec)); err != nil {
				t.Fatalf("hook returned %v", err)
			}
			evt := rec.last()
			if evt == nil {
				t.Fatal("no event recorded")
			}
			if evt.Action != tt.action {
				t.Errorf("Action = %q, want %q", evt.Action, tt.action)
			}
			if evt.Severity != tt.severity {
				t.Errorf("Severity = %q, want %q", evt.Severity, tt.severity)
			}
			if evt.Outcome != tt.outcome {
				t.Errorf("Outcome = %q, want %q", evt.Outcome, tt.outcome)
			}
			if evt.Resource != tt.resource || evt.ResourceID != tt.resourceID {
				t.Errorf("Resource = %s/%s, want %s/%s", evt.Resource, evt.ResourceID, tt.resource, tt.resourceID)
			}
			if got := evt.Metadata[tt.metaKey]; got != tt.metaValue {
				t.Errorf("Metadata[%q] = %v (%T), want %v", tt.metaKey, got, got, tt.metaValue)
			}
			if evt.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", evt.Reason, tt.reason)
			}
		})
	}
}

func TestExtension_WithActions(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionWorkflowFailed))
	ctx := context.Background()
	r := newTestRecord()

	_ = e.OnRecordCreated(ctx, r)
	_ = e.OnStepCompleted(ctx, r, "charge_card", time.Millisecond)
	_ = e.OnWorkflowFailed(ctx, r, errors.New("boom"))

	if rec.count() != 1 {
		t.Fatalf("recorded %d events, want 1", rec.count())
	}
	if rec.last().Action != ah.ActionWorkflowFailed {
		t.Errorf("recorded %q", rec.last().Action)
	}
}

func TestExtension_RecorderErrorSwallowed(t *testing.T) {
	var logs bytes.Buffer
	failing := ah.RecorderFunc(func(context.Context, *ah.AuditEvent) error {
		return errors.New("trail unavailable")
	})
	e := ah.New(failing, ah.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	if err := e.OnReplayed(context.Background(), newTestRecord()); err != nil {
		t.Fatalf("hook returned recorder error: %v", err)
	}
	if !strings.Contains(logs.String(), "trail unavailable") {
		t.Errorf("recorder failure not logged: %s", logs.String())
	}
}

func TestLogRecorder_Levels(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := ah.New(ah.LogRecorder(logger))
	ctx := context.Background()
	r := newTestRecord()

	_ = e.OnWorkflowFinished(ctx, r, time.Second)
	_ = e.OnLockContended(ctx, r)
	_ = e.OnWorkflowFailed(ctx, r, errors.New("card declined"))

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d log lines, want 3", len(lines))
	}
	wantLevels := []string{"INFO", "WARN", "ERROR"}
	for i, line := range lines {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if entry["level"] != wantLevels[i] {
			t.Errorf("line %d level = %v, want %s", i, entry["level"], wantLevels[i])
		}
		if entry["resource_id"] != r.ID.String() {
			t.Errorf("line %d resource_id = %v", i, entry["resource_id"])
		}
	}
	if !strings.Contains(lines[2], "card declined") {
		t.Errorf("failure reason missing: %s", lines[2])
	}
}

func TestExtension_RegistersWithRegistry(t *testing.T) {
	rec := &mockRecorder{}
	reg := ext.NewRegistry(nil)
	reg.Register(ah.New(rec))

	reg.EmitRecordCreated(context.Background(), newTestRecord())
	reg.EmitJobStaged(context.Background(), newTestStaged())

	if rec.count() != 2 {
		t.Errorf("recorded %d events through the registry, want 2", rec.count())
	}
}
