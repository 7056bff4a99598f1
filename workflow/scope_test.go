package workflow_test

import (
	"encoding/json"
	"testing"

	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/workflow"
)

func TestScope_AttrsAreWorkingCopy(t *testing.T) {
	base := workflow.Attrs{}
	_ = base.Set("count", 1)

	s := workflow.NewScope(id.NewRecordID(), "job", "step", nil, base)
	if err := s.Set("count", 2); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_ = s.Set("extra", []string{"x"})

	var n int
	if _, err := base.Get("count", &n); err != nil || n != 1 {
		t.Errorf("base mutated: count = %d", n)
	}
	if base.Has("extra") {
		t.Error("base gained a key")
	}

	got := s.Attrs()
	if _, _ = got.Get("count", &n); n != 2 {
		t.Errorf("scope count = %d, want 2", n)
	}
	if len(got) != 2 || !got.Has("extra") {
		t.Errorf("attrs = %v, want count and extra", got)
	}
}

func TestScope_ArgsAndHalt(t *testing.T) {
	s := workflow.NewScope(id.NewRecordID(), "charge", "create", json.RawMessage(`{"amount":42}`), nil)

	var args struct{ Amount int }
	if err := s.Args(&args); err != nil || args.Amount != 42 {
		t.Fatalf("Args = %+v, %v", args, err)
	}
	if s.JobName() != "charge" || s.Step() != "create" {
		t.Errorf("identity = %s/%s", s.JobName(), s.Step())
	}
	if s.Halted() {
		t.Error("should not start halted")
	}
	s.Halt()
	if !s.Halted() {
		t.Error("Halt did not stick")
	}
}

func TestAttrs_GetMissingAndBadType(t *testing.T) {
	a := workflow.Attrs{}
	var s string
	if ok, err := a.Get("nope", &s); ok || err != nil {
		t.Errorf("missing key = %v, %v", ok, err)
	}
	_ = a.Set("n", 5)
	if ok, err := a.Get("n", &s); !ok || err == nil {
		t.Errorf("expected decode error, got %v, %v", ok, err)
	}
	a.Delete("n")
	if a.Has("n") {
		t.Error("Delete did not remove key")
	}
}
