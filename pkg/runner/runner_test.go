package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/veriwork/sandlab/pkg/scenario"
	"github.com/veriwork/sandlab/pkg/store"
)

func newTestRunner(t *testing.T) (*Runner, *store.Store) {
	t.Helper()
	s, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func catalogDoc(t *testing.T, id string) *scenario.Document {
	t.Helper()
	doc, err := scenario.NewCatalog().Get(id)
	if err != nil {
		t.Fatalf("catalog lookup failed: %v", err)
	}
	return doc
}

func TestExecuteBaselineCompletes(t *testing.T) {
	r, _ := newTestRunner(t)
	doc := catalogDoc(t, "baseline_review_cycle")

	res, err := scenario.ResolvePositional(doc, "admin-1", []string{"u_100", "u_200"})
	if err != nil {
		t.Fatalf("resolution failed: %v", err)
	}

	result, err := r.Execute(context.Background(), ExecRequest{
		Doc:        doc,
		Partition:  "sbx-baseline",
		Resolution: res,
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if result.Failed {
		t.Fatalf("unexpected failure at step %d: %s", result.FailedStep, result.FailureReason)
	}
	if result.StepsExecuted != 4 || result.StepsTotal != 4 {
		t.Errorf("expected 4/4 steps, got %d/%d", result.StepsExecuted, result.StepsTotal)
	}
	if result.AbuseFlagged {
		t.Error("benign baseline should not flag abuse")
	}
	if len(result.Events) != 4 {
		t.Fatalf("expected 4 step_completed events, got %d", len(result.Events))
	}
	for i, evt := range result.Events {
		if evt.EventType != store.EventTypeStepCompleted {
			t.Errorf("event %d: expected step_completed, got %s", i, evt.EventType)
		}
		if evt.StepIndex != i {
			t.Errorf("event %d: step index %d", i, evt.StepIndex)
		}
		if evt.SandboxID != "sbx-baseline" {
			t.Errorf("event %d missing sandbox tag: %q", i, evt.SandboxID)
		}
	}
	// Step 2 advances the clock by a day; later events carry sim time.
	if result.Events[3].SimTime != 86400 {
		t.Errorf("expected final event at sim time 86400, got %d", result.Events[3].SimTime)
	}
}

func TestExecuteRefusesUnpartitionedTarget(t *testing.T) {
	r, _ := newTestRunner(t)
	doc := catalogDoc(t, "baseline_review_cycle")
	res, _ := scenario.ResolvePositional(doc, "admin-1", []string{"u_100", "u_200"})

	for _, partition := range []string{"", "prod", "production-us", "sbx"} {
		_, err := r.Execute(context.Background(), ExecRequest{
			Doc:        doc,
			Partition:  partition,
			Resolution: res,
		})
		if !errors.Is(err, ErrUnpartitioned) {
			t.Errorf("partition %q: expected ErrUnpartitioned, got %v", partition, err)
		}
	}
}

func TestExecuteRealModeRequiresConfirmation(t *testing.T) {
	r, _ := newTestRunner(t)
	doc := catalogDoc(t, "baseline_review_cycle")
	real := &scenario.Document{ID: doc.ID, Mode: scenario.ModeReal, Steps: doc.Steps}
	res, _ := scenario.ResolvePositional(real, "admin-1", []string{"u_100", "u_200"})

	_, err := r.Execute(context.Background(), ExecRequest{
		Doc:        real,
		Partition:  "sbx-real",
		Resolution: res,
	})
	if !errors.Is(err, ErrRealModeUnconfirmed) {
		t.Fatalf("expected ErrRealModeUnconfirmed, got %v", err)
	}

	result, err := r.Execute(context.Background(), ExecRequest{
		Doc:         real,
		Partition:   "sbx-real",
		Resolution:  res,
		ConfirmReal: true,
	})
	if err != nil {
		t.Fatalf("confirmed real-mode run failed: %v", err)
	}
	if result.StepsExecuted != 4 {
		t.Errorf("expected 4 steps, got %d", result.StepsExecuted)
	}
}

func TestExecuteDetectsReviewRing(t *testing.T) {
	r, _ := newTestRunner(t)
	doc := catalogDoc(t, "ring_probe")
	res, err := scenario.ResolvePositional(doc, "admin-1", []string{"u_1", "u_2", "u_3"})
	if err != nil {
		t.Fatalf("resolution failed: %v", err)
	}

	result, err := r.Execute(context.Background(), ExecRequest{
		Doc:        doc,
		Partition:  "sbx-ring",
		Resolution: res,
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if !result.AbuseFlagged {
		t.Fatal("reciprocal ring should flag abuse")
	}

	var flagged []*store.Event
	for _, evt := range result.Events {
		if evt.EventType == store.EventTypeAbuseFlagged {
			flagged = append(flagged, evt)
		}
	}
	if len(flagged) == 0 {
		t.Fatal("expected at least one abuse_flagged event")
	}
	// The third reciprocal edge closes the component at step 3.
	if flagged[0].StepIndex != 3 {
		t.Errorf("expected first flag at step 3, got %d", flagged[0].StepIndex)
	}
}

func TestExecuteAbortsOnHandlerError(t *testing.T) {
	r, _ := newTestRunner(t)

	// Step 1 disputes a review by an actor who never authored one.
	doc := &scenario.Document{
		ID:   "dispute_nothing",
		Mode: scenario.ModeSafe,
		Steps: []scenario.Step{
			{Actor: "employee_1", Action: scenario.Action{Kind: scenario.ActionClaimOverlap, Overlap: &scenario.OverlapParams{With: "employee_2", Company: "Initech", Months: 3}}},
			{Actor: "employee_1", Action: scenario.Action{Kind: scenario.ActionDispute, Dispute: &scenario.DisputeParams{Target: "employee_2", Subject: "review"}}},
			{Actor: "employee_2", Action: scenario.Action{Kind: scenario.ActionAdvanceTime, Advance: &scenario.AdvanceParams{Seconds: 60}}},
		},
	}
	res, err := scenario.ResolvePositional(doc, "admin-1", []string{"u_1", "u_2"})
	if err != nil {
		t.Fatalf("resolution failed: %v", err)
	}

	result, err := r.Execute(context.Background(), ExecRequest{
		Doc:        doc,
		Partition:  "sbx-abort",
		Resolution: res,
	})
	if err != nil {
		t.Fatalf("execute returned error instead of failed result: %v", err)
	}

	if !result.Failed {
		t.Fatal("expected run to fail")
	}
	if result.FailedStep != 1 {
		t.Errorf("expected failure at step 1, got %d", result.FailedStep)
	}
	if result.StepsExecuted != 1 {
		t.Errorf("expected 1 completed step before abort, got %d", result.StepsExecuted)
	}
	// Events from completed steps survive the abort.
	if len(result.Events) != 1 {
		t.Errorf("expected 1 preserved event, got %d", len(result.Events))
	}
}

func TestExecuteRejectsResumeOutOfRange(t *testing.T) {
	r, _ := newTestRunner(t)
	doc := catalogDoc(t, "baseline_review_cycle")
	res, _ := scenario.ResolvePositional(doc, "admin-1", []string{"u_100", "u_200"})

	for _, from := range []int{-1, 4, 99} {
		_, err := r.Execute(context.Background(), ExecRequest{
			RunID:      "run_range",
			Doc:        doc,
			Partition:  "sbx-range",
			Resolution: res,
			FromStep:   from,
		})
		var rangeErr *StepRangeError
		if !errors.As(err, &rangeErr) {
			t.Errorf("from_step %d: expected StepRangeError, got %v", from, err)
		}
	}
}

func TestExecuteResumeRequiresSnapshot(t *testing.T) {
	r, _ := newTestRunner(t)
	doc := catalogDoc(t, "baseline_review_cycle")
	res, _ := scenario.ResolvePositional(doc, "admin-1", []string{"u_100", "u_200"})

	_, err := r.Execute(context.Background(), ExecRequest{
		RunID:      "run_never_snapshotted",
		Doc:        doc,
		Partition:  "sbx-resume",
		Resolution: res,
		FromStep:   2,
	})
	var missing *MissingSnapshotError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSnapshotError, got %v", err)
	}
	if missing.StepIndex != 1 {
		t.Errorf("expected missing snapshot at step 1, got %d", missing.StepIndex)
	}
}

func TestExecuteResumeMatchesFullRun(t *testing.T) {
	r, _ := newTestRunner(t)
	doc := catalogDoc(t, "ring_probe")
	res, err := scenario.ResolvePositional(doc, "admin-1", []string{"u_1", "u_2", "u_3"})
	if err != nil {
		t.Fatalf("resolution failed: %v", err)
	}

	full, err := r.Execute(context.Background(), ExecRequest{
		RunID:        "run_resume_eq",
		Doc:          doc,
		Partition:    "sbx-resume-eq",
		Resolution:   res,
		CaptureState: true,
	})
	if err != nil {
		t.Fatalf("full run failed: %v", err)
	}
	if full.Failed {
		t.Fatalf("full run failed at step %d: %s", full.FailedStep, full.FailureReason)
	}

	resumed, err := r.Execute(context.Background(), ExecRequest{
		RunID:        "run_resume_eq",
		Doc:          doc,
		Partition:    "sbx-resume-eq",
		Resolution:   res,
		FromStep:     3,
		CaptureState: true,
	})
	if err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}

	var tail []*store.Event
	for _, evt := range full.Events {
		if evt.StepIndex >= 3 {
			tail = append(tail, evt)
		}
	}
	if len(resumed.Events) != len(tail) {
		t.Fatalf("resumed run emitted %d events, full run tail has %d", len(resumed.Events), len(tail))
	}
	for i := range tail {
		a, b := tail[i], resumed.Events[i]
		if a.EventID != b.EventID {
			t.Errorf("event %d: id %q vs %q", i, a.EventID, b.EventID)
		}
		if a.EventType != b.EventType {
			t.Errorf("event %d: type %q vs %q", i, a.EventType, b.EventType)
		}
		if a.SimTime != b.SimTime {
			t.Errorf("event %d: sim time %d vs %d", i, a.SimTime, b.SimTime)
		}
		if string(a.Metadata) != string(b.Metadata) {
			t.Errorf("event %d: metadata diverged:\n%s\n%s", i, a.Metadata, b.Metadata)
		}
	}

	if full.FinalDigest != resumed.FinalDigest {
		t.Errorf("final digests diverged: %s vs %s", full.FinalDigest, resumed.FinalDigest)
	}
}

func TestExecuteSnapshotsEveryStep(t *testing.T) {
	r, s := newTestRunner(t)
	doc := catalogDoc(t, "baseline_review_cycle")
	res, _ := scenario.ResolvePositional(doc, "admin-1", []string{"u_100", "u_200"})

	_, err := r.Execute(context.Background(), ExecRequest{
		RunID:        "run_snaps",
		Doc:          doc,
		Partition:    "sbx-snaps",
		Resolution:   res,
		CaptureState: true,
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	for i := 0; i < 4; i++ {
		snap, err := s.GetSnapshot(context.Background(), "run_snaps", i)
		if err != nil {
			t.Fatalf("snapshot lookup failed: %v", err)
		}
		if snap == nil {
			t.Errorf("missing snapshot at step %d", i)
		}
	}
}
