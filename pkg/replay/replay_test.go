package replay

import (
	"context"
	"errors"
	"testing"

	"github.com/veriwork/sandlab/pkg/fuzz"
	"github.com/veriwork/sandlab/pkg/runner"
	"github.com/veriwork/sandlab/pkg/store"
)

func newTestEngine(t *testing.T) (*Engine, *fuzz.Fuzzer, *store.Store) {
	t.Helper()
	s, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	r := runner.New(s, nil)
	return New(r, s), fuzz.New(r, s), s
}

func TestReplayUnknownRun(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.Replay(context.Background(), Request{RunID: "run_nope", CallerID: "admin-1"})
	var unknown *ErrUnknownRun
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownRun, got %v", err)
	}
}

func TestReplayRefusesRunWithoutDocument(t *testing.T) {
	_, _, s := newTestEngine(t)

	// A legacy record with no captured document.
	err := s.SaveFuzzRun(context.Background(), &store.FuzzRun{
		RunID:      "run_legacy",
		SandboxID:  "sbx-legacy",
		AttackType: store.AttackBoostRings,
		Seed:       1,
		Mode:       "safe",
		CreatedBy:  "admin-1",
	})
	if err != nil {
		t.Fatalf("failed to seed legacy run: %v", err)
	}

	e := New(runner.New(s, nil), s)
	_, replayErr := e.Replay(context.Background(), Request{RunID: "run_legacy", CallerID: "admin-1"})
	var notReplayable *ErrNotReplayable
	if !errors.As(replayErr, &notReplayable) {
		t.Fatalf("expected ErrNotReplayable, got %v", replayErr)
	}
}

func TestReplayReproducesOriginalEvents(t *testing.T) {
	e, f, s := newTestEngine(t)

	seed := int64(42)
	original, err := f.Run(context.Background(), fuzz.Request{
		AttackType: store.AttackBoostRings,
		Partition:  "sbx-replay",
		Seed:       &seed,
		CallerID:   "admin-1",
	})
	if err != nil {
		t.Fatalf("fuzz run failed: %v", err)
	}

	replayed, err := e.Replay(context.Background(), Request{
		RunID:    original.RunID,
		CallerID: "admin-1",
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if len(replayed.Run.Events) != len(original.Run.Events) {
		t.Fatalf("replay emitted %d events, original %d", len(replayed.Run.Events), len(original.Run.Events))
	}
	for i := range original.Run.Events {
		a, b := original.Run.Events[i], replayed.Run.Events[i]
		if a.EventID != b.EventID || a.EventType != b.EventType || a.SimTime != b.SimTime {
			t.Errorf("event %d diverged: %+v vs %+v", i, a, b)
		}
		if string(a.Metadata) != string(b.Metadata) {
			t.Errorf("event %d metadata diverged:\n%s\n%s", i, a.Metadata, b.Metadata)
		}
	}
	if replayed.Run.FinalDigest != original.Run.FinalDigest {
		t.Errorf("final digests diverged: %s vs %s", replayed.Run.FinalDigest, original.Run.FinalDigest)
	}

	// Deterministic event ids collapse the replay into the existing log.
	stored, err := s.QueryEvents(context.Background(), store.EventFilter{RunID: original.RunID})
	if err != nil {
		t.Fatalf("event query failed: %v", err)
	}
	if len(stored) != len(original.Run.Events) {
		t.Errorf("log has %d events after replay, want %d (no duplicates)", len(stored), len(original.Run.Events))
	}
}

func TestReplayFromMidSequence(t *testing.T) {
	e, f, _ := newTestEngine(t)

	seed := int64(9)
	original, err := f.Run(context.Background(), fuzz.Request{
		AttackType: store.AttackOscillation,
		Partition:  "sbx-replay-mid",
		Seed:       &seed,
		CallerID:   "admin-1",
	})
	if err != nil {
		t.Fatalf("fuzz run failed: %v", err)
	}
	if original.Run.StepsTotal < 4 {
		t.Fatalf("oscillation document unexpectedly short: %d steps", original.Run.StepsTotal)
	}

	from := 3
	replayed, err := e.Replay(context.Background(), Request{
		RunID:    original.RunID,
		FromStep: from,
		CallerID: "admin-1",
	})
	if err != nil {
		t.Fatalf("mid-sequence replay failed: %v", err)
	}

	var tail []*store.Event
	for _, evt := range original.Run.Events {
		if evt.StepIndex >= from {
			tail = append(tail, evt)
		}
	}
	if len(replayed.Run.Events) != len(tail) {
		t.Fatalf("replay tail emitted %d events, original tail has %d", len(replayed.Run.Events), len(tail))
	}
	for i := range tail {
		if tail[i].EventID != replayed.Run.Events[i].EventID {
			t.Errorf("event %d: id %q vs %q", i, tail[i].EventID, replayed.Run.Events[i].EventID)
		}
		if string(tail[i].Metadata) != string(replayed.Run.Events[i].Metadata) {
			t.Errorf("event %d metadata diverged", i)
		}
	}
}
