package fuzz

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/veriwork/sandlab/pkg/runner"
	"github.com/veriwork/sandlab/pkg/scenario"
	"github.com/veriwork/sandlab/pkg/store"
)

func newTestFuzzer(t *testing.T) (*Fuzzer, *store.Store) {
	t.Helper()
	s, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(runner.New(s, nil), s), s
}

func TestGenerateIsDeterministic(t *testing.T) {
	attacks := []store.AttackType{
		store.AttackBoostRings,
		store.AttackRetaliation,
		store.AttackOscillation,
		store.AttackImpersonationSpam,
	}

	for _, attack := range attacks {
		a, err := Generate(attack, 42, scenario.ModeSafe)
		if err != nil {
			t.Fatalf("%s: generate failed: %v", attack, err)
		}
		b, err := Generate(attack, 42, scenario.ModeSafe)
		if err != nil {
			t.Fatalf("%s: generate failed: %v", attack, err)
		}

		aJSON, _ := json.Marshal(a)
		bJSON, _ := json.Marshal(b)
		if string(aJSON) != string(bJSON) {
			t.Errorf("%s: seed 42 produced divergent documents", attack)
		}

		if err := a.Validate(); err != nil {
			t.Errorf("%s: generated document fails validation: %v", attack, err)
		}
	}
}

func TestGenerateRejectsUnknownAttack(t *testing.T) {
	_, err := Generate(store.AttackType("ddos"), 1, scenario.ModeSafe)
	var unknown *ErrUnknownAttack
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownAttack, got %v", err)
	}
}

func TestFuzzRecordsSeedAndDocument(t *testing.T) {
	f, s := newTestFuzzer(t)

	seed := int64(42)
	result, err := f.Run(context.Background(), Request{
		AttackType: store.AttackOscillation,
		Partition:  "sbx-fuzz",
		Seed:       &seed,
		CallerID:   "admin-1",
	})
	if err != nil {
		t.Fatalf("fuzz run failed: %v", err)
	}

	if result.Seed != 42 {
		t.Errorf("expected seed 42 recorded, got %d", result.Seed)
	}

	stored, err := s.GetFuzzRun(context.Background(), result.RunID)
	if err != nil {
		t.Fatalf("failed to load stored run: %v", err)
	}
	if stored == nil {
		t.Fatal("fuzz run was not persisted")
	}
	if stored.Seed != 42 {
		t.Errorf("stored seed %d, want 42", stored.Seed)
	}
	if len(stored.ScenarioDoc) == 0 {
		t.Error("stored run is missing the generated document")
	}
	if len(stored.ActorResolution) == 0 {
		t.Error("stored run is missing the actor resolution")
	}

	var doc scenario.Document
	if err := json.Unmarshal(stored.ScenarioDoc, &doc); err != nil {
		t.Fatalf("stored document does not unmarshal: %v", err)
	}
	genJSON, _ := json.Marshal(result.Doc)
	if string(stored.ScenarioDoc) != string(genJSON) {
		t.Error("stored document differs from the generated one")
	}
}

func TestFuzzDrawsSeedWhenOmitted(t *testing.T) {
	f, s := newTestFuzzer(t)

	result, err := f.Run(context.Background(), Request{
		AttackType: store.AttackRetaliation,
		Partition:  "sbx-fuzz",
		CallerID:   "admin-1",
	})
	if err != nil {
		t.Fatalf("fuzz run failed: %v", err)
	}
	if result.Seed == 0 {
		t.Error("drawn seed should be recorded and nonzero")
	}

	stored, err := s.GetFuzzRun(context.Background(), result.RunID)
	if err != nil || stored == nil {
		t.Fatalf("stored run lookup failed: %v", err)
	}
	if stored.Seed != result.Seed {
		t.Errorf("stored seed %d does not match result seed %d", stored.Seed, result.Seed)
	}
}

func TestFuzzSameSeedSameDocument(t *testing.T) {
	f, _ := newTestFuzzer(t)
	seed := int64(7)

	first, err := f.Run(context.Background(), Request{
		AttackType: store.AttackOscillation,
		Partition:  "sbx-fuzz-a",
		Seed:       &seed,
		CallerID:   "admin-1",
	})
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	second, err := f.Run(context.Background(), Request{
		AttackType: store.AttackOscillation,
		Partition:  "sbx-fuzz-b",
		Seed:       &seed,
		CallerID:   "admin-1",
	})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	aJSON, _ := json.Marshal(first.Doc)
	bJSON, _ := json.Marshal(second.Doc)
	if string(aJSON) != string(bJSON) {
		t.Error("same seed produced divergent documents across runs")
	}
	if first.RunID == second.RunID {
		t.Error("distinct runs must have distinct run ids")
	}
}

func TestFuzzBindsSuppliedEmployeeIDs(t *testing.T) {
	f, s := newTestFuzzer(t)
	seed := int64(11)

	result, err := f.Run(context.Background(), Request{
		AttackType:  store.AttackRetaliation,
		Partition:   "sbx-fuzz",
		Seed:        &seed,
		EmployeeIDs: []string{"emp-alice"},
		CallerID:    "admin-1",
	})
	if err != nil {
		t.Fatalf("fuzz run failed: %v", err)
	}

	stored, err := s.GetFuzzRun(context.Background(), result.RunID)
	if err != nil || stored == nil {
		t.Fatalf("stored run lookup failed: %v", err)
	}

	var resolution scenario.Resolution
	if err := json.Unmarshal(stored.ActorResolution, &resolution); err != nil {
		t.Fatalf("stored resolution does not unmarshal: %v", err)
	}
	if resolution["employee_1"] != "emp-alice" {
		t.Errorf("employee_1 bound to %q, want emp-alice", resolution["employee_1"])
	}
	// Roles beyond the supplied list stay synthetic.
	if id := resolution["employee_2"]; id == "" || id == "emp-alice" {
		t.Errorf("employee_2 bound to %q, want a synthetic identity", id)
	}
}

func TestFuzzBindsNamedActors(t *testing.T) {
	f, s := newTestFuzzer(t)
	seed := int64(11)

	result, err := f.Run(context.Background(), Request{
		AttackType:  store.AttackRetaliation,
		Partition:   "sbx-fuzz",
		Seed:        &seed,
		Actors:      map[string]string{"employee_2": "emp-bob"},
		EmployeeIDs: []string{"emp-alice", "emp-ignored"},
		CallerID:    "admin-1",
	})
	if err != nil {
		t.Fatalf("fuzz run failed: %v", err)
	}

	stored, err := s.GetFuzzRun(context.Background(), result.RunID)
	if err != nil || stored == nil {
		t.Fatalf("stored run lookup failed: %v", err)
	}

	var resolution scenario.Resolution
	if err := json.Unmarshal(stored.ActorResolution, &resolution); err != nil {
		t.Fatalf("stored resolution does not unmarshal: %v", err)
	}
	if resolution["employee_1"] != "emp-alice" {
		t.Errorf("employee_1 bound to %q, want emp-alice", resolution["employee_1"])
	}
	// The named binding overrides the positional one for the same role.
	if resolution["employee_2"] != "emp-bob" {
		t.Errorf("employee_2 bound to %q, want emp-bob", resolution["employee_2"])
	}
}

func TestFuzzArchetypesTripDetection(t *testing.T) {
	cases := []struct {
		attack store.AttackType
		seed   int64
	}{
		{store.AttackBoostRings, 1},
		{store.AttackRetaliation, 2},
		{store.AttackOscillation, 3},
		{store.AttackImpersonationSpam, 4},
	}

	for _, tc := range cases {
		f, _ := newTestFuzzer(t)
		seed := tc.seed
		result, err := f.Run(context.Background(), Request{
			AttackType: tc.attack,
			Partition:  "sbx-detect",
			Seed:       &seed,
			CallerID:   "admin-1",
		})
		if err != nil {
			t.Fatalf("%s: fuzz run failed: %v", tc.attack, err)
		}
		if result.Run.Failed {
			t.Fatalf("%s: run failed at step %d: %s", tc.attack, result.Run.FailedStep, result.Run.FailureReason)
		}
		if !result.Run.AbuseFlagged {
			t.Errorf("%s (seed %d): expected an abuse_flagged event", tc.attack, tc.seed)
		}
	}
}
