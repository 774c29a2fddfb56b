package fuzz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veriwork/sandlab/pkg/runner"
	"github.com/veriwork/sandlab/pkg/scenario"
	"github.com/veriwork/sandlab/pkg/store"
)

// RunStore is the persistence surface the fuzzer records runs through.
type RunStore interface {
	SaveFuzzRun(ctx context.Context, run *store.FuzzRun) error
}

// Request configures one fuzz run. Seed nil means draw a fresh seed;
// either way the seed used is recorded on the stored run. EmployeeIDs
// optionally binds real sandbox identities to employee_1..employee_n in
// order; Actors binds roles by name and wins over the positional list.
// Roles left uncovered get synthetic seed-derived identities.
type Request struct {
	AttackType  store.AttackType  `json:"attack_type"`
	Partition   string            `json:"sandbox_id"`
	Mode        scenario.Mode     `json:"mode,omitempty"` // defaults to safe
	Seed        *int64            `json:"seed,omitempty"`
	Actors      map[string]string `json:"actors,omitempty"`
	EmployeeIDs []string          `json:"employee_ids,omitempty"`
	CallerID    string            `json:"-"`
}

// Result is the outcome of one fuzz run, including everything needed to
// reproduce it.
type Result struct {
	RunID      string             `json:"run_id"`
	AttackType store.AttackType   `json:"attack_type"`
	Seed       int64              `json:"seed"`
	Doc        *scenario.Document `json:"scenario_doc"`
	Run        *runner.Result     `json:"result"`
}

// Fuzzer generates adversarial documents and executes them.
type Fuzzer struct {
	runner *runner.Runner
	runs   RunStore
}

func New(r *runner.Runner, runs RunStore) *Fuzzer {
	return &Fuzzer{runner: r, runs: runs}
}

// Run generates a document for the requested attack archetype, resolves
// synthetic actors for it, executes it, and persists the run record.
// The stored record carries the generated document and the resolution
// verbatim; replay reads that copy and never regenerates from the seed.
func (f *Fuzzer) Run(ctx context.Context, req Request) (*Result, error) {
	seed := time.Now().UnixNano()
	if req.Seed != nil {
		seed = *req.Seed
	}

	mode := req.Mode
	if mode == "" {
		mode = scenario.ModeSafe
	}

	doc, err := Generate(req.AttackType, seed, mode)
	if err != nil {
		return nil, err
	}

	supplied := syntheticActors(doc, seed)
	for i, id := range req.EmployeeIDs {
		if id != "" {
			supplied[scenario.Role(fmt.Sprintf("employee_%d", i+1))] = id
		}
	}
	for r, id := range req.Actors {
		if id != "" {
			supplied[scenario.Role(r)] = id
		}
	}

	resolution, err := scenario.Resolve(doc, req.CallerID, supplied)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve fuzz actors: %w", err)
	}

	runID := fmt.Sprintf("fz_%s_%d_%d", req.AttackType, seed, time.Now().UnixNano())

	result, err := f.runner.Execute(ctx, runner.ExecRequest{
		RunID:        runID,
		Doc:          doc,
		Partition:    req.Partition,
		Resolution:   resolution,
		CaptureState: true,
		// An explicit real-mode fuzz request is itself the confirmation.
		ConfirmReal: mode == scenario.ModeReal,
	})
	if err != nil {
		return nil, err
	}

	if err := f.persist(ctx, req, runID, seed, doc, resolution, result); err != nil {
		return nil, err
	}

	return &Result{
		RunID:      runID,
		AttackType: req.AttackType,
		Seed:       seed,
		Doc:        doc,
		Run:        result,
	}, nil
}

func (f *Fuzzer) persist(ctx context.Context, req Request, runID string, seed int64, doc *scenario.Document, resolution scenario.Resolution, result *runner.Result) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal scenario doc: %w", err)
	}
	resJSON, err := json.Marshal(resolution)
	if err != nil {
		return fmt.Errorf("failed to marshal resolution: %w", err)
	}
	summaryJSON, err := json.Marshal(result.Summary())
	if err != nil {
		return fmt.Errorf("failed to marshal result summary: %w", err)
	}

	return f.runs.SaveFuzzRun(ctx, &store.FuzzRun{
		RunID:           runID,
		SandboxID:       req.Partition,
		AttackType:      req.AttackType,
		Seed:            seed,
		Mode:            string(doc.Mode),
		ScenarioDoc:     docJSON,
		ActorResolution: resJSON,
		ResultSummary:   summaryJSON,
		CreatedBy:       req.CallerID,
	})
}

// syntheticActors derives stable sandbox identities for the document's
// employee roles. Identities embed the seed so two fuzz runs on one
// partition do not collide.
func syntheticActors(doc *scenario.Document, seed int64) scenario.Resolution {
	supplied := make(scenario.Resolution)
	for _, r := range doc.Roles() {
		if r == scenario.RoleAdmin {
			continue
		}
		supplied[r] = fmt.Sprintf("fz%d_%s", seed, r)
	}
	return supplied
}
