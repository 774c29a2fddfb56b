// Package replay re-executes stored runs from their recorded scenario
// documents. The stored document and actor resolution are authoritative:
// replay never regenerates a document from its seed, so a generator
// change after the fact cannot silently alter what a replay executes.
package replay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/veriwork/sandlab/pkg/runner"
	"github.com/veriwork/sandlab/pkg/scenario"
	"github.com/veriwork/sandlab/pkg/store"
)

// ErrUnknownRun is returned when the run id has no stored record.
type ErrUnknownRun struct {
	RunID string
}

func (e *ErrUnknownRun) Error() string {
	return fmt.Sprintf("unknown run: %s", e.RunID)
}

// ErrNotReplayable is returned when a stored run predates document
// capture and carries no scenario document or resolution.
type ErrNotReplayable struct {
	RunID string
}

func (e *ErrNotReplayable) Error() string {
	return fmt.Sprintf("run %s has no stored document; not replayable", e.RunID)
}

// RunSource loads stored run records.
type RunSource interface {
	GetFuzzRun(ctx context.Context, runID string) (*store.FuzzRun, error)
}

// Request configures one replay. FromStep > 0 resumes from a stored
// snapshot instead of replaying the whole document.
type Request struct {
	RunID    string `json:"run_id"`
	FromStep int    `json:"from_step_index,omitempty"`
	CallerID string `json:"-"`
}

// Result pairs the replay execution with the document it ran.
type Result struct {
	RunID      string             `json:"run_id"`
	AttackType store.AttackType   `json:"attack_type"`
	Seed       int64              `json:"seed"`
	Doc        *scenario.Document `json:"scenario_doc"`
	Run        *runner.Result     `json:"result"`
}

// Engine replays stored runs through the step interpreter.
type Engine struct {
	runner *runner.Runner
	runs   RunSource
}

func New(r *runner.Runner, runs RunSource) *Engine {
	return &Engine{runner: r, runs: runs}
}

// Replay loads the stored run and re-executes its document under the
// original run id. Deterministic event ids make the re-emitted events
// collapse into the existing log instead of duplicating it.
//
// The stored resolution is reused verbatim except for the admin role,
// which always maps to the caller performing the replay.
func (e *Engine) Replay(ctx context.Context, req Request) (*Result, error) {
	rec, err := e.runs.GetFuzzRun(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run record: %w", err)
	}
	if rec == nil {
		return nil, &ErrUnknownRun{RunID: req.RunID}
	}
	if len(rec.ScenarioDoc) == 0 || len(rec.ActorResolution) == 0 {
		return nil, &ErrNotReplayable{RunID: req.RunID}
	}

	var doc scenario.Document
	if err := json.Unmarshal(rec.ScenarioDoc, &doc); err != nil {
		return nil, fmt.Errorf("stored document is corrupt: %w", err)
	}
	var resolution scenario.Resolution
	if err := json.Unmarshal(rec.ActorResolution, &resolution); err != nil {
		return nil, fmt.Errorf("stored resolution is corrupt: %w", err)
	}

	if req.CallerID != "" {
		resolution[scenario.RoleAdmin] = req.CallerID
	}
	if err := resolution.Verify(&doc); err != nil {
		return nil, err
	}

	result, err := e.runner.Execute(ctx, runner.ExecRequest{
		RunID:        rec.RunID,
		Doc:          &doc,
		Partition:    rec.SandboxID,
		Resolution:   resolution,
		FromStep:     req.FromStep,
		CaptureState: true,
		// The stored run already carried its mode; replaying it is not a
		// new decision to touch real mode.
		ConfirmReal: true,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		RunID:      rec.RunID,
		AttackType: rec.AttackType,
		Seed:       rec.Seed,
		Doc:        &doc,
		Run:        result,
	}, nil
}
