package api

import (
	"github.com/veriwork/sandlab/pkg/scenario"
	"github.com/veriwork/sandlab/pkg/store"
)

// RunScenarioRequest starts a scenario run. Exactly one of ScenarioID
// (catalog lookup) or Scenario (inline document) must be set.
type RunScenarioRequest struct {
	ScenarioID string             `json:"scenario_id,omitempty"`
	Scenario   *scenario.Document `json:"scenario,omitempty"`

	SandboxID string `json:"sandbox_id"`

	// Actors maps document roles to sandbox identity ids. ActorIDs is the
	// positional alternative, assigned to employee_1, employee_2, ... in
	// order. The admin role always comes from the authenticated caller.
	Actors   map[string]string `json:"actors,omitempty"`
	ActorIDs []string          `json:"actor_ids,omitempty"`

	// RunID and FromStepIndex resume a prior run mid-sequence.
	RunID         string `json:"run_id,omitempty"`
	FromStepIndex int    `json:"from_step_index,omitempty"`

	ConfirmRealMode bool `json:"confirm_real_mode,omitempty"`
}

// RunResponse is returned by scenario, fuzz, and replay runs.
type RunResponse struct {
	RunID         string           `json:"run_id"`
	SandboxID     string           `json:"sandbox_id"`
	AttackType    store.AttackType `json:"attack_type,omitempty"`
	Seed          int64            `json:"seed,omitempty"`
	StepsExecuted int              `json:"steps_executed"`
	StepsTotal    int              `json:"steps_total"`
	AbuseFlagged  bool             `json:"abuse_flagged"`
	Failed        bool             `json:"failed,omitempty"`
	FailedStep    int              `json:"failed_step,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Events        []*store.Event   `json:"events"`
}

// FuzzRequest starts a seeded adversarial run. EmployeeIDs binds real
// sandbox identities positionally; Actors binds roles by name and wins
// over the positional list. Omitted roles fall back to synthetic
// seed-derived identities.
type FuzzRequest struct {
	AttackType  store.AttackType  `json:"attack_type"`
	SandboxID   string            `json:"sandbox_id"`
	Mode        string            `json:"mode,omitempty"`
	Seed        *int64            `json:"seed,omitempty"`
	Actors      map[string]string `json:"actors,omitempty"`
	EmployeeIDs []string          `json:"employee_ids,omitempty"`
}

// ReplayRequest re-executes a stored run.
type ReplayRequest struct {
	FromStepIndex int `json:"from_step_index,omitempty"`
}

// WebhookRequest registers a detection-event webhook.
type WebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"` // defaults to abuse_flagged
}

// WebhookResponse returns the generated id and shared secret.
type WebhookResponse struct {
	WebhookID string `json:"webhook_id"`
	Secret    string `json:"secret"`
}
