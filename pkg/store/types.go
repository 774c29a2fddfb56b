package store

import (
	"context"
	"encoding/json"
	"time"
)

// EventType is the closed set of interpreter-emitted event kinds.
type EventType string

const (
	EventTypeAbuseFlagged  EventType = "abuse_flagged"
	EventTypeRateLimited   EventType = "rate_limited"
	EventTypeStepCompleted EventType = "step_completed"
)

// EventID is a unique, deterministic identifier for an event. It is
// derived from (run, step, sequence), so replaying a run reproduces the
// same IDs and re-inserts are no-ops.
type EventID string

// Event is one append-only scenario event, keyed to a step of a run.
// Everything except TsIngest is canonical: a resumed run must reproduce
// these fields byte-for-byte. TsIngest is assigned at insert and is
// excluded from the determinism contract.
type Event struct {
	EventID   EventID         `json:"event_id"`
	RunID     string          `json:"run_id"`
	SandboxID string          `json:"sandbox_id"`
	StepIndex int             `json:"step_index"`
	Seq       int             `json:"seq"` // ordering within a step
	EventType EventType       `json:"event_type"`
	SimTime   int64           `json:"sim_time"` // simulated seconds since partition epoch
	Metadata  json.RawMessage `json:"metadata"`
	TsIngest  time.Time       `json:"ts_ingest,omitempty"`
}

// EventFilter selects events for the read-side overlay queries.
type EventFilter struct {
	RunID      string
	SandboxID  string
	EventTypes []EventType
	Limit      int
}

// AttackType is the closed set of fuzz archetypes.
type AttackType string

const (
	AttackBoostRings        AttackType = "boost_rings"
	AttackRetaliation       AttackType = "retaliation"
	AttackOscillation       AttackType = "oscillation"
	AttackImpersonationSpam AttackType = "impersonation_spam"

	// AttackScenario marks catalog and inline scenario runs in the run
	// ledger. It is not a fuzz archetype and the generator rejects it.
	AttackScenario AttackType = "scenario"
)

// ResultSummary captures the outcome of a run for display and for the
// fuzz regression record.
type ResultSummary struct {
	AbuseFlagged  bool   `json:"abuse_flagged"`
	StepsExecuted int    `json:"steps_executed"`
	StepsTotal    int    `json:"steps_total"`
	Failed        bool   `json:"failed,omitempty"`
	FailedStep    int    `json:"failed_step,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// FuzzRun is the persisted record of one fuzz (or replayable scenario)
// run. ScenarioDoc and ActorResolution are stored verbatim: replay
// always reads this exact copy, never regenerates from the seed.
type FuzzRun struct {
	RunID           string          `json:"run_id"`
	SandboxID       string          `json:"sandbox_id"`
	AttackType      AttackType      `json:"attack_type"`
	Seed            int64           `json:"seed"`
	Mode            string          `json:"mode"`
	ScenarioDoc     json.RawMessage `json:"scenario_doc"`
	ActorResolution json.RawMessage `json:"actor_resolution"`
	ResultSummary   json.RawMessage `json:"result_summary"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Snapshot is a full-state capture of a run's sandbox after one step,
// keyed (run, step). Used to seed mid-sequence resume.
type Snapshot struct {
	RunID     string          `json:"run_id"`
	StepIndex int             `json:"step_index"`
	SandboxID string          `json:"sandbox_id"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// Lease represents an advisory per-partition lock.
type Lease struct {
	Name      string    `json:"name"`
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int64     `json:"version"` // For CAS logic
}

// LeaseStore is the interface for acquiring and renewing partition
// leases. Implemented by the SQLite store and the Redis store.
type LeaseStore interface {
	// Acquire tries to acquire the lease. Returns true if successful.
	// If the lease is already held by holderID, it renews it.
	Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)

	// Renew updates the expiry of an existing lease held by holderID.
	// Errors when the lease is gone or another holder took it over.
	Renew(ctx context.Context, name, holderID string, ttl time.Duration) error

	// Release releases the lease if held by holderID.
	Release(ctx context.Context, name, holderID string) error

	// Get returns the current lease state.
	Get(ctx context.Context, name string) (*Lease, error)
}

// WebhookConfig is a registered endpoint notified of detection events.
type WebhookConfig struct {
	WebhookID string    `json:"webhook_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret"` // Shared secret for HMAC signature verification
	Events    []string  `json:"events"` // Event types to subscribe to, "*" for all
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}
