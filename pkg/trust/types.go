package trust

import "context"

// FindingType classifies a detection outcome raised by the trust
// service in response to a single action.
type FindingType string

const (
	FindingAbuseFlagged FindingType = "abuse_flagged"
	FindingRateLimited  FindingType = "rate_limited"
)

// Finding is one detection outcome. Rule names the detector that fired.
type Finding struct {
	Type   FindingType `json:"type"`
	Rule   string      `json:"rule"`
	Actor  string      `json:"actor"`
	Target string      `json:"target,omitempty"`
	Detail string      `json:"detail,omitempty"`
}

// Service is the scoring/verification collaborator the step interpreter
// calls out to. The engine treats trust arithmetic as opaque: it only
// observes the findings each action produces.
//
// Implementations must confine all effects to the sandbox partition they
// were constructed for, and must never consult the wall clock; the
// simulated clock advances only via AdvanceTime.
type Service interface {
	SubmitReview(ctx context.Context, reviewer, subject string, rating int, comment string) ([]Finding, error)
	ClaimOverlap(ctx context.Context, claimant, colleague, company string, months int) ([]Finding, error)
	RequestVerification(ctx context.Context, requester, verifier, subject string) ([]Finding, error)
	Dispute(ctx context.Context, actor, target, subject string) ([]Finding, error)
	Retract(ctx context.Context, actor, target, subject string) ([]Finding, error)
	AdvanceTime(ctx context.Context, seconds int64) error

	// Now returns the simulated clock, seconds since partition epoch.
	Now() int64

	// MarshalState and RestoreState support per-step snapshots and
	// resume. The bytes are an opaque, deterministic serialization of
	// all sandbox-relevant state including the simulated clock.
	MarshalState() ([]byte, error)
	RestoreState(data []byte) error

	// StateDigest is a short stable digest of the current state, used
	// in step-completion events as the state-delta marker.
	StateDigest() (string, error)
}

// DetectionConfig holds the thresholds of the sandboxed detectors. All
// windows are in simulated seconds.
type DetectionConfig struct {
	// RateWindow / MaxActionsPerWindow bound per-actor action frequency.
	RateWindow          int64 `json:"rate_window"`
	MaxActionsPerWindow int   `json:"max_actions_per_window"`

	// ReciprocalWindow is how far back a favorable review from the
	// subject counts as reciprocal. RingSize is the number of distinct
	// actors connected by reciprocal pairs that constitutes a ring.
	ReciprocalWindow int64 `json:"reciprocal_window"`
	RingSize         int   `json:"ring_size"`

	// RetaliationWindow is how soon after receiving a negative action a
	// negative response counts as retaliation.
	RetaliationWindow int64 `json:"retaliation_window"`

	// OscillationWindow / OscillationThreshold bound claim/retract and
	// verify/dispute flip-flops against the same target.
	OscillationWindow    int64 `json:"oscillation_window"`
	OscillationThreshold int   `json:"oscillation_threshold"`

	// DuplicateWindow / DuplicateThreshold bound near-duplicate review
	// bursts converging on one subject from distinct reviewers.
	DuplicateWindow    int64 `json:"duplicate_window"`
	DuplicateThreshold int   `json:"duplicate_threshold"`
}

// DefaultDetectionConfig mirrors the thresholds used by the hosted
// trust system's sandbox tier.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		RateWindow:           60,
		MaxActionsPerWindow:  5,
		ReciprocalWindow:     600,
		RingSize:             3,
		RetaliationWindow:    300,
		OscillationWindow:    900,
		OscillationThreshold: 3,
		DuplicateWindow:      120,
		DuplicateThreshold:   5,
	}
}
