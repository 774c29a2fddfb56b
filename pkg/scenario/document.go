package scenario

import (
	"fmt"
	"sort"
	"strings"
)

// Mode controls whether a document may produce effects visible outside
// its sandbox partition.
type Mode string

const (
	ModeSafe Mode = "safe"
	ModeReal Mode = "real"
)

// Role is a logical actor name used inside a document (e.g. "employee_1").
// Roles are resolved to concrete sandbox identity IDs at run time.
type Role string

// RoleAdmin is always supplied by the authenticated caller, never by the
// document or the caller-provided mapping.
const RoleAdmin Role = "admin"

// ActionKind selects the operation a step performs. The vocabulary is
// closed and versioned; unknown kinds fail validation before execution.
type ActionKind string

const (
	ActionSubmitReview        ActionKind = "submit_review"
	ActionClaimOverlap        ActionKind = "claim_overlap"
	ActionRequestVerification ActionKind = "request_verification"
	ActionDispute             ActionKind = "dispute"
	ActionRetract             ActionKind = "retract"
	ActionAdvanceTime         ActionKind = "advance_time"
)

// Action is a tagged variant: Kind selects which params pointer must be
// set. Exactly one params field may be non-nil and it must match Kind.
type Action struct {
	Kind ActionKind `json:"kind"`

	Review       *ReviewParams       `json:"review,omitempty"`
	Overlap      *OverlapParams      `json:"overlap,omitempty"`
	Verification *VerificationParams `json:"verification,omitempty"`
	Dispute      *DisputeParams      `json:"dispute,omitempty"`
	Retract      *RetractParams      `json:"retract,omitempty"`
	Advance      *AdvanceParams      `json:"advance,omitempty"`
}

// ReviewParams issues a peer review against another actor.
type ReviewParams struct {
	Target  Role   `json:"target"`
	Rating  int    `json:"rating"` // 1..5
	Comment string `json:"comment,omitempty"`
}

// OverlapParams claims an employment overlap with another actor.
type OverlapParams struct {
	With    Role   `json:"with"`
	Company string `json:"company"`
	Months  int    `json:"months"`
}

// VerificationParams asks another actor to verify a prior claim.
type VerificationParams struct {
	Target  Role   `json:"target"`
	Subject string `json:"subject"` // "review" or "overlap"
}

// DisputeParams contests a prior claim or verification by another actor.
type DisputeParams struct {
	Target  Role   `json:"target"`
	Subject string `json:"subject"`
}

// RetractParams withdraws the actor's own prior claim against a target.
type RetractParams struct {
	Target  Role   `json:"target"`
	Subject string `json:"subject"`
}

// AdvanceParams moves the sandbox's simulated clock forward.
type AdvanceParams struct {
	Seconds int64 `json:"seconds"`
}

// Step is one ordered entry in a document. Index is implicit from the
// slice position.
type Step struct {
	Actor  Role   `json:"actor"`
	Action Action `json:"action"`
}

// Document is an immutable declarative description of a multi-step
// simulation. Step order is the execution order.
type Document struct {
	ID    string `json:"id"`
	Mode  Mode   `json:"mode"`
	Steps []Step `json:"steps"`
}

// ValidationError carries the complete list of violations found in a
// document, not just the first.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid scenario document: %s", strings.Join(e.Violations, "; "))
}

// Roles returns every logical role referenced by any step's actor or
// actor-valued parameter, sorted for stable output.
func (d *Document) Roles() []Role {
	seen := make(map[Role]bool)
	for _, s := range d.Steps {
		if s.Actor != "" {
			seen[s.Actor] = true
		}
		for _, r := range s.Action.roles() {
			if r != "" {
				seen[r] = true
			}
		}
	}
	roles := make([]Role, 0, len(seen))
	for r := range seen {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// roles returns the actor-valued parameters of the action.
func (a *Action) roles() []Role {
	switch a.Kind {
	case ActionSubmitReview:
		if a.Review != nil {
			return []Role{a.Review.Target}
		}
	case ActionClaimOverlap:
		if a.Overlap != nil {
			return []Role{a.Overlap.With}
		}
	case ActionRequestVerification:
		if a.Verification != nil {
			return []Role{a.Verification.Target}
		}
	case ActionDispute:
		if a.Dispute != nil {
			return []Role{a.Dispute.Target}
		}
	case ActionRetract:
		if a.Retract != nil {
			return []Role{a.Retract.Target}
		}
	case ActionAdvanceTime:
		// No actor-valued parameters.
	}
	return nil
}

// Validate checks the document before any step executes. It returns a
// *ValidationError listing every violation at once, or nil.
func (d *Document) Validate() error {
	var violations []string

	if d.ID == "" {
		violations = append(violations, "document id is empty")
	}
	if d.Mode != ModeSafe && d.Mode != ModeReal {
		violations = append(violations, fmt.Sprintf("unknown mode %q", d.Mode))
	}
	if len(d.Steps) == 0 {
		violations = append(violations, "document has no steps")
	}

	for i, s := range d.Steps {
		if s.Actor == "" {
			violations = append(violations, fmt.Sprintf("step %d: actor is empty", i))
		}
		violations = append(violations, s.Action.validate(i)...)
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// validate checks the tagged variant invariant for one step's action.
func (a *Action) validate(step int) []string {
	var violations []string

	set := 0
	if a.Review != nil {
		set++
	}
	if a.Overlap != nil {
		set++
	}
	if a.Verification != nil {
		set++
	}
	if a.Dispute != nil {
		set++
	}
	if a.Retract != nil {
		set++
	}
	if a.Advance != nil {
		set++
	}
	if set > 1 {
		violations = append(violations, fmt.Sprintf("step %d: multiple parameter payloads set", step))
	}

	switch a.Kind {
	case ActionSubmitReview:
		if a.Review == nil {
			violations = append(violations, fmt.Sprintf("step %d: %s requires review params", step, a.Kind))
			break
		}
		if a.Review.Target == "" {
			violations = append(violations, fmt.Sprintf("step %d: review target is empty", step))
		}
		if a.Review.Rating < 1 || a.Review.Rating > 5 {
			violations = append(violations, fmt.Sprintf("step %d: review rating %d out of range 1..5", step, a.Review.Rating))
		}
	case ActionClaimOverlap:
		if a.Overlap == nil {
			violations = append(violations, fmt.Sprintf("step %d: %s requires overlap params", step, a.Kind))
			break
		}
		if a.Overlap.With == "" {
			violations = append(violations, fmt.Sprintf("step %d: overlap colleague is empty", step))
		}
		if a.Overlap.Months <= 0 {
			violations = append(violations, fmt.Sprintf("step %d: overlap months must be positive", step))
		}
	case ActionRequestVerification:
		if a.Verification == nil {
			violations = append(violations, fmt.Sprintf("step %d: %s requires verification params", step, a.Kind))
			break
		}
		if a.Verification.Target == "" {
			violations = append(violations, fmt.Sprintf("step %d: verification target is empty", step))
		}
	case ActionDispute:
		if a.Dispute == nil {
			violations = append(violations, fmt.Sprintf("step %d: %s requires dispute params", step, a.Kind))
			break
		}
		if a.Dispute.Target == "" {
			violations = append(violations, fmt.Sprintf("step %d: dispute target is empty", step))
		}
	case ActionRetract:
		if a.Retract == nil {
			violations = append(violations, fmt.Sprintf("step %d: %s requires retract params", step, a.Kind))
			break
		}
		if a.Retract.Target == "" {
			violations = append(violations, fmt.Sprintf("step %d: retract target is empty", step))
		}
	case ActionAdvanceTime:
		if a.Advance == nil {
			violations = append(violations, fmt.Sprintf("step %d: %s requires advance params", step, a.Kind))
			break
		}
		if a.Advance.Seconds <= 0 {
			violations = append(violations, fmt.Sprintf("step %d: advance seconds must be positive", step))
		}
	default:
		violations = append(violations, fmt.Sprintf("step %d: unknown action kind %q", step, a.Kind))
	}

	return violations
}
