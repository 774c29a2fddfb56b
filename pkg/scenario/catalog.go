package scenario

import "fmt"

// ErrUnknownScenario is returned when a catalog lookup misses.
type ErrUnknownScenario struct {
	ID string
}

func (e *ErrUnknownScenario) Error() string {
	return fmt.Sprintf("unknown catalog scenario: %s", e.ID)
}

// Catalog is a fixed library of hand-authored documents selectable by
// identifier. Catalog documents are effectively static.
type Catalog struct {
	docs map[string]*Document
}

// Get returns the catalog document for id, or *ErrUnknownScenario.
func (c *Catalog) Get(id string) (*Document, error) {
	doc, ok := c.docs[id]
	if !ok {
		return nil, &ErrUnknownScenario{ID: id}
	}
	return doc, nil
}

// IDs returns the identifiers of all catalog documents.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	return ids
}

// NewCatalog builds the built-in scenario library.
func NewCatalog() *Catalog {
	docs := map[string]*Document{}
	for _, d := range []*Document{
		baselineReviewCycle(),
		overlapDisputeCycle(),
		ringProbe(),
	} {
		docs[d.ID] = d
	}
	return &Catalog{docs: docs}
}

// baselineReviewCycle is a benign exchange used to confirm that normal
// activity does not trip detection.
func baselineReviewCycle() *Document {
	return &Document{
		ID:   "baseline_review_cycle",
		Mode: ModeSafe,
		Steps: []Step{
			{Actor: "employee_1", Action: Action{Kind: ActionClaimOverlap, Overlap: &OverlapParams{With: "employee_2", Company: "Initech", Months: 18}}},
			{Actor: "employee_2", Action: Action{Kind: ActionRequestVerification, Verification: &VerificationParams{Target: "employee_1", Subject: "overlap"}}},
			{Actor: "employee_1", Action: Action{Kind: ActionAdvanceTime, Advance: &AdvanceParams{Seconds: 86400}}},
			{Actor: "employee_2", Action: Action{Kind: ActionSubmitReview, Review: &ReviewParams{Target: "employee_1", Rating: 4, Comment: "reliable teammate"}}},
		},
	}
}

// overlapDisputeCycle exercises the dispute path without oscillating.
func overlapDisputeCycle() *Document {
	return &Document{
		ID:   "overlap_dispute",
		Mode: ModeSafe,
		Steps: []Step{
			{Actor: "employee_1", Action: Action{Kind: ActionClaimOverlap, Overlap: &OverlapParams{With: "employee_2", Company: "Globex", Months: 6}}},
			{Actor: "employee_2", Action: Action{Kind: ActionAdvanceTime, Advance: &AdvanceParams{Seconds: 3600}}},
			{Actor: "employee_2", Action: Action{Kind: ActionDispute, Dispute: &DisputeParams{Target: "employee_1", Subject: "overlap"}}},
			{Actor: "admin", Action: Action{Kind: ActionRequestVerification, Verification: &VerificationParams{Target: "employee_1", Subject: "overlap"}}},
		},
	}
}

// ringProbe is a six-step reciprocal-review probe sized to sit right at
// the ring-detection threshold. Also used by replay tests because its
// length exercises mid-sequence resume.
func ringProbe() *Document {
	return &Document{
		ID:   "ring_probe",
		Mode: ModeSafe,
		Steps: []Step{
			{Actor: "employee_1", Action: Action{Kind: ActionSubmitReview, Review: &ReviewParams{Target: "employee_2", Rating: 5, Comment: "outstanding"}}},
			{Actor: "employee_2", Action: Action{Kind: ActionSubmitReview, Review: &ReviewParams{Target: "employee_1", Rating: 5, Comment: "outstanding"}}},
			{Actor: "employee_2", Action: Action{Kind: ActionSubmitReview, Review: &ReviewParams{Target: "employee_3", Rating: 5, Comment: "brilliant"}}},
			{Actor: "employee_3", Action: Action{Kind: ActionSubmitReview, Review: &ReviewParams{Target: "employee_2", Rating: 5, Comment: "brilliant"}}},
			{Actor: "employee_3", Action: Action{Kind: ActionSubmitReview, Review: &ReviewParams{Target: "employee_1", Rating: 5, Comment: "superb"}}},
			{Actor: "employee_1", Action: Action{Kind: ActionSubmitReview, Review: &ReviewParams{Target: "employee_3", Rating: 5, Comment: "superb"}}},
		},
	}
}
