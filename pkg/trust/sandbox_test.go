package trust

import (
	"context"
	"fmt"
	"testing"
)

func newTestSandbox() *Sandbox {
	return NewSandbox("sbx-test", DefaultDetectionConfig())
}

func hasFinding(findings []Finding, rule string) bool {
	for _, f := range findings {
		if f.Rule == rule {
			return true
		}
	}
	return false
}

func TestAdvanceTimeMovesSimulatedClock(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	if s.Now() != 0 {
		t.Fatalf("fresh sandbox at t=%d, want 0", s.Now())
	}
	if err := s.AdvanceTime(ctx, 90); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if s.Now() != 90 {
		t.Errorf("clock at %d, want 90", s.Now())
	}
	if err := s.AdvanceTime(ctx, 0); err == nil {
		t.Error("expected error for zero advance")
	}
	if err := s.AdvanceTime(ctx, -10); err == nil {
		t.Error("expected error for negative advance")
	}
}

func TestRateLimitFiresOnSixthAction(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	for i := 1; i <= 5; i++ {
		findings, err := s.SubmitReview(ctx, "alice", fmt.Sprintf("peer_%d", i), 3, "fine")
		if err != nil {
			t.Fatalf("review %d failed: %v", i, err)
		}
		if len(findings) != 0 {
			t.Fatalf("review %d produced findings: %v", i, findings)
		}
	}

	findings, err := s.SubmitReview(ctx, "alice", "peer_6", 3, "fine")
	if err != nil {
		t.Fatalf("review 6 failed: %v", err)
	}
	if !hasFinding(findings, "action_rate") {
		t.Errorf("expected action_rate finding, got %v", findings)
	}
}

func TestRateLimitWindowSlides(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	for i := 1; i <= 5; i++ {
		if _, err := s.SubmitReview(ctx, "alice", fmt.Sprintf("peer_%d", i), 3, ""); err != nil {
			t.Fatalf("review %d failed: %v", i, err)
		}
	}
	if err := s.AdvanceTime(ctx, 61); err != nil {
		t.Fatal(err)
	}

	findings, err := s.SubmitReview(ctx, "alice", "peer_6", 3, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 {
		t.Errorf("action outside rate window flagged: %v", findings)
	}
}

func TestReviewRingDetection(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	pairs := [][2]string{
		{"a", "b"}, {"b", "a"},
		{"b", "c"},
	}
	for _, p := range pairs {
		findings, err := s.SubmitReview(ctx, p[0], p[1], 5, "great")
		if err != nil {
			t.Fatalf("review %s->%s failed: %v", p[0], p[1], err)
		}
		if hasFinding(findings, "review_ring") {
			t.Fatalf("ring flagged before threshold on %s->%s", p[0], p[1])
		}
	}

	// Closing c->b links a third actor into the reciprocal cluster.
	findings, err := s.SubmitReview(ctx, "c", "b", 5, "great")
	if err != nil {
		t.Fatal(err)
	}
	if !hasFinding(findings, "review_ring") {
		t.Errorf("expected review_ring finding, got %v", findings)
	}
}

func TestReviewRingIgnoresUnfavorableAndStaleReviews(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	// Reciprocal but unfavorable: no edge.
	s.SubmitReview(ctx, "a", "b", 2, "")
	s.SubmitReview(ctx, "b", "a", 2, "")
	s.SubmitReview(ctx, "b", "c", 5, "")

	findings, err := s.SubmitReview(ctx, "c", "b", 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if hasFinding(findings, "review_ring") {
		t.Errorf("unfavorable reviews counted toward ring: %v", findings)
	}

	// The b<->c pair ages out of the reciprocal window.
	s.AdvanceTime(ctx, 601)
	s.SubmitReview(ctx, "c", "d", 5, "")
	findings, err = s.SubmitReview(ctx, "d", "c", 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if hasFinding(findings, "review_ring") {
		t.Errorf("stale reviews counted toward ring: %v", findings)
	}
}

func TestRetaliationDetection(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	if _, err := s.SubmitReview(ctx, "alice", "bob", 1, "unreliable"); err != nil {
		t.Fatal(err)
	}
	s.AdvanceTime(ctx, 120)

	findings, err := s.SubmitReview(ctx, "bob", "alice", 2, "actually she is worse")
	if err != nil {
		t.Fatal(err)
	}
	if !hasFinding(findings, "retaliation") {
		t.Errorf("expected retaliation finding, got %v", findings)
	}
}

func TestRetaliationWindowExpires(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	s.SubmitReview(ctx, "alice", "bob", 1, "unreliable")
	s.AdvanceTime(ctx, 301)

	findings, err := s.SubmitReview(ctx, "bob", "alice", 1, "late response")
	if err != nil {
		t.Fatal(err)
	}
	if hasFinding(findings, "retaliation") {
		t.Errorf("negative review outside window flagged: %v", findings)
	}
}

func TestRetaliationViaDispute(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	// bob needs a review on record before alice can dispute it.
	s.SubmitReview(ctx, "bob", "carol", 4, "solid")
	if _, err := s.Dispute(ctx, "alice", "bob", "review"); err != nil {
		t.Fatal(err)
	}
	s.AdvanceTime(ctx, 60)

	s.SubmitReview(ctx, "alice", "carol", 4, "solid")
	findings, err := s.Dispute(ctx, "bob", "alice", "review")
	if err != nil {
		t.Fatal(err)
	}
	if !hasFinding(findings, "retaliation") {
		t.Errorf("expected retaliation finding for counter-dispute, got %v", findings)
	}
}

func TestOscillationDetection(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	for i := 0; i < 3; i++ {
		if _, err := s.ClaimOverlap(ctx, "alice", "bob", "Initech", 12); err != nil {
			t.Fatalf("claim %d failed: %v", i, err)
		}
		findings, err := s.Retract(ctx, "alice", "bob", "overlap")
		if err != nil {
			t.Fatalf("retract %d failed: %v", i, err)
		}
		if i < 2 && hasFinding(findings, "oscillation") {
			t.Fatalf("oscillation flagged after %d cycles", i+1)
		}
		if i == 2 && !hasFinding(findings, "oscillation") {
			t.Errorf("expected oscillation finding on third retraction, got %v", findings)
		}
		s.AdvanceTime(ctx, 61)
	}
}

func TestDuplicateReviewSpamDetection(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	// Template comments differ only by digits and spacing, which
	// normalization strips.
	for i := 1; i <= 4; i++ {
		findings, err := s.SubmitReview(ctx, fmt.Sprintf("shill_%d", i), "target", 5, fmt.Sprintf("Best colleague ever %d", i))
		if err != nil {
			t.Fatalf("review %d failed: %v", i, err)
		}
		if hasFinding(findings, "duplicate_review_spam") {
			t.Fatalf("spam flagged before threshold at review %d", i)
		}
	}

	findings, err := s.SubmitReview(ctx, "shill_5", "target", 5, "BEST  COLLEAGUE EVER 55")
	if err != nil {
		t.Fatal(err)
	}
	if !hasFinding(findings, "duplicate_review_spam") {
		t.Errorf("expected duplicate_review_spam finding, got %v", findings)
	}
}

func TestDuplicateSpamRequiresDistinctReviewers(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	for i := 0; i < 5; i++ {
		findings, err := s.SubmitReview(ctx, "shill", "target", 5, "Best colleague ever")
		if err != nil {
			t.Fatal(err)
		}
		if hasFinding(findings, "duplicate_review_spam") {
			t.Fatalf("single reviewer flagged as spam on review %d", i)
		}
		s.AdvanceTime(ctx, 61)
	}
}

func TestVerificationRequiresAuthoredRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	if _, err := s.RequestVerification(ctx, "alice", "bob", "overlap"); err == nil {
		t.Error("expected error when verifier has no overlap on record")
	}

	s.ClaimOverlap(ctx, "bob", "carol", "Globex", 6)
	if _, err := s.RequestVerification(ctx, "alice", "bob", "overlap"); err != nil {
		t.Errorf("verification with record failed: %v", err)
	}
}

func TestDisputeRequiresAuthoredRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	if _, err := s.Dispute(ctx, "alice", "bob", "review"); err == nil {
		t.Error("expected error when target has no review on record")
	}
	if _, err := s.Dispute(ctx, "alice", "bob", "claim"); err == nil {
		t.Error("expected error for unknown subject kind")
	}
}

func TestRetractRequiresActiveRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	if _, err := s.Retract(ctx, "alice", "bob", "review"); err == nil {
		t.Error("expected error with nothing to retract")
	}

	s.SubmitReview(ctx, "alice", "bob", 4, "")
	if _, err := s.Retract(ctx, "alice", "bob", "review"); err != nil {
		t.Fatalf("retract failed: %v", err)
	}
	// Already retracted, nothing active remains.
	if _, err := s.Retract(ctx, "alice", "bob", "review"); err == nil {
		t.Error("expected error retracting twice")
	}
}

func TestSubmitReviewValidatesInput(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	if _, err := s.SubmitReview(ctx, "", "bob", 3, ""); err == nil {
		t.Error("expected error for empty reviewer")
	}
	if _, err := s.SubmitReview(ctx, "alice", "bob", 0, ""); err == nil {
		t.Error("expected error for rating 0")
	}
	if _, err := s.SubmitReview(ctx, "alice", "bob", 6, ""); err == nil {
		t.Error("expected error for rating 6")
	}
}

func TestStateRoundTripPreservesDigest(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	s.SubmitReview(ctx, "alice", "bob", 4, "solid")
	s.ClaimOverlap(ctx, "bob", "alice", "Initech", 9)
	s.AdvanceTime(ctx, 300)

	before, err := s.StateDigest()
	if err != nil {
		t.Fatal(err)
	}
	data, err := s.MarshalState()
	if err != nil {
		t.Fatal(err)
	}

	restored := newTestSandbox()
	if err := restored.RestoreState(data); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	after, err := restored.StateDigest()
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Errorf("digest changed across round trip: %s != %s", before, after)
	}
	if restored.Now() != 300 {
		t.Errorf("restored clock at %d, want 300", restored.Now())
	}
}

func TestStateDigestChangesWithState(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox()

	d1, _ := s.StateDigest()
	s.SubmitReview(ctx, "alice", "bob", 4, "")
	d2, _ := s.StateDigest()
	if d1 == d2 {
		t.Error("digest unchanged after state mutation")
	}
}
