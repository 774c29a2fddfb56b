package trust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Sandbox is the in-memory trust service used for sandbox partitions.
// All state is keyed to one partition, serializable as a single JSON
// blob, and driven exclusively by the simulated clock so that identical
// action sequences always produce identical findings.
type Sandbox struct {
	mu  sync.Mutex
	cfg DetectionConfig
	st  sandboxState
}

type sandboxState struct {
	Partition     string             `json:"partition"`
	SimTime       int64              `json:"sim_time"`
	Reviews       []reviewRec        `json:"reviews"`
	Overlaps      []overlapRec       `json:"overlaps"`
	Verifications []verificationRec  `json:"verifications"`
	Disputes      []disputeRec       `json:"disputes"`
	Retractions   []retractionRec    `json:"retractions"`
	ActionTimes   map[string][]int64 `json:"action_times"`
}

type reviewRec struct {
	Reviewer  string `json:"reviewer"`
	Subject   string `json:"subject"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
	At        int64  `json:"at"`
	Retracted bool   `json:"retracted,omitempty"`
}

type overlapRec struct {
	Claimant  string `json:"claimant"`
	With      string `json:"with"`
	Company   string `json:"company"`
	Months    int    `json:"months"`
	At        int64  `json:"at"`
	Retracted bool   `json:"retracted,omitempty"`
}

type verificationRec struct {
	Requester string `json:"requester"`
	Verifier  string `json:"verifier"`
	Subject   string `json:"subject"`
	At        int64  `json:"at"`
}

type disputeRec struct {
	Actor   string `json:"actor"`
	Target  string `json:"target"`
	Subject string `json:"subject"`
	At      int64  `json:"at"`
}

type retractionRec struct {
	Actor   string `json:"actor"`
	Target  string `json:"target"`
	Subject string `json:"subject"`
	At      int64  `json:"at"`
}

// NewSandbox creates a trust sandbox for one partition.
func NewSandbox(partition string, cfg DetectionConfig) *Sandbox {
	return &Sandbox{
		cfg: cfg,
		st: sandboxState{
			Partition:   partition,
			ActionTimes: make(map[string][]int64),
		},
	}
}

func (s *Sandbox) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.SimTime
}

func (s *Sandbox) AdvanceTime(ctx context.Context, seconds int64) error {
	if seconds <= 0 {
		return fmt.Errorf("advance seconds must be positive, got %d", seconds)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.SimTime += seconds
	return nil
}

func (s *Sandbox) SubmitReview(ctx context.Context, reviewer, subject string, rating int, comment string) ([]Finding, error) {
	if reviewer == "" || subject == "" {
		return nil, fmt.Errorf("review requires reviewer and subject")
	}
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("rating %d out of range 1..5", rating)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.st.SimTime
	var findings []Finding
	findings = append(findings, s.recordAction(reviewer, subject)...)

	s.st.Reviews = append(s.st.Reviews, reviewRec{
		Reviewer: reviewer,
		Subject:  subject,
		Rating:   rating,
		Comment:  comment,
		At:       now,
	})

	if rating >= 4 {
		if size := s.reciprocalComponentSize(reviewer, now); size >= s.cfg.RingSize {
			findings = append(findings, Finding{
				Type:   FindingAbuseFlagged,
				Rule:   "review_ring",
				Actor:  reviewer,
				Target: subject,
				Detail: fmt.Sprintf("reciprocal favorable cluster of %d actors within %ds", size, s.cfg.ReciprocalWindow),
			})
		}
	}

	if rating <= 2 && s.receivedNegativeFrom(reviewer, subject, now) {
		findings = append(findings, Finding{
			Type:   FindingAbuseFlagged,
			Rule:   "retaliation",
			Actor:  reviewer,
			Target: subject,
			Detail: fmt.Sprintf("negative review within %ds of receiving one", s.cfg.RetaliationWindow),
		})
	}

	if f, ok := s.duplicateSpam(subject, rating, comment, now); ok {
		findings = append(findings, f)
	}

	return findings, nil
}

func (s *Sandbox) ClaimOverlap(ctx context.Context, claimant, colleague, company string, months int) ([]Finding, error) {
	if claimant == "" || colleague == "" {
		return nil, fmt.Errorf("overlap claim requires claimant and colleague")
	}
	if months <= 0 {
		return nil, fmt.Errorf("overlap months must be positive, got %d", months)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	findings := s.recordAction(claimant, colleague)
	s.st.Overlaps = append(s.st.Overlaps, overlapRec{
		Claimant: claimant,
		With:     colleague,
		Company:  company,
		Months:   months,
		At:       s.st.SimTime,
	})
	return findings, nil
}

func (s *Sandbox) RequestVerification(ctx context.Context, requester, verifier, subject string) ([]Finding, error) {
	if err := checkSubject(subject); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasAuthoredLocked(verifier, subject) {
		return nil, fmt.Errorf("nothing to verify: %s has no %s on record", verifier, subject)
	}

	findings := s.recordAction(requester, verifier)
	s.st.Verifications = append(s.st.Verifications, verificationRec{
		Requester: requester,
		Verifier:  verifier,
		Subject:   subject,
		At:        s.st.SimTime,
	})
	return findings, nil
}

func (s *Sandbox) Dispute(ctx context.Context, actor, target, subject string) ([]Finding, error) {
	if err := checkSubject(subject); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasAuthoredLocked(target, subject) {
		return nil, fmt.Errorf("nothing to dispute: %s has no %s on record", target, subject)
	}

	now := s.st.SimTime
	findings := s.recordAction(actor, target)
	s.st.Disputes = append(s.st.Disputes, disputeRec{
		Actor:   actor,
		Target:  target,
		Subject: subject,
		At:      now,
	})

	if s.receivedNegativeFrom(actor, target, now) {
		findings = append(findings, Finding{
			Type:   FindingAbuseFlagged,
			Rule:   "retaliation",
			Actor:  actor,
			Target: target,
			Detail: fmt.Sprintf("dispute within %ds of receiving a negative action", s.cfg.RetaliationWindow),
		})
	}

	if f, ok := s.oscillation(actor, target, now); ok {
		findings = append(findings, f)
	}
	return findings, nil
}

func (s *Sandbox) Retract(ctx context.Context, actor, target, subject string) ([]Finding, error) {
	if err := checkSubject(subject); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.retractLatestLocked(actor, target, subject) {
		return nil, fmt.Errorf("nothing to retract: %s has no active %s toward %s", actor, subject, target)
	}

	now := s.st.SimTime
	findings := s.recordAction(actor, target)
	s.st.Retractions = append(s.st.Retractions, retractionRec{
		Actor:   actor,
		Target:  target,
		Subject: subject,
		At:      now,
	})

	if f, ok := s.oscillation(actor, target, now); ok {
		findings = append(findings, f)
	}
	return findings, nil
}

func (s *Sandbox) MarshalState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(s.st)
}

func (s *Sandbox) RestoreState(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st sandboxState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to restore sandbox state: %w", err)
	}
	if st.ActionTimes == nil {
		st.ActionTimes = make(map[string][]int64)
	}
	s.st = st
	return nil
}

// StateDigest returns a short digest over the canonical state bytes.
// encoding/json sorts map keys, so identical state yields identical
// bytes and identical digests.
func (s *Sandbox) StateDigest() (string, error) {
	data, err := s.MarshalState()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}

// recordAction notes one action by actor at the current sim time and
// returns a rate_limited finding when the per-actor window overflows.
func (s *Sandbox) recordAction(actor, target string) []Finding {
	now := s.st.SimTime
	times := s.st.ActionTimes[actor]

	count := 1 // the action being recorded
	for _, t := range times {
		if now-t <= s.cfg.RateWindow {
			count++
		}
	}
	s.st.ActionTimes[actor] = append(times, now)

	if count > s.cfg.MaxActionsPerWindow {
		return []Finding{{
			Type:   FindingRateLimited,
			Rule:   "action_rate",
			Actor:  actor,
			Target: target,
			Detail: fmt.Sprintf("%d actions within %ds (max %d)", count, s.cfg.RateWindow, s.cfg.MaxActionsPerWindow),
		}}
	}
	return nil
}

// reciprocalComponentSize computes the size of the connected component
// containing start in the graph whose edges are reciprocal favorable
// review pairs inside the reciprocal window.
func (s *Sandbox) reciprocalComponentSize(start string, now int64) int {
	favorable := make(map[string]map[string]bool)
	for _, r := range s.st.Reviews {
		if r.Retracted || r.Rating < 4 || now-r.At > s.cfg.ReciprocalWindow {
			continue
		}
		if favorable[r.Reviewer] == nil {
			favorable[r.Reviewer] = make(map[string]bool)
		}
		favorable[r.Reviewer][r.Subject] = true
	}

	adj := make(map[string][]string)
	for a, outs := range favorable {
		for b := range outs {
			if favorable[b][a] {
				adj[a] = append(adj[a], b)
			}
		}
	}

	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return len(seen)
}

// receivedNegativeFrom reports whether actor received a negative review
// or a dispute from target inside the retaliation window.
func (s *Sandbox) receivedNegativeFrom(actor, target string, now int64) bool {
	for _, r := range s.st.Reviews {
		if r.Reviewer == target && r.Subject == actor && r.Rating <= 2 && now-r.At <= s.cfg.RetaliationWindow {
			return true
		}
	}
	for _, d := range s.st.Disputes {
		if d.Actor == target && d.Target == actor && now-d.At <= s.cfg.RetaliationWindow {
			return true
		}
	}
	return false
}

// oscillation counts claim/retract and verify/dispute flip-flops by
// actor against target inside the oscillation window.
func (s *Sandbox) oscillation(actor, target string, now int64) (Finding, bool) {
	cycles := 0
	for _, r := range s.st.Retractions {
		if r.Actor == actor && r.Target == target && now-r.At <= s.cfg.OscillationWindow {
			cycles++
		}
	}
	for _, d := range s.st.Disputes {
		if d.Actor == actor && d.Target == target && now-d.At <= s.cfg.OscillationWindow {
			cycles++
		}
	}
	if cycles >= s.cfg.OscillationThreshold {
		return Finding{
			Type:   FindingAbuseFlagged,
			Rule:   "oscillation",
			Actor:  actor,
			Target: target,
			Detail: fmt.Sprintf("%d flip-flops within %ds", cycles, s.cfg.OscillationWindow),
		}, true
	}
	return Finding{}, false
}

// duplicateSpam flags a burst of near-duplicate reviews converging on
// one subject from distinct reviewers.
func (s *Sandbox) duplicateSpam(subject string, rating int, comment string, now int64) (Finding, bool) {
	norm := normalizeComment(comment)
	reviewers := make(map[string]bool)
	for _, r := range s.st.Reviews {
		if r.Subject != subject || r.Rating != rating || now-r.At > s.cfg.DuplicateWindow {
			continue
		}
		if normalizeComment(r.Comment) == norm {
			reviewers[r.Reviewer] = true
		}
	}
	if len(reviewers) >= s.cfg.DuplicateThreshold {
		return Finding{
			Type:   FindingAbuseFlagged,
			Rule:   "duplicate_review_spam",
			Actor:  subject,
			Target: subject,
			Detail: fmt.Sprintf("%d near-duplicate reviews within %ds", len(reviewers), s.cfg.DuplicateWindow),
		}, true
	}
	return Finding{}, false
}

// normalizeComment strips digits and collapses case so low-effort
// template variations compare equal.
func normalizeComment(c string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(c) {
		if r >= '0' && r <= '9' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Sandbox) hasAuthoredLocked(actor, subject string) bool {
	switch subject {
	case "review":
		for _, r := range s.st.Reviews {
			if r.Reviewer == actor && !r.Retracted {
				return true
			}
		}
	case "overlap":
		for _, o := range s.st.Overlaps {
			if o.Claimant == actor && !o.Retracted {
				return true
			}
		}
	}
	return false
}

// retractLatestLocked marks the most recent active record of the given
// kind authored by actor toward target as retracted.
func (s *Sandbox) retractLatestLocked(actor, target, subject string) bool {
	switch subject {
	case "review":
		for i := len(s.st.Reviews) - 1; i >= 0; i-- {
			r := &s.st.Reviews[i]
			if r.Reviewer == actor && r.Subject == target && !r.Retracted {
				r.Retracted = true
				return true
			}
		}
	case "overlap":
		for i := len(s.st.Overlaps) - 1; i >= 0; i-- {
			o := &s.st.Overlaps[i]
			if o.Claimant == actor && o.With == target && !o.Retracted {
				o.Retracted = true
				return true
			}
		}
	}
	return false
}

func checkSubject(subject string) error {
	if subject != "review" && subject != "overlap" {
		return fmt.Errorf("unknown subject kind %q (want review or overlap)", subject)
	}
	return nil
}
