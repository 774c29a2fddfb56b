package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/veriwork/sandlab/pkg/scenario"
	"github.com/veriwork/sandlab/pkg/store"
	"github.com/veriwork/sandlab/pkg/trust"
)

// PartitionPrefix tags sandbox partitions. Anything without it is
// treated as a production target and refused.
const PartitionPrefix = "sbx-"

// Sink is the persistence surface the interpreter writes through.
type Sink interface {
	AppendEvent(ctx context.Context, event *store.Event) error
	SaveSnapshot(ctx context.Context, snap *store.Snapshot) error
	GetSnapshot(ctx context.Context, runID string, stepIndex int) (*store.Snapshot, error)
}

// ServiceFactory builds the trust collaborator for one partition.
type ServiceFactory func(partition string) trust.Service

// ExecRequest configures one interpreter run.
type ExecRequest struct {
	RunID        string // generated when empty
	Doc          *scenario.Document
	Partition    string
	Resolution   scenario.Resolution
	FromStep     int  // resume point; 0 means a fresh run
	CaptureState bool // snapshot after every step
	ConfirmReal  bool // out-of-band confirmation for mode "real"
}

// Result is the outcome of a run: per-step events, counts, detection
// flags, and failure detail when a step handler aborted the run.
type Result struct {
	RunID         string         `json:"run_id"`
	SandboxID     string         `json:"sandbox_id"`
	Events        []*store.Event `json:"events"`
	StepsExecuted int            `json:"steps_executed"`
	StepsTotal    int            `json:"steps_total"`
	AbuseFlagged  bool           `json:"abuse_flagged"`
	Failed        bool           `json:"failed,omitempty"`
	FailedStep    int            `json:"failed_step,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	FinalDigest   string         `json:"final_digest,omitempty"`
}

// Summary converts the result into the persisted run summary form.
func (r *Result) Summary() store.ResultSummary {
	return store.ResultSummary{
		AbuseFlagged:  r.AbuseFlagged,
		StepsExecuted: r.StepsExecuted,
		StepsTotal:    r.StepsTotal,
		Failed:        r.Failed,
		FailedStep:    r.FailedStep,
		FailureReason: r.FailureReason,
	}
}

// Runner executes scenario documents against sandbox partitions.
type Runner struct {
	sink    Sink
	factory ServiceFactory
}

// New creates a runner. The factory defaults to the in-memory trust
// sandbox with default detection thresholds.
func New(sink Sink, factory ServiceFactory) *Runner {
	if factory == nil {
		factory = func(partition string) trust.Service {
			return trust.NewSandbox(partition, trust.DefaultDetectionConfig())
		}
	}
	return &Runner{sink: sink, factory: factory}
}

// runContext carries all per-run mutable state. It is a local value
// threaded through the run, never package state, so concurrent runs on
// different partitions cannot interfere.
type runContext struct {
	req    ExecRequest
	svc    trust.Service
	result *Result
}

// Execute runs the document's steps strictly in order against the
// sandbox partition. All entry checks happen before step 0; resume
// seeds working state from the snapshot at FromStep-1 and then behaves
// exactly like a fresh run of the remaining steps.
func (r *Runner) Execute(ctx context.Context, req ExecRequest) (*Result, error) {
	if !strings.HasPrefix(req.Partition, PartitionPrefix) {
		SandlabRunsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnpartitioned, req.Partition)
	}
	if err := req.Doc.Validate(); err != nil {
		SandlabRunsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := req.Resolution.Verify(req.Doc); err != nil {
		SandlabRunsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if req.Doc.Mode == scenario.ModeReal && !req.ConfirmReal {
		SandlabRunsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrRealModeUnconfirmed
	}
	if req.FromStep < 0 || req.FromStep >= len(req.Doc.Steps) {
		SandlabRunsTotal.WithLabelValues("rejected").Inc()
		return nil, &StepRangeError{FromStep: req.FromStep, Steps: len(req.Doc.Steps)}
	}

	if req.RunID == "" {
		req.RunID = fmt.Sprintf("run_%d", time.Now().UnixNano())
	}

	svc := r.factory(req.Partition)
	if req.FromStep > 0 {
		snap, err := r.sink.GetSnapshot(ctx, req.RunID, req.FromStep-1)
		if err != nil {
			return nil, fmt.Errorf("failed to load resume snapshot: %w", err)
		}
		if snap == nil {
			return nil, &MissingSnapshotError{RunID: req.RunID, StepIndex: req.FromStep - 1}
		}
		if err := svc.RestoreState(snap.State); err != nil {
			return nil, fmt.Errorf("failed to seed state from snapshot: %w", err)
		}
	}

	rc := &runContext{
		req: req,
		svc: svc,
		result: &Result{
			RunID:      req.RunID,
			SandboxID:  req.Partition,
			StepsTotal: len(req.Doc.Steps),
		},
	}

	for i := req.FromStep; i < len(req.Doc.Steps); i++ {
		if err := r.executeStep(ctx, rc, i); err != nil {
			// Abort at the failing step. The partial event list and the
			// failure reason stay on the result so the run is
			// inspectable and resumable at this index.
			rc.result.Failed = true
			rc.result.FailedStep = i
			rc.result.FailureReason = err.Error()
			SandlabRunsTotal.WithLabelValues("failed").Inc()
			fmt.Printf(`{"level":"error","msg":"run_step_failed","run_id":"%s","step":%d,"error":"%v"}`+"\n", req.RunID, i, err)
			return rc.result, nil
		}
		rc.result.StepsExecuted++
		SandlabStepsTotal.Inc()
	}

	if digest, err := svc.StateDigest(); err == nil {
		rc.result.FinalDigest = digest
	}

	SandlabRunsTotal.WithLabelValues("completed").Inc()
	return rc.result, nil
}

// executeStep dispatches one step to its action handler and records the
// resulting events and, when requested, a snapshot.
func (r *Runner) executeStep(ctx context.Context, rc *runContext, index int) error {
	step := rc.req.Doc.Steps[index]

	findings, err := r.dispatch(ctx, rc, step)
	if err != nil {
		return err
	}

	seq := 0
	for _, f := range findings {
		evt, err := rc.buildFindingEvent(index, seq, f)
		if err != nil {
			return err
		}
		if err := r.emit(ctx, rc, evt); err != nil {
			return err
		}
		SandlabDetectionsTotal.WithLabelValues(string(f.Type), f.Rule).Inc()
		if f.Type == trust.FindingAbuseFlagged {
			rc.result.AbuseFlagged = true
		}
		seq++
	}

	evt, err := rc.buildStepCompletedEvent(index, seq, step, len(findings))
	if err != nil {
		return err
	}
	if err := r.emit(ctx, rc, evt); err != nil {
		return err
	}

	if rc.req.CaptureState {
		state, err := rc.svc.MarshalState()
		if err != nil {
			return fmt.Errorf("failed to capture state after step %d: %w", index, err)
		}
		snap := &store.Snapshot{
			RunID:     rc.req.RunID,
			StepIndex: index,
			SandboxID: rc.req.Partition,
			State:     state,
		}
		if err := r.sink.SaveSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("failed to save snapshot after step %d: %w", index, err)
		}
	}

	return nil
}

// dispatch routes the step to its handler. The action vocabulary is a
// closed tagged variant; validation has already rejected unknown kinds,
// so the default arm is an internal invariant failure.
func (r *Runner) dispatch(ctx context.Context, rc *runContext, step scenario.Step) ([]trust.Finding, error) {
	actor, err := rc.identity(step.Actor)
	if err != nil {
		return nil, err
	}

	a := step.Action
	switch a.Kind {
	case scenario.ActionSubmitReview:
		target, err := rc.identity(a.Review.Target)
		if err != nil {
			return nil, err
		}
		return rc.svc.SubmitReview(ctx, actor, target, a.Review.Rating, a.Review.Comment)
	case scenario.ActionClaimOverlap:
		colleague, err := rc.identity(a.Overlap.With)
		if err != nil {
			return nil, err
		}
		return rc.svc.ClaimOverlap(ctx, actor, colleague, a.Overlap.Company, a.Overlap.Months)
	case scenario.ActionRequestVerification:
		target, err := rc.identity(a.Verification.Target)
		if err != nil {
			return nil, err
		}
		return rc.svc.RequestVerification(ctx, actor, target, a.Verification.Subject)
	case scenario.ActionDispute:
		target, err := rc.identity(a.Dispute.Target)
		if err != nil {
			return nil, err
		}
		return rc.svc.Dispute(ctx, actor, target, a.Dispute.Subject)
	case scenario.ActionRetract:
		target, err := rc.identity(a.Retract.Target)
		if err != nil {
			return nil, err
		}
		return rc.svc.Retract(ctx, actor, target, a.Retract.Subject)
	case scenario.ActionAdvanceTime:
		return nil, rc.svc.AdvanceTime(ctx, a.Advance.Seconds)
	default:
		return nil, fmt.Errorf("unhandled action kind %q", a.Kind)
	}
}

// identity resolves a role to its concrete identity. Resolution
// totality was verified at entry, so a miss here is an internal error.
func (rc *runContext) identity(role scenario.Role) (string, error) {
	id, ok := rc.req.Resolution[role]
	if !ok || id == "" {
		return "", fmt.Errorf("role %q not in resolution (resolution verified at entry; this is a bug)", role)
	}
	return id, nil
}

// emit appends the event to the store and the in-memory result.
func (r *Runner) emit(ctx context.Context, rc *runContext, evt *store.Event) error {
	if err := r.sink.AppendEvent(ctx, evt); err != nil {
		return err
	}
	rc.result.Events = append(rc.result.Events, evt)
	return nil
}

// findingMeta is the canonical metadata payload of a detection event.
// Field order is fixed so marshaled bytes are stable across runs.
type findingMeta struct {
	Rule   string `json:"rule"`
	Actor  string `json:"actor"`
	Target string `json:"target,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// stepMeta is the canonical metadata payload of a step_completed event.
// StateDigest is the state-delta marker consumers diff between steps.
type stepMeta struct {
	Action      string `json:"action"`
	Actor       string `json:"actor"`
	Findings    int    `json:"findings"`
	StateDigest string `json:"state_digest"`
}

func (rc *runContext) buildFindingEvent(stepIndex, seq int, f trust.Finding) (*store.Event, error) {
	meta, err := json.Marshal(findingMeta{
		Rule:   f.Rule,
		Actor:  f.Actor,
		Target: f.Target,
		Detail: f.Detail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal finding metadata: %w", err)
	}

	eventType := store.EventTypeAbuseFlagged
	if f.Type == trust.FindingRateLimited {
		eventType = store.EventTypeRateLimited
	}

	return rc.newEvent(stepIndex, seq, eventType, meta), nil
}

func (rc *runContext) buildStepCompletedEvent(stepIndex, seq int, step scenario.Step, findings int) (*store.Event, error) {
	digest, err := rc.svc.StateDigest()
	if err != nil {
		return nil, fmt.Errorf("failed to digest state: %w", err)
	}

	meta, err := json.Marshal(stepMeta{
		Action:      string(step.Action.Kind),
		Actor:       string(step.Actor),
		Findings:    findings,
		StateDigest: digest,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step metadata: %w", err)
	}

	return rc.newEvent(stepIndex, seq, store.EventTypeStepCompleted, meta), nil
}

// newEvent builds a canonical event. The ID derives from (run, step,
// seq) and the timestamp is the simulated clock, so a resumed run
// reproduces identical canonical bytes for the steps it re-executes.
func (rc *runContext) newEvent(stepIndex, seq int, t store.EventType, meta json.RawMessage) *store.Event {
	return &store.Event{
		EventID:   store.EventID(fmt.Sprintf("%s:%04d:%02d", rc.req.RunID, stepIndex, seq)),
		RunID:     rc.req.RunID,
		SandboxID: rc.req.Partition,
		StepIndex: stepIndex,
		Seq:       seq,
		EventType: t,
		SimTime:   rc.svc.Now(),
		Metadata:  meta,
	}
}
