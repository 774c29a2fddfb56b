package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/veriwork/sandlab/pkg/fuzz"
	"github.com/veriwork/sandlab/pkg/replay"
	"github.com/veriwork/sandlab/pkg/runner"
	"github.com/veriwork/sandlab/pkg/scenario"
	"github.com/veriwork/sandlab/pkg/store"
)

// handleScenarios lists the catalog scenario ids.
func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scenarios": s.catalog.IDs()})
}

// handleRunScenario executes a catalog or inline scenario document.
func (s *Server) handleRunScenario(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req RunScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid_json_body"}`, http.StatusBadRequest)
		return
	}

	if (req.ScenarioID == "") == (req.Scenario == nil) {
		http.Error(w, `{"error":"exactly_one_of_scenario_id_or_scenario_required"}`, http.StatusBadRequest)
		return
	}

	doc := req.Scenario
	if req.ScenarioID != "" {
		var err error
		doc, err = s.catalog.Get(req.ScenarioID)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":"unknown_scenario","scenario_id":"%s"}`, req.ScenarioID), http.StatusNotFound)
			return
		}
	}

	callerID := getCallerID(r.Context())

	var resolution scenario.Resolution
	var err error
	if len(req.ActorIDs) > 0 {
		resolution, err = scenario.ResolvePositional(doc, callerID, req.ActorIDs)
	} else {
		supplied := make(scenario.Resolution, len(req.Actors))
		for role, id := range req.Actors {
			supplied[scenario.Role(role)] = id
		}
		resolution, err = scenario.Resolve(doc, callerID, supplied)
	}
	if err != nil {
		writeRunError(w, r.Context(), err)
		return
	}

	release, ok := s.acquireLease(w, r.Context(), req.SandboxID, callerID)
	if !ok {
		return
	}
	defer release()

	result, err := s.runner.Execute(r.Context(), runner.ExecRequest{
		RunID:        req.RunID,
		Doc:          doc,
		Partition:    req.SandboxID,
		Resolution:   resolution,
		FromStep:     req.FromStepIndex,
		CaptureState: true,
		ConfirmReal:  req.ConfirmRealMode,
	})
	if err != nil {
		writeRunError(w, r.Context(), err)
		return
	}

	// Fresh runs get a ledger record so they can be listed and replayed.
	// Resumes already have one.
	if req.FromStepIndex == 0 {
		if err := s.saveScenarioRun(r.Context(), doc, resolution, result, callerID); err != nil {
			fmt.Printf(`{"level":"error","msg":"failed_to_save_run_record","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
		}
	}

	s.dispatcher.DispatchDetections(result.Events)
	writeJSON(w, http.StatusOK, runResponse(result, store.AttackScenario, 0))
}

func (s *Server) saveScenarioRun(ctx context.Context, doc *scenario.Document, resolution scenario.Resolution, result *runner.Result, callerID string) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	resJSON, err := json.Marshal(resolution)
	if err != nil {
		return err
	}
	summaryJSON, err := json.Marshal(result.Summary())
	if err != nil {
		return err
	}
	return s.store.SaveFuzzRun(ctx, &store.FuzzRun{
		RunID:           result.RunID,
		SandboxID:       result.SandboxID,
		AttackType:      store.AttackScenario,
		Mode:            string(doc.Mode),
		ScenarioDoc:     docJSON,
		ActorResolution: resJSON,
		ResultSummary:   summaryJSON,
		CreatedBy:       callerID,
	})
}

// handleFuzz runs one seeded adversarial scenario.
func (s *Server) handleFuzz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req FuzzRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid_json_body"}`, http.StatusBadRequest)
		return
	}
	if req.AttackType == "" || req.SandboxID == "" {
		http.Error(w, `{"error":"missing_required_fields"}`, http.StatusBadRequest)
		return
	}

	callerID := getCallerID(r.Context())

	release, ok := s.acquireLease(w, r.Context(), req.SandboxID, callerID)
	if !ok {
		return
	}
	defer release()

	result, err := s.fuzzer.Run(r.Context(), fuzz.Request{
		AttackType:  req.AttackType,
		Partition:   req.SandboxID,
		Mode:        scenario.Mode(req.Mode),
		Seed:        req.Seed,
		Actors:      req.Actors,
		EmployeeIDs: req.EmployeeIDs,
		CallerID:    callerID,
	})
	if err != nil {
		writeRunError(w, r.Context(), err)
		return
	}

	fmt.Printf(`{"level":"info","msg":"fuzz_run_completed","trace_id":"%s","run_id":"%s","attack_type":"%s","seed":%d,"abuse_flagged":%t}`+"\n",
		getTraceID(r.Context()), result.RunID, result.AttackType, result.Seed, result.Run.AbuseFlagged)

	s.dispatcher.DispatchDetections(result.Run.Events)
	writeJSON(w, http.StatusOK, runResponse(result.Run, result.AttackType, result.Seed))
}

// handleRuns lists run records for a partition.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	sandboxID := r.URL.Query().Get("sandbox_id")
	if sandboxID == "" {
		http.Error(w, `{"error":"missing_sandbox_id"}`, http.StatusBadRequest)
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	runs, err := s.store.ListFuzzRuns(r.Context(), sandboxID, limit)
	if err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_list_runs","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleRunByID routes /v1/runs/{id}, /v1/runs/{id}/events, and
// /v1/runs/{id}/replay.
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.SplitN(rest, "/", 2)
	runID := parts[0]
	if runID == "" {
		http.Error(w, `{"error":"missing_run_id"}`, http.StatusBadRequest)
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		s.getRun(w, r, runID)
	case "events":
		s.getRunEvents(w, r, runID)
	case "replay":
		s.replayRun(w, r, runID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	run, err := s.store.GetFuzzRun(r.Context(), runID)
	if err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_get_run","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, `{"error":"run_not_found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// getRunEvents returns a run's full event log in step order. The
// whole log is the default so replay output can be diffed against it;
// detection overlays narrow it with ?type=abuse_flagged,rate_limited.
func (s *Server) getRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	filter := store.EventFilter{RunID: runID}
	if t := r.URL.Query().Get("type"); t != "" {
		for _, v := range strings.Split(t, ",") {
			filter.EventTypes = append(filter.EventTypes, store.EventType(v))
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			filter.Limit = val
		}
	}

	events, err := s.store.QueryEvents(r.Context(), filter)
	if err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_query_events","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// replayRun re-executes a stored run from its recorded document.
func (s *Server) replayRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req ReplayRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid_json_body"}`, http.StatusBadRequest)
			return
		}
	}

	rec, err := s.store.GetFuzzRun(r.Context(), runID)
	if err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_get_run","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, `{"error":"run_not_found"}`, http.StatusNotFound)
		return
	}

	callerID := getCallerID(r.Context())
	release, ok := s.acquireLease(w, r.Context(), rec.SandboxID, callerID)
	if !ok {
		return
	}
	defer release()

	result, err := s.replayer.Replay(r.Context(), replay.Request{
		RunID:    runID,
		FromStep: req.FromStepIndex,
		CallerID: callerID,
	})
	if err != nil {
		writeRunError(w, r.Context(), err)
		return
	}

	writeJSON(w, http.StatusOK, runResponse(result.Run, result.AttackType, result.Seed))
}

// handleSandboxes handles DELETE /v1/sandboxes/{id}: whole-partition
// teardown, the only deletion path.
func (s *Server) handleSandboxes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	sandboxID := strings.TrimPrefix(r.URL.Path, "/v1/sandboxes/")
	if sandboxID == "" || strings.Contains(sandboxID, "/") {
		http.Error(w, `{"error":"invalid_sandbox_id"}`, http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(sandboxID, runner.PartitionPrefix) {
		http.Error(w, `{"error":"not_a_sandbox_partition"}`, http.StatusBadRequest)
		return
	}

	if err := s.store.TeardownPartition(r.Context(), sandboxID); err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_teardown_partition","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
		return
	}

	fmt.Printf(`{"level":"info","msg":"partition_torn_down","trace_id":"%s","sandbox_id":"%s","by":"%s"}`+"\n",
		getTraceID(r.Context()), sandboxID, getCallerID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// acquireLease takes the advisory partition lease. The lease keeps two
// callers from interleaving runs on one partition; it is not load
// bearing for engine correctness. Returns a release func and whether
// the caller may proceed; on conflict it has already written the 409.
func (s *Server) acquireLease(w http.ResponseWriter, ctx context.Context, sandboxID, holderID string) (func(), bool) {
	if s.leases == nil {
		return func() {}, true
	}

	name := store.PartitionLeaseName(sandboxID)
	ok, err := s.leases.Acquire(ctx, name, holderID, s.leaseTTL)
	if err != nil {
		fmt.Printf(`{"level":"error","msg":"lease_acquire_failed","trace_id":"%s","error":"%v"}`+"\n", getTraceID(ctx), err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
		return nil, false
	}
	if !ok {
		http.Error(w, `{"error":"partition_busy","reason":"another_run_holds_the_lease"}`, http.StatusConflict)
		return nil, false
	}
	return func() {
		if err := s.leases.Release(context.Background(), name, holderID); err != nil {
			fmt.Printf(`{"level":"error","msg":"lease_release_failed","error":"%v"}`+"\n", err)
		}
	}, true
}

// writeRunError maps engine errors to HTTP statuses.
func writeRunError(w http.ResponseWriter, ctx context.Context, err error) {
	var (
		validation *scenario.ValidationError
		unresolved *scenario.UnresolvedRolesError
		stepRange  *runner.StepRangeError
		noSnapshot *runner.MissingSnapshotError
		badAttack  *fuzz.ErrUnknownAttack
		unknownRun *replay.ErrUnknownRun
		noReplay   *replay.ErrNotReplayable
	)

	switch {
	case errors.Is(err, runner.ErrRealModeUnconfirmed):
		http.Error(w, `{"error":"real_mode_requires_confirmation"}`, http.StatusForbidden)
	case errors.Is(err, runner.ErrUnpartitioned):
		http.Error(w, `{"error":"target_is_not_a_sandbox_partition"}`, http.StatusBadRequest)
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":      "invalid_scenario_document",
			"violations": validation.Violations,
		})
	case errors.As(err, &unresolved):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "unresolved_roles",
			"missing": unresolved.Missing,
		})
	case errors.As(err, &stepRange):
		http.Error(w, fmt.Sprintf(`{"error":"from_step_out_of_range","details":"%v"}`, stepRange), http.StatusBadRequest)
	case errors.As(err, &noSnapshot):
		http.Error(w, fmt.Sprintf(`{"error":"no_resume_snapshot","details":"%v"}`, noSnapshot), http.StatusConflict)
	case errors.As(err, &badAttack):
		http.Error(w, fmt.Sprintf(`{"error":"unknown_attack_type","attack_type":"%s"}`, badAttack.AttackType), http.StatusBadRequest)
	case errors.As(err, &unknownRun):
		http.Error(w, `{"error":"run_not_found"}`, http.StatusNotFound)
	case errors.As(err, &noReplay):
		http.Error(w, `{"error":"run_not_replayable"}`, http.StatusConflict)
	default:
		fmt.Printf(`{"level":"error","msg":"run_failed","trace_id":"%s","error":"%v"}`+"\n", getTraceID(ctx), err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
	}
}

func runResponse(result *runner.Result, attack store.AttackType, seed int64) RunResponse {
	return RunResponse{
		RunID:         result.RunID,
		SandboxID:     result.SandboxID,
		AttackType:    attack,
		Seed:          seed,
		StepsExecuted: result.StepsExecuted,
		StepsTotal:    result.StepsTotal,
		AbuseFlagged:  result.AbuseFlagged,
		Failed:        result.Failed,
		FailedStep:    result.FailedStep,
		FailureReason: result.FailureReason,
		Events:        result.Events,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_encode_response","error":"%v"}`+"\n", err)
	}
}
