// Package mcp adapts the sandlab daemon to the Model Context Protocol,
// so agents can drive sandbox scenarios and inspect detection events.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/veriwork/sandlab/pkg/api"
	"github.com/veriwork/sandlab/pkg/client"
	"github.com/veriwork/sandlab/pkg/store"
)

// Server adapts sandlab-d to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL, token string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"sandlab",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL, token),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	// sandlab://scenarios
	s.mcpServer.AddResource(mcp.NewResource(
		"sandlab://scenarios",
		"Scenario Catalog",
		mcp.WithResourceDescription("Identifiers of the built-in scenario documents"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadScenarios)

	// sandlab://runs/{id}/events
	s.mcpServer.AddResourceTemplate(mcp.NewResourceTemplate(
		"sandlab://runs/{id}/events",
		"Run Event Log",
		mcp.WithTemplateDescription("One run's event log in step order, detection events included"),
		mcp.WithTemplateMIMEType("application/json"),
	), s.handleReadRunEvents)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"run_fuzz",
		mcp.WithDescription("Run one seeded adversarial scenario against a sandbox partition. Returns the run id, seed, and whether detection fired."),
		mcp.WithString("attack_type", mcp.Required(), mcp.Description("One of: boost_rings, retaliation, oscillation, impersonation_spam")),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("Sandbox partition, must start with 'sbx-'")),
		mcp.WithNumber("seed", mcp.Description("Seed for the generator; omitted means a fresh seed is drawn and recorded")),
	), s.handleRunFuzz)

	s.mcpServer.AddTool(mcp.NewTool(
		"replay_run",
		mcp.WithDescription("Re-execute a stored run from its recorded scenario document. Events are byte-identical to the original run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("The run to replay")),
		mcp.WithNumber("from_step", mcp.Description("Resume from this step index using the stored snapshot (default 0)")),
	), s.handleReplayRun)

	s.mcpServer.AddTool(mcp.NewTool(
		"get_run_events",
		mcp.WithDescription("Fetch a run's event log in step order, optionally filtered to detections."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("The run to inspect")),
		mcp.WithString("type", mcp.Description("Filter: abuse_flagged, rate_limited, or step_completed")),
	), s.handleGetRunEvents)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"sandlab-aware",
		mcp.WithPromptDescription("Provides context about sandlab concepts (partitions, scenarios, fuzzing, replay)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadScenarios(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	ids, err := s.apiClient.ListScenarios(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch scenarios: %w", err)
	}

	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scenarios: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleReadRunEvents(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	runID := strings.TrimSuffix(strings.TrimPrefix(uri, "sandlab://runs/"), "/events")
	if runID == "" || runID == uri || strings.Contains(runID, "/") {
		return nil, fmt.Errorf("invalid run events uri: %s", uri)
	}

	events, err := s.apiClient.GetRunEvents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal events: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRunFuzz(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	attackType := mcp.ParseString(request, "attack_type", "")
	sandboxID := mcp.ParseString(request, "sandbox_id", "")

	req := api.FuzzRequest{
		AttackType: store.AttackType(attackType),
		SandboxID:  sandboxID,
	}
	if seed := mcp.ParseFloat64(request, "seed", 0); seed != 0 {
		v := int64(seed)
		req.Seed = &v
	}

	resp, err := s.apiClient.RunFuzz(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	resultMsg := fmt.Sprintf("Run: %s\nSeed: %d\nSteps: %d/%d\nAbuse flagged: %t",
		resp.RunID, resp.Seed, resp.StepsExecuted, resp.StepsTotal, resp.AbuseFlagged)
	if resp.Failed {
		resultMsg += fmt.Sprintf("\nFailed at step %d: %s", resp.FailedStep, resp.FailureReason)
	}
	return mcp.NewToolResultText(resultMsg), nil
}

func (s *Server) handleReplayRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	fromStep := int(mcp.ParseFloat64(request, "from_step", 0))

	resp, err := s.apiClient.Replay(ctx, runID, fromStep)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	resultMsg := fmt.Sprintf("Replayed run %s: %d/%d steps, abuse flagged: %t",
		resp.RunID, resp.StepsExecuted, resp.StepsTotal, resp.AbuseFlagged)
	return mcp.NewToolResultText(resultMsg), nil
}

func (s *Server) handleGetRunEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")

	var types []store.EventType
	if t := mcp.ParseString(request, "type", ""); t != "" {
		types = append(types, store.EventType(t))
	}

	events, err := s.apiClient.GetRunEvents(ctx, runID, types...)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal events: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "sandlab-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are interacting with sandlab, a sandboxed scenario execution and adversarial fuzzing engine for an employment trust platform.

Concepts:
- Sandbox partition: an isolated namespace, always prefixed 'sbx-'. Nothing you run here touches production data.
- Scenario document: an ordered list of steps (reviews, overlap claims, disputes, retractions, clock advances) executed by logical actors.
- Fuzz run: a seeded, generated adversarial scenario. The seed is always recorded, so any run can be reproduced exactly.
- Replay: re-execution of a stored run from its recorded document. Events are deterministic and byte-identical.
- Detection events: abuse_flagged and rate_limited events show which steps tripped the trust system's detectors.

Use 'run_fuzz' to probe detection, 'get_run_events' to inspect what fired, and 'replay_run' to reproduce a prior run.
`

	return mcp.NewGetPromptResult(
		"sandlab-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
