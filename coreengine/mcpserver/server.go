// Package mcpserver exposes the pipeline as Model Context Protocol tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/FranGenoa/HeadlineArt/commbus"
	"github.com/FranGenoa/HeadlineArt/coreengine/agents"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/FranGenoa/HeadlineArt/coreengine/runtime"
	"github.com/FranGenoa/HeadlineArt/coreengine/storage"
)

const (
	ServerName    = "headlineart"
	ServerVersion = "0.1.0"
)

// Tools holds the collaborators behind the tool handlers.
type Tools struct {
	Runner     *runtime.PipelineRunner
	Bus        commbus.CommBus
	Logger     agents.Logger
	RunTimeout time.Duration
}

type GenerateInput struct {
	Input string `json:"input" jsonschema:"Instruction that starts the run, e.g. 'Find today's headlines and make art'"`
}

type GetRunInput struct {
	RunID string `json:"run_id" jsonschema:"Identifier returned by generate_headline_art"`
}

type CancelRunInput struct {
	RunID  string `json:"run_id" jsonschema:"Identifier of an in-flight run"`
	Reason string `json:"reason,omitempty" jsonschema:"Optional reason recorded with the cancellation"`
}

// GenerateOutput is the JSON body returned by generate_headline_art.
type GenerateOutput struct {
	Result *runtime.Result       `json:"result"`
	Events []envelope.StageEvent `json:"events"`
}

// New creates an MCP server with every tool registered.
func New(t *Tools) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: ServerVersion,
	}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "generate_headline_art",
		Description: "Run the news-to-art pipeline: research headlines, develop a concept, review it and render an image",
	}, t.Generate)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_run",
		Description: "Fetch the persisted record and event log of a run",
	}, t.GetRun)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "cancel_run",
		Description: "Cancel an in-flight run",
	}, t.CancelRun)

	return srv
}

func (t *Tools) Generate(ctx context.Context, _ *mcp.CallToolRequest, input GenerateInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Input) == "" {
		return toolError("input is required"), nil, nil
	}
	if t.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.RunTimeout)
		defer cancel()
	}

	h := t.Runner.Stream(ctx, input.Input)
	events := []envelope.StageEvent{}
	for ev := range h.Events {
		events = append(events, ev)
	}
	run, err := h.Wait()
	result := runtime.NewResult(run, err)
	t.Logger.Info("mcp_run_finished", "run_id", run.RunID, "status", result.Status, "events", len(events))

	out, _, _ := toolJSON(GenerateOutput{Result: result, Events: events})
	if result.Status == storage.StatusError {
		out.IsError = true
	}
	return out, nil, nil
}

func (t *Tools) GetRun(ctx context.Context, _ *mcp.CallToolRequest, input GetRunInput) (*mcp.CallToolResult, any, error) {
	if input.RunID == "" {
		return toolError("run_id is required"), nil, nil
	}
	if t.Bus == nil {
		return toolError("run history is disabled"), nil, nil
	}

	run, err := commbus.Ask[*storage.RunRecord](ctx, t.Bus, &commbus.GetRun{RunID: input.RunID})
	if err != nil {
		return historyError(input.RunID, err), nil, nil
	}
	if run == nil {
		return toolError("run %s not found", input.RunID), nil, nil
	}
	list, err := commbus.Ask[[]envelope.StageEvent](ctx, t.Bus, &commbus.ListRunEvents{RunID: input.RunID})
	if err != nil {
		return historyError(input.RunID, err), nil, nil
	}
	return toolJSON(map[string]any{"summary": run.Summary(), "run": run, "events": list})
}

func (t *Tools) CancelRun(_ context.Context, _ *mcp.CallToolRequest, input CancelRunInput) (*mcp.CallToolResult, any, error) {
	if input.RunID == "" {
		return toolError("run_id is required"), nil, nil
	}
	reason := input.Reason
	if reason == "" {
		reason = "cancelled by client"
	}
	if !t.Runner.Cancel(input.RunID, reason) {
		return toolError("no active run %s", input.RunID), nil, nil
	}
	return toolJSON(map[string]any{"run_id": input.RunID, "cancelled": true})
}

func historyError(runID string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return toolError("run %s not found", runID)
	case commbus.IsUnavailable(err):
		return toolError("run history is disabled")
	default:
		return toolError("run history lookup failed: %v", err)
	}
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func toolJSON(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("failed to marshal result: %v", err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
