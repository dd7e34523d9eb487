package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/aegis-ai/aegis/internal/evaluator"
	"github.com/aegis-ai/aegis/internal/model"
)

// toolCaller is the slice of the MCP client a plugin evaluator needs.
// *mcpclient.Client satisfies it; tests substitute a stub.
type toolCaller interface {
	CallTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error)
}

// Plugin is a loaded third-party evaluator pack: one subprocess, one MCP
// session, one or more evaluators.
type Plugin struct {
	manifest Manifest
	client   *mcpclient.Client
	logger   *slog.Logger
}

// Load validates the manifest, starts the plugin subprocess, and performs
// the MCP handshake. The sandbox limits travel to the child through its
// environment; the plugin runtime enforces memory and network caps, the
// host enforces wall-clock timeouts.
func Load(ctx context.Context, manifest Manifest, command string, args ...string) (*Plugin, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	env := []string{
		"AEGIS_PLUGIN_ID=" + manifest.ID,
		"AEGIS_PLUGIN_MEMORY_MB=" + strconv.Itoa(manifest.Sandbox.MemoryMB),
		"AEGIS_PLUGIN_NETWORK=" + strconv.FormatBool(manifest.Sandbox.NetworkAccess),
		"AEGIS_PLUGIN_ALLOWED_DOMAINS=" + strings.Join(manifest.Sandbox.AllowedDomains, ","),
	}
	client, err := mcpclient.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("plugin: start %s: %w", manifest.ID, err)
	}

	if _, err := client.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "aegis", Version: "1.0"},
		},
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("plugin: initialize %s: %w", manifest.ID, err)
	}

	return &Plugin{manifest: manifest, client: client}, nil
}

// Manifest returns the plugin's validated manifest.
func (p *Plugin) Manifest() Manifest { return p.manifest }

// Evaluators returns one mesh evaluator per declared spec. Names are
// namespaced as "<pluginID>.<evaluator>" so plugins cannot shadow the
// built-ins.
func (p *Plugin) Evaluators() []evaluator.Evaluator {
	out := make([]evaluator.Evaluator, len(p.manifest.Evaluators))
	for i, spec := range p.manifest.Evaluators {
		out[i] = &pluginEvaluator{
			pluginID: p.manifest.ID,
			spec:     spec,
			caller:   p.client,
		}
	}
	return out
}

// Close terminates the plugin subprocess.
func (p *Plugin) Close() error {
	return p.client.Close()
}

// pluginEvaluator proxies one evaluator onto the plugin's MCP session.
type pluginEvaluator struct {
	pluginID string
	spec     EvaluatorSpec
	caller   toolCaller
}

func (e *pluginEvaluator) Name() string {
	return e.pluginID + "." + e.spec.Name
}

func (e *pluginEvaluator) Priority() int { return e.spec.Priority }

// TriggerCondition exposes the manifest's trigger so the mesh only
// dispatches this evaluator when the condition matches the request.
func (e *pluginEvaluator) TriggerCondition() string { return e.spec.Trigger }

// evaluatePayload is the fixed schema sent to the plugin's evaluate tool.
type evaluatePayload struct {
	Evaluator string   `json:"evaluator"`
	Prompt    string   `json:"prompt"`
	Response  string   `json:"response"`
	OrgID     string   `json:"orgId"`
	Context   []string `json:"context,omitempty"`
}

// evaluateResult is what the plugin must answer with. A nil score means
// the plugin abstained; the mesh substitutes 1.0.
type evaluateResult struct {
	Score      *float64          `json:"score"`
	Violations []model.Violation `json:"violations,omitempty"`
}

// Evaluate calls the plugin within its manifest timeout. Timeouts and
// malformed answers return errors; the mesh settles those to the neutral
// result.
func (e *pluginEvaluator) Evaluate(ctx context.Context, in evaluator.Input) (evaluator.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.spec.TimeoutSeconds)*time.Second)
	defer cancel()

	contextChunks := make([]string, 0, len(in.Context))
	for _, h := range in.Context {
		contextChunks = append(contextChunks, h.Chunk.Content)
	}

	res, err := e.caller.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name: "evaluate",
			Arguments: evaluatePayload{
				Evaluator: e.spec.Name,
				Prompt:    in.Prompt,
				Response:  in.Response,
				OrgID:     in.OrgID,
				Context:   contextChunks,
			},
		},
	})
	if err != nil {
		return evaluator.Result{}, fmt.Errorf("plugin: %s call: %w", e.Name(), err)
	}
	if res.IsError {
		return evaluator.Result{}, fmt.Errorf("plugin: %s reported error: %s", e.Name(), firstText(res))
	}

	text := firstText(res)
	if text == "" {
		return evaluator.Result{}, fmt.Errorf("plugin: %s returned no text content", e.Name())
	}
	var parsed evaluateResult
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return evaluator.Result{}, fmt.Errorf("plugin: %s returned malformed result: %w", e.Name(), err)
	}

	out := evaluator.Result{Violations: parsed.Violations}
	if parsed.Score == nil {
		out.Missing = true
	} else {
		out.Score = model.Clamp01(*parsed.Score)
	}
	return out, nil
}

func firstText(res *mcplib.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
