package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/ShayCichocki/spectree/internal/orchestrator"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// Dispatcher runs agent rounds as Anthropic tool-use sessions. Each round
// gets the role's system prompt, a tool set limited to what the role may do,
// and writes confined to the spec's scope.
type Dispatcher struct {
	client   *Client
	workDir  string
	maxTurns int
	debugLog func(format string, args ...interface{})
	onStream func(specID string, role models.Role, ev StreamEvent)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Client *Client
	// WorkDir is the working tree agents read and write.
	WorkDir string
	// MaxTurns caps API calls per round; zero means DefaultMaxTurns.
	MaxTurns int
	DebugLog func(format string, args ...interface{})
	// OnStream receives session events, e.g. for the live view.
	OnStream func(specID string, role models.Role, ev StreamEvent)
}

var _ orchestrator.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		client:   cfg.Client,
		workDir:  cfg.WorkDir,
		maxTurns: cfg.MaxTurns,
		debugLog: cfg.DebugLog,
		onStream: cfg.OnStream,
	}
	if d.debugLog == nil {
		d.debugLog = func(string, ...interface{}) {}
	}
	return d
}

// Dispatch runs one round and returns its structured result. A session that
// ends without a parseable result block yields a result carrying only the
// text; judging roles then count as rejecting. A failed session returns the
// cost of the tokens it used alongside the error.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.DispatchRequest) (*models.RoundResult, error) {
	start := time.Now()
	executor := NewToolExecutor(d.workDir,
		WithScope(req.Content.AllowedPaths, req.Content.ForbiddenPaths),
		WithTools(ToolNamesForRole(req.Role)...))

	loop := NewAgentLoop(AgentLoopConfig{
		Client:   d.client,
		Executor: executor,
		Tools:    ToolsForRole(req.Role),
		MaxTurns: d.maxTurns,
		OnStream: func(ev StreamEvent) {
			if ev.Type == "tool_use" {
				d.debugLog("[api] %s/%s %s", req.SpecID, req.Role, FormatToolAction(ev.Tool, ev.Input))
			}
			if d.onStream != nil {
				d.onStream(req.SpecID, req.Role, ev)
			}
		},
	})

	out, err := loop.Run(ctx, SystemPrompt(req), UserPrompt(req))
	cost := d.client.Tracker().CostOf(out.TokensIn, out.TokensOut)
	if err != nil {
		d.debugLog("[api] %s/%s failed after %d turns ($%.4f): %v", req.SpecID, req.Role, out.Turns, cost, err)
		return &models.RoundResult{Cost: cost, Duration: time.Since(start)}, fmt.Errorf("%s round for %s: %w", req.Role, req.SpecID, err)
	}

	res, perr := ParseRoundResult(out.Output)
	if perr != nil {
		d.debugLog("[api] %s/%s returned no result block: %v", req.SpecID, req.Role, perr)
		res = &models.RoundResult{RoleOutput: strings.TrimSpace(out.Output)}
	}
	res.Cost = cost
	res.Duration = time.Since(start)

	d.debugLog("[api] %s/%s done: turns=%d tools=%d tokens=%d/%d cost=$%.4f",
		req.SpecID, req.Role, out.Turns, out.ToolCalls, out.TokensIn, out.TokensOut, cost)
	return res, nil
}

// ParseRoundResult extracts the JSON result block from a session's final text
// and decodes it. Payloads and hibernation context stay raw JSON.
func ParseRoundResult(text string) (*models.RoundResult, error) {
	block, ok := extractJSONBlock(text)
	if !ok {
		return nil, fmt.Errorf("no JSON object in output")
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return nil, fmt.Errorf("parse result block: %w", err)
	}

	var res models.RoundResult
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &res,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode result block: %w", err)
	}

	if msgs, ok := raw["emitted_messages"].([]interface{}); ok {
		for i, m := range msgs {
			fields, ok := m.(map[string]interface{})
			if !ok || i >= len(res.Messages) {
				continue
			}
			if p, ok := fields["payload"]; ok && p != nil {
				data, err := json.Marshal(p)
				if err != nil {
					return nil, fmt.Errorf("encode payload of message %d: %w", i, err)
				}
				res.Messages[i].Payload = data
			}
		}
	}

	if h, ok := raw["hibernate"].(map[string]interface{}); ok && res.Hibernate != nil {
		switch c := h["context"].(type) {
		case nil:
		case string:
			res.Hibernate.Context = []byte(c)
		default:
			data, err := json.Marshal(c)
			if err != nil {
				return nil, fmt.Errorf("encode hibernation context: %w", err)
			}
			res.Hibernate.Context = data
		}
	}

	if res.Verdict != nil {
		res.Verdict.Outcome = models.VerdictOutcome(strings.ToLower(strings.TrimSpace(string(res.Verdict.Outcome))))
	}
	res.Cost = 0
	return &res, nil
}

// extractJSONBlock returns the last fenced json block, or failing that the
// span from the first '{' to the last '}'.
func extractJSONBlock(text string) (string, bool) {
	const fence = "```"
	if i := strings.LastIndex(text, fence+"json"); i >= 0 {
		body := text[i+len(fence)+len("json"):]
		if j := strings.Index(body, fence); j >= 0 {
			body = body[:j]
		}
		if body = strings.TrimSpace(body); body != "" {
			return body, true
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
