package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// DefaultMaxTurns bounds the API calls of one session.
const DefaultMaxTurns = 50

// AgentLoop manages the API call and tool execution cycle of one session.
type AgentLoop struct {
	client   *Client
	executor *ToolExecutor
	tools    []anthropic.ToolUnionParam
	onStream func(StreamEvent)
	maxTurns int
}

// StreamEvent is an event during agent execution, forwarded to logs and the
// live view.
type StreamEvent struct {
	Type    string // "text", "tool_use", "tool_result", "done", "error"
	Content string
	Tool    string
	Input   json.RawMessage
}

// LoopResult contains the results of an agent loop execution.
type LoopResult struct {
	Output    string
	TokensIn  int64
	TokensOut int64
	ToolCalls int
	Turns     int
}

// AgentLoopConfig contains configuration for the agent loop.
type AgentLoopConfig struct {
	Client   *Client
	Executor *ToolExecutor
	Tools    []anthropic.ToolUnionParam
	// MaxTurns caps API calls; zero means DefaultMaxTurns.
	MaxTurns int
	OnStream func(StreamEvent)
}

// NewAgentLoop creates a new agent loop with the given configuration.
func NewAgentLoop(cfg AgentLoopConfig) *AgentLoop {
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &AgentLoop{
		client:   cfg.Client,
		executor: cfg.Executor,
		tools:    cfg.Tools,
		onStream: cfg.OnStream,
		maxTurns: maxTurns,
	}
}

func (l *AgentLoop) emit(event StreamEvent) {
	if l.onStream != nil {
		l.onStream(event)
	}
}

// Run executes the loop until the model ends its turn without tool calls.
func (l *AgentLoop) Run(ctx context.Context, systemPrompt, userPrompt string) (*LoopResult, error) {
	result := &LoopResult{}
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
	}

	for result.Turns < l.maxTurns {
		result.Turns++

		params := anthropic.MessageNewParams{
			Model:     l.client.Model(),
			MaxTokens: l.client.MaxTokens(),
			System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
			Messages:  messages,
		}
		if len(l.tools) > 0 {
			params.Tools = l.tools
		}

		resp, err := l.client.sdk().Messages.New(ctx, params)
		if err != nil {
			l.emit(StreamEvent{Type: "error", Content: err.Error()})
			return result, fmt.Errorf("API call failed: %w", err)
		}

		result.TokensIn += resp.Usage.InputTokens
		result.TokensOut += resp.Usage.OutputTokens
		l.client.Tracker().Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

		var assistantBlocks []anthropic.ContentBlockParamUnion
		var toolResultBlocks []anthropic.ContentBlockParamUnion
		var text string

		for _, block := range resp.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				text += variant.Text
				l.emit(StreamEvent{Type: "text", Content: variant.Text})
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(variant.Text))

			case anthropic.ToolUseBlock:
				result.ToolCalls++
				l.emit(StreamEvent{Type: "tool_use", Tool: variant.Name, Input: variant.Input})
				assistantBlocks = append(assistantBlocks,
					anthropic.NewToolUseBlock(variant.ID, variant.Input, variant.Name))

				toolResult := ToolResult{Content: "no tools are available", IsError: true}
				if l.executor != nil {
					toolResult = l.executor.Execute(ctx, variant.Name, variant.Input)
				}
				l.emit(StreamEvent{Type: "tool_result", Tool: variant.Name, Content: truncateForDisplay(toolResult.Content)})
				toolResultBlocks = append(toolResultBlocks,
					anthropic.NewToolResultBlock(variant.ID, toolResult.Content, toolResult.IsError))
			}
		}

		if resp.StopReason == anthropic.StopReasonEndTurn || len(toolResultBlocks) == 0 {
			result.Output = text
			l.emit(StreamEvent{Type: "done"})
			return result, nil
		}

		messages = append(messages,
			anthropic.NewAssistantMessage(assistantBlocks...),
			anthropic.NewUserMessage(toolResultBlocks...))
	}

	return result, fmt.Errorf("max turns (%d) reached", l.maxTurns)
}

func truncateForDisplay(s string) string {
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
