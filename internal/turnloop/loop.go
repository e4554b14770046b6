// Package turnloop drives a conversation to a natural stopping point: it
// streams the assistant reply, dispatches tool calls through the approval
// gate, feeds results back, auto-compacts oversized histories, and
// terminates when the model stops asking for tools.
package turnloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentkernel/internal/approval"
	"github.com/xonecas/agentkernel/internal/kernelerrors"
	"github.com/xonecas/agentkernel/internal/message"
	"github.com/xonecas/agentkernel/internal/provider"
	"github.com/xonecas/agentkernel/internal/registry"
	"github.com/xonecas/agentkernel/internal/sessionlog"
	"github.com/xonecas/agentkernel/internal/streamengine"
)

// InterruptedText is the placeholder result recorded for tool calls that
// were never answered because the user canceled the request.
const InterruptedText = "[Request interrupted by user]"

// DefaultMaxTurns bounds a single loop invocation.
const DefaultMaxTurns = 50

// Approver resolves authorization for one candidate tool call. Bound to a
// mode and session policy by the caller; a plan-mode caller substitutes an
// approve-everything implementation.
type Approver interface {
	Resolve(ctx context.Context, toolName string, category registry.Category, needsApproval bool, params json.RawMessage) (approval.Decision, error)
}

// Usage accumulates token counts across the loop's model requests.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// TurnInfo is handed to OnTurn after each model request completes.
type TurnInfo struct {
	Usage   Usage
	Elapsed time.Duration
}

// Callbacks multiplex loop progress out to the session log's owner, the
// bus, and plugin hooks. All fields may be nil.
type Callbacks struct {
	OnMessage        func(message.Message)
	OnTextDelta      func(string)
	OnChunk          func(streamengine.Chunk)
	OnStreamResult   func(streamengine.Result)
	OnToolUse        func(message.ToolUsePart)
	OnToolResult     func(message.ToolResultPart)
	OnTurn           func(TurnInfo)
	OnCompactSummary func(string)
}

// Options configures one loop invocation.
type Options struct {
	Log       *sessionlog.Log
	SessionID string

	Provider     provider.Provider
	Model        streamengine.ModelInfo
	SystemPrompt string
	Tools        []registry.Tool
	// Messages is the request view the loop starts from. The log already
	// contains these entries; the loop appends only what it produces.
	Messages []message.Message

	Approver    Approver
	MaxTurns    int
	MaxRetries  int
	AutoCompact bool
	Compactor   Compactor

	RequestLogDir string
	Callbacks     Callbacks
}

// Result is the loop's terminal outcome.
type Result struct {
	Success bool
	// Type is one of "success", "canceled", "max_turns_exceeded",
	// "api_error".
	Type  string
	Text  string
	Usage Usage
	Err   error
}

// Run drives turns until the model emits no further tool calls, the turn
// budget is exhausted, an unrecoverable model error surfaces, or ctx is
// canceled. Each tool_use id is executed at most once per invocation; on a
// stream retry the loop never replays prior tool executions because the
// request view already contains their results.
func Run(ctx context.Context, opts Options) (Result, error) {
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	toolsByName := make(map[string]registry.Tool, len(opts.Tools))
	var schemas []provider.Tool
	for _, t := range opts.Tools {
		toolsByName[t.Name()] = t
		schemas = append(schemas, provider.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.ParametersSchema(),
		})
	}

	view := append([]message.Message(nil), opts.Messages...)
	executed := make(map[string]bool)
	var usage Usage
	var finalText string

	for turn := 0; turn < maxTurns; turn++ {
		prompt := toProviderMessages(view)
		if opts.AutoCompact && opts.Compactor != nil {
			compacted, summary, err := maybeCompact(ctx, opts, prompt)
			if err != nil {
				log.Warn().Err(err).Msg("auto-compact failed, continuing with full history")
			} else if compacted != nil {
				prompt = compacted
				if summary != "" && opts.Callbacks.OnCompactSummary != nil {
					opts.Callbacks.OnCompactSummary(summary)
				}
			}
		}

		started := time.Now()
		streamRes, err := streamengine.Run(ctx, streamengine.Request{
			Provider:      opts.Provider,
			Model:         opts.Model,
			Messages:      prompt,
			SystemPrompt:  opts.SystemPrompt,
			Tools:         schemas,
			MaxRetries:    opts.MaxRetries,
			RequestLogDir: opts.RequestLogDir,
			OnChunk: func(c streamengine.Chunk) {
				if opts.Callbacks.OnChunk != nil {
					opts.Callbacks.OnChunk(c)
				}
				if c.Kind == streamengine.ChunkTextDelta && opts.Callbacks.OnTextDelta != nil {
					opts.Callbacks.OnTextDelta(c.Text)
				}
			},
			OnResult: opts.Callbacks.OnStreamResult,
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, kernelerrors.ErrCanceled) {
				return Result{Type: "canceled", Usage: usage, Err: kernelerrors.ErrCanceled}, nil
			}
			return Result{Type: "api_error", Usage: usage, Err: err}, nil
		}

		resp := streamRes.Response
		usage.InputTokens += resp.InputTokens
		usage.OutputTokens += resp.OutputTokens

		assistant, err := appendAssistant(opts, streamRes.RequestID, resp)
		if err != nil {
			return Result{Type: "api_error", Usage: usage, Err: err}, err
		}
		view = append(view, assistant)
		finalText = resp.Content

		if opts.Callbacks.OnTurn != nil {
			opts.Callbacks.OnTurn(TurnInfo{
				Usage:   Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens},
				Elapsed: time.Since(started),
			})
		}

		toolUses := assistant.ToolUses()
		if len(toolUses) == 0 {
			return Result{Success: true, Type: "success", Text: finalText, Usage: usage}, nil
		}

		canceled, err := dispatchTools(ctx, opts, toolsByName, toolUses, executed, &view)
		if err != nil {
			return Result{Type: "api_error", Usage: usage, Err: err}, err
		}
		if canceled {
			return Result{Type: "canceled", Usage: usage, Err: kernelerrors.ErrCanceled}, nil
		}
	}

	return Result{
		Type:  "max_turns_exceeded",
		Text:  finalText,
		Usage: usage,
		Err:   kernelerrors.ErrMaxTurnsExceeded,
	}, nil
}

// appendAssistant assembles the assistant message from the collected
// response and persists it before any tool result. The message uuid is the
// stream request id, so request logs key by assistant uuid.
func appendAssistant(opts Options, requestID string, resp *provider.ChatResponse) (message.Message, error) {
	var parts []message.ContentPart
	if resp.Reasoning != "" {
		parts = append(parts, message.ReasoningPart{Text: resp.Reasoning})
	}
	if resp.Content != "" {
		parts = append(parts, message.TextPart{Text: resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		parts = append(parts, message.ToolUsePart{ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
	}

	msg := message.Message{
		UUID:      requestID,
		Role:      message.RoleAssistant,
		SessionID: opts.SessionID,
		Content:   parts,
	}
	stored, err := opts.Log.Append(msg)
	if err != nil {
		return message.Message{}, fmt.Errorf("append assistant message: %w", err)
	}
	if opts.Callbacks.OnMessage != nil {
		opts.Callbacks.OnMessage(stored)
	}
	return stored, nil
}

// dispatchTools runs each tool_use in model-emission order: lookup, parse,
// approve, execute, persist. Returns canceled=true once ctx is done, after
// recording interrupted results for every remaining unanswered id.
func dispatchTools(ctx context.Context, opts Options, toolsByName map[string]registry.Tool, toolUses []message.ToolUsePart, executed map[string]bool, view *[]message.Message) (bool, error) {
	for i, tu := range toolUses {
		if ctx.Err() != nil {
			if err := appendCanceledResults(opts, toolUses[i:], view); err != nil {
				return true, err
			}
			return true, nil
		}

		if opts.Callbacks.OnToolUse != nil {
			opts.Callbacks.OnToolUse(tu)
		}

		result := runOneTool(ctx, opts, toolsByName, tu, executed)

		if ctx.Err() != nil && result.IsError && result.ErrorKind == "canceled" {
			if err := appendToolResult(opts, tu, result, view); err != nil {
				return true, err
			}
			if err := appendCanceledResults(opts, toolUses[i+1:], view); err != nil {
				return true, err
			}
			return true, nil
		}

		if err := appendToolResult(opts, tu, result, view); err != nil {
			return false, err
		}
	}
	return false, nil
}

func runOneTool(ctx context.Context, opts Options, toolsByName map[string]registry.Tool, tu message.ToolUsePart, executed map[string]bool) message.ToolResult {
	tool, ok := toolsByName[tu.Name]
	if !ok {
		return message.ToolResult{
			LLMContent: fmt.Sprintf("Tool %s not found", tu.Name),
			IsError:    true,
		}
	}

	if executed[tu.ID] {
		return message.ToolResult{
			LLMContent: fmt.Sprintf("Tool call %s was already executed", tu.ID),
			IsError:    true,
		}
	}

	params := tu.Input
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if !json.Valid(params) {
		return message.ToolResult{
			LLMContent: fmt.Sprintf("Invalid tool parameters for %s: not valid JSON", tu.Name),
			IsError:    true,
		}
	}

	appr := tool.Approval()
	needsApproval := true
	if appr.NeedsApproval != nil {
		needsApproval = appr.NeedsApproval(ctx)
	}
	decision, err := opts.Approver.Resolve(ctx, tu.Name, appr.Category, needsApproval, params)
	if err != nil {
		if ctx.Err() != nil {
			return message.ToolResult{LLMContent: InterruptedText, IsError: true, ErrorKind: "canceled"}
		}
		return message.ToolResult{
			LLMContent: fmt.Sprintf("Approval failed: %v", err),
			IsError:    true,
			ErrorKind:  "tool_denied",
		}
	}
	if !decision.Approved {
		return message.ToolResult{
			LLMContent: fmt.Sprintf("User denied permission to run tool %s", tu.Name),
			IsError:    true,
			ErrorKind:  "tool_denied",
		}
	}
	if len(decision.Params) > 0 {
		params = decision.Params
	}

	executed[tu.ID] = true
	res, err := tool.Execute(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return message.ToolResult{LLMContent: InterruptedText, IsError: true, ErrorKind: "canceled"}
		}
		return message.ToolResult{
			LLMContent: fmt.Sprintf("Error: %v", err),
			IsError:    true,
		}
	}
	if tr, ok := res.(message.ToolResult); ok {
		if ctx.Err() != nil {
			return message.ToolResult{LLMContent: InterruptedText, IsError: true, ErrorKind: "canceled"}
		}
		return tr
	}
	return message.ToolResult{
		LLMContent: fmt.Sprintf("%v", res),
	}
}

func appendToolResult(opts Options, tu message.ToolUsePart, result message.ToolResult, view *[]message.Message) error {
	part := message.ToolResultPart{
		ToolCallID: tu.ID,
		ToolName:   tu.Name,
		Input:      tu.Input,
		Result:     result,
	}
	msg := message.Message{
		Role:      message.RoleTool,
		SessionID: opts.SessionID,
		Content:   []message.ContentPart{part},
	}
	stored, err := opts.Log.Append(msg)
	if err != nil {
		return fmt.Errorf("append tool result: %w", err)
	}
	*view = append(*view, stored)
	if opts.Callbacks.OnToolResult != nil {
		opts.Callbacks.OnToolResult(part)
	}
	if opts.Callbacks.OnMessage != nil {
		opts.Callbacks.OnMessage(stored)
	}
	return nil
}

// appendCanceledResults records an interrupted placeholder for every
// remaining unanswered tool_use so the transcript keeps its one-result-
// per-call pairing even across a cancel.
func appendCanceledResults(opts Options, remaining []message.ToolUsePart, view *[]message.Message) error {
	for _, tu := range remaining {
		result := message.ToolResult{LLMContent: InterruptedText, IsError: true, ErrorKind: "canceled"}
		if err := appendToolResult(opts, tu, result, view); err != nil {
			return err
		}
	}
	return nil
}

// toProviderMessages flattens the transcript view into the wire shape the
// provider layer expects: text concatenated per message, tool_use parts as
// tool calls, one tool message per tool_result part.
func toProviderMessages(view []message.Message) []provider.Message {
	var out []provider.Message
	for _, m := range view {
		switch m.Role {
		case message.RoleSystem:
			out = append(out, provider.Message{Role: "system", Content: m.Text()})
		case message.RoleUser:
			out = append(out, provider.Message{Role: "user", Content: flattenUserContent(m)})
		case message.RoleAssistant:
			pm := provider.Message{Role: "assistant", Content: m.Text()}
			for _, p := range m.Content {
				switch part := p.(type) {
				case message.ReasoningPart:
					pm.Reasoning += part.Text
				case message.ToolUsePart:
					pm.ToolCalls = append(pm.ToolCalls, provider.ToolCall{ID: part.ID, Name: part.Name, Arguments: part.Input})
				}
			}
			out = append(out, pm)
		case message.RoleTool:
			for _, tr := range m.ToolResults() {
				out = append(out, provider.Message{
					Role:         "tool",
					ToolCallID:   tr.ToolCallID,
					FunctionName: tr.ToolName,
					Content:      LLMContentText(tr.Result.LLMContent),
				})
			}
		}
	}
	return out
}

func flattenUserContent(m message.Message) string {
	var out string
	for _, p := range m.Content {
		switch part := p.(type) {
		case message.TextPart:
			out += part.Text
		case message.ImagePart:
			out += "\n[image attachment: " + part.MimeType + "]"
		case message.FilePart:
			out += "\n[file attachment: " + part.Filename + "]"
		}
	}
	return out
}

// LLMContentText flattens a ToolResult.LLMContent (string or part slice)
// into plain text for providers without multimodal tool results.
func LLMContentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []message.ContentPart:
		var out string
		for _, p := range v {
			switch part := p.(type) {
			case message.TextPart:
				out += part.Text
			case message.ImagePart:
				out += "\n[image: " + part.MimeType + "]"
			}
		}
		return out
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
