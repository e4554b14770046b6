package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

// Wire layer for the OpenAI Responses API dialect, used by models the
// OpenCode gateway routes to /responses instead of /chat/completions.

// respRequest is the POST /responses body.
type respRequest struct {
	Model       string          `json:"model"`
	Input       []respInputItem `json:"input"`
	Tools       []respToolParam `json:"tools,omitempty"`
	Temperature *float32        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

// respInputItem is the polymorphic input element: a message, a prior
// function_call, or a function_call_output answering one.
type respInputItem struct {
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	Content   any    `json:"content,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Output    string `json:"output,omitempty"`
}

type respToolParam struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// toResponsesInput flattens kernel messages into input items: tool
// results become function_call_output, assistant tool calls replay as
// function_call items, and system prompts travel as the "developer"
// role this dialect expects.
func toResponsesInput(messages []Message) []respInputItem {
	var items []respInputItem
	for _, m := range messages {
		switch m.Role {
		case "tool":
			items = append(items, respInputItem{
				Type:   "function_call_output",
				CallID: m.ToolCallID,
				Output: m.Content,
			})
		case "assistant":
			if m.Content != "" || len(m.ToolCalls) == 0 {
				items = append(items, respInputItem{Type: "message", Role: "assistant", Content: m.Content})
			}
			for _, tc := range m.ToolCalls {
				items = append(items, respInputItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				})
			}
		case roleSystem:
			items = append(items, respInputItem{Type: "message", Role: "developer", Content: m.Content})
		default:
			items = append(items, respInputItem{Type: "message", Role: m.Role, Content: m.Content})
		}
	}
	return items
}

func toResponsesTools(tools []Tool) []respToolParam {
	if tools == nil {
		return nil
	}
	out := make([]respToolParam, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyToolParams
		}
		out[i] = respToolParam{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}
	}
	return out
}

// streamResponsesEvents decodes the Responses API's event-typed SSE
// stream. Tool calls are identified by output index; a tracker maps
// those onto the sequential indices the accumulator downstream expects.
func streamResponsesEvents(ctx context.Context, reader io.Reader, ch chan<- StreamEvent) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	toolIdx := make(map[int]int) // output index -> tool call index
	var eventType string

	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			eventType = name
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		terminal, canceled := dispatchResponsesEvent(ctx, ch, eventType, data, toolIdx)
		if terminal || canceled {
			return
		}
		eventType = ""
	}

	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: err})
		return
	}
	trySend(ctx, ch, StreamEvent{Type: EventDone})
}

// dispatchResponsesEvent handles one event. terminal reports a normal or
// failed end of stream; canceled reports ctx cancellation.
func dispatchResponsesEvent(ctx context.Context, ch chan<- StreamEvent, eventType, data string, toolIdx map[int]int) (terminal, canceled bool) {
	decode := func(v any) bool {
		if err := json.Unmarshal([]byte(data), v); err != nil {
			log.Warn().Err(err).Str("event", eventType).Msg("failed to parse responses event")
			return false
		}
		return true
	}

	switch eventType {
	case "response.output_text.delta":
		var evt struct {
			Delta string `json:"delta"`
		}
		if decode(&evt) && evt.Delta != "" {
			return false, !trySend(ctx, ch, StreamEvent{Type: EventContentDelta, Content: evt.Delta})
		}

	case "response.reasoning_summary_text.delta":
		var evt struct {
			Delta string `json:"delta"`
		}
		if decode(&evt) && evt.Delta != "" {
			return false, !trySend(ctx, ch, StreamEvent{Type: EventReasoningDelta, Content: evt.Delta})
		}

	case "response.output_item.added":
		var evt struct {
			OutputIndex int `json:"output_index"`
			Item        struct {
				Type   string `json:"type"`
				Name   string `json:"name"`
				CallID string `json:"call_id"`
			} `json:"item"`
		}
		if decode(&evt) && evt.Item.Type == "function_call" {
			idx := len(toolIdx)
			toolIdx[evt.OutputIndex] = idx
			return false, !trySend(ctx, ch, StreamEvent{
				Type:          EventToolCallBegin,
				ToolCallIndex: idx,
				ToolCallID:    evt.Item.CallID,
				ToolCallName:  evt.Item.Name,
			})
		}

	case "response.function_call_arguments.delta":
		var evt struct {
			OutputIndex int    `json:"output_index"`
			Delta       string `json:"delta"`
		}
		if decode(&evt) && evt.Delta != "" {
			return false, !trySend(ctx, ch, StreamEvent{
				Type:          EventToolCallDelta,
				ToolCallIndex: toolIdx[evt.OutputIndex],
				ToolCallArgs:  evt.Delta,
			})
		}

	case "response.completed":
		var evt struct {
			Response struct {
				Usage *struct {
					InputTokens  int `json:"input_tokens"`
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			} `json:"response"`
		}
		if decode(&evt) && evt.Response.Usage != nil {
			trySend(ctx, ch, StreamEvent{
				Type:         EventUsage,
				InputTokens:  evt.Response.Usage.InputTokens,
				OutputTokens: evt.Response.Usage.OutputTokens,
			})
		}
		trySend(ctx, ch, StreamEvent{Type: EventDone})
		return true, false

	case "response.failed":
		var evt struct {
			Response struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			} `json:"response"`
		}
		if decode(&evt) {
			trySend(ctx, ch, StreamEvent{
				Type: EventError,
				Err:  fmt.Errorf("responses API error %s: %s", evt.Response.Error.Code, evt.Response.Error.Message),
			})
		} else {
			trySend(ctx, ch, StreamEvent{Type: EventError, Err: fmt.Errorf("responses stream failed")})
		}
		return true, false

	case "response.incomplete":
		trySend(ctx, ch, StreamEvent{Type: EventDone})
		return true, false
	}
	return false, false
}
