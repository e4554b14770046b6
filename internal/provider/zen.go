package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	zen "github.com/sacenox/go-opencode-ai-zen-sdk"
)

// ZenProvider streams through the Zen SDK's unified endpoint. The SDK
// normalizes requests but passes each upstream's raw SSE payloads
// through tagged with the dialect, so decoding per dialect happens here.
type ZenProvider struct {
	name        string
	client      *zen.Client
	model       string
	temperature float64
	initErr     error
}

const zenDefaultBaseURL = "https://opencode.ai/zen/v1"

// zenStreamMaxTokens caps generation; the gateway rejects unbounded
// streaming requests for some upstreams.
const zenStreamMaxTokens = 16000

func NewZen(name, apiKey, baseURL, model string, temperature float64) (*ZenProvider, error) {
	client, err := zen.NewClient(zen.Config{APIKey: apiKey, BaseURL: baseURL})
	if err != nil {
		return nil, err
	}
	return &ZenProvider{
		name:        name,
		client:      client,
		model:       model,
		temperature: temperature,
	}, nil
}

func (p *ZenProvider) Name() string {
	return p.name
}

func (p *ZenProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	if p.initErr != nil {
		return nil, p.initErr
	}

	system, rest := zenSplitSystem(messages)
	req := zen.NormalizedRequest{
		Model:    p.model,
		System:   system,
		Messages: zenMessages(rest),
		Tools:    zenTools(tools),
		Stream:   true,
	}
	if p.temperature > 0 {
		req.Temperature = &p.temperature
	}
	maxTokens := zenStreamMaxTokens
	req.MaxTokens = &maxTokens

	events, errs, err := p.client.UnifiedStreamNormalized(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		emit := zenEmitter{ctx: ctx, ch: ch}
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if !emit.event(ev) {
					return
				}
			case err, ok := <-errs:
				if ok && err != nil {
					var apiErr *zen.APIError
					if errors.As(err, &apiErr) {
						log.Error().
							Int("status", apiErr.StatusCode).
							Str("body", string(apiErr.Body)).
							Msg("zen: stream API error")
					}
					trySend(ctx, ch, StreamEvent{Type: EventError, Err: err})
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *ZenProvider) ListModels(ctx context.Context) ([]Model, error) {
	if p.initErr != nil {
		return nil, p.initErr
	}
	resp, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	models := make([]Model, len(resp.Data))
	for i, m := range resp.Data {
		models[i] = Model{Name: m.ID}
	}
	return models, nil
}

func (p *ZenProvider) Close() error {
	return nil
}

// zenEmitter decodes one upstream's raw SSE payloads into StreamEvents.
// Every method returns false once the consumer's ctx is done.
type zenEmitter struct {
	ctx context.Context
	ch  chan<- StreamEvent
}

func (e zenEmitter) send(evt StreamEvent) bool {
	return trySend(e.ctx, e.ch, evt)
}

func (e zenEmitter) event(ev zen.UnifiedEvent) bool {
	data := ev.Data
	if len(data) == 0 || string(data) == "[DONE]" {
		return e.send(StreamEvent{Type: EventDone})
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return true
	}

	switch ev.Endpoint {
	case zen.EndpointMessages:
		return e.anthropicDialect(ev.Event, payload)
	case zen.EndpointModels:
		return e.geminiDialect(payload)
	case zen.EndpointResponses:
		return e.responsesDialect(ev.Event, payload)
	default:
		return e.chatDialect(payload)
	}
}

// chatDialect handles OpenAI chat-completions chunks.
func (e zenEmitter) chatDialect(payload map[string]any) bool {
	if usage, ok := payload["usage"].(map[string]any); ok {
		if !e.send(StreamEvent{
			Type:         EventUsage,
			InputTokens:  jsonInt(usage, "prompt_tokens"),
			OutputTokens: jsonInt(usage, "completion_tokens"),
		}) {
			return false
		}
	}

	delta := jsonPath(payload, "choices", "0", "delta")
	if delta == nil {
		// Some gateways emit a bare top-level delta.
		delta, _ = payload["delta"].(map[string]any)
	}
	if delta == nil {
		return true
	}

	for _, key := range []string{"reasoning", "reasoning_content"} {
		if text := jsonStr(delta, key); text != "" {
			if !e.send(StreamEvent{Type: EventReasoningDelta, Content: text}) {
				return false
			}
		}
	}
	if text := jsonStr(delta, "content"); text != "" {
		if !e.send(StreamEvent{Type: EventContentDelta, Content: text}) {
			return false
		}
	}

	toolCalls, _ := delta["tool_calls"].([]any)
	for _, raw := range toolCalls {
		tc, _ := raw.(map[string]any)
		idx := jsonInt(tc, "index")
		fn, _ := tc["function"].(map[string]any)
		if name := jsonStr(fn, "name"); name != "" {
			if !e.send(StreamEvent{
				Type:          EventToolCallBegin,
				ToolCallIndex: idx,
				ToolCallID:    jsonStr(tc, "id"),
				ToolCallName:  name,
			}) {
				return false
			}
		}
		if args := jsonStr(fn, "arguments"); args != "" {
			if !e.send(StreamEvent{Type: EventToolCallDelta, ToolCallIndex: idx, ToolCallArgs: args}) {
				return false
			}
		}
	}
	return true
}

// anthropicDialect handles Messages-API events: content_block_start
// carries tool identity, content_block_delta the text/args, and
// message_delta the usage.
func (e zenEmitter) anthropicDialect(event string, payload map[string]any) bool {
	switch event {
	case "content_block_start":
		block, _ := payload["content_block"].(map[string]any)
		if jsonStr(block, "type") == "tool_use" {
			return e.send(StreamEvent{
				Type:          EventToolCallBegin,
				ToolCallIndex: jsonInt(payload, "index"),
				ToolCallID:    jsonStr(block, "id"),
				ToolCallName:  jsonStr(block, "name"),
			})
		}

	case "content_block_delta":
		idx := jsonInt(payload, "index")
		delta, _ := payload["delta"].(map[string]any)
		switch jsonStr(delta, "type") {
		case "text_delta":
			if text := jsonStr(delta, "text"); text != "" {
				return e.send(StreamEvent{Type: EventContentDelta, Content: text})
			}
		case "thinking_delta":
			if text := jsonStr(delta, "thinking"); text != "" {
				return e.send(StreamEvent{Type: EventReasoningDelta, Content: text})
			}
		case "input_json_delta":
			if args := jsonStr(delta, "partial_json"); args != "" {
				return e.send(StreamEvent{Type: EventToolCallDelta, ToolCallIndex: idx, ToolCallArgs: args})
			}
		}

	case "message_delta":
		if usage, ok := payload["usage"].(map[string]any); ok {
			in, out := jsonInt(usage, "input_tokens"), jsonInt(usage, "output_tokens")
			if in > 0 || out > 0 {
				return e.send(StreamEvent{Type: EventUsage, InputTokens: in, OutputTokens: out})
			}
		}
	}
	return true
}

// geminiDialect handles generateContent chunks: candidate parts carry
// text and complete functionCall objects.
func (e zenEmitter) geminiDialect(payload map[string]any) bool {
	content := jsonPath(payload, "candidates", "0", "content")
	parts, _ := content["parts"].([]any)

	for idx, raw := range parts {
		part, _ := raw.(map[string]any)
		if text := jsonStr(part, "text"); text != "" {
			if !e.send(StreamEvent{Type: EventContentDelta, Content: text}) {
				return false
			}
		}
		fc, ok := part["functionCall"].(map[string]any)
		if !ok {
			continue
		}
		if name := jsonStr(fc, "name"); name != "" {
			if !e.send(StreamEvent{Type: EventToolCallBegin, ToolCallIndex: idx, ToolCallName: name}) {
				return false
			}
		}
		if args, ok := fc["args"]; ok {
			if encoded, err := json.Marshal(args); err == nil {
				if !e.send(StreamEvent{Type: EventToolCallDelta, ToolCallIndex: idx, ToolCallArgs: string(encoded)}) {
					return false
				}
			}
		}
	}

	if meta, ok := payload["usageMetadata"].(map[string]any); ok {
		in, out := jsonInt(meta, "promptTokenCount"), jsonInt(meta, "candidatesTokenCount")
		if in > 0 || out > 0 {
			return e.send(StreamEvent{Type: EventUsage, InputTokens: in, OutputTokens: out})
		}
	}
	return true
}

// responsesDialect handles Responses-API events surfaced raw by the SDK.
func (e zenEmitter) responsesDialect(event string, payload map[string]any) bool {
	switch event {
	case "response.output_text.delta":
		if text := jsonStr(payload, "delta"); text != "" {
			return e.send(StreamEvent{Type: EventContentDelta, Content: text})
		}

	case "response.output_item.added":
		item, _ := payload["item"].(map[string]any)
		if jsonStr(item, "type") == "function_call" {
			return e.send(StreamEvent{
				Type:          EventToolCallBegin,
				ToolCallIndex: jsonInt(payload, "output_index"),
				ToolCallID:    jsonStr(item, "call_id"),
				ToolCallName:  jsonStr(item, "name"),
			})
		}

	case "response.function_call_arguments.delta":
		if args := jsonStr(payload, "delta"); args != "" {
			return e.send(StreamEvent{
				Type:          EventToolCallDelta,
				ToolCallIndex: jsonInt(payload, "output_index"),
				ToolCallArgs:  args,
			})
		}

	case "response.completed":
		resp, _ := payload["response"].(map[string]any)
		if usage, ok := resp["usage"].(map[string]any); ok {
			return e.send(StreamEvent{
				Type:         EventUsage,
				InputTokens:  jsonInt(usage, "input_tokens"),
				OutputTokens: jsonInt(usage, "output_tokens"),
			})
		}
	}
	return true
}

// zenSplitSystem hoists system/developer turns into the normalized
// request's System field.
func zenSplitSystem(messages []Message) (system string, rest []Message) {
	var parts []string
	for _, m := range messages {
		if strings.EqualFold(m.Role, roleSystem) || strings.EqualFold(m.Role, "developer") {
			if s := strings.TrimSpace(m.Content); s != "" {
				parts = append(parts, s)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(parts, "\n\n"), rest
}

func zenMessages(messages []Message) []zen.NormalizedMessage {
	out := make([]zen.NormalizedMessage, len(messages))
	for i, m := range messages {
		nm := zen.NormalizedMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			nm.ToolCalls = append(nm.ToolCalls, zen.NormalizedToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		out[i] = nm
	}
	return out
}

func zenTools(tools []Tool) []zen.NormalizedTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]zen.NormalizedTool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyToolParams
		}
		out[i] = zen.NormalizedTool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}
	}
	return out
}

// jsonStr reads a string field from a decoded JSON object.
func jsonStr(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// jsonInt reads a numeric field, tolerating the types encoding/json
// produces.
func jsonInt(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return 0
}

// jsonPath walks nested objects/arrays by key or index, returning the
// object at the end of the path (nil when any hop is missing).
func jsonPath(m map[string]any, path ...string) map[string]any {
	current := any(m)
	for _, key := range path {
		switch node := current.(type) {
		case map[string]any:
			current = node[key]
		case []any:
			var idx int
			if _, err := fmt.Sscanf(key, "%d", &idx); err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	out, _ := current.(map[string]any)
	return out
}

// ZenFactory builds Zen providers. A client that cannot be constructed
// yields a provider whose ChatStream reports the failure, keeping the
// factory interface infallible without panicking at wiring time.
type ZenFactory struct {
	name    string
	apiKey  string
	baseURL string
}

func NewZenFactory(name, apiKey, baseURL string) *ZenFactory {
	return &ZenFactory{name: name, apiKey: apiKey, baseURL: baseURL}
}

func (f *ZenFactory) Name() string { return f.name }

func (f *ZenFactory) Create(model string, opts Options) Provider {
	baseURL := f.baseURL
	if baseURL == "" {
		baseURL = zenDefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	p, err := NewZen(f.name, f.apiKey, baseURL, model, opts.Temperature)
	if err != nil {
		log.Error().Err(err).Str("factory", f.name).Msg("zen: client construction failed")
		return &ZenProvider{name: f.name, model: model, initErr: err}
	}
	return p
}
