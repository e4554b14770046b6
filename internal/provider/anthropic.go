package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// AnthropicProvider speaks the Messages API natively: system blocks
// hoisted with prompt caching, tool_use/tool_result content blocks, and
// the event-typed SSE stream.
type AnthropicProvider struct {
	name        string
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	httpClient  *http.Client
}

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 8192
)

// NewAnthropic creates an Anthropic provider. endpoint defaults to the
// public API when empty.
func NewAnthropic(name, endpoint, apiKey, model string, temperature float64) *AnthropicProvider {
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	return &AnthropicProvider{
		name:        name,
		endpoint:    strings.TrimRight(endpoint, "/"),
		apiKey:      apiKey,
		model:       model,
		temperature: temperature,
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	system, turns := toMessagesAPI(messages)
	body, err := json.Marshal(messagesAPIRequest{
		Model:       p.model,
		Messages:    turns,
		System:      system,
		MaxTokens:   anthropicMaxTokens,
		Temperature: p.temperature,
		Stream:      true,
		Tools:       toMessagesAPITools(tools),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, string(payload))
	}

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		dec := messagesAPIDecoder{ctx: ctx, ch: ch, toolBlocks: make(map[int]int)}
		dec.run(resp.Body)
	}()
	return ch, nil
}

// ListModels returns the configured model; the Messages API has no
// catalog endpoint worth polling per keystroke.
func (p *AnthropicProvider) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{{Name: p.model}}, nil
}

func (p *AnthropicProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// --- request shaping ---

type messagesAPIRequest struct {
	Model       string             `json:"model"`
	Messages    []messagesAPITurn  `json:"messages"`
	System      []cacheableBlock   `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	Tools       []messagesAPITool  `json:"tools,omitempty"`
}

// cacheControl marks a block as a prompt-cache boundary.
type cacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// cacheableBlock is a system text block with an optional cache marker.
type cacheableBlock struct {
	Type         string        `json:"type"` // "text"
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type messagesAPITurn struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or a block slice
}

type textBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

type toolUseBlock struct {
	Type  string          `json:"type"` // "tool_use"
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type toolResultBlock struct {
	Type      string `json:"type"` // "tool_result"
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

type messagesAPITool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema"`
	CacheControl *cacheControl   `json:"cache_control,omitempty"`
}

// toMessagesAPI hoists system turns out into cacheable blocks (the last
// one carries the cache marker so tools+system form a stable cached
// prefix) and converts the rest: tool results become user turns with
// tool_result blocks, assistant tool calls become tool_use blocks.
func toMessagesAPI(messages []Message) ([]cacheableBlock, []messagesAPITurn) {
	var systemTexts []string
	var turns []messagesAPITurn

	for _, m := range messages {
		switch {
		case m.Role == roleSystem:
			systemTexts = append(systemTexts, m.Content)

		case m.Role == "tool":
			turns = append(turns, messagesAPITurn{
				Role: "user",
				Content: []toolResultBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var blocks []any
			if m.Content != "" {
				blocks = append(blocks, textBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, toolUseBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			turns = append(turns, messagesAPITurn{Role: "assistant", Content: blocks})

		default:
			turns = append(turns, messagesAPITurn{Role: m.Role, Content: m.Content})
		}
	}

	var system []cacheableBlock
	for _, text := range systemTexts {
		system = append(system, cacheableBlock{Type: "text", Text: text})
	}
	if len(system) > 0 {
		system[len(system)-1].CacheControl = &cacheControl{Type: "ephemeral"}
	}
	return system, turns
}

// toMessagesAPITools converts tool definitions; the schema passes
// through as raw JSON for byte-stable serialization, and the last tool
// carries the cache marker.
func toMessagesAPITools(tools []Tool) []messagesAPITool {
	if tools == nil {
		return nil
	}
	out := make([]messagesAPITool, len(tools))
	for i, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = emptyToolParams
		}
		out[i] = messagesAPITool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		}
	}
	out[len(out)-1].CacheControl = &cacheControl{Type: "ephemeral"}
	return out
}

// --- stream decoding ---

// messagesAPIDecoder turns the Messages API's event-typed SSE stream
// into StreamEvents. toolBlocks maps the API's content-block indices
// onto sequential tool-call indices for the accumulator downstream.
type messagesAPIDecoder struct {
	ctx        context.Context
	ch         chan<- StreamEvent
	toolBlocks map[int]int
}

func (d *messagesAPIDecoder) send(evt StreamEvent) bool {
	return trySend(d.ctx, d.ch, evt)
}

func (d *messagesAPIDecoder) run(body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

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

		switch eventType {
		case "message_stop":
			d.send(StreamEvent{Type: EventDone})
			return
		case "message_start":
			d.messageStart(data)
		case "message_delta":
			d.messageDelta(data)
		case "content_block_start":
			if !d.blockStart(data) {
				return
			}
		case "content_block_delta":
			if !d.blockDelta(data) {
				return
			}
		case "ping", "content_block_stop":
			// Keepalive / block bookkeeping; nothing to emit.
		}
		eventType = ""
	}

	if err := scanner.Err(); err != nil {
		d.send(StreamEvent{Type: EventError, Err: err})
		return
	}
	d.send(StreamEvent{Type: EventDone})
}

// messageStart carries the input-token usage.
func (d *messagesAPIDecoder) messageStart(data string) {
	var evt struct {
		Message struct {
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return
	}
	if evt.Message.Usage.InputTokens > 0 || evt.Message.Usage.OutputTokens > 0 {
		d.send(StreamEvent{
			Type:         EventUsage,
			InputTokens:  evt.Message.Usage.InputTokens,
			OutputTokens: evt.Message.Usage.OutputTokens,
		})
	}
}

// messageDelta carries the running output-token count.
func (d *messagesAPIDecoder) messageDelta(data string) {
	var evt struct {
		Usage struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return
	}
	if evt.Usage.OutputTokens > 0 {
		d.send(StreamEvent{Type: EventUsage, OutputTokens: evt.Usage.OutputTokens})
	}
}

// blockStart opens tool_use blocks; text blocks need no announcement.
func (d *messagesAPIDecoder) blockStart(data string) bool {
	var evt struct {
		Index        int `json:"index"`
		ContentBlock struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content_block"`
	}
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		log.Warn().Err(err).Msg("failed to parse content_block_start")
		return true
	}
	if evt.ContentBlock.Type != "tool_use" {
		return true
	}

	idx := len(d.toolBlocks)
	d.toolBlocks[evt.Index] = idx
	return d.send(StreamEvent{
		Type:          EventToolCallBegin,
		ToolCallIndex: idx,
		ToolCallID:    evt.ContentBlock.ID,
		ToolCallName:  evt.ContentBlock.Name,
	})
}

// blockDelta routes text, thinking, and tool-argument fragments.
func (d *messagesAPIDecoder) blockDelta(data string) bool {
	var evt struct {
		Index int `json:"index"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			Thinking    string `json:"thinking"`
			PartialJSON string `json:"partial_json"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		log.Warn().Err(err).Msg("failed to parse content_block_delta")
		return true
	}

	switch evt.Delta.Type {
	case "text_delta":
		if evt.Delta.Text != "" {
			return d.send(StreamEvent{Type: EventContentDelta, Content: evt.Delta.Text})
		}
	case "thinking_delta":
		if evt.Delta.Thinking != "" {
			return d.send(StreamEvent{Type: EventReasoningDelta, Content: evt.Delta.Thinking})
		}
	case "input_json_delta":
		if idx, ok := d.toolBlocks[evt.Index]; ok && evt.Delta.PartialJSON != "" {
			return d.send(StreamEvent{
				Type:          EventToolCallDelta,
				ToolCallIndex: idx,
				ToolCallArgs:  evt.Delta.PartialJSON,
			})
		}
	}
	return true
}

// AnthropicFactory builds Anthropic providers.
type AnthropicFactory struct {
	name     string
	endpoint string
	apiKey   string
}

func NewAnthropicFactory(name, endpoint, apiKey string) *AnthropicFactory {
	return &AnthropicFactory{name: name, endpoint: endpoint, apiKey: apiKey}
}

func (f *AnthropicFactory) Name() string { return f.name }

func (f *AnthropicFactory) Create(model string, opts Options) Provider {
	return NewAnthropic(f.name, f.endpoint, f.apiKey, model, opts.Temperature)
}
