package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const roleSystem = "system"

// This file is the shared OpenAI-compatible wire layer: every adapter
// that speaks the chat-completions dialect (ollama, vLLM, OpenCode)
// builds a wireChatRequest, dials openSSE, and decodes the stream with
// streamChatChunks.

// wireChatRequest is the chat-completions request body. Stream has no
// omitempty: some servers treat an absent field as true.
type wireChatRequest struct {
	Model             string                         `json:"model"`
	Messages          []openai.ChatCompletionMessage `json:"messages"`
	Tools             []openai.Tool                  `json:"tools,omitempty"`
	Temperature       float32                        `json:"temperature,omitempty"`
	TopP              float32                        `json:"top_p,omitempty"`
	RepetitionPenalty float32                        `json:"repetition_penalty,omitempty"`
	MaxTokens         int                            `json:"max_tokens,omitempty"`
	Stream            bool                           `json:"stream"`
	StreamOptions     *streamOptions                 `json:"stream_options,omitempty"`
}

// streamOptions asks the server to attach usage to the final chunk.
type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Streaming chunk shapes.

type chatChunk struct {
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatChoice struct {
	Delta        chatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type chatDelta struct {
	Role             string              `json:"role,omitempty"`
	Content          string              `json:"content,omitempty"`
	Reasoning        string              `json:"reasoning,omitempty"`
	ReasoningContent string              `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCallDelta `json:"tool_calls,omitempty"`
}

type chatToolCallDelta struct {
	Index    int               `json:"index"`
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Function chatFunctionDelta `json:"function"`
}

type chatFunctionDelta struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// toWireMessages converts kernel messages to the SDK shape, folding every
// system message into one leading system entry (several servers reject
// scattered system turns).
func toWireMessages(messages []Message) []openai.ChatCompletionMessage {
	var system []string
	conversation := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, m := range messages {
		if m.Role == roleSystem {
			system = append(system, m.Content)
			continue
		}
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		conversation = append(conversation, msg)
	}

	if len(system) == 0 {
		return conversation
	}
	out := make([]openai.ChatCompletionMessage, 0, len(conversation)+1)
	out = append(out, openai.ChatCompletionMessage{
		Role:    roleSystem,
		Content: strings.Join(system, "\n\n"),
	})
	return append(out, conversation...)
}

// emptyToolParams stands in for a tool with no declared schema.
var emptyToolParams = json.RawMessage(`{"type":"object","properties":{}}`)

// toWireTools converts tool definitions, passing the parameter schema
// through as raw JSON so its serialization stays byte-stable across
// turns (KV-cache hit rate depends on it).
func toWireTools(tools []Tool) []openai.Tool {
	if tools == nil {
		return nil
	}
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyToolParams
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

// sseConn describes one streaming connection attempt.
type sseConn struct {
	client   *http.Client
	url      string
	body     []byte
	headers  map[string]string
	provider string // logging only
	model    string // logging only
}

var sseRetrySchedule = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}

// openSSE POSTs the request and returns the response body once a stream
// is established, retrying transient dial failures (connection errors,
// 429/5xx) on a fixed schedule. The caller owns closing the reader.
func openSSE(ctx context.Context, conn sseConn) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 0; attempt <= len(sseRetrySchedule); attempt++ {
		if attempt == 0 {
			log.Info().Str("provider", conn.provider).Str("model", conn.model).Msg("SSE stream request started")
		} else {
			delay := sseRetrySchedule[attempt-1]
			log.Warn().Str("provider", conn.provider).Int("attempt", attempt).Dur("delay", delay).Msg("retrying SSE connection")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, fatal, transient := dialSSE(ctx, conn)
		if fatal != nil {
			return nil, fatal
		}
		if transient != nil {
			lastErr = transient
			continue
		}
		return body, nil
	}
	return nil, fmt.Errorf("SSE request failed after %d retries: %w", len(sseRetrySchedule), lastErr)
}

// dialSSE makes one attempt. Exactly one of the three returns is set.
func dialSSE(ctx context.Context, conn sseConn) (body io.ReadCloser, fatal, transient error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conn.url, bytes.NewReader(conn.body))
	if err != nil {
		return nil, err, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range conn.headers {
		req.Header.Set(k, v)
	}

	resp, err := conn.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err, nil
		}
		return nil, nil, err
	}

	switch code := resp.StatusCode; {
	case code == 429 || code >= 500:
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, nil, fmt.Errorf("stream request status %d: %s", code, strings.TrimSpace(string(payload)))
	case code < 200 || code >= 300:
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("stream request status %d: %s", code, strings.TrimSpace(string(payload))), nil
	default:
		return resp.Body, nil, nil
	}
}

// streamChatChunks decodes chat-completions SSE lines into StreamEvents
// until [DONE], EOF, or cancellation.
func streamChatChunks(ctx context.Context, reader io.Reader, ch chan<- StreamEvent) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			trySend(ctx, ch, StreamEvent{Type: EventDone})
			return
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Warn().Err(err).Str("data", data).Msg("failed to parse SSE chunk")
			continue
		}
		if chunk.Usage != nil {
			trySend(ctx, ch, StreamEvent{
				Type:         EventUsage,
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			})
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if !emitChatDelta(ctx, ch, chunk.Choices[0].Delta) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: err})
		return
	}
	trySend(ctx, ch, StreamEvent{Type: EventDone})
}

// emitChatDelta fans one delta out as events. Returns false on cancel.
func emitChatDelta(ctx context.Context, ch chan<- StreamEvent, delta chatDelta) bool {
	reasoning := delta.Reasoning
	if reasoning == "" {
		reasoning = delta.ReasoningContent
	}
	if reasoning != "" && !trySend(ctx, ch, StreamEvent{Type: EventReasoningDelta, Content: reasoning}) {
		return false
	}
	if delta.Content != "" && !trySend(ctx, ch, StreamEvent{Type: EventContentDelta, Content: delta.Content}) {
		return false
	}
	for _, tc := range delta.ToolCalls {
		if tc.Function.Name != "" {
			if !trySend(ctx, ch, StreamEvent{
				Type: EventToolCallBegin, ToolCallIndex: tc.Index,
				ToolCallID: tc.ID, ToolCallName: tc.Function.Name,
			}) {
				return false
			}
		}
		if tc.Function.Arguments != "" {
			if !trySend(ctx, ch, StreamEvent{
				Type: EventToolCallDelta, ToolCallIndex: tc.Index,
				ToolCallArgs: tc.Function.Arguments,
			}) {
				return false
			}
		}
	}
	return true
}

// trySend delivers an event unless ctx is done. Returns false on cancel.
func trySend(ctx context.Context, ch chan<- StreamEvent, evt StreamEvent) bool {
	select {
	case ch <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// listWireModels fetches an OpenAI-compatible /models catalog.
func listWireModels(ctx context.Context, client *http.Client, url string, headers map[string]string) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list models status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decoded struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	models := make([]Model, len(decoded.Data))
	for i, m := range decoded.Data {
		models[i] = Model{Name: m.ID}
	}
	return models, nil
}
