// Package streamengine runs a single model invocation: send the prompt,
// decode streamed chunks, retry retryable failures with backoff, and emit
// deltas plus a terminal StreamResult. One Run call is one model request
// from the Turn Loop's point of view; retries happen inside.
package streamengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentkernel/internal/kernelerrors"
	"github.com/xonecas/agentkernel/internal/provider"
)

// ChunkKind discriminates the stream's chunk union.
type ChunkKind string

const (
	ChunkTextDelta      ChunkKind = "text-delta"
	ChunkReasoningDelta ChunkKind = "reasoning-delta"
	ChunkToolCall       ChunkKind = "tool-call"
	ChunkFinish         ChunkKind = "finish"
	ChunkError          ChunkKind = "error"
	ChunkUsage          ChunkKind = "usage"
)

// Chunk is one decoded streaming unit. Tool calls arrive fully assembled:
// argument fragments are buffered internally until the call is complete.
type Chunk struct {
	Kind ChunkKind `json:"kind"`

	Text string `json:"text,omitempty"`

	ToolCallID    string          `json:"toolCallId,omitempty"`
	ToolCallName  string          `json:"toolCallName,omitempty"`
	ToolCallInput json.RawMessage `json:"toolCallInput,omitempty"`

	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`

	ErrorText string `json:"error,omitempty"`
}

// Request is one model invocation's inputs.
type Request struct {
	Provider     provider.Provider
	Model        ModelInfo
	Messages     []provider.Message
	SystemPrompt string
	Tools        []provider.Tool

	// MaxRetries bounds retry attempts for retryable errors. Zero means
	// DefaultMaxRetries.
	MaxRetries int

	// OnChunk receives each decoded chunk in arrival order. Never invoked
	// after Run returns. May be nil.
	OnChunk func(Chunk)

	// OnResult receives the per-attempt StreamResult (including failed
	// attempts, with RetryAttempt set). May be nil.
	OnResult func(Result)

	// RequestLogDir, if set, captures a diagnostic <requestId>.jsonl per
	// attempt: metadata first, then raw chunks.
	RequestLogDir string
}

// Result is the terminal record of one attempt.
type Result struct {
	RequestID    string             `json:"requestId"`
	Model        string             `json:"model"`
	Prompt       []provider.Message `json:"-"`
	Tools        []provider.Tool    `json:"-"`
	Response     *provider.ChatResponse
	Err          error
	RetryAttempt int
	MaxRetries   int
}

// DefaultMaxRetries is the retry budget when Request.MaxRetries is zero.
const DefaultMaxRetries = 3

var backoffBase = 500 * time.Millisecond

// Run drives one model invocation to completion, retrying retryable
// failures. The returned Result carries the RequestID of the final
// attempt; that id becomes the assistant message's uuid so request logs
// key by assistant uuid. Cancellation via ctx stops the in-flight stream;
// no chunks are emitted after Run returns.
func Run(ctx context.Context, req Request) (Result, error) {
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}

	messages := req.Messages
	if req.SystemPrompt != "" {
		messages = append([]provider.Message{{Role: "system", Content: req.SystemPrompt}}, messages...)
	}

	var last Result
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, last.Err)
			log.Warn().
				Err(last.Err).
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("model", req.Model.ModelID).
				Msg("retrying model request")
			select {
			case <-ctx.Done():
				last.Err = fmt.Errorf("%w: %v", kernelerrors.ErrCanceled, ctx.Err())
				return last, last.Err
			case <-time.After(delay):
			}
		}

		last = runAttempt(ctx, req, messages, attempt, maxRetries)
		if req.OnResult != nil {
			req.OnResult(last)
		}
		if last.Err == nil {
			return last, nil
		}
		if ctx.Err() != nil {
			last.Err = fmt.Errorf("%w: %v", kernelerrors.ErrCanceled, ctx.Err())
			return last, last.Err
		}
		if !Retryable(last.Err) {
			return last, last.Err
		}
	}
	return last, last.Err
}

func runAttempt(ctx context.Context, req Request, messages []provider.Message, attempt, maxRetries int) Result {
	res := Result{
		RequestID:    uuid.NewString(),
		Model:        req.Model.ModelID,
		Prompt:       messages,
		Tools:        req.Tools,
		RetryAttempt: attempt,
		MaxRetries:   maxRetries,
	}

	capture := openRequestLog(req.RequestLogDir, res.RequestID)

	emit := func(c Chunk) {
		if ctx.Err() != nil {
			return
		}
		capture.chunk(c)
		if req.OnChunk != nil {
			req.OnChunk(c)
		}
	}

	stream, err := req.Provider.ChatStream(ctx, messages, req.Tools)
	if err != nil {
		res.Err = classify(err)
		emit(Chunk{Kind: ChunkError, ErrorText: err.Error()})
		capture.finish(res)
		return res
	}

	resp, err := collect(ctx, stream, emit)
	if err != nil {
		res.Err = classify(err)
		emit(Chunk{Kind: ChunkError, ErrorText: err.Error()})
		capture.finish(res)
		return res
	}

	res.Response = resp
	if resp.InputTokens > 0 || resp.OutputTokens > 0 {
		emit(Chunk{Kind: ChunkUsage, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens})
	}
	emit(Chunk{Kind: ChunkFinish})
	capture.finish(res)
	return res
}

// toolCallAccumulator buffers streamed tool-call argument fragments until
// each call is complete, so downstream consumers only ever see fully
// assembled calls.
type toolCallAccumulator struct {
	byIndex     map[int]int
	calls       []provider.ToolCall
	argBuilders []strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]int)}
}

func (a *toolCallAccumulator) begin(evt provider.StreamEvent) {
	pos := len(a.calls)
	a.byIndex[evt.ToolCallIndex] = pos
	a.calls = append(a.calls, provider.ToolCall{ID: evt.ToolCallID, Name: evt.ToolCallName})
	a.argBuilders = append(a.argBuilders, strings.Builder{})
}

func (a *toolCallAccumulator) delta(evt provider.StreamEvent) {
	if pos, ok := a.byIndex[evt.ToolCallIndex]; ok {
		a.argBuilders[pos].WriteString(evt.ToolCallArgs)
	}
}

func (a *toolCallAccumulator) finalize() []provider.ToolCall {
	for i := range a.calls {
		args := a.argBuilders[i].String()
		if args == "" {
			args = "{}"
		}
		a.calls[i].Arguments = json.RawMessage(args)
	}
	return a.calls
}

func collect(ctx context.Context, ch <-chan provider.StreamEvent, emit func(Chunk)) (*provider.ChatResponse, error) {
	var result provider.ChatResponse
	tca := newToolCallAccumulator()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				for _, tc := range tca.finalize() {
					result.ToolCalls = append(result.ToolCalls, tc)
					emit(Chunk{Kind: ChunkToolCall, ToolCallID: tc.ID, ToolCallName: tc.Name, ToolCallInput: tc.Arguments})
				}
				return &result, nil
			}
			switch evt.Type {
			case provider.EventContentDelta:
				result.Content += evt.Content
				emit(Chunk{Kind: ChunkTextDelta, Text: evt.Content})
			case provider.EventReasoningDelta:
				result.Reasoning += evt.Content
				emit(Chunk{Kind: ChunkReasoningDelta, Text: evt.Content})
			case provider.EventToolCallBegin:
				tca.begin(evt)
			case provider.EventToolCallDelta:
				tca.delta(evt)
			case provider.EventUsage:
				if evt.InputTokens > result.InputTokens {
					result.InputTokens = evt.InputTokens
				}
				if evt.OutputTokens > result.OutputTokens {
					result.OutputTokens = evt.OutputTokens
				}
			case provider.EventError:
				return nil, evt.Err
			case provider.EventDone:
			}
		}
	}
}

var (
	httpStatusRegex = regexp.MustCompile(`http error (\d{3})`)
	retryAfterRegex = regexp.MustCompile(`Retry-After:\s*(\d+)`)
)

// Retryable reports whether err is worth another attempt: transport
// resets, HTTP 5xx, and 429 are; other 4xx, schema validation, and auth
// failures are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, kernelerrors.ErrUnauthenticated) || errors.Is(err, kernelerrors.ErrCanceled) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *kernelerrors.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}

	msg := strings.ToLower(err.Error())
	if m := httpStatusRegex.FindStringSubmatch(err.Error()); len(m) > 1 {
		code, _ := strconv.Atoi(m[1])
		if code == 429 || code >= 500 {
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	for _, s := range []string{"connection reset", "connection refused", "broken pipe", "unexpected eof", "timeout", "rate limit", "service unavailable", "overloaded"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// classify maps a raw provider error onto the kernel's error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if m := httpStatusRegex.FindStringSubmatch(err.Error()); len(m) > 1 {
		code, _ := strconv.Atoi(m[1])
		if code == 401 {
			return fmt.Errorf("%w: %v", kernelerrors.ErrUnauthenticated, err)
		}
		return &kernelerrors.APIError{Retryable: code == 429 || code >= 500, Err: err}
	}
	if strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication failed") {
		return fmt.Errorf("%w: %v", kernelerrors.ErrUnauthenticated, err)
	}
	return &kernelerrors.APIError{Retryable: Retryable(err), Err: err}
}

// backoffDelay computes exponential backoff with jitter, honoring a
// Retry-After hint embedded in the error message when present.
func backoffDelay(attempt int, err error) time.Duration {
	if err != nil {
		if m := retryAfterRegex.FindStringSubmatch(err.Error()); len(m) > 1 {
			if secs, convErr := strconv.Atoi(m[1]); convErr == nil {
				d := time.Duration(secs) * time.Second
				if d > 30*time.Second {
					d = 30 * time.Second
				}
				return d
			}
		}
	}
	d := backoffBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d + jitter
}
