package provider

import (
	"context"
	"sync"
	"time"
)

// MockProvider is a test provider that streams scripted responses. Each
// ChatStream call consumes the next scripted ChatResponse; when the
// script is exhausted the last response repeats.
type MockProvider struct {
	mu sync.Mutex

	name      string
	script    []ChatResponse
	callIdx   int
	streamErr error
	errOnce   bool
	delay     time.Duration

	// Calls records the message history received by each ChatStream call.
	Calls [][]Message
}

// NewMock creates a mock provider that always replies with response.
func NewMock(name, response string) *MockProvider {
	return &MockProvider{
		name:   name,
		script: []ChatResponse{{Content: response}},
	}
}

// NewMockScript creates a mock provider that replies with each scripted
// response in turn.
func NewMockScript(name string, script ...ChatResponse) *MockProvider {
	return &MockProvider{name: name, script: script}
}

type MockFactory struct {
	name     string
	response string
}

func NewMockFactory(name, response string) *MockFactory {
	return &MockFactory{name: name, response: response}
}

func (f *MockFactory) Name() string { return f.name }

func (f *MockFactory) Create(model string, opts Options) Provider {
	return NewMock(f.name, f.response)
}

// WithStreamError sets an error to return from ChatStream.
func (p *MockProvider) WithStreamError(err error) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamErr = err
	return p
}

// WithStreamErrorOnce makes the next ChatStream call fail, after which
// the scripted responses resume. Used to exercise retry paths.
func (p *MockProvider) WithStreamErrorOnce(err error) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamErr = err
	p.errOnce = true
	return p
}

// WithToolCalls appends a scripted response consisting of tool calls.
func (p *MockProvider) WithToolCalls(calls []ToolCall) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, ChatResponse{ToolCalls: calls})
	return p
}

func (p *MockProvider) SetDelay(delay time.Duration) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = delay
	return p
}

// Name returns the provider identifier.
func (p *MockProvider) Name() string {
	return p.name
}

// ChatStream streams the next scripted response as events: reasoning and
// content split into deltas, tool calls as begin/delta pairs with the
// argument JSON cut in half to exercise reassembly, then usage and done.
func (p *MockProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	if err := p.waitDelay(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.streamErr != nil {
		err := p.streamErr
		if p.errOnce {
			p.streamErr = nil
			p.errOnce = false
		}
		p.mu.Unlock()
		return nil, err
	}
	p.Calls = append(p.Calls, append([]Message(nil), messages...))
	idx := p.callIdx
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	resp := p.script[idx]
	p.callIdx++
	p.mu.Unlock()

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		send := func(evt StreamEvent) bool {
			select {
			case ch <- evt:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if resp.Reasoning != "" {
			if !send(StreamEvent{Type: EventReasoningDelta, Content: resp.Reasoning}) {
				return
			}
		}
		if resp.Content != "" {
			half := len(resp.Content) / 2
			for _, part := range []string{resp.Content[:half], resp.Content[half:]} {
				if part == "" {
					continue
				}
				if !send(StreamEvent{Type: EventContentDelta, Content: part}) {
					return
				}
			}
		}
		for i, tc := range resp.ToolCalls {
			if !send(StreamEvent{Type: EventToolCallBegin, ToolCallIndex: i, ToolCallID: tc.ID, ToolCallName: tc.Name}) {
				return
			}
			args := string(tc.Arguments)
			half := len(args) / 2
			for _, frag := range []string{args[:half], args[half:]} {
				if frag == "" {
					continue
				}
				if !send(StreamEvent{Type: EventToolCallDelta, ToolCallIndex: i, ToolCallArgs: frag}) {
					return
				}
			}
		}
		if resp.InputTokens > 0 || resp.OutputTokens > 0 {
			if !send(StreamEvent{Type: EventUsage, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}) {
				return
			}
		}
		send(StreamEvent{Type: EventDone})
	}()

	return ch, nil
}

// ListModels returns a single synthetic model entry.
func (p *MockProvider) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{{Name: "mock-model"}}, nil
}

func (p *MockProvider) waitDelay(ctx context.Context) error {
	p.mu.Lock()
	delay := p.delay
	p.mu.Unlock()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close is a no-op for mock provider (no resources to clean up).
func (p *MockProvider) Close() error {
	return nil
}
