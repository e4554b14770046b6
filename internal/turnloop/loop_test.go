package turnloop

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xonecas/agentkernel/internal/approval"
	"github.com/xonecas/agentkernel/internal/message"
	"github.com/xonecas/agentkernel/internal/provider"
	"github.com/xonecas/agentkernel/internal/registry"
	"github.com/xonecas/agentkernel/internal/sessionlog"
	"github.com/xonecas/agentkernel/internal/streamengine"
)

type approveAll struct{}

func (approveAll) Resolve(ctx context.Context, toolName string, category registry.Category, needsApproval bool, params json.RawMessage) (approval.Decision, error) {
	return approval.Decision{Approved: true}, nil
}

type denyAll struct{}

func (denyAll) Resolve(ctx context.Context, toolName string, category registry.Category, needsApproval bool, params json.RawMessage) (approval.Decision, error) {
	return approval.Decision{Approved: false}, nil
}

// fakeTool is a scriptable registry.Tool.
type fakeTool struct {
	name     string
	category registry.Category
	execute  func(ctx context.Context, params json.RawMessage) (registry.Result, error)

	mu    sync.Mutex
	calls []json.RawMessage
}

func (f *fakeTool) Name() string                      { return f.name }
func (f *fakeTool) Description() string               { return "fake" }
func (f *fakeTool) ParametersSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Approval() registry.Approval       { return registry.Approval{Category: f.category} }

func (f *fakeTool) Execute(ctx context.Context, params json.RawMessage) (registry.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params)
	f.mu.Unlock()
	if f.execute != nil {
		return f.execute(ctx, params)
	}
	return message.ToolResult{LLMContent: "ok"}, nil
}

func (f *fakeTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func openTestLog(t *testing.T, sessionID string) *sessionlog.Log {
	t.Helper()
	l, err := sessionlog.Open(t.TempDir(), sessionID)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func seedUser(t *testing.T, l *sessionlog.Log, sessionID, text string) []message.Message {
	t.Helper()
	if _, err := l.AppendUserText(text, sessionID); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return l.Messages()
}

func TestSimpleChatNoTools(t *testing.T) {
	l := openTestLog(t, "s1")
	msgs := seedUser(t, l, "s1", "Hello")

	res, err := Run(context.Background(), Options{
		Log:       l,
		SessionID: "s1",
		Provider:  provider.NewMock("mock", "Hi"),
		Model:     streamengine.ModelInfo{ModelID: "m"},
		Messages:  msgs,
		Approver:  approveAll{},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Text != "Hi" {
		t.Fatalf("result = %+v", res)
	}

	stored := l.Messages()
	if len(stored) != 2 {
		t.Fatalf("log has %d messages", len(stored))
	}
	if stored[0].Role != message.RoleUser || stored[0].Text() != "Hello" {
		t.Errorf("first = %+v", stored[0])
	}
	if stored[1].Role != message.RoleAssistant || stored[1].Text() != "Hi" {
		t.Errorf("second = %+v", stored[1])
	}
	if stored[1].ParentUUID != stored[0].UUID {
		t.Error("assistant parentUuid must chain to user message")
	}
}

func TestToolUseAndCompletion(t *testing.T) {
	l := openTestLog(t, "s2")
	msgs := seedUser(t, l, "s2", "list files")

	ls := &fakeTool{name: "ls", category: registry.CategoryRead, execute: func(ctx context.Context, params json.RawMessage) (registry.Result, error) {
		return message.ToolResult{LLMContent: `["a.txt","b.txt"]`}, nil
	}}

	mock := provider.NewMockScript("mock",
		provider.ChatResponse{ToolCalls: []provider.ToolCall{{ID: "t1", Name: "ls", Arguments: json.RawMessage(`{"dir_path":"."}`)}}},
		provider.ChatResponse{Content: "Two files: a.txt, b.txt"},
	)

	res, err := Run(context.Background(), Options{
		Log:       l,
		SessionID: "s2",
		Provider:  mock,
		Model:     streamengine.ModelInfo{ModelID: "m"},
		Messages:  msgs,
		Tools:     []registry.Tool{ls},
		Approver:  approveAll{},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Text != "Two files: a.txt, b.txt" {
		t.Fatalf("result = %+v", res)
	}

	stored := l.Messages()
	roles := []message.Role{message.RoleUser, message.RoleAssistant, message.RoleTool, message.RoleAssistant}
	if len(stored) != len(roles) {
		t.Fatalf("log has %d messages, want %d", len(stored), len(roles))
	}
	for i, want := range roles {
		if stored[i].Role != want {
			t.Errorf("message %d role = %s, want %s", i, stored[i].Role, want)
		}
	}
	trs := stored[2].ToolResults()
	if len(trs) != 1 || trs[0].ToolCallID != "t1" {
		t.Fatalf("tool results = %+v", trs)
	}
	if ls.callCount() != 1 {
		t.Errorf("ls executed %d times, want exactly once", ls.callCount())
	}
	if sessionlog.FindIncompleteToolUses(stored) != nil {
		t.Error("completed turn must leave no unanswered tool_use")
	}
}

func TestToolDenied(t *testing.T) {
	l := openTestLog(t, "s3")
	msgs := seedUser(t, l, "s3", "list files")

	ls := &fakeTool{name: "ls", category: registry.CategoryCommand}

	mock := provider.NewMockScript("mock",
		provider.ChatResponse{ToolCalls: []provider.ToolCall{{ID: "t1", Name: "ls", Arguments: json.RawMessage(`{}`)}}},
		provider.ChatResponse{Content: "Understood, I won't run it."},
	)

	res, err := Run(context.Background(), Options{
		Log:       l,
		SessionID: "s3",
		Provider:  mock,
		Model:     streamengine.ModelInfo{ModelID: "m"},
		Messages:  msgs,
		Tools:     []registry.Tool{ls},
		Approver:  denyAll{},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if ls.callCount() != 0 {
		t.Error("denied tool must not execute")
	}

	stored := l.Messages()
	trs := stored[2].ToolResults()
	if len(trs) != 1 || !trs[0].Result.IsError {
		t.Fatalf("expected one error tool_result, got %+v", trs)
	}
	if !strings.Contains(trs[0].Result.LLMContent.(string), "denied") {
		t.Errorf("llmContent = %v", trs[0].Result.LLMContent)
	}
	// The follow-up request must include the denial so the model can adapt.
	if len(mock.Calls) != 2 {
		t.Fatalf("model calls = %d", len(mock.Calls))
	}
	var sawDenial bool
	for _, m := range mock.Calls[1] {
		if m.Role == "tool" && strings.Contains(m.Content, "denied") {
			sawDenial = true
		}
	}
	if !sawDenial {
		t.Error("second request is missing the denial tool result")
	}
}

func TestCancelMidTool(t *testing.T) {
	l := openTestLog(t, "s4")
	msgs := seedUser(t, l, "s4", "long task")

	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	slow := &fakeTool{name: "slow", category: registry.CategoryCommand, execute: func(ctx context.Context, params json.RawMessage) (registry.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	never := &fakeTool{name: "never", category: registry.CategoryCommand}

	mock := provider.NewMockScript("mock",
		provider.ChatResponse{ToolCalls: []provider.ToolCall{
			{ID: "t1", Name: "slow", Arguments: json.RawMessage(`{}`)},
			{ID: "t2", Name: "never", Arguments: json.RawMessage(`{}`)},
		}},
	)

	go func() {
		<-started
		cancel()
	}()

	res, err := Run(ctx, Options{
		Log:       l,
		SessionID: "s4",
		Provider:  mock,
		Model:     streamengine.ModelInfo{ModelID: "m"},
		Messages:  msgs,
		Tools:     []registry.Tool{slow, never},
		Approver:  approveAll{},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Type != "canceled" {
		t.Fatalf("result type = %q", res.Type)
	}
	if never.callCount() != 0 {
		t.Error("t2 must not execute after cancel")
	}
	if len(mock.Calls) != 1 {
		t.Errorf("no further model request may be made after cancel, got %d", len(mock.Calls))
	}

	stored := l.Messages()
	if incomplete := sessionlog.FindIncompleteToolUses(stored); incomplete != nil {
		t.Fatalf("unanswered tool uses after cancel: %v", incomplete.MissingIDs)
	}
	results := map[string]message.ToolResultPart{}
	for _, m := range stored {
		for _, tr := range m.ToolResults() {
			results[tr.ToolCallID] = tr
		}
	}
	for _, id := range []string{"t1", "t2"} {
		tr, ok := results[id]
		if !ok {
			t.Fatalf("missing canceled result for %s", id)
		}
		if tr.Result.LLMContent != InterruptedText || !tr.Result.IsError {
			t.Errorf("%s result = %+v", id, tr.Result)
		}
	}
}

func TestMissingToolAndBadParams(t *testing.T) {
	l := openTestLog(t, "s5")
	msgs := seedUser(t, l, "s5", "go")

	known := &fakeTool{name: "known", category: registry.CategoryRead}
	mock := provider.NewMockScript("mock",
		provider.ChatResponse{ToolCalls: []provider.ToolCall{
			{ID: "t1", Name: "ghost", Arguments: json.RawMessage(`{}`)},
			{ID: "t2", Name: "known", Arguments: json.RawMessage(`{broken`)},
		}},
		provider.ChatResponse{Content: "done"},
	)

	res, err := Run(context.Background(), Options{
		Log:       l,
		SessionID: "s5",
		Provider:  mock,
		Model:     streamengine.ModelInfo{ModelID: "m"},
		Messages:  msgs,
		Tools:     []registry.Tool{known},
		Approver:  approveAll{},
	})
	if err != nil || !res.Success {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if known.callCount() != 0 {
		t.Error("tool with unparseable params must not execute")
	}

	results := map[string]message.ToolResultPart{}
	for _, m := range l.Messages() {
		for _, tr := range m.ToolResults() {
			results[tr.ToolCallID] = tr
		}
	}
	if tr := results["t1"]; !tr.Result.IsError || !strings.Contains(tr.Result.LLMContent.(string), "not found") {
		t.Errorf("t1 result = %+v", tr.Result)
	}
	if tr := results["t2"]; !tr.Result.IsError {
		t.Errorf("t2 result = %+v", tr.Result)
	}
}

func TestMaxTurnsExceeded(t *testing.T) {
	l := openTestLog(t, "s6")
	msgs := seedUser(t, l, "s6", "loop forever")

	busy := &fakeTool{name: "busy", category: registry.CategoryRead}
	mock := provider.NewMockScript("mock",
		provider.ChatResponse{ToolCalls: []provider.ToolCall{{ID: "x", Name: "busy", Arguments: json.RawMessage(`{}`)}}},
	)

	res, err := Run(context.Background(), Options{
		Log:       l,
		SessionID: "s6",
		Provider:  mock,
		Model:     streamengine.ModelInfo{ModelID: "m"},
		Messages:  msgs,
		Tools:     []registry.Tool{busy},
		Approver:  approveAll{},
		MaxTurns:  3,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || res.Type != "max_turns_exceeded" {
		t.Fatalf("result = %+v", res)
	}
	if len(mock.Calls) != 3 {
		t.Errorf("model calls = %d, want 3", len(mock.Calls))
	}
}

func TestModifiedParamsReplaceOriginals(t *testing.T) {
	l := openTestLog(t, "s7")
	msgs := seedUser(t, l, "s7", "edit it")

	edit := &fakeTool{name: "edit", category: registry.CategoryWrite}
	mock := provider.NewMockScript("mock",
		provider.ChatResponse{ToolCalls: []provider.ToolCall{{ID: "t1", Name: "edit", Arguments: json.RawMessage(`{"file":"a"}`)}}},
		provider.ChatResponse{Content: "done"},
	)

	modifier := approverFunc(func(ctx context.Context, toolName string, category registry.Category, needsApproval bool, params json.RawMessage) (approval.Decision, error) {
		return approval.Decision{Approved: true, Params: json.RawMessage(`{"file":"b"}`)}, nil
	})

	if _, err := Run(context.Background(), Options{
		Log:       l,
		SessionID: "s7",
		Provider:  mock,
		Model:     streamengine.ModelInfo{ModelID: "m"},
		Messages:  msgs,
		Tools:     []registry.Tool{edit},
		Approver:  modifier,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	edit.mu.Lock()
	defer edit.mu.Unlock()
	if len(edit.calls) != 1 || string(edit.calls[0]) != `{"file":"b"}` {
		t.Fatalf("executed params = %v", edit.calls)
	}
}

type approverFunc func(ctx context.Context, toolName string, category registry.Category, needsApproval bool, params json.RawMessage) (approval.Decision, error)

func (f approverFunc) Resolve(ctx context.Context, toolName string, category registry.Category, needsApproval bool, params json.RawMessage) (approval.Decision, error) {
	return f(ctx, toolName, category, needsApproval, params)
}

type staticCompactor struct {
	summary string
	calls   int
}

func (c *staticCompactor) Summarize(ctx context.Context, messages []provider.Message) (string, error) {
	c.calls++
	return c.summary, nil
}

func TestAutoCompactRewritesRequestNotLog(t *testing.T) {
	l := openTestLog(t, "s8")
	long := strings.Repeat("x", 2000)
	for i := 0; i < 12; i++ {
		if _, err := l.AppendUserText(long, "s8"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	msgs := l.Messages()

	mock := provider.NewMock("mock", "compact ok")
	comp := &staticCompactor{summary: "the user repeated themselves"}

	var summarized string
	res, err := Run(context.Background(), Options{
		Log:         l,
		SessionID:   "s8",
		Provider:    mock,
		Model:       streamengine.ModelInfo{ModelID: "m", Limits: streamengine.ModelLimits{Context: 1000}},
		Messages:    msgs,
		Approver:    approveAll{},
		AutoCompact: true,
		Compactor:   comp,
		Callbacks:   Callbacks{OnCompactSummary: func(s string) { summarized = s }},
	})
	if err != nil || !res.Success {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if comp.calls != 1 {
		t.Fatalf("compactor calls = %d", comp.calls)
	}
	if summarized != "the user repeated themselves" {
		t.Errorf("summary callback got %q", summarized)
	}

	sent := mock.Calls[0]
	if len(sent) != keepRecentMessages+1 {
		t.Fatalf("compacted prompt has %d messages", len(sent))
	}
	if !strings.Contains(sent[0].Content, "<conversation-summary>") {
		t.Errorf("first message = %q", sent[0].Content)
	}
	// The log itself is untouched: 12 seeded + 1 assistant.
	if got := len(l.Messages()); got != 13 {
		t.Errorf("log length = %d, want 13", got)
	}
}

func TestCancelDuringStreamProducesNoAssistant(t *testing.T) {
	l := openTestLog(t, "s9")
	msgs := seedUser(t, l, "s9", "hi")

	mock := provider.NewMock("mock", "never seen")
	mock.SetDelay(200 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := Run(ctx, Options{
		Log:       l,
		SessionID: "s9",
		Provider:  mock,
		Model:     streamengine.ModelInfo{ModelID: "m"},
		Messages:  msgs,
		Approver:  approveAll{},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Type != "canceled" {
		t.Fatalf("type = %q", res.Type)
	}
	if got := len(l.Messages()); got != 1 {
		t.Errorf("log length = %d, want just the user message", got)
	}
}
