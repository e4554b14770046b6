package kernel

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xonecas/agentkernel/internal/kernelctx"
	"github.com/xonecas/agentkernel/internal/kernelerrors"
	"github.com/xonecas/agentkernel/internal/message"
	"github.com/xonecas/agentkernel/internal/provider"
)

// fixedFactory hands out one shared provider instance so tests can script
// and inspect it across calls.
type fixedFactory struct {
	p provider.Provider
}

func (f fixedFactory) Name() string                                       { return "mock" }
func (f fixedFactory) Create(model string, opts provider.Options) provider.Provider { return f.p }

func newTestProject(t *testing.T, mock provider.Provider) (*Project, string) {
	t.Helper()
	dir := t.TempDir()

	cfgPath := filepath.Join(dir, "config.toml")
	cfgContent := `
default_provider = "mock"

[providers.mock]
endpoint = "http://localhost:11434"
model = "mock-model"
`
	if err := os.WriteFile(cfgPath, []byte(cfgContent), 0o640); err != nil {
		t.Fatalf("write config: %v", err)
	}

	reg := provider.NewRegistry()
	reg.RegisterFactory("mock", fixedFactory{p: mock})

	c, err := kernelctx.Create(context.Background(), kernelctx.Options{
		Cwd:             dir,
		ProductName:     "agentkernel",
		ConfigPath:      cfgPath,
		GlobalConfigDir: dir,
		Providers:       reg,
	})
	if err != nil {
		t.Fatalf("Create context: %v", err)
	}
	t.Cleanup(c.Destroy)

	p := NewProject(c)
	t.Cleanup(p.Close)
	return p, dir
}

func TestSendSimpleChat(t *testing.T) {
	mock := provider.NewMock("mock", "Hi")
	p, _ := newTestProject(t, mock)

	res, err := p.Send(context.Background(), "Hello", SendOptions{SessionID: "sess1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success || res.Text != "Hi" {
		t.Fatalf("result = %+v", res)
	}

	// Replay from disk as a fresh reader, simulating a restarted kernel.
	msgs, err := p.Messages("sess1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("replayed %d messages", len(msgs))
	}
	if msgs[0].Role != message.RoleUser || msgs[0].Text() != "Hello" {
		t.Errorf("first = %+v", msgs[0])
	}
	if msgs[1].Role != message.RoleAssistant || msgs[1].Text() != "Hi" {
		t.Errorf("second = %+v", msgs[1])
	}
}

func TestSendRejectsConcurrentSameSession(t *testing.T) {
	mock := provider.NewMock("mock", "slow")
	p, _ := newTestProject(t, mock)

	if err := p.acquireSession("busy"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := p.Send(context.Background(), "second", SendOptions{SessionID: "busy"})
	if err != kernelerrors.ErrSessionBusy {
		t.Fatalf("err = %v, want ErrSessionBusy", err)
	}
	p.releaseSession("busy")

	if _, err := p.Send(context.Background(), "after release", SendOptions{SessionID: "busy"}); err != nil {
		t.Fatalf("send after release: %v", err)
	}
}

func TestAtFileExpansionInRequest(t *testing.T) {
	mock := provider.NewMock("mock", "explained")
	p, dir := newTestProject(t, mock)

	lines := []string{"L1", "L2", "L3", "L4", "L5", "L6", "L7", "L8", "L9", "L10"}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte(strings.Join(lines, "\n")), 0o640); err != nil {
		t.Fatalf("write README: %v", err)
	}

	if _, err := p.Send(context.Background(), "explain @README.md:1-5", SendOptions{SessionID: "sess2"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(mock.Calls) == 0 {
		t.Fatal("no model call recorded")
	}
	sent := mock.Calls[0]
	user := sent[len(sent)-1]
	if !strings.HasPrefix(user.Content, "explain @README.md:1-5") {
		t.Errorf("user content does not lead with original text: %q", user.Content)
	}
	if !strings.Contains(user.Content, "<files>") {
		t.Error("missing <files> envelope")
	}
	if !strings.Contains(user.Content, "L1\nL2\nL3\nL4\nL5") {
		t.Error("missing selected lines")
	}
	if strings.Contains(user.Content, "L6") {
		t.Error("lines beyond the range leaked in")
	}
	if !strings.Contains(user.Content, "Lines 1-5 of 10 total lines") {
		t.Error("missing range metadata")
	}

	// The log keeps the original, unexpanded text.
	msgs, err := p.Messages("sess2")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if got := msgs[0].Text(); got != "explain @README.md:1-5" {
		t.Errorf("logged user text = %q", got)
	}
}

func TestPlanUsesPlanPromptAndNoWriteTools(t *testing.T) {
	mock := provider.NewMock("mock", "1. read code\n2. propose changes")
	p, _ := newTestProject(t, mock)

	res, err := p.Plan(context.Background(), "add a feature", SendOptions{SessionID: "plan1"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if res.PlanText == "" {
		t.Error("plan text not synthesized")
	}

	sent := mock.Calls[0]
	system := sent[0]
	if system.Role != "system" || !strings.Contains(system.Content, "planning mode") {
		t.Errorf("system prompt = %q", system.Content)
	}
	if strings.Contains(system.Content, "Edit,") || strings.Contains(system.Content, ", Edit") {
		t.Error("plan toolset must not list the Edit tool")
	}
}

func TestToolResolutionIncludesBuiltins(t *testing.T) {
	mock := provider.NewMock("mock", "ok")
	p, _ := newTestProject(t, mock)

	resolved, err := p.resolveTools(context.Background(), SendOptions{SessionID: "s"}, false)
	if err != nil {
		t.Fatalf("resolveTools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range resolved {
		names[tool.Name()] = true
	}
	for _, want := range []string{"Read", "Edit", "Grep", "Shell", "GitStatus", "GitDiff", "WebFetch", "WebSearch", "TodoWrite", "TodoRead", "SubAgent"} {
		if !names[want] {
			t.Errorf("missing builtin %s", want)
		}
	}
}

func TestDecodeApprovalReplyShapes(t *testing.T) {
	cases := []struct {
		reply    any
		wantKind string
		approved bool
	}{
		{map[string]any{"kind": "approve"}, "approve", true},
		{map[string]any{"kind": "deny"}, "deny", false},
		{map[string]any{"approved": true}, "approve", true},
		{map[string]any{"approved": false}, "deny", false},
		{map[string]any{"kind": "approve", "params": map[string]any{"file": "b"}}, "approve", true},
	}
	for _, tc := range cases {
		resp, err := decodeApprovalReply(tc.reply)
		if err != nil {
			t.Fatalf("decode %v: %v", tc.reply, err)
		}
		if string(resp.Kind) != tc.wantKind {
			t.Errorf("reply %v → kind %s, want %s", tc.reply, resp.Kind, tc.wantKind)
		}
	}

	resp, _ := decodeApprovalReply(map[string]any{"kind": "approve", "params": map[string]any{"file": "b"}})
	var params map[string]string
	if err := json.Unmarshal(resp.Params, &params); err != nil || params["file"] != "b" {
		t.Errorf("params = %s", resp.Params)
	}
}
