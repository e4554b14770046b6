package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xonecas/agentkernel/internal/bus"
	"github.com/xonecas/agentkernel/internal/provider"
)

type fixedFactory struct {
	p provider.Provider
}

func (f fixedFactory) Name() string                                       { return "mock" }
func (f fixedFactory) Create(model string, opts provider.Options) provider.Provider { return f.p }

// harness wires a frontend bus to a bridged kernel bus over a direct pair.
type harness struct {
	front  *bus.Bus
	bridge *Bridge
	cwd    string
	cancel context.CancelFunc
}

func newHarness(t *testing.T, mock provider.Provider) *harness {
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

	frontT, kernelT := bus.NewDirectPair()
	front := bus.New(frontT)
	kernelBus := bus.New(kernelT)

	br := New(Options{
		ProductName:     "agentkernel",
		ConfigPath:      cfgPath,
		GlobalConfigDir: dir,
		BuildProviders: func() *provider.Registry {
			reg := provider.NewRegistry()
			reg.RegisterFactory("mock", fixedFactory{p: mock})
			return reg
		},
	})
	br.Register(kernelBus)

	ctx, cancel := context.WithCancel(context.Background())
	go front.Run(ctx)
	go kernelBus.Run(ctx)

	h := &harness{front: front, bridge: br, cwd: dir, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		br.Shutdown()
	})
	return h
}

// request round-trips a call and decodes the success envelope.
func (h *harness) request(t *testing.T, method string, payload any) (json.RawMessage, *errorBody) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := h.front.Request(ctx, method, payload)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	raw, err := json.Marshal(reply)
	if err != nil {
		t.Fatalf("%s marshal: %v", method, err)
	}
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *errorBody      `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("%s envelope: %v", method, err)
	}
	if !envelope.Success {
		return nil, envelope.Error
	}
	return envelope.Data, nil
}

func TestSendOverBus(t *testing.T) {
	h := newHarness(t, provider.NewMock("mock", "Hi"))

	data, errBody := h.request(t, "session.send", map[string]any{
		"cwd": h.cwd, "sessionId": "s1", "text": "Hello",
	})
	if errBody != nil {
		t.Fatalf("error: %+v", errBody)
	}
	var res struct {
		Success bool   `json:"success"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.Text != "Hi" {
		t.Fatalf("result = %+v", res)
	}

	// Replay through the bus (scenario: fresh reader after restart).
	data, errBody = h.request(t, "session.messages.list", map[string]any{
		"cwd": h.cwd, "sessionId": "s1",
	})
	if errBody != nil {
		t.Fatalf("list error: %+v", errBody)
	}
	var msgs []map[string]any
	if err := json.Unmarshal(data, &msgs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("replayed %d messages", len(msgs))
	}
	if msgs[0]["role"] != "user" || msgs[1]["role"] != "assistant" {
		t.Errorf("roles = %v, %v", msgs[0]["role"], msgs[1]["role"])
	}
}

func TestUnknownCwdFailsClean(t *testing.T) {
	h := newHarness(t, provider.NewMock("mock", "x"))

	_, errBody := h.request(t, "session.send", map[string]any{
		"cwd": "", "sessionId": "s", "text": "hi",
	})
	if errBody == nil {
		t.Fatal("expected error envelope")
	}
	if errBody.Type != "ConfigInvalid" {
		t.Errorf("error type = %q", errBody.Type)
	}
}

func TestStatusAndUtils(t *testing.T) {
	h := newHarness(t, provider.NewMock("mock", "x"))

	data, errBody := h.request(t, "status.get", map[string]any{})
	if errBody != nil {
		t.Fatalf("status: %+v", errBody)
	}
	var status map[string]any
	json.Unmarshal(data, &status)
	if status["product"] != "agentkernel" {
		t.Errorf("status = %v", status)
	}

	readme := filepath.Join(h.cwd, "note.txt")
	os.WriteFile(readme, []byte("alpha\nbeta"), 0o640)
	data, errBody = h.request(t, "utils.expandPaths", map[string]any{
		"cwd": h.cwd, "text": "see @note.txt",
	})
	if errBody != nil {
		t.Fatalf("expand: %+v", errBody)
	}
	var expanded struct {
		Expanded string `json:"expanded"`
	}
	json.Unmarshal(data, &expanded)
	if expanded.Expanded == "see @note.txt" {
		t.Error("expansion did not run")
	}
}

func TestCancelPatchesUnansweredToolUses(t *testing.T) {
	// The model answers with two tool calls. The first (AskUser) wedges on
	// the bus waiting for a human who never replies; session.cancel must
	// interrupt it and record placeholders for both ids.
	mock := provider.NewMockScript("mock",
		provider.ChatResponse{ToolCalls: []provider.ToolCall{
			{ID: "t1", Name: "AskUser", Arguments: json.RawMessage(`{"question":"proceed?"}`)},
			{ID: "t2", Name: "Shell", Arguments: json.RawMessage(`{"command":"echo hi","description":"greet"}`)},
		}},
	)
	h := newHarness(t, mock)

	h.front.RegisterHandler("toolApproval", func(ctx context.Context, payload any) (any, error) {
		return map[string]any{"kind": "approve"}, nil
	})
	asked := make(chan struct{}, 1)
	h.front.RegisterHandler("askUser", func(ctx context.Context, payload any) (any, error) {
		select {
		case asked <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		h.front.Request(ctx, "session.send", map[string]any{
			"cwd": h.cwd, "sessionId": "c1", "text": "long task",
		})
	}()

	select {
	case <-asked:
	case <-time.After(10 * time.Second):
		t.Fatal("no askUser request arrived")
	}

	data, errBody := h.request(t, "session.cancel", map[string]any{
		"cwd": h.cwd, "sessionId": "c1",
	})
	if errBody != nil {
		t.Fatalf("cancel: %+v", errBody)
	}
	var cancelRes map[string]any
	json.Unmarshal(data, &cancelRes)
	if cancelRes["canceled"] != true {
		t.Errorf("cancel result = %v", cancelRes)
	}

	select {
	case <-sendDone:
	case <-time.After(15 * time.Second):
		t.Fatal("send did not unwind after cancel")
	}

	// Every tool_use must now have a result.
	data, errBody = h.request(t, "session.messages.list", map[string]any{
		"cwd": h.cwd, "sessionId": "c1",
	})
	if errBody != nil {
		t.Fatalf("list: %+v", errBody)
	}
	var msgs []struct {
		Role    string `json:"role"`
		Content []struct {
			Type   string `json:"type"`
			Result *struct {
				LLMContent any  `json:"llmContent"`
				IsError    bool `json:"isError"`
			} `json:"result"`
		} `json:"content"`
	}
	if err := json.Unmarshal(data, &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var interrupted bool
	for _, m := range msgs {
		for _, part := range m.Content {
			if part.Type == "tool_result" && part.Result != nil {
				if part.Result.LLMContent == "[Request interrupted by user]" && part.Result.IsError {
					interrupted = true
				}
			}
		}
	}
	if !interrupted {
		t.Error("no interrupted tool_result recorded")
	}
}
