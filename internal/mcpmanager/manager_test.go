package mcpmanager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/xonecas/agentkernel/internal/config"
	"github.com/xonecas/agentkernel/internal/message"
)

func TestIsPermanentClassification(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"sh: foo: command not found", true},
		{"open /x: no such file or directory", true},
		{"permission denied", true},
		{"invalid configuration: neither command nor url set", true},
		{"malformed response body", true},
		{"syntax error in config", true},
		{"authentication failed", true},
		{"http error 401: unauthorized", true},
		{"dial tcp: i/o timeout", false},
		{"read: econnreset", false},
		{"lookup host: enotfound", false},
		{"connect: econnrefused", false},
		{"etimedout", false},
		{"http error 429: rate limit exceeded", false},
		{"http error 503: service unavailable", false},
		{"socket hang up", false},
		{"some brand new failure mode", false}, // unknown defaults to transient
	}
	for _, tc := range cases {
		if got := IsPermanent(errors.New(tc.msg)); got != tc.want {
			t.Errorf("IsPermanent(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestToolNameSanitizesServer(t *testing.T) {
	if got := ToolName("my server!", "fetch"); got != "mcp__myserver__fetch" {
		t.Errorf("ToolName = %q", got)
	}
	if got := ToolName("files-v2", "read_file"); got != "mcp__files-v2__read_file" {
		t.Errorf("ToolName = %q", got)
	}
}

func TestNormalizeContent(t *testing.T) {
	textOnly := NormalizeContent([]ContentBlock{
		{Type: "text", Text: "hello"},
		{Type: "text", Text: "world"},
	})
	if textOnly != "hello\nworld" {
		t.Errorf("text-only = %v", textOnly)
	}

	mixed := NormalizeContent([]ContentBlock{
		{Type: "text", Text: "caption"},
		{Type: "image", Data: "AAAA", MimeType: "image/png"},
	})
	parts, ok := mixed.([]message.ContentPart)
	if !ok || len(parts) != 2 {
		t.Fatalf("mixed = %#v", mixed)
	}
	if img, ok := parts[1].(message.ImagePart); !ok || img.MimeType != "image/png" {
		t.Errorf("image part = %#v", parts[1])
	}
}

// fakeServer is a minimal MCP HTTP endpoint.
func fakeServer(t *testing.T, tools []ToolDef, callResult *CallResult) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == nil { // notification
			w.WriteHeader(http.StatusAccepted)
			return
		}
		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": protocolVersion}
		case "tools/list":
			result = listToolsResult{Tools: tools}
		case "tools/call":
			result = callResult
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
			return
		}
		raw, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(response{JSONRPC: "2.0", ID: req.ID, Result: raw})
	}))
}

func TestInitConnectAndCallTool(t *testing.T) {
	srv := fakeServer(t,
		[]ToolDef{{Name: "echo", Description: "echoes", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		&CallResult{Content: []ContentBlock{{Type: "text", Text: "echoed"}}},
	)
	defer srv.Close()

	m := New(map[string]config.MCPServerConfig{
		"test": {URL: srv.URL},
	})
	m.InitAsync(context.Background())

	states := m.States()
	if len(states) != 1 || states[0].Status != StatusConnected {
		t.Fatalf("states = %+v", states)
	}

	tools := m.Tools()
	if len(tools) != 1 {
		t.Fatalf("tools = %d", len(tools))
	}
	if tools[0].Name() != "mcp__test__echo" {
		t.Errorf("tool name = %q", tools[0].Name())
	}

	res, err := tools[0].Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	tr := res.(message.ToolResult)
	if tr.IsError || tr.LLMContent != "echoed" {
		t.Errorf("result = %+v", tr)
	}

	m.Destroy()
	for _, s := range m.States() {
		if s.Status != StatusDisconnected {
			t.Errorf("post-destroy status = %s", s.Status)
		}
	}
}

func TestInitAsyncIdempotentUnderConcurrency(t *testing.T) {
	srv := fakeServer(t, nil, nil)
	defer srv.Close()

	m := New(map[string]config.MCPServerConfig{"a": {URL: srv.URL}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.InitAsync(context.Background())
		}()
	}
	wg.Wait()

	if got := m.States()[0].Status; got != StatusConnected {
		t.Errorf("status = %s", got)
	}
}

func TestDisabledServerSkipped(t *testing.T) {
	m := New(map[string]config.MCPServerConfig{
		"off": {URL: "http://127.0.0.1:1", Disable: true},
	})
	m.InitAsync(context.Background())

	if got := m.States()[0].Status; got != StatusPending {
		t.Errorf("disabled server status = %s, want pending", got)
	}
	if len(m.Tools()) != 0 {
		t.Error("disabled server must contribute no tools")
	}
}

func TestPermanentFailureStateAndRetry(t *testing.T) {
	m := New(map[string]config.MCPServerConfig{
		"bad": {}, // neither command nor url: invalid configuration
	})
	m.InitAsync(context.Background())

	s := m.States()[0]
	if s.Status != StatusFailed {
		t.Fatalf("status = %s", s.Status)
	}
	if s.Transient {
		t.Error("invalid configuration must classify permanent")
	}

	// Retry is still allowed even for permanent failures.
	if err := m.RetryConnection(context.Background(), "bad"); err == nil {
		t.Error("retry of an invalid config should fail again")
	}
	if got := m.States()[0].RetryCount; got != 1 {
		t.Errorf("retry count = %d", got)
	}
}
