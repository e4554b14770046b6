package registry

import (
	"context"
	"encoding/json"
	"testing"
)

type stub struct {
	name     string
	category Category
}

func (s stub) Name() string                      { return s.name }
func (s stub) Description() string               { return s.name }
func (s stub) ParametersSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s stub) Approval() Approval                { return Approval{Category: s.category} }
func (s stub) Execute(ctx context.Context, params json.RawMessage) (Result, error) {
	return nil, nil
}

type stubSource struct {
	tools []Tool
}

func (s stubSource) Tools() []Tool { return s.tools }

func TestDuplicateBuiltinIsError(t *testing.T) {
	r := New()
	if err := r.RegisterBuiltin(stub{name: "Read", category: CategoryRead}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.RegisterBuiltin(stub{name: "Read", category: CategoryRead}); err == nil {
		t.Fatal("duplicate name must be a hard error")
	}
}

func TestResolveFiltersByOptions(t *testing.T) {
	r := New()
	for _, s := range []stub{
		{"Read", CategoryRead},
		{"Edit", CategoryWrite},
		{"AskUser", CategoryAsk},
		{"TodoWrite", CategoryWrite},
	} {
		if err := r.RegisterBuiltin(s); err != nil {
			t.Fatalf("register %s: %v", s.name, err)
		}
	}

	resolved, err := r.ResolveTools(Options{WriteEnabled: false, TodoEnabled: false, AskEnabled: false}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolved) != 1 || resolved[0].Name() != "Read" {
		t.Fatalf("resolved = %v", names(resolved))
	}

	resolved, err = r.ResolveTools(Options{WriteEnabled: true, TodoEnabled: true, AskEnabled: true}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolved) != 4 {
		t.Fatalf("resolved = %v", names(resolved))
	}
}

func TestResolveMergesMcpAndHonorsDisabled(t *testing.T) {
	r := New()
	r.RegisterBuiltin(stub{name: "Read", category: CategoryRead})

	src := stubSource{tools: []Tool{
		stub{name: "mcp__files__read_file", category: CategoryNetwork},
		stub{name: "mcp__files__write_file", category: CategoryNetwork},
	}}
	resolved, err := r.ResolveTools(Options{
		Disabled: map[string]bool{"mcp__files__write_file": true},
	}, src)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got := names(resolved)
	if len(got) != 2 || got[1] != "mcp__files__read_file" {
		t.Fatalf("resolved = %v", got)
	}
}

func TestResolveDuplicateAcrossSourcesIsError(t *testing.T) {
	r := New()
	r.RegisterBuiltin(stub{name: "Read", category: CategoryRead})
	src := stubSource{tools: []Tool{stub{name: "Read", category: CategoryNetwork}}}
	if _, err := r.ResolveTools(Options{}, src); err == nil {
		t.Fatal("cross-source duplicate must be a hard error")
	}
}

func names(tools []Tool) []string {
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.Name()
	}
	return out
}
