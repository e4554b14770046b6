// Package registry implements the tool registry: a catalog of tools with
// schemas, approval metadata, and execute contracts, composed from a
// built-in set plus MCP-derived tools.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
)

// Category is the coarse risk tag on a tool.
type Category string

const (
	CategoryRead    Category = "read"
	CategoryWrite   Category = "write"
	CategoryCommand Category = "command"
	CategoryNetwork Category = "network"
	CategoryAsk     Category = "ask"
)

// Approval describes a tool's approval metadata.
type Approval struct {
	Category      Category
	NeedsApproval func(ctx context.Context) bool
}

// Tool is the registry's unit of execution: name, description, schema,
// approval metadata, and an opaque async execute contract.
type Tool interface {
	Name() string
	Description() string
	ParametersSchema() json.RawMessage
	Approval() Approval
	Execute(ctx context.Context, params json.RawMessage) (Result, error)
}

// Result is the ToolResult shape a Tool.Execute hands back, re-exported
// here as an alias boundary so callers of this package don't need to
// import internal/message directly for the common case.
type Result = interface{}

// Options configures which tools resolveTools composes.
type Options struct {
	WriteEnabled bool
	TodoEnabled  bool
	AskEnabled   bool
	SessionID    string
	// Disabled lists tool names explicitly turned off by config.
	Disabled map[string]bool
}

// Registry holds registered built-in tools in registration order;
// MCP-derived tools are merged in by ResolveTools via an McpSource.
type Registry struct {
	names   map[string]bool
	builtin []Tool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{names: make(map[string]bool)}
}

// RegisterBuiltin adds t to the built-in set. Registering the same name
// twice is a hard error.
func (r *Registry) RegisterBuiltin(t Tool) error {
	if r.names[t.Name()] {
		return fmt.Errorf("registry: duplicate tool name %q", t.Name())
	}
	r.names[t.Name()] = true
	r.builtin = append(r.builtin, t)
	return nil
}

// McpSource supplies the MCP-derived tools currently available, named
// mcp__<server>__<tool> by the caller (internal/mcpmanager owns that
// naming).
type McpSource interface {
	Tools() []Tool
}

// ResolveTools composes the built-in set filtered by opts, plus every tool
// from src, skipping any name present in opts.Disabled.
func (r *Registry) ResolveTools(opts Options, src McpSource) ([]Tool, error) {
	seen := make(map[string]bool)
	var out []Tool

	add := func(t Tool) error {
		if opts.Disabled[t.Name()] {
			return nil
		}
		if seen[t.Name()] {
			return fmt.Errorf("registry: duplicate tool name %q", t.Name())
		}
		seen[t.Name()] = true
		out = append(out, t)
		return nil
	}

	for _, t := range r.builtin {
		if t.Approval().Category == CategoryWrite && !opts.WriteEnabled {
			continue
		}
		if t.Approval().Category == CategoryAsk && !opts.AskEnabled {
			continue
		}
		if t.Name() == "TodoWrite" && !opts.TodoEnabled {
			continue
		}
		if err := add(t); err != nil {
			return nil, err
		}
	}

	if src != nil {
		for _, t := range src.Tools() {
			if err := add(t); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
