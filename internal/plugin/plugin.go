// Package plugin hosts in-process extensions. Plugins register hook
// functions; the host composes them in one of four ways depending on the
// call site: fire-and-forget parallel fan-out, ordered series, a memo fold
// where the last return wins, or a shallow merge of partial maps.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Hook names the extension points the kernel invokes.
type Hook string

const (
	HookInitialized  Hook = "initialized"
	HookProvider     Hook = "provider"
	HookModelAlias   Hook = "modelAlias"
	HookTool         Hook = "tool"
	HookSystemPrompt Hook = "systemPrompt"
	HookUserPrompt   Hook = "userPrompt"
	HookToolUse      Hook = "toolUse"
	HookToolResult   Hook = "toolResult"
	HookQuery        Hook = "query"
	HookConversation Hook = "conversation"
	HookTelemetry    Hook = "telemetry"
	HookStatus       Hook = "status"
)

// Kind selects how multiple registered hooks compose.
type Kind int

const (
	// Parallel fires every hook concurrently; returns are discarded.
	Parallel Kind = iota
	// Series fires hooks in registration order; an error aborts the rest.
	Series
	// SeriesLast folds over a memo; each hook receives the current memo
	// and returns the next; the last return wins.
	SeriesLast
	// SeriesMerge expects each hook to return a partial map, shallow-
	// merged into the memo in order.
	SeriesMerge
)

// Func is one hook implementation. args carries the call site's input;
// memo is only meaningful for SeriesLast/SeriesMerge.
type Func func(ctx context.Context, args any, memo any) (any, error)

// Plugin is a named bundle of hook implementations.
type Plugin struct {
	Name  string
	Hooks map[Hook]Func
}

// Host applies hooks across every registered plugin.
type Host struct {
	plugins []Plugin
}

// NewHost creates a Host over plugins, preserving registration order.
func NewHost(plugins []Plugin) *Host {
	return &Host{plugins: plugins}
}

// ApplyOptions configures one hook invocation.
type ApplyOptions struct {
	Hook Hook
	Args any
	Memo any
	Kind Kind
}

// Apply invokes every plugin's implementation of the hook per the
// composition kind and returns the resulting memo (nil for Parallel and
// Series).
func (h *Host) Apply(ctx context.Context, opts ApplyOptions) (any, error) {
	funcs := h.collect(opts.Hook)
	if len(funcs) == 0 {
		return opts.Memo, nil
	}

	switch opts.Kind {
	case Parallel:
		var wg sync.WaitGroup
		errs := make([]error, len(funcs))
		for i, f := range funcs {
			wg.Add(1)
			go func(i int, f Func) {
				defer wg.Done()
				if _, err := f(ctx, opts.Args, nil); err != nil {
					errs[i] = err
				}
			}(i, f)
		}
		wg.Wait()
		return nil, errors.Join(errs...)

	case Series:
		for _, f := range funcs {
			if _, err := f(ctx, opts.Args, nil); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case SeriesLast:
		memo := opts.Memo
		for _, f := range funcs {
			next, err := f(ctx, opts.Args, memo)
			if err != nil {
				return memo, err
			}
			memo = next
		}
		return memo, nil

	case SeriesMerge:
		memo, ok := opts.Memo.(map[string]any)
		if opts.Memo != nil && !ok {
			return nil, fmt.Errorf("plugin: SeriesMerge memo must be map[string]any, got %T", opts.Memo)
		}
		if memo == nil {
			memo = map[string]any{}
		}
		for _, f := range funcs {
			ret, err := f(ctx, opts.Args, memo)
			if err != nil {
				return memo, err
			}
			if ret == nil {
				continue
			}
			partial, ok := ret.(map[string]any)
			if !ok {
				return memo, fmt.Errorf("plugin: SeriesMerge hook returned %T, want map[string]any", ret)
			}
			for k, v := range partial {
				memo[k] = v
			}
		}
		return memo, nil

	default:
		return nil, fmt.Errorf("plugin: unknown composition kind %d", opts.Kind)
	}
}

func (h *Host) collect(hook Hook) []Func {
	var out []Func
	for _, p := range h.plugins {
		if f, ok := p.Hooks[hook]; ok {
			out = append(out, f)
		}
	}
	return out
}
