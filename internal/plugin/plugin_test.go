package plugin

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func hookPlugin(name string, hook Hook, f Func) Plugin {
	return Plugin{Name: name, Hooks: map[Hook]Func{hook: f}}
}

func TestParallelFiresAll(t *testing.T) {
	var fired atomic.Int32
	h := NewHost([]Plugin{
		hookPlugin("a", HookTelemetry, func(ctx context.Context, args, memo any) (any, error) {
			fired.Add(1)
			return nil, nil
		}),
		hookPlugin("b", HookTelemetry, func(ctx context.Context, args, memo any) (any, error) {
			fired.Add(1)
			return nil, errors.New("b failed")
		}),
	})

	_, err := h.Apply(context.Background(), ApplyOptions{Hook: HookTelemetry, Kind: Parallel})
	if err == nil {
		t.Error("expected joined error from failing hook")
	}
	if fired.Load() != 2 {
		t.Errorf("fired = %d", fired.Load())
	}
}

func TestSeriesAbortsOnError(t *testing.T) {
	var order []string
	h := NewHost([]Plugin{
		hookPlugin("a", HookInitialized, func(ctx context.Context, args, memo any) (any, error) {
			order = append(order, "a")
			return nil, nil
		}),
		hookPlugin("b", HookInitialized, func(ctx context.Context, args, memo any) (any, error) {
			order = append(order, "b")
			return nil, errors.New("abort")
		}),
		hookPlugin("c", HookInitialized, func(ctx context.Context, args, memo any) (any, error) {
			order = append(order, "c")
			return nil, nil
		}),
	})

	_, err := h.Apply(context.Background(), ApplyOptions{Hook: HookInitialized, Kind: Series})
	if err == nil {
		t.Fatal("expected abort error")
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v", order)
	}
}

func TestSeriesLastFoldsMemo(t *testing.T) {
	h := NewHost([]Plugin{
		hookPlugin("a", HookSystemPrompt, func(ctx context.Context, args, memo any) (any, error) {
			return memo.(string) + " +a", nil
		}),
		hookPlugin("b", HookSystemPrompt, func(ctx context.Context, args, memo any) (any, error) {
			return memo.(string) + " +b", nil
		}),
	})

	out, err := h.Apply(context.Background(), ApplyOptions{Hook: HookSystemPrompt, Memo: "base", Kind: SeriesLast})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != "base +a +b" {
		t.Errorf("memo = %v", out)
	}
}

func TestSeriesMergeShallowMerges(t *testing.T) {
	h := NewHost([]Plugin{
		hookPlugin("a", HookStatus, func(ctx context.Context, args, memo any) (any, error) {
			return map[string]any{"x": 1, "y": "a"}, nil
		}),
		hookPlugin("b", HookStatus, func(ctx context.Context, args, memo any) (any, error) {
			return map[string]any{"y": "b"}, nil
		}),
	})

	out, err := h.Apply(context.Background(), ApplyOptions{Hook: HookStatus, Kind: SeriesMerge})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	m := out.(map[string]any)
	if m["x"] != 1 || m["y"] != "b" {
		t.Errorf("merged = %v", m)
	}
}

func TestNoHooksReturnsMemoUnchanged(t *testing.T) {
	h := NewHost(nil)
	out, err := h.Apply(context.Background(), ApplyOptions{Hook: HookQuery, Memo: 42, Kind: SeriesLast})
	if err != nil || out != 42 {
		t.Errorf("out=%v err=%v", out, err)
	}
}
