package kernelctx

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/xonecas/agentkernel/internal/plugin"
	"github.com/xonecas/agentkernel/internal/provider"
)

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	content := `
default_provider = "mock"

[providers.mock]
endpoint = "http://localhost:11434"
model = "mock-model"
`
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestCreateAndDestroy(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	var initialized bool
	c, err := Create(context.Background(), Options{
		Cwd:             dir,
		ProductName:     "agentkernel",
		ConfigPath:      cfgPath,
		GlobalConfigDir: dir,
		Providers:       provider.NewRegistry(),
		Plugins: []plugin.Plugin{{
			Name: "probe",
			Hooks: map[plugin.Hook]plugin.Func{
				plugin.HookInitialized: func(ctx context.Context, args, memo any) (any, error) {
					initialized = true
					return nil, nil
				},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer c.Destroy()

	if !initialized {
		t.Error("initialized hook did not fire")
	}
	for _, p := range []string{c.Paths.SessionsDir, c.Paths.RequestLogDir} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("path %s not created: %v", p, err)
		}
	}
	if c.Config.DefaultProvider != "mock" {
		t.Errorf("config = %+v", c.Config)
	}
}

func TestGlobalDataRoundTrip(t *testing.T) {
	g := NewGlobalData(filepath.Join(t.TempDir(), "data.json"))

	if err := g.RecordPrompt("/proj/a", "first prompt"); err != nil {
		t.Fatalf("RecordPrompt: %v", err)
	}
	if err := g.RecordPrompt("/proj/a", "second prompt"); err != nil {
		t.Fatalf("RecordPrompt: %v", err)
	}
	if err := g.RecordPrompt("/proj/b", "other project"); err != nil {
		t.Fatalf("RecordPrompt: %v", err)
	}

	a, err := g.Project("/proj/a")
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if !reflect.DeepEqual(a.History, []string{"first prompt", "second prompt"}) {
		t.Errorf("history = %v", a.History)
	}
	if a.LastAccessed.IsZero() {
		t.Error("lastAccessed not stamped")
	}

	missing, err := g.Project("/proj/none")
	if err != nil || len(missing.History) != 0 {
		t.Errorf("missing project = %+v err=%v", missing, err)
	}
}

func TestHashCwdStable(t *testing.T) {
	if hashCwd("/a/b") != hashCwd("/a/b") {
		t.Error("hash not stable")
	}
	if hashCwd("/a/b") == hashCwd("/a/c") {
		t.Error("distinct paths collide")
	}
}
