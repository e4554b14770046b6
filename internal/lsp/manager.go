package lsp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	powernapconfig "github.com/charmbracelet/x/powernap/pkg/config"
	powernap "github.com/charmbracelet/x/powernap/pkg/lsp"
	"github.com/charmbracelet/x/powernap/pkg/lsp/protocol"
	"github.com/rs/zerolog/log"
)

// neverAutoStart lists generic interpreter commands a server config may
// name; spawning them blind can download packages or run the wrong
// binary, so those servers stay off unless a real binary is on PATH.
var neverAutoStart = map[string]bool{
	"npx":     true,
	"node":    true,
	"python":  true,
	"python3": true,
	"java":    true,
	"ruby":    true,
	"perl":    true,
	"dotnet":  true,
	"bun":     true,
}

// Notify receives the aggregated findings for a file whenever they
// change. Used by frontends to decorate their file views.
type Notify func(absPath string, diags []Diagnostic)

// Manager owns the session's language servers, keyed by server name.
type Manager struct {
	registry *powernapconfig.Manager

	mu      sync.Mutex
	servers map[string]*serverHandle
	failed  map[string]bool
	notify  Notify
}

// NewManager creates a Manager over powernap's built-in server catalog.
func NewManager() *Manager {
	// powernap logs through slog; route that to nowhere — the kernel's
	// own zerolog output is the only diagnostic channel.
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	registry := powernapconfig.NewManager()
	_ = registry.LoadDefaults()
	return &Manager{
		registry: registry,
		servers:  make(map[string]*serverHandle),
		failed:   make(map[string]bool),
	}
}

// OnDiagnostics registers the change callback.
func (m *Manager) OnDiagnostics(fn Notify) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// Track warms the servers for a file and tells them its current content.
// Fire-and-forget: the Read tool calls this so diagnostics are already
// streaming by the time an Edit follows.
func (m *Manager) Track(ctx context.Context, absPath string) {
	for _, h := range m.handlesFor(ctx, absPath) {
		if err := h.syncFile(ctx, absPath); err != nil {
			log.Error().Err(err).Str("server", h.name).Msg("lsp: track failed")
		}
	}
}

// CheckFile pushes the file's current content to every matching server
// and waits up to wait for their findings.
func (m *Manager) CheckFile(ctx context.Context, absPath string, wait time.Duration) []Diagnostic {
	handles := m.handlesFor(ctx, absPath)
	if len(handles) == 0 {
		return nil
	}

	var all []Diagnostic
	for _, h := range handles {
		raw, err := h.checkFile(ctx, absPath, wait)
		if err != nil {
			log.Error().Err(err).Str("server", h.name).Msg("lsp: check failed")
			continue
		}
		all = append(all, fromProtocol(raw, h.name)...)
	}

	m.mu.Lock()
	notify := m.notify
	m.mu.Unlock()
	if notify != nil {
		notify(absPath, all)
	}
	return all
}

// StopAll shuts every running server down.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*serverHandle, 0, len(m.servers))
	for _, h := range m.servers {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.stop(ctx); err != nil {
			log.Error().Err(err).Str("server", h.name).Msg("lsp: stop failed")
		}
	}
}

// handlesFor returns (starting as needed) the servers that handle the
// file's language. Servers that fail to start are remembered and never
// retried this session.
func (m *Manager) handlesFor(ctx context.Context, absPath string) []*serverHandle {
	lang := string(powernap.DetectLanguage(absPath))
	if lang == "" {
		return nil
	}

	type startPlan struct {
		name   string
		cfg    *powernapconfig.ServerConfig
		root   string
		binary string
	}

	// Under the lock: collect running handles, plan the rest.
	m.mu.Lock()
	var handles []*serverHandle
	var plans []startPlan
	for name, cfg := range m.registry.GetServers() {
		if !handlesLanguage(cfg, lang) || m.failed[name] {
			continue
		}
		if h, ok := m.servers[name]; ok {
			handles = append(handles, h)
			continue
		}
		if neverAutoStart[cfg.Command] {
			m.failed[name] = true
			continue
		}
		binary := resolveBinary(cfg.Command)
		if binary == "" {
			m.failed[name] = true
			continue
		}
		root := workspaceRootFor(absPath, cfg.RootMarkers)
		if root == "" {
			root, _ = os.Getwd()
		}
		plans = append(plans, startPlan{name: name, cfg: cfg, root: root, binary: binary})
	}
	m.mu.Unlock()

	// Spawning blocks on process + handshake I/O; do it unlocked.
	for _, plan := range plans {
		h, err := m.spawn(ctx, plan.name, plan.cfg, plan.root, plan.binary)

		m.mu.Lock()
		if err != nil {
			log.Error().Err(err).Str("server", plan.name).Msg("lsp: spawn failed")
			m.failed[plan.name] = true
		} else {
			m.servers[plan.name] = h
			handles = append(handles, h)
		}
		m.mu.Unlock()
	}
	return handles
}

func (m *Manager) spawn(ctx context.Context, name string, cfg *powernapconfig.ServerConfig, root, binary string) (*serverHandle, error) {
	rootURI := string(protocol.URIFromPath(root))
	h, err := newServerHandle(name, powernap.ClientConfig{
		Command:     binary,
		Args:        cfg.Args,
		RootURI:     rootURI,
		Environment: cfg.Environment,
		Settings:    cfg.Settings,
		InitOptions: cfg.InitOptions,
		WorkspaceFolders: []protocol.WorkspaceFolder{
			{URI: rootURI, Name: filepath.Base(root)},
		},
	})
	if err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := h.initialize(initCtx); err != nil {
		_ = h.stop(ctx)
		return nil, fmt.Errorf("initialize: %w", err)
	}

	log.Info().Str("server", name).Str("root", root).Str("cmd", binary).Msg("lsp: server started")
	return h, nil
}

func handlesLanguage(cfg *powernapconfig.ServerConfig, lang string) bool {
	for _, ft := range cfg.FileTypes {
		if ft == lang {
			return true
		}
	}
	return false
}

// workspaceRootFor walks up from the file until a root marker matches.
func workspaceRootFor(absPath string, markers []string) string {
	dir := filepath.Dir(absPath)
	for {
		for _, marker := range markers {
			if matches, _ := filepath.Glob(filepath.Join(dir, marker)); len(matches) > 0 {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// resolveBinary locates a server binary on PATH, falling back to the
// usual toolchain install directories PATH often misses.
func resolveBinary(command string) string {
	if p, err := exec.LookPath(command); err == nil {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	var dirs []string
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		dirs = append(dirs, gobin)
	}
	if gopath := os.Getenv("GOPATH"); gopath != "" {
		dirs = append(dirs, filepath.Join(gopath, "bin"))
	}
	dirs = append(dirs,
		filepath.Join(home, "go", "bin"),
		filepath.Join(home, ".cargo", "bin"),
		filepath.Join(home, ".local", "bin"),
	)

	for _, dir := range dirs {
		p := filepath.Join(dir, command)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return ""
}
