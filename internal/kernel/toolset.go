package kernel

import (
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentkernel/internal/config"
	"github.com/xonecas/agentkernel/internal/delta"
	"github.com/xonecas/agentkernel/internal/kernelctx"
	"github.com/xonecas/agentkernel/internal/lsp"
	"github.com/xonecas/agentkernel/internal/registry"
	"github.com/xonecas/agentkernel/internal/shell"
	"github.com/xonecas/agentkernel/internal/store"
	"github.com/xonecas/agentkernel/internal/tools"
	"github.com/xonecas/agentkernel/internal/treesitter"
)

// Services bundles the long-lived helpers every tool set shares within one
// workspace: the in-process shell, the web cache, the file-delta tracker,
// the LSP manager, and the tree-sitter symbol index.
type Services struct {
	Shell    *shell.Runner
	WebCache *store.Cache
	Delta    *delta.Journal
	LSP      *lsp.Manager
	TSIndex  *treesitter.Index
	ExaKey   string
}

// NewServices builds the shared helpers for a workspace. Every piece is
// optional: a failed cache open or index build degrades the relevant tool
// rather than failing the session.
func NewServices(c *kernelctx.Context) *Services {
	s := &Services{
		Shell: shell.NewRunner(c.Cwd, shell.DefaultPolicy()),
		LSP:   lsp.NewManager(),
	}

	cacheTTL := time.Duration(c.Config.Cache.CacheTTLOrDefault()) * time.Hour
	cache, err := store.Open(filepath.Join(c.Paths.GlobalConfigDir, "cache.db"), cacheTTL)
	if err != nil {
		log.Warn().Err(err).Msg("web cache unavailable")
	} else {
		s.WebCache = cache
		s.Delta = delta.NewJournal(cache.DB())
	}

	if creds, err := config.LoadCredentials(); err == nil {
		s.ExaKey = creds.GetAPIKey("exa_ai")
	}

	s.TSIndex = treesitter.NewIndex(c.Cwd)
	if err := s.TSIndex.Build(); err != nil {
		log.Warn().Err(err).Msg("tree-sitter index build failed")
		s.TSIndex = nil
	}
	return s
}

// Close releases the services' resources.
func (s *Services) Close() {
	if s.WebCache != nil {
		s.WebCache.Close()
	}
}

// toolsetOptions selects which built-ins a turn gets.
type toolsetOptions struct {
	writeEnabled bool
	todoEnabled  bool
	askEnabled   bool
	sessionID    string
	asker        tools.UserAsker
	subRunner    tools.SubAgentRunner
}

// buildRegistry composes the built-in tool set for one turn. Trackers and
// the scratchpad are per-turn state; the heavyweight services are shared.
func (p *Project) buildRegistry(opts toolsetOptions) (*registry.Registry, error) {
	svc := p.services
	reg := registry.New()

	tracker := tools.NewFileReadTracker()
	pad := &tools.Scratchpad{}

	shellTool := tools.NewShell(svc.Shell, svc.Delta)
	shellTool.Background = p.ctx.BgTasks

	builtins := []registry.Tool{
		tools.NewRead(p.ctx.Cwd, tracker, svc.LSP, svc.TSIndex),
		tools.NewGrep(p.ctx.Cwd),
		tools.NewGitStatus(p.ctx.Cwd),
		tools.NewGitDiff(p.ctx.Cwd),
		tools.NewWebFetch(svc.WebCache),
		tools.NewWebSearch(svc.WebCache, svc.ExaKey, ""),
		tools.NewTodoRead(pad),
		tools.NewTodoWrite(pad),
		tools.NewEdit(p.ctx.Cwd, tracker, svc.LSP, svc.TSIndex, svc.Delta),
		shellTool,
	}
	if opts.asker != nil {
		builtins = append(builtins, tools.NewAskUser(opts.asker))
	}
	if opts.subRunner != nil {
		buildSub := func() []registry.Tool {
			sub, err := p.buildRegistry(toolsetOptions{
				writeEnabled: opts.writeEnabled,
				todoEnabled:  opts.todoEnabled,
				sessionID:    opts.sessionID,
			})
			if err != nil {
				return nil
			}
			resolved, err := sub.ResolveTools(registry.Options{
				WriteEnabled: opts.writeEnabled,
				TodoEnabled:  opts.todoEnabled,
				SessionID:    opts.sessionID,
				Disabled:     disabledTools(p.ctx.Config),
			}, nil)
			if err != nil {
				return nil
			}
			return resolved
		}
		builtins = append(builtins, tools.NewSubAgent(opts.subRunner, buildSub))
	}

	for _, t := range builtins {
		if err := reg.RegisterBuiltin(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// disabledTools extracts names explicitly set false in config.
func disabledTools(cfg *config.Config) map[string]bool {
	out := make(map[string]bool)
	for name, enabled := range cfg.Tools {
		if !enabled {
			out[name] = true
		}
	}
	return out
}
