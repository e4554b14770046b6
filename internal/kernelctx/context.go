// Package kernelctx holds the shared per-workspace runtime state: loaded
// config, resolved paths, the message bus handle, MCP connections,
// background tasks, and the plugin host. A Context owns its children;
// children receive borrowed handles and never point back.
package kernelctx

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentkernel/internal/backgroundtask"
	"github.com/xonecas/agentkernel/internal/bus"
	"github.com/xonecas/agentkernel/internal/config"
	"github.com/xonecas/agentkernel/internal/kernelerrors"
	"github.com/xonecas/agentkernel/internal/mcpmanager"
	"github.com/xonecas/agentkernel/internal/plugin"
	"github.com/xonecas/agentkernel/internal/provider"
	"github.com/xonecas/agentkernel/internal/sessionlog"
)

// Options configures Context creation.
type Options struct {
	Cwd         string
	ProductName string
	// ConfigPath overrides the default config.toml location.
	ConfigPath string
	// GlobalConfigDir overrides the default data dir (tests).
	GlobalConfigDir string
	Plugins         []plugin.Plugin
	MessageBus      *bus.Bus
	Providers       *provider.Registry
}

// Context is the per-workspace runtime. One exists per working directory;
// destroying it closes MCP clients and background tasks.
type Context struct {
	Cwd         string
	ProductName string
	Config      *config.Config
	Paths       Paths

	Bus        *bus.Bus
	MCP        *mcpmanager.Manager
	BgTasks    *backgroundtask.Manager
	Plugins    *plugin.Host
	Providers  *provider.Registry
	SessionCfg *sessionlog.ConfigStore
	Data       *GlobalData
}

// Create loads configuration, resolves paths, and assembles the runtime.
// MCP servers are not dialed here; the first caller that needs remote
// tools triggers InitAsync.
func Create(ctx context.Context, opts Options) (*Context, error) {
	globalDir := opts.GlobalConfigDir
	if globalDir == "" {
		var err error
		globalDir, err = config.EnsureDataDir()
		if err != nil {
			return nil, fmt.Errorf("resolve data dir: %w", err)
		}
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(globalDir, "config.toml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kernelerrors.ErrConfigInvalid, err)
	}

	paths, err := ResolvePaths(globalDir, opts.Cwd)
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}

	c := &Context{
		Cwd:         opts.Cwd,
		ProductName: opts.ProductName,
		Config:      cfg,
		Paths:       paths,
		Bus:         opts.MessageBus,
		MCP:         mcpmanager.New(cfg.MCPServers),
		BgTasks:     backgroundtask.New(),
		Plugins:     plugin.NewHost(opts.Plugins),
		Providers:   opts.Providers,
		SessionCfg:  sessionlog.NewConfigStore(paths.SessionsDir),
		Data:        NewGlobalData(paths.GlobalDataPath()),
	}

	if _, err := c.Plugins.Apply(ctx, plugin.ApplyOptions{
		Hook: plugin.HookInitialized,
		Args: map[string]any{"cwd": opts.Cwd},
		Kind: plugin.Parallel,
	}); err != nil {
		log.Warn().Err(err).Msg("initialized hook failed")
	}
	if err := c.Data.Touch(opts.Cwd); err != nil {
		log.Warn().Err(err).Msg("failed to touch project data")
	}
	return c, nil
}

// Destroy tears the runtime down: MCP clients close, background tasks are
// killed. Safe to call more than once.
func (c *Context) Destroy() {
	c.MCP.Destroy()
	c.BgTasks.Shutdown()
}

// Apply invokes a plugin hook through the host.
func (c *Context) Apply(ctx context.Context, opts plugin.ApplyOptions) (any, error) {
	return c.Plugins.Apply(ctx, opts)
}
