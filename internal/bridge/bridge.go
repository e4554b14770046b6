// Package bridge registers every bus method a frontend may call and maps
// each onto a core operation. Handlers are stateless except for two
// caches: cwd → workspace context (created lazily) and (cwd, sessionId) →
// cancel token for in-flight sends. Every response follows
// {success:true, data} or {success:false, error:{message, type}}.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentkernel/internal/atexpand"
	"github.com/xonecas/agentkernel/internal/bus"
	"github.com/xonecas/agentkernel/internal/kernel"
	"github.com/xonecas/agentkernel/internal/kernelctx"
	"github.com/xonecas/agentkernel/internal/kernelerrors"
	"github.com/xonecas/agentkernel/internal/plugin"
	"github.com/xonecas/agentkernel/internal/provider"
	"github.com/xonecas/agentkernel/internal/sessionlog"
)

// Options configures the bridge.
type Options struct {
	ProductName string
	// ConfigPath and GlobalConfigDir override defaults (tests, --config).
	ConfigPath      string
	GlobalConfigDir string
	Plugins         []plugin.Plugin
	// BuildProviders constructs the provider registry for a loaded config.
	BuildProviders func() *provider.Registry
	// OnExit is invoked by workspace.exit.
	OnExit func()
}

// Bridge holds the handler state.
type Bridge struct {
	opts Options
	bus  *bus.Bus

	mu       sync.Mutex
	contexts map[string]*kernelctx.Context
	projects map[string]*kernel.Project
	cancels  map[string]context.CancelFunc
}

// New creates a Bridge; call Register to attach it to the kernel bus.
func New(opts Options) *Bridge {
	return &Bridge{
		opts:     opts,
		contexts: make(map[string]*kernelctx.Context),
		projects: make(map[string]*kernel.Project),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// successEnvelope and errorEnvelope are the wire shapes for every reply.
type successEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func ok(data any) any { return successEnvelope{Success: true, Data: data} }

func fail(err error) any {
	return errorEnvelope{Success: false, Error: errorBody{
		Message: err.Error(),
		Type:    errorType(err),
	}}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, kernelerrors.ErrSessionBusy):
		return "SessionBusy"
	case errors.Is(err, kernelerrors.ErrConfigInvalid):
		return "ConfigInvalid"
	case errors.Is(err, kernelerrors.ErrMCPConnection):
		return "McpConnection"
	case errors.Is(err, kernelerrors.ErrCanceled):
		return "Canceled"
	case errors.Is(err, kernelerrors.ErrUnauthenticated):
		return "Unauthenticated"
	case errors.Is(err, kernelerrors.ErrAPI):
		return "ApiError"
	case errors.Is(err, kernelerrors.ErrMaxTurnsExceeded):
		return "MaxTurnsExceeded"
	default:
		return ""
	}
}

// decode maps an untyped bus payload into the handler's parameter struct.
func decode[T any](payload any) (T, error) {
	var out T
	raw, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("invalid payload: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("invalid payload: %w", err)
	}
	return out, nil
}

// handle wraps a typed handler into the bus signature; a panic is caught
// and reported as a failed response rather than crashing the kernel.
func handle[T any](fn func(ctx context.Context, req T) (any, error)) bus.Handler {
	return func(ctx context.Context, payload any) (result any, _ error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Any("panic", r).Msg("bridge handler panicked")
				result = fail(fmt.Errorf("internal error: %v", r))
			}
		}()
		req, err := decode[T](payload)
		if err != nil {
			return fail(err), nil
		}
		data, err := fn(ctx, req)
		if err != nil {
			return fail(err), nil
		}
		return ok(data), nil
	}
}

// project returns (creating lazily) the workspace context and project for
// a cwd.
func (b *Bridge) project(ctx context.Context, cwd string) (*kernel.Project, error) {
	if cwd == "" {
		return nil, fmt.Errorf("%w: cwd is required", kernelerrors.ErrConfigInvalid)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.projects[cwd]; ok {
		return p, nil
	}

	c, err := kernelctx.Create(ctx, kernelctx.Options{
		Cwd:             cwd,
		ProductName:     b.opts.ProductName,
		ConfigPath:      b.opts.ConfigPath,
		GlobalConfigDir: b.opts.GlobalConfigDir,
		Plugins:         b.opts.Plugins,
		MessageBus:      b.bus,
		Providers:       b.opts.BuildProviders(),
	})
	if err != nil {
		return nil, err
	}
	p := kernel.NewProject(c)
	b.contexts[cwd] = c
	b.projects[cwd] = p
	return p, nil
}

func cancelKey(cwd, sessionID string) string { return cwd + "\x00" + sessionID }

// Shutdown destroys every cached context.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	contexts := b.contexts
	projects := b.projects
	b.contexts = make(map[string]*kernelctx.Context)
	b.projects = make(map[string]*kernel.Project)
	b.mu.Unlock()

	for cwd, p := range projects {
		p.Close()
		contexts[cwd].Destroy()
	}
}

type cwdReq struct {
	Cwd string `json:"cwd"`
}

type sessionReq struct {
	Cwd       string `json:"cwd"`
	SessionID string `json:"sessionId"`
}

type sendReq struct {
	Cwd       string `json:"cwd"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	Provider  string `json:"provider,omitempty"`
	Quiet     bool   `json:"quiet,omitempty"`
	ForkFrom  string `json:"forkFrom,omitempty"`
}

// Register attaches every namespaced handler to the kernel bus.
func (b *Bridge) Register(kb *bus.Bus) {
	b.bus = kb

	kb.RegisterHandler("status.get", handle(b.statusGet))
	kb.RegisterHandler("workspace.exit", handle(b.workspaceExit))

	kb.RegisterHandler("config.get", handle(b.configGet))

	kb.RegisterHandler("mcp.status", handle(b.mcpStatus))
	kb.RegisterHandler("mcp.retry", handle(b.mcpRetry))

	kb.RegisterHandler("models.list", handle(b.modelsList))
	kb.RegisterHandler("providers.list", handle(b.providersList))
	kb.RegisterHandler("outputStyles.list", handle(b.outputStylesList))
	kb.RegisterHandler("slashCommand.list", handle(b.slashCommandList))

	kb.RegisterHandler("project.history", handle(b.projectHistory))
	kb.RegisterHandler("sessions.list", handle(b.sessionsList))

	kb.RegisterHandler("session.send", handle(b.sessionSend))
	kb.RegisterHandler("session.plan", handle(b.sessionPlan))
	kb.RegisterHandler("session.cancel", handle(b.sessionCancel))
	kb.RegisterHandler("session.messages.list", handle(b.sessionMessages))
	kb.RegisterHandler("session.config.get", handle(b.sessionConfigGet))
	kb.RegisterHandler("session.config.set", handle(b.sessionConfigSet))

	kb.RegisterHandler("git.status", handle(b.gitStatus))
	kb.RegisterHandler("git.diff", handle(b.gitDiff))

	kb.RegisterHandler("tasks.list", handle(b.tasksList))
	kb.RegisterHandler("tasks.output", handle(b.tasksOutput))
	kb.RegisterHandler("tasks.kill", handle(b.tasksKill))

	kb.RegisterHandler("utils.expandPaths", handle(b.utilsExpandPaths))
}

func (b *Bridge) statusGet(ctx context.Context, req struct{}) (any, error) {
	b.mu.Lock()
	workspaces := len(b.contexts)
	inflight := len(b.cancels)
	b.mu.Unlock()
	return map[string]any{
		"product":    b.opts.ProductName,
		"workspaces": workspaces,
		"inflight":   inflight,
	}, nil
}

func (b *Bridge) workspaceExit(ctx context.Context, req struct{}) (any, error) {
	if b.opts.OnExit != nil {
		go b.opts.OnExit()
	}
	return map[string]any{"exiting": true}, nil
}

func (b *Bridge) configGet(ctx context.Context, req cwdReq) (any, error) {
	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}
	return p.Context().Config, nil
}

func (b *Bridge) mcpStatus(ctx context.Context, req cwdReq) (any, error) {
	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}
	p.Context().MCP.InitAsync(ctx)
	return p.Context().MCP.States(), nil
}

type mcpRetryReq struct {
	Cwd    string `json:"cwd"`
	Server string `json:"server"`
}

func (b *Bridge) mcpRetry(ctx context.Context, req mcpRetryReq) (any, error) {
	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}
	if err := p.Context().MCP.RetryConnection(ctx, req.Server); err != nil {
		return nil, err
	}
	return p.Context().MCP.States(), nil
}

func (b *Bridge) modelsList(ctx context.Context, req cwdReq) (any, error) {
	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}
	return p.Context().Providers.ListAllModels(ctx, provider.Options{}), nil
}

func (b *Bridge) providersList(ctx context.Context, req cwdReq) (any, error) {
	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}
	return p.Context().Providers.List(), nil
}

func (b *Bridge) outputStylesList(ctx context.Context, req struct{}) (any, error) {
	return []string{"default", "concise", "verbose"}, nil
}

func (b *Bridge) slashCommandList(ctx context.Context, req cwdReq) (any, error) {
	return []string{}, nil
}

func (b *Bridge) projectHistory(ctx context.Context, req cwdReq) (any, error) {
	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}
	return p.Context().Data.Project(req.Cwd)
}

func (b *Bridge) sessionSend(ctx context.Context, req sendReq) (any, error) {
	return b.runSend(ctx, req, false)
}

func (b *Bridge) sessionPlan(ctx context.Context, req sendReq) (any, error) {
	return b.runSend(ctx, req, true)
}

func (b *Bridge) runSend(ctx context.Context, req sendReq, plan bool) (any, error) {
	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}

	key := cancelKey(req.Cwd, req.SessionID)
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	if _, exists := b.cancels[key]; exists {
		b.mu.Unlock()
		return nil, kernelerrors.ErrSessionBusy
	}
	b.cancels[key] = cancel
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.cancels, key)
		b.mu.Unlock()
	}()

	opts := kernel.SendOptions{
		SessionID: req.SessionID,
		Provider:  req.Provider,
		Quiet:     req.Quiet,
		ForkFrom:  req.ForkFrom,
	}
	if plan {
		return p.Plan(sendCtx, req.Text, opts)
	}
	return p.Send(sendCtx, req.Text, opts)
}

func (b *Bridge) sessionCancel(ctx context.Context, req sessionReq) (any, error) {
	key := cancelKey(req.Cwd, req.SessionID)
	b.mu.Lock()
	cancel, ok := b.cancels[key]
	b.mu.Unlock()
	if ok {
		cancel()
	}

	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}
	// Restore the tool-pairing invariant for whatever the canceled send
	// left unanswered.
	if err := p.PatchInterrupted(req.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"canceled": ok}, nil
}

func (b *Bridge) sessionMessages(ctx context.Context, req sessionReq) (any, error) {
	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}
	msgs, err := p.Messages(req.SessionID)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (b *Bridge) sessionConfigGet(ctx context.Context, req sessionReq) (any, error) {
	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}
	return p.Context().SessionCfg.Load(req.SessionID)
}

type sessionConfigSetReq struct {
	Cwd       string          `json:"cwd"`
	SessionID string          `json:"sessionId"`
	Patch     json.RawMessage `json:"patch"`
}

func (b *Bridge) sessionConfigSet(ctx context.Context, req sessionConfigSetReq) (any, error) {
	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}
	var patchErr error
	cfg, err := p.Context().SessionCfg.Update(req.SessionID, func(c *sessionlog.SessionConfig) {
		patchErr = json.Unmarshal(req.Patch, c)
	})
	if err != nil {
		return nil, err
	}
	if patchErr != nil {
		return nil, fmt.Errorf("%w: %v", kernelerrors.ErrConfigInvalid, patchErr)
	}
	return cfg, nil
}

func (b *Bridge) sessionsList(ctx context.Context, req cwdReq) (any, error) {
	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}
	return listSessions(p.Context())
}

type taskReq struct {
	Cwd string `json:"cwd"`
	ID  string `json:"id"`
}

func (b *Bridge) tasksList(ctx context.Context, req cwdReq) (any, error) {
	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}
	return p.Context().BgTasks.List(), nil
}

func (b *Bridge) tasksOutput(ctx context.Context, req taskReq) (any, error) {
	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}
	task, ok := p.Context().BgTasks.Get(req.ID)
	if !ok {
		return nil, fmt.Errorf("no background task %q", req.ID)
	}
	return map[string]any{"output": task.Output(), "done": task.Done()}, nil
}

func (b *Bridge) tasksKill(ctx context.Context, req taskReq) (any, error) {
	p, err := b.project(ctx, req.Cwd)
	if err != nil {
		return nil, err
	}
	if err := p.Context().BgTasks.Kill(req.ID); err != nil {
		return nil, err
	}
	return map[string]any{"killed": true}, nil
}

type expandReq struct {
	Cwd  string `json:"cwd"`
	Text string `json:"text"`
}

func (b *Bridge) utilsExpandPaths(ctx context.Context, req expandReq) (any, error) {
	return map[string]any{"expanded": atexpand.Expand(req.Cwd, req.Text)}, nil
}
