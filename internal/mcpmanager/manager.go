package mcpmanager

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentkernel/internal/config"
	"github.com/xonecas/agentkernel/internal/kernelerrors"
)

// Status is a server connection's lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusFailed       Status = "failed"
	StatusDisconnected Status = "disconnected"
)

// State is one server's externally visible connection state.
type State struct {
	Name       string                  `json:"name"`
	Config     config.MCPServerConfig  `json:"-"`
	Status     Status                  `json:"status"`
	Error      string                  `json:"error,omitempty"`
	Tools      []ToolDef               `json:"tools,omitempty"`
	RetryCount int                     `json:"retryCount"`
	Transient  bool                    `json:"transient"`
}

type serverConn struct {
	mu     sync.Mutex // serializes connect/retry per server
	name   string
	config config.MCPServerConfig
	state  State
	client client
}

// Manager owns every configured server's connection lifecycle.
type Manager struct {
	mu      sync.Mutex
	servers map[string]*serverConn

	initDone     bool
	initInFlight chan struct{}

	timeout time.Duration
}

// New creates a Manager over the configured servers. Nothing connects
// until InitAsync.
func New(servers map[string]config.MCPServerConfig) *Manager {
	m := &Manager{
		servers: make(map[string]*serverConn),
		timeout: 30 * time.Second,
	}
	for name, cfg := range servers {
		m.servers[name] = &serverConn{
			name:   name,
			config: cfg,
			state:  State{Name: name, Config: cfg, Status: StatusPending},
		}
	}
	return m
}

// InitAsync connects every enabled server. Idempotent and concurrent-safe:
// the first caller does the work, racers wait on the in-flight marker, and
// later callers return immediately.
func (m *Manager) InitAsync(ctx context.Context) {
	m.mu.Lock()
	if m.initDone {
		m.mu.Unlock()
		return
	}
	if m.initInFlight != nil {
		inFlight := m.initInFlight
		m.mu.Unlock()
		select {
		case <-inFlight:
		case <-ctx.Done():
		}
		return
	}
	inFlight := make(chan struct{})
	m.initInFlight = inFlight
	conns := make([]*serverConn, 0, len(m.servers))
	for _, sc := range m.servers {
		conns = append(conns, sc)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sc := range conns {
		if sc.config.Disable {
			continue
		}
		wg.Add(1)
		go func(sc *serverConn) {
			defer wg.Done()
			m.connect(ctx, sc)
		}(sc)
	}
	wg.Wait()

	m.mu.Lock()
	m.initDone = true
	m.initInFlight = nil
	m.mu.Unlock()
	close(inFlight)
}

func (m *Manager) connect(ctx context.Context, sc *serverConn) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.state.Status = StatusConnecting
	sc.state.Error = ""

	cl, err := m.dial(sc.config)
	if err != nil {
		m.markFailed(sc, err)
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := cl.Initialize(connectCtx); err != nil {
		cl.Close()
		m.markFailed(sc, err)
		return
	}
	tools, err := cl.ListTools(connectCtx)
	if err != nil {
		cl.Close()
		m.markFailed(sc, err)
		return
	}

	sc.client = cl
	sc.state.Status = StatusConnected
	sc.state.Tools = tools
	sc.state.Transient = false
	log.Info().Str("server", sc.name).Int("tools", len(tools)).Msg("mcp server connected")
}

func (m *Manager) dial(cfg config.MCPServerConfig) (client, error) {
	switch {
	case cfg.Command != "":
		return newStdioClient(cfg.Command, cfg.Args, cfg.Env)
	case cfg.URL != "":
		return newHTTPClient(cfg.URL, cfg.Headers, m.timeout), nil
	default:
		return nil, fmt.Errorf("invalid configuration: neither command nor url set")
	}
}

func (m *Manager) markFailed(sc *serverConn, err error) {
	sc.state.Status = StatusFailed
	sc.state.Error = err.Error()
	sc.state.Transient = !IsPermanent(err)
	log.Warn().
		Str("server", sc.name).
		Err(err).
		Bool("transient", sc.state.Transient).
		Msg("mcp server connection failed")
}

// RetryConnection moves a failed server through connecting again. Retries
// for one server never block another's.
func (m *Manager) RetryConnection(ctx context.Context, name string) error {
	m.mu.Lock()
	sc, ok := m.servers[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown server %q", kernelerrors.ErrMCPConnection, name)
	}

	sc.mu.Lock()
	sc.state.RetryCount++
	if sc.client != nil {
		sc.client.Close()
		sc.client = nil
	}
	sc.mu.Unlock()

	m.connect(ctx, sc)

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state.Status != StatusConnected {
		return fmt.Errorf("%w: %s: %s", kernelerrors.ErrMCPConnection, name, sc.state.Error)
	}
	return nil
}

// States returns a snapshot of every server's state.
func (m *Manager) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.servers))
	for _, sc := range m.servers {
		sc.mu.Lock()
		out = append(out, sc.state)
		sc.mu.Unlock()
	}
	return out
}

// Destroy closes every client, clears state, and resets the init flag so a
// later InitAsync starts fresh. A failed close is logged, not fatal.
func (m *Manager) Destroy() {
	m.mu.Lock()
	conns := make([]*serverConn, 0, len(m.servers))
	for _, sc := range m.servers {
		conns = append(conns, sc)
	}
	m.initDone = false
	m.initInFlight = nil
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sc := range conns {
		wg.Add(1)
		go func(sc *serverConn) {
			defer wg.Done()
			sc.mu.Lock()
			defer sc.mu.Unlock()
			if sc.client != nil {
				if err := sc.client.Close(); err != nil {
					log.Warn().Err(err).Str("server", sc.name).Msg("mcp client close failed")
				}
				sc.client = nil
			}
			sc.state.Status = StatusDisconnected
			sc.state.Tools = nil
		}(sc)
	}
	wg.Wait()
}

var permanentPatterns = []string{
	"command not found",
	"no such file",
	"permission denied",
	"invalid configuration",
	"malformed",
	"syntax error",
	"authentication failed",
	"unauthorized",
}

var transientPatterns = []string{
	"timeout",
	"econnreset",
	"enotfound",
	"econnrefused",
	"etimedout",
	"rate limit",
	"service unavailable",
	"socket hang up",
}

var executableNotFound = regexp.MustCompile(`executable file not found`)

// IsPermanent classifies a connection error: configuration and auth
// problems are permanent; network weather is transient; unknown errors
// default to transient because retries are cheap.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if executableNotFound.MatchString(msg) {
		return true
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return false
}
