package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	powernap "github.com/charmbracelet/x/powernap/pkg/lsp"
	"github.com/charmbracelet/x/powernap/pkg/lsp/protocol"
	"github.com/rs/zerolog/log"
)

// serverHandle wraps one running language server: document versions for
// didOpen/didChange bookkeeping and the latest published findings per
// file.
type serverHandle struct {
	name  string
	inner *powernap.Client

	mu        sync.Mutex
	published map[string][]protocol.Diagnostic // uri -> latest findings
	versions  map[string]int                   // uri -> document version
	changed   chan struct{}                    // pulsed on publishDiagnostics
}

func newServerHandle(name string, cfg powernap.ClientConfig) (*serverHandle, error) {
	inner, err := powernap.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("lsp: start %s: %w", name, err)
	}

	h := &serverHandle{
		name:      name,
		inner:     inner,
		published: make(map[string][]protocol.Diagnostic),
		versions:  make(map[string]int),
		changed:   make(chan struct{}, 1),
	}

	// Wire the publish handler before the handshake so nothing is lost.
	inner.RegisterNotificationHandler(
		"textDocument/publishDiagnostics",
		func(_ context.Context, _ string, params json.RawMessage) {
			var p protocol.PublishDiagnosticsParams
			if err := json.Unmarshal(params, &p); err != nil {
				log.Error().Err(err).Msg("lsp: unmarshal diagnostics")
				return
			}
			h.mu.Lock()
			h.published[string(p.URI)] = p.Diagnostics
			h.mu.Unlock()

			select {
			case h.changed <- struct{}{}:
			default:
			}
		},
	)

	// Servers expect answers to these; empty ones keep them quiet.
	inner.RegisterHandler("window/workDoneProgress/create",
		func(_ context.Context, _ string, _ json.RawMessage) (any, error) { return nil, nil })
	inner.RegisterNotificationHandler("$/progress",
		func(_ context.Context, _ string, _ json.RawMessage) {})
	inner.RegisterNotificationHandler("window/logMessage",
		func(_ context.Context, _ string, _ json.RawMessage) {})
	inner.RegisterHandler("client/registerCapability",
		func(_ context.Context, _ string, _ json.RawMessage) (any, error) { return nil, nil })

	return h, nil
}

func (h *serverHandle) initialize(ctx context.Context) error {
	return h.inner.Initialize(ctx, false)
}

// syncFile tells the server the file's current on-disk content: didOpen
// the first time, didChange with a bumped version after that.
func (h *serverHandle) syncFile(ctx context.Context, absPath string) error {
	uri := string(protocol.URIFromPath(absPath))

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("lsp: read %s: %w", absPath, err)
	}

	h.mu.Lock()
	version, open := h.versions[uri]
	if open {
		version++
	}
	h.versions[uri] = version
	h.mu.Unlock()

	if !open {
		lang := powernap.DetectLanguage(absPath)
		return h.inner.NotifyDidOpenTextDocument(ctx, uri, string(lang), 0, string(data))
	}

	change := protocol.TextDocumentContentChangeEvent{
		Value: protocol.TextDocumentContentChangeWholeDocument{Text: string(data)},
	}
	return h.inner.NotifyDidChangeTextDocument(ctx, uri, version, []protocol.TextDocumentContentChangeEvent{change})
}

// checkFile syncs the file and waits for the server's verdict on it.
func (h *serverHandle) checkFile(ctx context.Context, absPath string, wait time.Duration) ([]protocol.Diagnostic, error) {
	// Drop stale pulses so the wait below reflects this sync.
	for {
		select {
		case <-h.changed:
			continue
		default:
		}
		break
	}

	if err := h.syncFile(ctx, absPath); err != nil {
		return nil, err
	}
	return h.awaitFindings(ctx, absPath, wait), nil
}

// awaitFindings blocks until the findings settle (a short debounce after
// the last publish) or the wait budget runs out.
func (h *serverHandle) awaitFindings(ctx context.Context, absPath string, wait time.Duration) []protocol.Diagnostic {
	uri := string(protocol.URIFromPath(absPath))
	deadline := time.After(wait)

	const settle = 150 * time.Millisecond
	var settleTimer *time.Timer

	snapshot := func() []protocol.Diagnostic {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.published[uri]
	}

	for {
		select {
		case <-h.changed:
			if settleTimer != nil {
				settleTimer.Stop()
			}
			settleTimer = time.NewTimer(settle)
		case <-timerChan(settleTimer):
			return snapshot()
		case <-deadline:
			return snapshot()
		case <-ctx.Done():
			return snapshot()
		}
	}
}

// stop shuts the server down, killing it if the polite path fails.
func (h *serverHandle) stop(ctx context.Context) error {
	if err := h.inner.Shutdown(ctx); err != nil {
		h.inner.Kill()
		return fmt.Errorf("lsp: shutdown %s: %w", h.name, err)
	}
	return h.inner.Exit()
}

// timerChan reads a possibly-nil timer without a nil-check at every
// select site.
func timerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
