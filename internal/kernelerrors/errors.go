// Package kernelerrors defines the language-neutral error kinds the kernel
// surfaces across the bus boundary.
package kernelerrors

import "errors"

// Sentinel error kinds. Wrap with fmt.Errorf("...: %w", ErrX) to attach
// detail while preserving errors.Is matching.
var (
	// ErrToolDenied — user refused an approval request. Fed back as a
	// synthetic error tool_result; the loop continues.
	ErrToolDenied = errors.New("tool denied")

	// ErrToolInvocation — a tool returned isError or failed to execute.
	// Surfaced to the model as a tool_result; the loop continues.
	ErrToolInvocation = errors.New("tool invocation failed")

	// ErrMaxTurnsExceeded — terminal; the loop hit its turn budget.
	ErrMaxTurnsExceeded = errors.New("max turns exceeded")

	// ErrAPI — terminal unless the wrapped cause is retryable.
	ErrAPI = errors.New("provider api error")

	// ErrCanceled — terminal; post-cancel housekeeping has already run.
	ErrCanceled = errors.New("canceled")

	// ErrLogCorruption — isolated to one bad line; does not abort loading.
	ErrLogCorruption = errors.New("session log corruption")

	// ErrMCPConnection — per-server; does not affect other tools/sessions.
	ErrMCPConnection = errors.New("mcp connection error")

	// ErrConfigInvalid — returned at the bridge boundary; never crashes.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrUnauthenticated — mapped from a provider 401.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrSessionBusy — a session.send is already in flight for this session.
	ErrSessionBusy = errors.New("session busy")

	// ErrTransportClosed — the bus transport was torn down with requests
	// still pending.
	ErrTransportClosed = errors.New("transport closed")
)

// APIError wraps a provider error with a retryable flag.
type APIError struct {
	Retryable bool
	Err       error
}

func (e *APIError) Error() string {
	if e.Err == nil {
		return ErrAPI.Error()
	}
	return e.Err.Error()
}

func (e *APIError) Unwrap() error { return ErrAPI }

func (e *APIError) Is(target error) bool {
	return target == ErrAPI
}
