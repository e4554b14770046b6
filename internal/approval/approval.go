// Package approval implements the approval gate: it resolves per-
// invocation tool authorization from mode + category + session policy,
// suspending on the bus when none of the auto-approval rules fire.
package approval

import (
	"context"
	"encoding/json"

	"github.com/xonecas/agentkernel/internal/registry"
)

// Mode is the coarse approval policy.
type Mode string

const (
	ModeDefault  Mode = "default"
	ModeAutoEdit Mode = "autoEdit"
	ModeYolo     Mode = "yolo"
)

// SessionPolicy is the subset of SessionConfig the gate consults.
type SessionPolicy struct {
	ApprovalMode  Mode
	ApprovalTools map[string]bool
}

// ResponseKind is what the user's reply on the bus selected.
type ResponseKind string

const (
	ResponseApprove           ResponseKind = "approve"
	ResponseApproveAlwaysEdit ResponseKind = "approve_always_edit"
	ResponseApproveAlwaysTool ResponseKind = "approve_always_tool"
	ResponseDeny              ResponseKind = "deny"
)

// Response is what a suspended toolApproval bus request resolves to.
type Response struct {
	Kind   ResponseKind
	Params json.RawMessage // optional replacement params
}

// Requester issues a toolApproval request on the bus and waits for the
// reply. Implemented by internal/bus.Bus.Request in production; a fake in
// tests.
type Requester interface {
	RequestApproval(ctx context.Context, toolName string, params json.RawMessage) (Response, error)
}

// Decision is the gate's verdict for one tool call.
type Decision struct {
	Approved bool
	// Params, if non-nil, replaces the model's original params for
	// execution (only set when the user's reply supplied modified params).
	Params json.RawMessage
}

// Gate resolves tool-call authorization through a strict 6-rule order.
type Gate struct {
	requester Requester
}

// New creates a Gate that suspends through requester when rules 1-5 don't
// resolve the call.
func New(requester Requester) *Gate {
	return &Gate{requester: requester}
}

// Resolve implements the strict 6-rule order. cfg may be nil (no session
// policy recorded yet); it is treated as an empty SessionPolicy.
func (g *Gate) Resolve(ctx context.Context, toolName string, category registry.Category, needsApproval bool, mode Mode, params json.RawMessage, cfg *SessionPolicy) (Decision, error) {
	if cfg == nil {
		cfg = &SessionPolicy{}
	}

	// Rule 1: yolo approves everything except ask-category tools.
	if mode == ModeYolo && category != registry.CategoryAsk {
		return Decision{Approved: true}, nil
	}
	// Rule 2: read tools are always approved.
	if category == registry.CategoryRead {
		return Decision{Approved: true}, nil
	}
	// Rule 3: the tool itself declares it needs no approval.
	if !needsApproval {
		return Decision{Approved: true}, nil
	}
	// Rule 4: write tools under autoEdit (session- or global-level).
	if category == registry.CategoryWrite && (cfg.ApprovalMode == ModeAutoEdit || mode == ModeAutoEdit) {
		return Decision{Approved: true}, nil
	}
	// Rule 5: this specific tool was already always-approved this session.
	if cfg.ApprovalTools[toolName] {
		return Decision{Approved: true}, nil
	}

	// Rule 6: suspend and wait for the user's decision on the bus.
	resp, err := g.requester.RequestApproval(ctx, toolName, params)
	if err != nil {
		return Decision{}, err
	}

	switch resp.Kind {
	case ResponseApprove:
		return Decision{Approved: true, Params: resp.Params}, nil
	case ResponseApproveAlwaysEdit:
		cfg.ApprovalMode = ModeAutoEdit
		return Decision{Approved: true, Params: resp.Params}, nil
	case ResponseApproveAlwaysTool:
		if cfg.ApprovalTools == nil {
			cfg.ApprovalTools = make(map[string]bool)
		}
		cfg.ApprovalTools[toolName] = true
		return Decision{Approved: true, Params: resp.Params}, nil
	default: // ResponseDeny or anything unrecognized
		return Decision{Approved: false}, nil
	}
}
