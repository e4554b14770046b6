package kernel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentkernel/internal/approval"
	"github.com/xonecas/agentkernel/internal/bus"
	"github.com/xonecas/agentkernel/internal/provider"
	"github.com/xonecas/agentkernel/internal/registry"
	"github.com/xonecas/agentkernel/internal/sessionlog"
	"github.com/xonecas/agentkernel/internal/streamengine"
	"github.com/xonecas/agentkernel/internal/tools"
	"github.com/xonecas/agentkernel/internal/turnloop"
)

// busRequester suspends a tool call onto the bus as a toolApproval
// request and decodes the user's reply.
type busRequester struct {
	bus       *bus.Bus
	sessionID string
}

func (r busRequester) RequestApproval(ctx context.Context, toolName string, params json.RawMessage) (approval.Response, error) {
	payload := map[string]any{
		"sessionId": r.sessionID,
		"toolName":  toolName,
		"params":    json.RawMessage(params),
	}
	reply, err := r.bus.Request(ctx, "toolApproval", payload)
	if err != nil {
		return approval.Response{}, err
	}
	return decodeApprovalReply(reply)
}

func decodeApprovalReply(reply any) (approval.Response, error) {
	raw, err := json.Marshal(reply)
	if err != nil {
		return approval.Response{}, fmt.Errorf("approval reply: %w", err)
	}
	var decoded struct {
		Kind     string          `json:"kind"`
		Approved *bool           `json:"approved"`
		Params   json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return approval.Response{}, fmt.Errorf("approval reply: %w", err)
	}

	resp := approval.Response{Params: decoded.Params}
	switch decoded.Kind {
	case string(approval.ResponseApprove), string(approval.ResponseApproveAlwaysEdit),
		string(approval.ResponseApproveAlwaysTool), string(approval.ResponseDeny):
		resp.Kind = approval.ResponseKind(decoded.Kind)
	case "":
		// A bare {approved: bool} reply is accepted from minimal frontends.
		if decoded.Approved != nil && *decoded.Approved {
			resp.Kind = approval.ResponseApprove
		} else {
			resp.Kind = approval.ResponseDeny
		}
	default:
		resp.Kind = approval.ResponseDeny
	}
	return resp, nil
}

// gateApprover binds the approval gate to this session's mode and policy,
// persisting policy changes (always-allow decisions) to the sidecar.
type gateApprover struct {
	project   *Project
	sessionID string
	gate      *approval.Gate
	mode      approval.Mode
	policy    *approval.SessionPolicy
}

func (p *Project) newGateApprover(sessionID string, sessionCfg *sessionlog.SessionConfig) *gateApprover {
	policy := &approval.SessionPolicy{
		ApprovalMode:  approval.Mode(sessionCfg.ApprovalMode),
		ApprovalTools: make(map[string]bool),
	}
	for _, name := range sessionCfg.ApprovalTools {
		policy.ApprovalTools[name] = true
	}

	var requester approval.Requester
	if p.ctx.Bus != nil {
		requester = busRequester{bus: p.ctx.Bus, sessionID: sessionID}
	} else {
		requester = denyRequester{}
	}

	return &gateApprover{
		project:   p,
		sessionID: sessionID,
		gate:      approval.New(requester),
		mode:      approval.Mode(p.ctx.Config.Kernel.ApprovalModeOrDefault()),
		policy:    policy,
	}
}

func (g *gateApprover) Resolve(ctx context.Context, toolName string, category registry.Category, needsApproval bool, params json.RawMessage) (approval.Decision, error) {
	modeBefore := g.policy.ApprovalMode
	toolsBefore := len(g.policy.ApprovalTools)

	decision, err := g.gate.Resolve(ctx, toolName, category, needsApproval, g.mode, params, g.policy)
	if err != nil {
		return decision, err
	}

	// An always-allow reply mutated the in-memory policy; persist it so
	// the decision survives this process.
	if g.policy.ApprovalMode != modeBefore || len(g.policy.ApprovalTools) != toolsBefore {
		if _, perr := g.project.ctx.SessionCfg.Update(g.sessionID, func(c *sessionlog.SessionConfig) {
			if g.policy.ApprovalMode != "" {
				c.ApprovalMode = string(g.policy.ApprovalMode)
			}
			for name := range g.policy.ApprovalTools {
				c.AddApprovalTool(name)
			}
		}); perr != nil {
			log.Warn().Err(perr).Str("session", g.sessionID).Msg("failed to persist approval policy")
		}
	}
	return decision, nil
}

// denyRequester stands in when no bus is attached: anything that would
// need the user is denied rather than silently approved.
type denyRequester struct{}

func (denyRequester) RequestApproval(ctx context.Context, toolName string, params json.RawMessage) (approval.Response, error) {
	return approval.Response{Kind: approval.ResponseDeny}, nil
}

// userAsker routes AskUser tool calls through the bus.
type userAsker struct {
	bus       *bus.Bus
	sessionID string
}

func (a userAsker) AskUser(ctx context.Context, question string, options []string) (string, error) {
	reply, err := a.bus.Request(ctx, "askUser", map[string]any{
		"sessionId": a.sessionID,
		"question":  question,
		"options":   options,
	})
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(reply)
	if err != nil {
		return "", err
	}
	var decoded struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", err
	}
	if decoded.Answer == "" {
		// Plain-string replies are accepted too.
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s, nil
		}
	}
	return decoded.Answer, nil
}

// subAgentRunner drives a bounded depth-1 loop for the SubAgent tool. The
// sub-agent auto-approves: the parent call already passed the gate, and a
// nested approval round-trip mid-tool would deadlock a frontend that
// serializes prompts.
type subAgentRunner struct {
	project *Project
}

func (r *subAgentRunner) Run(ctx context.Context, systemPrompt, userPrompt string, subTools []registry.Tool, maxTurns int) (tools.SubAgentResult, error) {
	p := r.project
	cfg := p.ctx.Config

	name := cfg.DefaultProvider
	pcfg, ok := cfg.Providers[name]
	if !ok {
		return tools.SubAgentResult{}, fmt.Errorf("no provider for sub-agent")
	}
	prov, err := p.ctx.Providers.Create(name, pcfg.Model, provider.Options{Temperature: pcfg.Temperature})
	if err != nil {
		return tools.SubAgentResult{}, err
	}
	defer prov.Close()

	subLog, err := sessionlog.Open(p.ctx.Paths.SessionsDir, "sub-"+uuid.NewString())
	if err != nil {
		return tools.SubAgentResult{}, err
	}
	defer subLog.Close()

	seed, err := subLog.AppendUserText(userPrompt, "sub")
	if err != nil {
		return tools.SubAgentResult{}, err
	}

	res, err := turnloop.Run(ctx, turnloop.Options{
		Log:          subLog,
		SessionID:    seed.SessionID,
		Provider:     prov,
		Model:        streamengine.ModelInfo{ProviderID: name, ModelID: pcfg.Model, Limits: streamengine.ModelLimits{Context: pcfg.ContextTokens}},
		SystemPrompt: systemPrompt,
		Tools:        subTools,
		Messages:     subLog.Messages(),
		Approver:     approveAllApprover{},
		MaxTurns:     maxTurns,
	})
	if err != nil {
		return tools.SubAgentResult{}, err
	}
	if !res.Success {
		return tools.SubAgentResult{}, fmt.Errorf("sub-agent terminated: %s", res.Type)
	}
	return tools.SubAgentResult{
		FinalText: res.Text,
		TokensIn:  res.Usage.InputTokens,
		TokensOut: res.Usage.OutputTokens,
	}, nil
}
