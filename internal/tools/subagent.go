package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xonecas/agentkernel/internal/message"
	"github.com/xonecas/agentkernel/internal/registry"
)

const (
	// MaxSubAgentDepth is the maximum recursion depth for sub-agents.
	// Depth 0 = root agent, depth 1 = sub-agent spawned by root.
	MaxSubAgentDepth = 1

	// MaxSubAgentIterations is the default max tool rounds for sub-agents.
	MaxSubAgentIterations = 5

	// MaxAllowedIterations is the upper bound for user-specified max_iterations.
	MaxAllowedIterations = 20
)

// SubAgentArgs are the arguments to the SubAgent tool.
type SubAgentArgs struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

const subAgentSchema = `{
	"type": "object",
	"properties": {
		"prompt":         {"type": "string", "description": "Task description for the sub-agent. Be specific about what needs to be accomplished and the expected output format."},
		"max_iterations": {"type": "integer", "description": "Maximum tool rounds for the sub-agent (default: 5)"}
	},
	"required": ["prompt"]
}`

// SubAgentResult is what a SubAgentRunner hands back after driving a
// sub-agent's turn to completion.
type SubAgentResult struct {
	FinalText string
	TokensIn  int
	TokensOut int
}

// SubAgentRunner drives one bounded-depth turn loop for a sub-agent,
// given its system prompt, task, and a fresh (already depth-filtered)
// tool set. Implemented by internal/turnloop in production — defined
// here, not imported from there, so internal/tools has no dependency on
// internal/turnloop (turnloop depends the other way, on registry.Tool).
type SubAgentRunner interface {
	Run(ctx context.Context, systemPrompt, userPrompt string, tools []registry.Tool, maxTurns int) (SubAgentResult, error)
}

// SubAgent is the SubAgent tool(category command — spawning work
// that itself executes tools is treated as a command-risk action):
// spawns a depth-1 sub-agent over a fresh, SubAgent-filtered tool set.
type SubAgent struct {
	runner     SubAgentRunner
	buildTools func() []registry.Tool
}

// NewSubAgent creates the SubAgent tool. buildTools constructs a fresh
// set of sub-agent tools (isolated FileReadTracker, isolated Scratchpad,
// etc.) each time a sub-agent is spawned; runner drives the loop.
func NewSubAgent(runner SubAgentRunner, buildTools func() []registry.Tool) *SubAgent {
	return &SubAgent{runner: runner, buildTools: buildTools}
}

func (s *SubAgent) Name() string { return "SubAgent" }
func (s *SubAgent) Description() string {
	return `Spawn a sub-agent to handle a focused task. The sub-agent runs with the same tools but cannot spawn further sub-agents. Use this to decompose complex tasks into smaller, manageable pieces. The sub-agent's work is returned as a summary.`
}
func (s *SubAgent) ParametersSchema() json.RawMessage { return json.RawMessage(subAgentSchema) }
func (s *SubAgent) Approval() registry.Approval       { return registry.Approval{Category: registry.CategoryCommand} }

func (s *SubAgent) Execute(ctx context.Context, params json.RawMessage) (registry.Result, error) {
	if err := ctx.Err(); err != nil {
		return errResult("Sub-agent cancelled: %v", err), nil
	}

	var args SubAgentArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return errResult("Invalid arguments: %v", err), nil
	}
	if args.Prompt == "" {
		return errResult("prompt is required"), nil
	}

	maxIter := MaxSubAgentIterations
	if args.MaxIterations > 0 {
		if args.MaxIterations > MaxAllowedIterations {
			return errResult("max_iterations too large (max: %d)", MaxAllowedIterations), nil
		}
		maxIter = args.MaxIterations
	}

	subTools := filterSubAgentTool(s.buildTools())

	result, err := s.runner.Run(ctx, subAgentSystemPrompt(), args.Prompt, subTools, maxIter)
	if err != nil {
		return errResult("Sub-agent failed: %v", err), nil
	}
	if strings.TrimSpace(result.FinalText) == "" {
		return errResult("Sub-agent produced no final response"), nil
	}

	text := fmt.Sprintf("Sub-agent completed.\n\n%s\n\n---\nToken usage: %d in, %d out",
		result.FinalText, result.TokensIn, result.TokensOut)
	return message.ToolResult{LLMContent: text}, nil
}

// filterSubAgentTool removes the SubAgent tool itself, enforcing
// MaxSubAgentDepth by construction — a sub-agent's tool set never
// includes a way to spawn a further sub-agent.
func filterSubAgentTool(tools []registry.Tool) []registry.Tool {
	filtered := make([]registry.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Name() != "SubAgent" {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

func subAgentSystemPrompt() string {
	return strings.TrimSpace(`
You are a focused sub-agent working on a specific task assigned by a parent agent.

Your role:
- Complete the assigned task efficiently
- Use tools as needed (Read, Edit, Grep, Shell, etc.)
- Provide a clear, concise final response summarizing what you accomplished
- You cannot spawn further sub-agents

Output format:
- Use tools to gather information and make changes
- When done, respond with a summary of what was accomplished
- Be specific about any files modified, tests run, or issues found

You have a limited number of tool rounds - work efficiently.
`)
}
