package tools

import (
	"context"
	"encoding/json"

	"github.com/xonecas/agentkernel/internal/message"
	"github.com/xonecas/agentkernel/internal/registry"
)

// AskArgs are the arguments to the AskUser tool.
type AskArgs struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

const askSchema = `{
	"type": "object",
	"properties": {
		"question": {"type": "string", "description": "The question to put to the user."},
		"options":   {"type": "array", "items": {"type": "string"}, "description": "Optional: a short list of suggested answers to present as quick choices."}
	},
	"required": ["question"]
}`

// UserAsker issues an askUser request on the bus and waits for the
// user's free-text (or selected) answer. Backed by the bus in
// production; a fake in tests.
type UserAsker interface {
	AskUser(ctx context.Context, question string, options []string) (string, error)
}

// AskUser is the AskUser tool (category ask): suspends the turn and
// requests a free-text answer from the human via the bus. Category ask
// always suspends — the approval gate's rule 1 explicitly excludes ask
// from yolo auto-approval, and rule 6 routes it onto the bus regardless
// of approvalMode.
type AskUser struct {
	asker UserAsker
}

// NewAskUser creates the AskUser tool backed by asker.
func NewAskUser(asker UserAsker) *AskUser { return &AskUser{asker: asker} }

func (a *AskUser) Name() string { return "AskUser" }
func (a *AskUser) Description() string {
	return "Ask the user a clarifying question and wait for their answer. Use sparingly — only when you genuinely cannot proceed without the human's input."
}
func (a *AskUser) ParametersSchema() json.RawMessage { return json.RawMessage(askSchema) }
func (a *AskUser) Approval() registry.Approval       { return registry.Approval{Category: registry.CategoryAsk} }

func (a *AskUser) Execute(ctx context.Context, params json.RawMessage) (registry.Result, error) {
	var args AskArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return errResult("Invalid arguments: %v", err), nil
	}
	if args.Question == "" {
		return errResult("question cannot be empty"), nil
	}

	answer, err := a.asker.AskUser(ctx, args.Question, args.Options)
	if err != nil {
		return errResult("Failed to get user response: %v", err), nil
	}

	return message.ToolResult{LLMContent: answer}, nil
}
