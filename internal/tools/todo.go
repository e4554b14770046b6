package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/xonecas/agentkernel/internal/message"
	"github.com/xonecas/agentkernel/internal/registry"
)

// Scratchpad holds the agent's current structured plan as a todo list.
// Safe for concurrent access.
type Scratchpad struct {
	mu    sync.RWMutex
	items []message.TodoItem
}

// Items returns a copy of the current todo list.
func (s *Scratchpad) Items() []message.TodoItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]message.TodoItem, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Scratchpad) set(items []message.TodoItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
}

// TodoWriteArgs are the arguments to the TodoWrite tool.
type TodoWriteArgs struct {
	Items []message.TodoItem `json:"items"`
}

const todoWriteSchema = `{
	"type": "object",
	"properties": {
		"items": {
			"type": "array",
			"description": "The full todo list, replacing any previous list entirely",
			"items": {
				"type": "object",
				"properties": {
					"content": {"type": "string", "description": "What this task is"},
					"status":  {"type": "string", "enum": ["pending", "in_progress", "completed"], "description": "Current status, default pending"}
				},
				"required": ["content"]
			}
		}
	},
	"required": ["items"]
}`

// TodoWrite is the TodoWrite tool(category write — treated as a
// benign write since it only mutates in-memory session state): replaces
// the working todo list entirely.
type TodoWrite struct {
	pad *Scratchpad
}

// NewTodoWrite creates the TodoWrite tool over pad.
func NewTodoWrite(pad *Scratchpad) *TodoWrite { return &TodoWrite{pad: pad} }

func (t *TodoWrite) Name() string { return "TodoWrite" }
func (t *TodoWrite) Description() string {
	return `Write or update your working todo list. The list replaces any previous list and stays visible at the end of your context window. Use this to track goals, progress, and next steps for tasks with 3+ steps. Mark items completed as you finish them. Skip for simple single-step tasks.`
}
func (t *TodoWrite) ParametersSchema() json.RawMessage { return json.RawMessage(todoWriteSchema) }
func (t *TodoWrite) Approval() registry.Approval       { return registry.Approval{Category: registry.CategoryWrite} }

func (t *TodoWrite) Execute(ctx context.Context, params json.RawMessage) (registry.Result, error) {
	var args TodoWriteArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return errResult("Invalid arguments: %v", err), nil
	}
	if len(args.Items) == 0 {
		return errResult("Items cannot be empty"), nil
	}
	for i, item := range args.Items {
		if item.Content == "" {
			return errResult("Item %d: content cannot be empty", i), nil
		}
		if args.Items[i].Status == "" {
			args.Items[i].Status = "pending"
		}
	}

	t.pad.set(args.Items)
	return message.ToolResult{
		LLMContent:    "Todo list updated.",
		ReturnDisplay: message.TodoWriteHint{Items: args.Items},
	}, nil
}

// TodoRead returns the current working todo list so the model can
// re-orient mid-task without the frontend re-rendering it.
type TodoRead struct {
	pad *Scratchpad
}

// NewTodoRead creates the TodoRead tool over pad.
func NewTodoRead(pad *Scratchpad) *TodoRead { return &TodoRead{pad: pad} }

func (t *TodoRead) Name() string { return "TodoRead" }
func (t *TodoRead) Description() string {
	return "Read the current working todo list."
}
func (t *TodoRead) ParametersSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}
func (t *TodoRead) Approval() registry.Approval { return registry.Approval{Category: registry.CategoryRead} }

func (t *TodoRead) Execute(ctx context.Context, params json.RawMessage) (registry.Result, error) {
	items := t.pad.Items()
	return message.ToolResult{
		LLMContent:    items,
		ReturnDisplay: message.TodoReadHint{Items: items},
	}, nil
}
