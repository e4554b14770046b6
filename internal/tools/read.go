package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xonecas/agentkernel/internal/atexpand"
	"github.com/xonecas/agentkernel/internal/hashline"
	"github.com/xonecas/agentkernel/internal/lsp"
	"github.com/xonecas/agentkernel/internal/message"
	"github.com/xonecas/agentkernel/internal/registry"
	"github.com/xonecas/agentkernel/internal/treesitter"
)

// ReadArgs are the arguments to the Read tool.
type ReadArgs struct {
	File  string `json:"file"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
}

const readSchema = `{
	"type": "object",
	"properties": {
		"file":  {"type": "string", "description": "Path to the file to read"},
		"start": {"type": "integer", "description": "Optional: starting line number (1-indexed, inclusive)"},
		"end":   {"type": "integer", "description": "Optional: ending line number (1-indexed, inclusive)"}
	},
	"required": ["file"]
}`

// Read is the Read tool (category read): reads a file and returns
// hashline-tagged content, enforcing the same size limits as @path
// expansion (internal/atexpand).
type Read struct {
	root       string
	tracker    *FileReadTracker
	lspManager *lsp.Manager
	tsIndex    *treesitter.Index
}

// NewRead creates the Read tool rooted at root.
func NewRead(root string, tracker *FileReadTracker, lspManager *lsp.Manager, tsIndex *treesitter.Index) *Read {
	return &Read{root: root, tracker: tracker, lspManager: lspManager, tsIndex: tsIndex}
}

func (r *Read) Name() string                        { return "Read" }
func (r *Read) Description() string                 { return readToolDescription }
func (r *Read) ParametersSchema() json.RawMessage    { return json.RawMessage(readSchema) }
func (r *Read) Approval() registry.Approval          { return registry.Approval{Category: registry.CategoryRead} }

const readToolDescription = `Reads a file and returns hashline-tagged content. Each line is returned as "linenum:hash|content". You MUST Read a file before editing it with Edit. Use start/end for line ranges. Files over 10MB are skipped; files over 2000 lines are truncated.`

func (r *Read) Execute(ctx context.Context, params json.RawMessage) (registry.Result, error) {
	var args ReadArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return errResult("Invalid arguments: %v", err), nil
	}
	if args.File == "" {
		return errResult("File path cannot be empty"), nil
	}

	absPath, err := validatePath(r.root, args.File)
	if err != nil {
		return errResult("%v", err), nil
	}
	if _, statErr := os.Stat(absPath); statErr != nil {
		return errResult("Failed to read file: %v", statErr), nil
	}

	content, metadata, _ := atexpand.ReadFileBounded(absPath, args.Start, args.End)
	if metadata == "Invalid line range" || strings.Contains(metadata, "skipped") {
		return message.ToolResult{LLMContent: metadata}, nil
	}

	r.tracker.MarkRead(absPath)
	if r.lspManager != nil {
		go r.lspManager.Track(context.Background(), absPath)
	}
	if r.tsIndex != nil {
		go r.tsIndex.UpdateFile(absPath)
	}

	text := fmt.Sprintf("Read %s%s (%d lines):\n\n%s", args.File, rangeSuffix(metadata),
		hashline.LineCount(content), hashline.Render(content, startLineFor(args.Start)))

	return message.ToolResult{LLMContent: text}, nil
}

func startLineFor(start int) int {
	if start <= 0 {
		return 1
	}
	return start
}

func rangeSuffix(metadata string) string {
	if metadata == "" {
		return ""
	}
	return " (" + metadata + ")"
}

func errResult(format string, args ...any) message.ToolResult {
	return message.ToolResult{IsError: true, LLMContent: fmt.Sprintf(format, args...)}
}
