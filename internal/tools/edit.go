package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/xonecas/agentkernel/internal/delta"
	"github.com/xonecas/agentkernel/internal/hashline"
	"github.com/xonecas/agentkernel/internal/lsp"
	"github.com/xonecas/agentkernel/internal/message"
	"github.com/xonecas/agentkernel/internal/registry"
	"github.com/xonecas/agentkernel/internal/treesitter"
)

// EditArgs are the arguments to the Edit tool. Exactly one operation
// field must be set.
type EditArgs struct {
	File    string     `json:"file"`
	Replace *ReplaceOp `json:"replace,omitempty"`
	Insert  *InsertOp  `json:"insert,omitempty"`
	Delete  *DeleteOp  `json:"delete,omitempty"`
	Create  *CreateOp  `json:"create,omitempty"`
}

type ReplaceOp struct {
	Start   hashline.Anchor `json:"start"`
	End     hashline.Anchor `json:"end"`
	Content string          `json:"content"`
}

type InsertOp struct {
	After   hashline.Anchor `json:"after"`
	Content string          `json:"content"`
}

type DeleteOp struct {
	Start hashline.Anchor `json:"start"`
	End   hashline.Anchor `json:"end"`
}

type CreateOp struct {
	Content string `json:"content"`
}

const anchorSchema = `{"type": "object", "properties": {"line": {"type": "integer", "description": "1-indexed line number"}, "hash": {"type": "string", "description": "2-char hex hash from Read output"}}, "required": ["line", "hash"]}`

var editSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"file": {"type": "string", "description": "Path to the file to edit"},
		"replace": {
			"type": "object",
			"description": "Replace lines from start to end (inclusive) with new content",
			"properties": {
				"start":   ` + anchorSchema + `,
				"end":     ` + anchorSchema + `,
				"content": {"type": "string", "description": "Replacement text (may be multiple lines)"}
			},
			"required": ["start", "end", "content"]
		},
		"insert": {
			"type": "object",
			"description": "Insert new lines after the anchored line",
			"properties": {
				"after":   ` + anchorSchema + `,
				"content": {"type": "string", "description": "Text to insert (may be multiple lines)"}
			},
			"required": ["after", "content"]
		},
		"delete": {
			"type": "object",
			"description": "Delete lines from start to end (inclusive)",
			"properties": {
				"start": ` + anchorSchema + `,
				"end":   ` + anchorSchema + `
			},
			"required": ["start", "end"]
		},
		"create": {
			"type": "object",
			"description": "Create a new file (fails if file already exists)",
			"properties": {
				"content": {"type": "string", "description": "Full file content"}
			},
			"required": ["content"]
		}
	},
	"required": ["file"]
}`)

// Edit is the Edit tool (category write): hash-anchored file edits.
type Edit struct {
	root         string
	tracker      *FileReadTracker
	lspManager   *lsp.Manager
	tsIndex      *treesitter.Index
	journal      *delta.Journal
}

// NewEdit creates the Edit tool rooted at root.
func NewEdit(root string, tracker *FileReadTracker, lspManager *lsp.Manager, tsIndex *treesitter.Index, dt *delta.Journal) *Edit {
	return &Edit{root: root, tracker: tracker, lspManager: lspManager, tsIndex: tsIndex, journal: dt}
}

func (e *Edit) Name() string             { return "Edit" }
func (e *Edit) ParametersSchema() json.RawMessage { return editSchema }
func (e *Edit) Approval() registry.Approval {
	return registry.Approval{Category: registry.CategoryWrite}
}

func (e *Edit) Description() string {
	return `Edit a file using hash-anchored operations. You MUST Read the file first to get line hashes.
Each line from Read is tagged as "linenum:hash|content". Use the line number and hash as anchors.
Exactly one operation per call: replace, insert, delete, or create.
If a hash does not match, the file changed since you read it — re-Read and retry.
After each edit you receive fresh hashes — use those for subsequent edits, not the old ones.`
}

func (e *Edit) Execute(ctx context.Context, params json.RawMessage) (registry.Result, error) {
	var args EditArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return errResult("Invalid arguments: %v", err), nil
	}
	if args.File == "" {
		return errResult("File path cannot be empty"), nil
	}
	if err := validateEditOps(args); err != nil {
		return errResult("%v", err), nil
	}

	absPath, err := validatePath(e.root, args.File)
	if err != nil {
		return errResult("%v", err), nil
	}

	if args.Create != nil {
		return e.handleCreate(ctx, absPath, args.File, args.Create), nil
	}

	if !e.tracker.WasRead(absPath) {
		return errResult("You must Read the file before editing it. Use Read on %s first — you need the line hashes.", args.File), nil
	}

	return e.applyEdit(ctx, absPath, args), nil
}

func validateEditOps(args EditArgs) error {
	ops := 0
	for _, set := range []bool{args.Replace != nil, args.Insert != nil, args.Delete != nil, args.Create != nil} {
		if set {
			ops++
		}
	}
	if ops != 1 {
		return fmt.Errorf("exactly one operation (replace, insert, delete, or create) must be specified")
	}
	return nil
}

func (e *Edit) applyEdit(ctx context.Context, absPath string, args EditArgs) message.ToolResult {
	content, err := os.ReadFile(absPath)
	if err != nil {
		return errResult("Failed to read file: %v", err)
	}
	lines := strings.Split(string(content), "\n")

	var result string
	switch {
	case args.Replace != nil:
		result, err = applyReplace(lines, args.Replace)
	case args.Insert != nil:
		result, err = applyInsert(lines, args.Insert)
	case args.Delete != nil:
		result, err = applyDelete(lines, args.Delete)
	}
	if err != nil {
		return errResult("%v", err)
	}

	if e.journal != nil {
		e.journal.FileChanged(absPath, content)
	}
	if err := os.WriteFile(absPath, []byte(result), 0o600); err != nil {
		return errResult("Failed to write file: %v", err)
	}

	text := fmt.Sprintf("Edited %s (%d lines):\n\n%s", args.File, hashline.LineCount(result), hashline.Render(result, 1))

	var diags []lsp.Diagnostic
	if e.lspManager != nil {
		diags = e.lspManager.CheckFile(ctx, absPath, 5*time.Second)
		text += lsp.FormatDiagnostics(args.File, diags)
	}
	if e.tsIndex != nil {
		e.tsIndex.UpdateFile(absPath)
	}

	return message.ToolResult{
		LLMContent: text,
		ReturnDisplay: message.DiffViewerHint{
			Path:        args.File,
			OldContent:  string(content),
			NewContent:  result,
			Diff:        unifiedDiff(args.File, string(content), result),
			Diagnostics: diagnosticNotes(diags),
		},
	}
}

// diagnosticNotes converts findings into the render-hint shape.
func diagnosticNotes(diags []lsp.Diagnostic) []message.DiagnosticNote {
	var out []message.DiagnosticNote
	for _, d := range diags {
		out = append(out, message.DiagnosticNote{
			Severity: d.Severity,
			Line:     d.Line,
			Col:      d.Col,
			Message:  d.Message,
			Source:   d.Source,
		})
	}
	return out
}

// unifiedDiff renders the change for the diff-viewer hint.
func unifiedDiff(path, before, after string) string {
	edits := myers.ComputeEdits(span.URIFromPath(path), before, after)
	if len(edits) == 0 {
		return ""
	}
	return fmt.Sprint(gotextdiff.ToUnified(path, path, before, edits))
}

func (e *Edit) handleCreate(ctx context.Context, absPath, displayPath string, op *CreateOp) message.ToolResult {
	if _, err := os.Stat(absPath); err == nil {
		return errResult("File already exists: %s (use replace/insert/delete to modify)", displayPath)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return errResult("Failed to create directories: %v", err)
	}
	if e.journal != nil {
		e.journal.FileCreated(absPath)
	}
	if err := os.WriteFile(absPath, []byte(op.Content), 0o600); err != nil {
		return errResult("Failed to create file: %v", err)
	}

	text := fmt.Sprintf("Created %s (%d lines):\n\n%s", displayPath, hashline.LineCount(op.Content), hashline.Render(op.Content, 1))

	var diags []lsp.Diagnostic
	if e.lspManager != nil {
		diags = e.lspManager.CheckFile(ctx, absPath, 5*time.Second)
		text += lsp.FormatDiagnostics(displayPath, diags)
	}
	if e.tsIndex != nil {
		e.tsIndex.UpdateFile(absPath)
	}

	e.tracker.MarkRead(absPath)
	return message.ToolResult{
		LLMContent: text,
		ReturnDisplay: message.DiffViewerHint{
			Path:        displayPath,
			NewContent:  op.Content,
			Diff:        unifiedDiff(displayPath, "", op.Content),
			Diagnostics: diagnosticNotes(diags),
		},
	}
}

func applyReplace(lines []string, op *ReplaceOp) (string, error) {
	lo, hi, err := hashline.Span{Start: op.Start, End: op.End}.Resolve(lines)
	if err != nil {
		return "", fmt.Errorf("replace: %w", err)
	}
	newLines := make([]string, 0, len(lines))
	newLines = append(newLines, lines[:lo]...)
	newLines = append(newLines, strings.Split(op.Content, "\n")...)
	newLines = append(newLines, lines[hi+1:]...)
	return strings.Join(newLines, "\n"), nil
}

func applyInsert(lines []string, op *InsertOp) (string, error) {
	idx, err := op.After.Resolve(lines)
	if err != nil {
		return "", fmt.Errorf("insert: after anchor: %w", err)
	}
	newLines := make([]string, 0, len(lines)+1)
	newLines = append(newLines, lines[:idx+1]...)
	newLines = append(newLines, strings.Split(op.Content, "\n")...)
	newLines = append(newLines, lines[idx+1:]...)
	return strings.Join(newLines, "\n"), nil
}

func applyDelete(lines []string, op *DeleteOp) (string, error) {
	lo, hi, err := hashline.Span{Start: op.Start, End: op.End}.Resolve(lines)
	if err != nil {
		return "", fmt.Errorf("delete: %w", err)
	}
	newLines := make([]string, 0, len(lines))
	newLines = append(newLines, lines[:lo]...)
	newLines = append(newLines, lines[hi+1:]...)
	return strings.Join(newLines, "\n"), nil
}
