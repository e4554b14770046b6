package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xonecas/agentkernel/internal/filesearch"
	"github.com/xonecas/agentkernel/internal/message"
	"github.com/xonecas/agentkernel/internal/registry"
)

// GrepArgs are the arguments to the Grep tool.
type GrepArgs struct {
	Pattern       string `json:"pattern"`
	ContentSearch bool   `json:"content_search,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
}

const grepSchema = `{
	"type": "object",
	"properties": {
		"pattern":        {"type": "string", "description": "Pattern to search for (regex). For filenames: matches against basename or path. For content: matches line contents."},
		"content_search": {"type": "boolean", "description": "If true, search file contents (grep); if false, search filenames (find). Default: false"},
		"max_results":    {"type": "integer", "description": "Maximum number of results to return. Default: 100"},
		"case_sensitive": {"type": "boolean", "description": "Enable case-sensitive matching. Default: false (case-insensitive)"}
	},
	"required": ["pattern"]
}`

const defaultMaxGrepResults = 100

// Grep is the Grep tool (category read): filename or content search
// rooted at a fixed directory, respecting .gitignore.
type Grep struct {
	root string
}

// NewGrep creates the Grep tool rooted at root.
func NewGrep(root string) *Grep { return &Grep{root: root} }

func (g *Grep) Name() string { return "Grep" }
func (g *Grep) Description() string {
	return "Search for files by name (fuzzy) or search file contents (grep). Respects .gitignore. Use content_search=false for finding files, content_search=true for searching content."
}
func (g *Grep) ParametersSchema() json.RawMessage { return json.RawMessage(grepSchema) }
func (g *Grep) Approval() registry.Approval       { return registry.Approval{Category: registry.CategoryRead} }

func (g *Grep) Execute(ctx context.Context, params json.RawMessage) (registry.Result, error) {
	var args GrepArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return errResult("Invalid arguments: %v", err), nil
	}
	if args.Pattern == "" {
		return errResult("Pattern cannot be empty"), nil
	}
	if args.MaxResults <= 0 {
		args.MaxResults = defaultMaxGrepResults
	}

	root := g.root
	if root == "" {
		root = cwdOrDot()
	}

	matches, err := filesearch.NewScanner(root).Scan(ctx, filesearch.Query{
		Pattern:       args.Pattern,
		InContent:     args.ContentSearch,
		Limit:         args.MaxResults,
		CaseSensitive: args.CaseSensitive,
	})
	if err != nil {
		return errResult("Search failed: %v", err), nil
	}

	return message.ToolResult{LLMContent: formatGrepResults(args, matches)}, nil
}

func formatGrepResults(args GrepArgs, matches []filesearch.Match) string {
	var out strings.Builder
	if len(matches) == 0 {
		out.WriteString("No matches found")
		return out.String()
	}

	if args.ContentSearch {
		fmt.Fprintf(&out, "Found %d match(es):\n\n", len(matches))
		for _, m := range matches {
			fmt.Fprintf(&out, "%s:%d:%s\n", m.Path, m.Line, m.Text)
		}
	} else {
		fmt.Fprintf(&out, "Found %d file(s):\n\n", len(matches))
		for _, m := range matches {
			fmt.Fprintf(&out, "%s\n", m.Path)
		}
	}

	if len(matches) >= args.MaxResults {
		fmt.Fprintf(&out, "\n(Limited to %d results. Use max_results parameter to see more)", args.MaxResults)
	}
	return out.String()
}
