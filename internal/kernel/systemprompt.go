package kernel

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xonecas/agentkernel/internal/registry"
	"github.com/xonecas/agentkernel/internal/treesitter"
)

//go:embed prompts/chat.md
var chatPrompt string

//go:embed prompts/plan.md
var planPrompt string

// buildSystemPrompt assembles the system prompt from the base prompt,
// product metadata, the enabled tool names, and any configured output
// style or language.
func buildSystemPrompt(base, productName, cwd string, tools []registry.Tool, outputStyle, language string) string {
	var b strings.Builder
	b.WriteString(base)

	fmt.Fprintf(&b, "\n# Environment\n\nProduct: %s\nWorking directory: %s\n", productName, cwd)

	if len(tools) > 0 {
		b.WriteString("\nAvailable tools: ")
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			names = append(names, t.Name())
		}
		b.WriteString(strings.Join(names, ", "))
		b.WriteString("\n")
	}

	if outputStyle != "" {
		fmt.Fprintf(&b, "\nOutput style: %s\n", outputStyle)
	}
	if language != "" {
		fmt.Fprintf(&b, "\nRespond in %s.\n", language)
	}
	return b.String()
}

// agentInstructionBytesMax bounds how much AGENTS.md content is injected.
const agentInstructionBytesMax = 64 * 1024

// loadAgentInstructions walks from cwd up to the filesystem root
// collecting AGENTS.md files (closest last, so nearer files win when the
// model weighs conflicting guidance), then checks the global config dir.
func loadAgentInstructions(cwd, globalConfigDir string) string {
	var sections []string
	total := 0

	addFile := func(path string) {
		data, err := os.ReadFile(path)
		if err != nil || len(data) == 0 {
			return
		}
		if total+len(data) > agentInstructionBytesMax {
			return
		}
		total += len(data)
		sections = append(sections, fmt.Sprintf("## Instructions from %s\n\n%s", path, string(data)))
	}

	var chain []string
	dir, err := filepath.Abs(cwd)
	if err != nil {
		return ""
	}
	for {
		chain = append(chain, filepath.Join(dir, "AGENTS.md"))
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	// Root-most first, project-dir last.
	for i := len(chain) - 1; i >= 0; i-- {
		addFile(chain[i])
	}
	if globalConfigDir != "" {
		addFile(filepath.Join(globalConfigDir, "AGENTS.md"))
	}

	if len(sections) == 0 {
		return ""
	}
	return strings.Join(sections, "\n\n")
}

// projectSymbolContext renders a compact symbol overview from the
// tree-sitter index for injection into the first request of a session.
func projectSymbolContext(idx *treesitter.Index) string {
	if idx == nil {
		return ""
	}
	outline := treesitter.Outline(idx.Snapshot())
	if outline == "" {
		return ""
	}
	return "<project_symbols>\n" + outline + "\n</project_symbols>"
}
