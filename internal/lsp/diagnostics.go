// Package lsp surfaces language-server diagnostics for files the Read
// and Edit tools touch. Server processes are spawned lazily per language
// through powernap and shared across the session; results cross the
// package boundary in the kernel's own Diagnostic shape, never as raw
// protocol types.
package lsp

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/x/powernap/pkg/lsp/protocol"
)

// Severity labels. Hints and infos are dropped at the boundary; the
// model only sees what it should act on.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Diagnostic is one finding, positioned 1-indexed the way every other
// kernel line reference is.
type Diagnostic struct {
	Severity string `json:"severity"`
	Line     int    `json:"line"`
	Col      int    `json:"col"`
	Message  string `json:"message"`
	// Source names the language server that produced the finding.
	Source string `json:"source,omitempty"`
}

// fromProtocol converts a server's published diagnostics, keeping only
// errors and warnings.
func fromProtocol(diags []protocol.Diagnostic, source string) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		var severity string
		switch int(d.Severity) {
		case 1:
			severity = SeverityError
		case 2:
			severity = SeverityWarning
		default:
			continue
		}
		out = append(out, Diagnostic{
			Severity: severity,
			Line:     int(d.Range.Start.Line) + 1,
			Col:      int(d.Range.Start.Character) + 1,
			Message:  d.Message,
			Source:   source,
		})
	}
	return out
}

// formatLimit bounds how many findings are rendered into a tool result.
const formatLimit = 20

// FormatDiagnostics renders findings as the text block Edit appends to
// its tool result, or "" when there is nothing actionable.
func FormatDiagnostics(displayPath string, diags []Diagnostic) string {
	if len(diags) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\nLSP diagnostics:\n<diagnostics file=%q>\n", displayPath)
	for i, d := range diags {
		if i == formatLimit {
			fmt.Fprintf(&b, "... and %d more\n", len(diags)-formatLimit)
			break
		}
		fmt.Fprintf(&b, "%s [%d:%d] %s\n", strings.ToUpper(d.Severity), d.Line, d.Col, d.Message)
	}
	b.WriteString("</diagnostics>")
	return b.String()
}
