package treesitter

import (
	"fmt"
	"sort"
	"strings"
)

// MaxOutlineBytes caps the rendered outline so it never crowds the model
// context it is injected into (~16KB ≈ a few thousand tokens).
const MaxOutlineBytes = 16 * 1024

// Outline renders a snapshot as the compact per-file listing the kernel
// injects on a session's first turn: types first, then methods grouped by
// receiver, then free functions, constants, and variables.
//
//	internal/sessionlog/sessionlog.go:
//	  type: Log (struct), IncompleteToolUse (struct)
//	  *Log: Append, Messages, MessagesUpTo
//	  func: Open, Load, FindIncompleteToolUses
func Outline(snapshot map[string][]Symbol) string {
	if len(snapshot) == 0 {
		return ""
	}

	paths := make([]string, 0, len(snapshot))
	for p := range snapshot {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	b.WriteString("# Project symbols\n")
	for _, path := range paths {
		entry := outlineFile(snapshot[path])
		if entry == "" {
			continue
		}
		if b.Len()+len(path)+len(entry) > MaxOutlineBytes {
			fmt.Fprintf(&b, "# ... truncated (%d files total)\n", len(paths))
			break
		}
		b.WriteString(path)
		b.WriteString(":\n")
		b.WriteString(entry)
	}
	return b.String()
}

func outlineFile(syms []Symbol) string {
	var types, funcs, consts, vars []string
	methods := make(map[string][]string)

	for _, s := range syms {
		switch s.Kind {
		case KindPackage, KindImport:
			// Noise at outline granularity.
		case KindStruct:
			types = append(types, s.Name+" (struct)")
		case KindInterface:
			types = append(types, s.Name+" (interface)")
		case KindType:
			types = append(types, s.Name)
		case KindMethod:
			recv := s.Receiver
			if recv == "" {
				recv = "?"
			}
			methods[recv] = append(methods[recv], s.Name)
		case KindFunction:
			funcs = append(funcs, s.Name)
		case KindConst:
			consts = append(consts, s.Name)
		case KindVar:
			vars = append(vars, s.Name)
		}
	}

	var b strings.Builder
	writeRow := func(label string, names []string) {
		if len(names) > 0 {
			fmt.Fprintf(&b, "  %s: %s\n", label, strings.Join(names, ", "))
		}
	}

	writeRow("type", types)
	receivers := make([]string, 0, len(methods))
	for r := range methods {
		receivers = append(receivers, r)
	}
	sort.Strings(receivers)
	for _, r := range receivers {
		writeRow(r, methods[r])
	}
	writeRow("func", funcs)
	writeRow("const", consts)
	writeRow("var", vars)
	return b.String()
}
