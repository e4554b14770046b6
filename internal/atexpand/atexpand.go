// Package atexpand implements the `@path` prompt convention: the user
// may write `@path` or `@"path with spaces"`, optionally followed by
// `:LINE` or `:START-END`, and the kernel expands each unique
// (path, range) pair into an XML-ish <files> envelope appended to the
// user's message text. The size limits (10MB/file, 2000 lines, 2000
// chars/line) are shared with internal/tools.Read so both paths behave
// identically.
package atexpand

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xonecas/agentkernel/internal/filesearch"
)

const (
	// MaxFileBytes is the per-file size cap; larger files are skipped
	// rather than read.
	MaxFileBytes = 10 * 1024 * 1024
	// MaxLines is the maximum number of lines returned for one file.
	MaxLines = 2000
	// MaxLineChars is the maximum length of a single returned line.
	MaxLineChars = 2000
)

// Ref is one parsed @path reference: a path and an optional line range.
type Ref struct {
	Path  string
	Start int // 0 means "from the beginning"
	End   int // 0 means "to the end"
}

// key identifies a unique (path, range) pair for deduplication.
func (r Ref) key() string { return fmt.Sprintf("%s:%d-%d", r.Path, r.Start, r.End) }

// atPattern matches `@path`, `@"quoted path"`, optionally followed by
// `:N` or `:N-M`, where path is any run of non-whitespace not starting
// with a quote, or a double-quoted run permitting interior spaces.
var atPattern = regexp.MustCompile(`@(?:"([^"]+)"|([^\s"]+))(?::(\d+)(?:-(\d+))?)?`)

// rangeSuffix splits a trailing `:N` or `:N-M` off an unquoted path.
var rangeSuffix = regexp.MustCompile(`^(.+):(\d+)(?:-(\d+))?$`)

// ExtractRefs parses every @path occurrence in text, in order of first
// appearance, deduplicated by (path, range). Idempotent: calling it again
// on the same text yields the same set.
func ExtractRefs(text string) []Ref {
	matches := atPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	var out []Ref
	for _, m := range matches {
		path, startText, endText := m[1], m[3], m[4]
		if path == "" {
			path = m[2]
			// An unquoted path run also takes in a trailing :N or :N-M;
			// split the range back off it.
			if sm := rangeSuffix.FindStringSubmatch(path); sm != nil {
				path, startText, endText = sm[1], sm[2], sm[3]
			}
		}
		if path == "" {
			continue
		}
		ref := Ref{Path: path}
		if startText != "" {
			start, _ := strconv.Atoi(startText)
			ref.Start = start
			if endText != "" {
				end, _ := strconv.Atoi(endText)
				ref.End = end
			} else {
				ref.End = start
			}
		}
		k := ref.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, ref)
	}
	return out
}

// Expand parses text for @path references and appends a <files> envelope
// (and <directory_structure> blocks for directories) rooted at root. If
// no references are found, text is returned unchanged.
func Expand(root, text string) string {
	refs := ExtractRefs(text)
	if len(refs) == 0 {
		return text
	}

	var files, dirs strings.Builder
	for _, ref := range refs {
		abs := ref.Path
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(root, abs)
		}
		info, err := os.Stat(abs)
		if err != nil {
			files.WriteString(fileBlock(ref.Path, "", fmt.Sprintf("error: %v", err)))
			continue
		}
		if info.IsDir() {
			dirs.WriteString(directoryBlock(ref.Path, abs))
			continue
		}
		content, metadata := readBounded(abs, ref.Start, ref.End)
		files.WriteString(fileBlock(ref.Path, metadata, content))
	}

	var out strings.Builder
	out.WriteString(text)
	if files.Len() > 0 {
		out.WriteString("\n<files>\n")
		out.WriteString(files.String())
		out.WriteString("</files>\n")
	}
	out.WriteString(dirs.String())
	return out.String()
}

func fileBlock(relPath, metadata, content string) string {
	var b strings.Builder
	b.WriteString("  <file><path>")
	b.WriteString(relPath)
	b.WriteString("</path>")
	if metadata != "" {
		b.WriteString("<metadata>")
		b.WriteString(metadata)
		b.WriteString("</metadata>")
	}
	b.WriteString("<content><![CDATA[")
	b.WriteString(content)
	b.WriteString("]]></content></file>\n")
	return b.String()
}

// ReadFileBounded is the exported form of readBounded, shared with
// internal/tools.Read so the Read tool and @path expansion enforce
// identical size limits. The error return is always nil; out-of-range
// conditions are reported via the metadata string ("Invalid line
// range").
func ReadFileBounded(abs string, start, end int) (string, string, error) {
	content, metadata := readBounded(abs, start, end)
	return content, metadata, nil
}

// readBounded reads abs applying the size limits and optional line
// range, returning content plus a human-readable metadata string for the
// boundary cases (oversized file, truncated listing, bad range).
func readBounded(abs string, start, end int) (string, string) {
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Sprintf("error: %v", err)
	}
	if info.Size() > MaxFileBytes {
		mb := float64(info.Size()) / (1024 * 1024)
		return "", fmt.Sprintf("File size: %.0fMB (skipped)", mb)
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Sprintf("error: %v", err)
	}

	lines := strings.Split(string(raw), "\n")
	total := len(lines)

	if end != 0 && end < start {
		return "", "Invalid line range"
	}

	selected := lines
	metadata := ""
	if start != 0 || end != 0 {
		s := start
		if s <= 0 {
			return "", "Invalid line range"
		}
		e := end
		if e <= 0 {
			e = s
		}
		if e < s || s > total {
			return "", "Invalid line range"
		}
		if e > total {
			e = total
		}
		selected = lines[s-1 : e]
		metadata = fmt.Sprintf("Lines %d-%d of %d total lines", s, e, total)
	} else if total > MaxLines {
		selected = lines[:MaxLines]
		metadata = fmt.Sprintf("Showing first %d lines of %d total lines", MaxLines, total)
	}

	for i, l := range selected {
		if len(l) > MaxLineChars {
			selected[i] = l[:MaxLineChars] + "... [truncated]"
		}
	}

	return strings.Join(selected, "\n"), metadata
}

// directoryBlock renders a <directory_structure> tree for abs, rooted at
// relPath for display. Contents are not inlined, and the walk honors the
// directory's .gitignore so vendored and build trees don't flood the
// prompt.
func directoryBlock(relPath, abs string) string {
	ignore := filesearch.LoadIgnoreList(abs)
	var names []string
	_ = filepath.Walk(abs, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if p == abs {
			return nil
		}
		rel, relErr := filepath.Rel(abs, p)
		if relErr != nil {
			return nil
		}
		if info.IsDir() {
			if info.Name() == ".git" || ignore.Ignored(rel, true) {
				return filepath.SkipDir
			}
			names = append(names, rel+"/")
		} else {
			if ignore.Ignored(rel, false) {
				return nil
			}
			names = append(names, rel)
		}
		return nil
	})
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("<directory_structure>\n")
	b.WriteString(relPath)
	b.WriteString("/\n")
	for _, n := range names {
		b.WriteString("  ")
		b.WriteString(n)
		b.WriteString("\n")
	}
	b.WriteString("</directory_structure>\n")
	return b.String()
}
