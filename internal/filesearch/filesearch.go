// Package filesearch finds files and content inside a workspace. It backs
// the Grep tool and every other component that needs a gitignore-aware
// walk (symbol indexing, directory tree rendering) so they all skip the
// same noise.
package filesearch

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// skipFileSize bounds which files are scanned or walked (10 MB), matching
// the Read tool's own ceiling.
const skipFileSize = 10 * 1024 * 1024

// Match is one search hit. Line and Text are zero/empty for
// filename-only matches.
type Match struct {
	Path string
	Line int
	Text string
}

// Query configures one Scan.
type Query struct {
	// Pattern is a regular expression, matched against filenames (base or
	// relative path) or, with InContent, each line of file content.
	Pattern       string
	InContent     bool
	Limit         int
	CaseSensitive bool
}

// Scanner searches one workspace root, honoring its .gitignore.
type Scanner struct {
	root   string
	ignore *IgnoreList
}

// NewScanner creates a Scanner rooted at root. A missing .gitignore just
// means nothing extra is filtered.
func NewScanner(root string) *Scanner {
	return &Scanner{root: root, ignore: LoadIgnoreList(root)}
}

// WalkFiles visits every non-ignored regular file under the root,
// handing fn the absolute path, root-relative path, and size. Returning
// filepath.SkipAll from fn stops the walk cleanly.
func (s *Scanner) WalkFiles(ctx context.Context, fn func(abs, rel string, size int64) error) error {
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || s.ignore.Ignored(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if s.ignore.Ignored(rel, false) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		return fn(path, rel, info.Size())
	})
	if err == filepath.SkipAll {
		return nil
	}
	return err
}

// Scan runs the query and returns matches in walk order.
func (s *Scanner) Scan(ctx context.Context, q Query) ([]Match, error) {
	pattern := q.Pattern
	if !q.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	var matches []Match
	err = s.WalkFiles(ctx, func(abs, rel string, size int64) error {
		if size > skipFileSize {
			return nil
		}
		if q.InContent {
			matches = append(matches, scanContent(abs, rel, re)...)
		} else if re.MatchString(filepath.Base(rel)) || re.MatchString(rel) {
			matches = append(matches, Match{Path: rel})
		}
		if q.Limit > 0 && len(matches) >= q.Limit {
			matches = matches[:q.Limit]
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// scanContent greps one file line by line. Binary files (detected by a
// NUL byte) contribute nothing.
func scanContent(abs, rel string, re *regexp.Regexp) []Match {
	f, err := os.Open(abs)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []Match
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.ContainsRune(line, '\x00') {
			return nil
		}
		if re.MatchString(line) {
			out = append(out, Match{Path: rel, Line: lineNo, Text: line})
		}
	}
	return out
}
