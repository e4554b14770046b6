// Package hashline anchors file edits to content instead of bare line
// numbers. Every line a tool shows the model carries a short digest of
// its text; edit operations reference lines as (number, digest) anchors,
// so a file that changed since the model last read it fails anchor
// resolution instead of being silently corrupted.
package hashline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// DigestLen is the number of hex characters in a line digest.
const DigestLen = 2

// Digest computes the short content digest of one line.
func Digest(line string) string {
	sum := sha256.Sum256([]byte(line))
	return hex.EncodeToString(sum[:DigestLen/2])
}

// Render tags every line of content as "num:digest|text", numbering from
// first (1-indexed; values below 1 are clamped). This is the listing
// shape the Read and Edit tools hand back to the model.
func Render(content string, first int) string {
	if first < 1 {
		first = 1
	}
	lines := strings.Split(content, "\n")
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d:%s|%s", first+i, Digest(line), line)
	}
	return b.String()
}

// LineCount reports how many lines Render would tag for content.
func LineCount(content string) int {
	return strings.Count(content, "\n") + 1
}

// StaleAnchorError reports an anchor whose digest no longer matches the
// file — the file changed after the model last read it.
type StaleAnchorError struct {
	Line    int
	Want    string
	Got     string
	Content string
}

func (e *StaleAnchorError) Error() string {
	return fmt.Sprintf("stale anchor at line %d: digest %s, file now has %s — line reads %q (re-Read the file to get fresh digests)",
		e.Line, e.Want, e.Got, e.Content)
}

// Anchor identifies one line by 1-indexed number and content digest. The
// JSON field names are the Edit tool's wire format.
type Anchor struct {
	Num  int    `json:"line"`
	Hash string `json:"hash"`
}

// Resolve checks the anchor against the file's current lines and returns
// the 0-based index it lands on.
func (a Anchor) Resolve(lines []string) (int, error) {
	idx := a.Num - 1
	if idx < 0 || idx >= len(lines) {
		return 0, fmt.Errorf("line %d out of range (file has %d lines)", a.Num, len(lines))
	}
	if got := Digest(lines[idx]); got != a.Hash {
		return 0, &StaleAnchorError{Line: a.Num, Want: a.Hash, Got: got, Content: lines[idx]}
	}
	return idx, nil
}

// Span is an inclusive anchored line range.
type Span struct {
	Start Anchor
	End   Anchor
}

// Resolve checks both anchors and their ordering, returning the 0-based
// inclusive index range.
func (s Span) Resolve(lines []string) (lo, hi int, err error) {
	lo, err = s.Start.Resolve(lines)
	if err != nil {
		return 0, 0, fmt.Errorf("start anchor: %w", err)
	}
	hi, err = s.End.Resolve(lines)
	if err != nil {
		return 0, 0, fmt.Errorf("end anchor: %w", err)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("start line %d is after end line %d", s.Start.Num, s.End.Num)
	}
	return lo, hi, nil
}

// Parse reads a "line:digest" reference (e.g. "5:ab") into an Anchor.
func Parse(s string) (Anchor, error) {
	numText, digest, found := strings.Cut(s, ":")
	if !found {
		return Anchor{}, fmt.Errorf("invalid anchor %q: expected line:digest", s)
	}
	n, err := strconv.Atoi(numText)
	if err != nil {
		return Anchor{}, fmt.Errorf("invalid anchor %q: bad line number", s)
	}
	if len(digest) != DigestLen {
		return Anchor{}, fmt.Errorf("invalid anchor %q: digest must be %d hex chars", s, DigestLen)
	}
	return Anchor{Num: n, Hash: digest}, nil
}
