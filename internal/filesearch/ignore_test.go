package filesearch

import (
	"os"
	"path/filepath"
	"testing"
)

func loadRules(t *testing.T, gitignore string) *IgnoreList {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ".gitignore"), []byte(gitignore), 0o640); err != nil {
		t.Fatalf("write .gitignore: %v", err)
	}
	return LoadIgnoreList(root)
}

func TestIgnoreBasicPatterns(t *testing.T) {
	l := loadRules(t, "*.log\nbuild/\n/rooted.txt\n")

	cases := []struct {
		rel     string
		isDir   bool
		ignored bool
	}{
		{"debug.log", false, true},
		{"sub/deep/trace.log", false, true},
		{"log.txt", false, false},
		{"build", true, true},
		{"build/out.o", false, true},
		{"src/build", true, true},
		{"rooted.txt", false, true},
		{"sub/rooted.txt", false, false}, // anchored pattern does not reach subdirs
	}
	for _, tc := range cases {
		if got := l.Ignored(tc.rel, tc.isDir); got != tc.ignored {
			t.Errorf("Ignored(%q, dir=%v) = %v, want %v", tc.rel, tc.isDir, got, tc.ignored)
		}
	}
}

func TestIgnoreNegationLastRuleWins(t *testing.T) {
	l := loadRules(t, "*.log\n!keep.log\n")
	if !l.Ignored("debug.log", false) {
		t.Error("debug.log should be ignored")
	}
	if l.Ignored("keep.log", false) {
		t.Error("keep.log is re-included by negation")
	}
}

func TestIgnoreDoubleStar(t *testing.T) {
	l := loadRules(t, "**/generated/*.go\n")
	if !l.Ignored("generated/a.go", false) {
		t.Error("top-level generated file should be ignored")
	}
	if !l.Ignored("pkg/sub/generated/b.go", false) {
		t.Error("nested generated file should be ignored")
	}
	if l.Ignored("pkg/generated.go", false) {
		t.Error("similarly named file should not be ignored")
	}
}

func TestIgnoreCommentsAndBlanks(t *testing.T) {
	l := loadRules(t, "# comment\n\n*.tmp\n")
	if !l.Ignored("x.tmp", false) {
		t.Error("*.tmp should apply")
	}
	if l.Ignored("# comment", false) {
		t.Error("comment lines are not patterns")
	}
}

func TestIgnoreQuestionMarkAndClass(t *testing.T) {
	l := loadRules(t, "file?.txt\n[ab].go\n")
	if !l.Ignored("file1.txt", false) || l.Ignored("file10.txt", false) {
		t.Error("? must match exactly one non-separator character")
	}
	if !l.Ignored("a.go", false) || l.Ignored("c.go", false) {
		t.Error("character class misbehaved")
	}
}

func TestIgnoreMissingFile(t *testing.T) {
	l := LoadIgnoreList(t.TempDir())
	if l.Ignored("anything", false) {
		t.Error("empty list must ignore nothing")
	}
	var nilList *IgnoreList
	if nilList.Ignored("anything", false) {
		t.Error("nil list must ignore nothing")
	}
}
