package filesearch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func seedTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		abs := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o640); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return root
}

func TestScanFilenames(t *testing.T) {
	root := seedTree(t, map[string]string{
		"main.go":          "package main",
		"util/helper.go":   "package util",
		"README.md":        "# readme",
		"util/helper_test.go": "package util",
	})

	matches, err := NewScanner(root).Scan(context.Background(), Query{Pattern: `\.go$`})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("matches = %v", matches)
	}
	for _, m := range matches {
		if m.Line != 0 || m.Text != "" {
			t.Errorf("filename match carries content: %+v", m)
		}
	}
}

func TestScanContent(t *testing.T) {
	root := seedTree(t, map[string]string{
		"a.go": "package a\nfunc Alpha() {}\n",
		"b.go": "package b\nfunc Beta() {}\nfunc AlphaBeta() {}\n",
	})

	matches, err := NewScanner(root).Scan(context.Background(), Query{Pattern: "func Alpha", InContent: true})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %v", matches)
	}
	if matches[0].Path != "a.go" || matches[0].Line != 2 {
		t.Errorf("first match = %+v", matches[0])
	}
}

func TestScanCaseSensitivity(t *testing.T) {
	root := seedTree(t, map[string]string{"x.txt": "Hello\nhello\n"})
	sc := NewScanner(root)

	insensitive, _ := sc.Scan(context.Background(), Query{Pattern: "hello", InContent: true})
	if len(insensitive) != 2 {
		t.Errorf("insensitive matches = %d", len(insensitive))
	}
	sensitive, _ := sc.Scan(context.Background(), Query{Pattern: "hello", InContent: true, CaseSensitive: true})
	if len(sensitive) != 1 {
		t.Errorf("sensitive matches = %d", len(sensitive))
	}
}

func TestScanHonorsLimit(t *testing.T) {
	files := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		files[name+".txt"] = "needle\n"
	}
	root := seedTree(t, files)

	matches, err := NewScanner(root).Scan(context.Background(), Query{Pattern: "needle", InContent: true, Limit: 2})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("matches = %d, want limit 2", len(matches))
	}
}

func TestScanSkipsIgnoredAndGitDir(t *testing.T) {
	root := seedTree(t, map[string]string{
		".gitignore":        "build/\n*.log\n",
		"keep.go":           "needle",
		"build/out.go":      "needle",
		"trace.log":         "needle",
		".git/objects/blob": "needle",
	})

	matches, err := NewScanner(root).Scan(context.Background(), Query{Pattern: "needle", InContent: true})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(matches) != 1 || matches[0].Path != "keep.go" {
		t.Fatalf("matches = %v", matches)
	}
}

func TestScanRejectsBadPattern(t *testing.T) {
	root := seedTree(t, map[string]string{"a.txt": "x"})
	if _, err := NewScanner(root).Scan(context.Background(), Query{Pattern: "["}); err == nil {
		t.Fatal("invalid regex must error")
	}
}

func TestScanBinarySkipped(t *testing.T) {
	root := seedTree(t, map[string]string{"bin.dat": "needle\x00garbage"})
	matches, err := NewScanner(root).Scan(context.Background(), Query{Pattern: "needle", InContent: true})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("binary file matched: %v", matches)
	}
}

func TestWalkFilesRelativePaths(t *testing.T) {
	root := seedTree(t, map[string]string{
		"a.txt":       "1",
		"sub/b.txt":   "2",
		".gitignore":  "sub/\n",
	})

	var seen []string
	err := NewScanner(root).WalkFiles(context.Background(), func(abs, rel string, size int64) error {
		seen = append(seen, rel)
		return nil
	})
	if err != nil {
		t.Fatalf("WalkFiles: %v", err)
	}
	for _, rel := range seen {
		if rel == "sub/b.txt" {
			t.Error("ignored subtree was visited")
		}
	}
}
