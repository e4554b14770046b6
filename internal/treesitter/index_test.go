package treesitter

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIndexBuildUpdateAndSnapshot(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		t.Helper()
		abs := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o640); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	write("main.go", "package main\n\nfunc Run() {}\n")
	write("sub/util.go", "package sub\n\nfunc Helper() {}\n")
	write("README.md", "# not code")
	write(".gitignore", "generated/\n")
	write("generated/gen.go", "package generated\n\nfunc Skip() {}\n")

	idx := NewIndex(root)
	if err := idx.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	files := map[string]bool{}
	for _, f := range idx.Files() {
		files[f] = true
	}
	if !files["main.go"] || !files["sub/util.go"] {
		t.Errorf("indexed files = %v", idx.Files())
	}
	if files["README.md"] {
		t.Error("unsupported file indexed")
	}
	if files["generated/gen.go"] {
		t.Error("gitignored file indexed")
	}

	if _, ok := findSymbol(idx.Symbols("main.go"), "Run", KindFunction); !ok {
		t.Errorf("main.go symbols = %+v", idx.Symbols("main.go"))
	}

	// Incremental update picks up a new declaration.
	write("main.go", "package main\n\nfunc Run() {}\n\nfunc Again() {}\n")
	idx.UpdateFile(filepath.Join(root, "main.go"))
	if _, ok := findSymbol(idx.Symbols("main.go"), "Again", KindFunction); !ok {
		t.Error("UpdateFile missed new declaration")
	}

	// A file that stops parsing drops out.
	os.Remove(filepath.Join(root, "sub", "util.go"))
	idx.UpdateFile(filepath.Join(root, "sub", "util.go"))
	if len(idx.Symbols("sub/util.go")) != 0 {
		t.Error("removed file still indexed")
	}

	snap := idx.Snapshot()
	if len(snap["main.go"]) == 0 {
		t.Error("snapshot missing main.go")
	}
}
