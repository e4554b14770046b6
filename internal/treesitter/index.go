package treesitter

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/xonecas/agentkernel/internal/filesearch"
)

// indexFileLimit skips files too large to be worth outlining (1 MB).
const indexFileLimit = 1 << 20

// Index is a workspace-wide symbol map, built once per session and
// updated incrementally as the Read and Edit tools touch files.
type Index struct {
	mu    sync.RWMutex
	root  string
	files map[string][]Symbol // relative path -> symbols
}

// NewIndex creates an empty index rooted at root.
func NewIndex(root string) *Index {
	return &Index{
		root:  root,
		files: make(map[string][]Symbol),
	}
}

// Build walks the workspace with the same gitignore-aware scanner the
// Grep tool uses and parses every supported file.
func (idx *Index) Build() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	scanner := filesearch.NewScanner(idx.root)
	return scanner.WalkFiles(context.Background(), func(abs, rel string, size int64) error {
		if size > indexFileLimit || !Supported(abs) {
			return nil
		}
		syms, err := ParseFile(abs)
		if err != nil || len(syms) == 0 {
			return nil
		}
		idx.files[rel] = syms
		return nil
	})
}

// UpdateFile re-parses one file after an edit. A file that no longer
// parses (or is gone) drops out of the index.
func (idx *Index) UpdateFile(absPath string) {
	rel, err := filepath.Rel(idx.root, absPath)
	if err != nil || !Supported(absPath) {
		return
	}
	syms, parseErr := ParseFile(absPath)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if parseErr != nil || len(syms) == 0 {
		delete(idx.files, rel)
		return
	}
	idx.files[rel] = syms
}

// Files lists the indexed relative paths, unordered.
func (idx *Index) Files() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.files))
	for p := range idx.files {
		out = append(out, p)
	}
	return out
}

// Symbols returns one file's symbols.
func (idx *Index) Symbols(rel string) []Symbol {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.files[rel]
}

// Snapshot copies the whole index for outline rendering.
func (idx *Index) Snapshot() map[string][]Symbol {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string][]Symbol, len(idx.files))
	for path, syms := range idx.files {
		out[path] = syms
	}
	return out
}
