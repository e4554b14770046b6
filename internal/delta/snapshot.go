package delta

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileState is one file's identity at capture time: mtime and size for
// change detection, content (small files only) as the revert target.
type FileState struct {
	ModTime time.Time
	Size    int64
	Content []byte
}

// captureContentLimit bounds how large a file's content is held for
// revert. Bigger files are still change-detected, just not restorable.
const captureContentLimit = 1 << 20

// ignoredDirs are skipped during capture walks — build output and vendored
// trees churn constantly and are never revert targets.
var ignoredDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true,
	".venv": true, "vendor": true, ".cache": true, ".next": true,
	"dist": true, "build": true, "target": true,
}

// DirState maps relative paths to their captured state.
type DirState map[string]FileState

// CaptureDir walks root and records every file's state. Shell commands
// capture before and after execution so their side effects can be
// journaled without instrumenting the command itself.
func CaptureDir(root string) DirState {
	state := make(DirState)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		st := FileState{ModTime: info.ModTime(), Size: info.Size()}
		if info.Size() <= captureContentLimit {
			st.Content, _ = os.ReadFile(path)
		}
		state[rel] = st
		return nil
	})
	return state
}

// JournalDiff compares two captures of root and journals every difference
// into j: new files as creations, changed and deleted files as changes
// with the pre-capture content as the revert target.
func JournalDiff(j *Journal, root string, pre, post DirState) {
	for rel, after := range post {
		abs := filepath.Join(root, rel)
		before, existed := pre[rel]
		if !existed {
			j.FileCreated(abs)
			continue
		}
		if before.ModTime != after.ModTime || before.Size != after.Size {
			j.FileChanged(abs, before.Content)
		}
	}
	for rel, before := range pre {
		if _, still := post[rel]; !still {
			if before.Content != nil {
				j.FileChanged(filepath.Join(root, rel), before.Content)
			}
		}
	}
}
