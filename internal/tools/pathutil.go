// Package tools implements the built-in tools: file read/write, search,
// shell, web fetch/search, TODO tracking, git inspection, sub-agent
// spawning, and user-question prompts. Each tool implements
// registry.Tool directly, returning a message.ToolResult so the turn
// loop can feed it straight back to the model.
package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// validatePath resolves file relative to root, rejecting any path that
// escapes it. root is the working directory the kernel was started in.
func validatePath(root, file string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}
	var absPath string
	if filepath.IsAbs(file) {
		absPath = file
	} else {
		absPath = filepath.Join(rootAbs, file)
	}
	absPath, err = filepath.Abs(absPath)
	if err != nil {
		return "", fmt.Errorf("invalid file path: %w", err)
	}
	relPath, err := filepath.Rel(rootAbs, absPath)
	if err != nil || strings.HasPrefix(relPath, "..") || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("access denied: path outside working directory")
	}
	return absPath, nil
}

func cwdOrDot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
