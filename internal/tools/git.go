package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/xonecas/agentkernel/internal/message"
	"github.com/xonecas/agentkernel/internal/registry"
)

// GitStatusArgs are the arguments to the GitStatus tool.
type GitStatusArgs struct {
	Long bool `json:"long,omitempty"`
}

// GitDiffArgs are the arguments to the GitDiff tool.
type GitDiffArgs struct {
	File   string `json:"file,omitempty"`
	Staged bool   `json:"staged,omitempty"`
}

// runGit executes git in dir and returns stdout, or an error ToolResult.
func runGit(ctx context.Context, dir string, args ...string) (string, *message.ToolResult) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 1 && stderr.Len() == 0 {
			return stdout.String(), nil
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		r := errResult("git error: %s", msg)
		return "", &r
	}
	return stdout.String(), nil
}

// GitStatus is the GitStatus tool (category read).
type GitStatus struct{ root string }

// NewGitStatus creates the GitStatus tool rooted at root.
func NewGitStatus(root string) *GitStatus { return &GitStatus{root: root} }

func (g *GitStatus) Name() string        { return "GitStatus" }
func (g *GitStatus) Description() string {
	return "Show the working tree status. Returns modified, staged, and untracked files."
}
func (g *GitStatus) ParametersSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {"long": {"type": "boolean", "description": "Use long format output. Default: false (short format)"}}}`)
}
func (g *GitStatus) Approval() registry.Approval { return registry.Approval{Category: registry.CategoryRead} }

func (g *GitStatus) Execute(ctx context.Context, params json.RawMessage) (registry.Result, error) {
	var args GitStatusArgs
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return errResult("Invalid arguments: %v", err), nil
		}
	}

	gitArgs := []string{"status"}
	if !args.Long {
		gitArgs = append(gitArgs, "--short")
	}

	out, errRes := runGit(ctx, g.root, gitArgs...)
	if errRes != nil {
		return *errRes, nil
	}
	if strings.TrimSpace(out) == "" {
		out = "nothing to commit, working tree clean"
	}
	return message.ToolResult{LLMContent: out}, nil
}

// GitDiff is the GitDiff tool (category read).
type GitDiff struct{ root string }

// NewGitDiff creates the GitDiff tool rooted at root.
func NewGitDiff(root string) *GitDiff { return &GitDiff{root: root} }

func (g *GitDiff) Name() string { return "GitDiff" }
func (g *GitDiff) Description() string {
	return "Show changes between working tree and index (unstaged), or between index and HEAD (staged). Returns unified diff output."
}
func (g *GitDiff) ParametersSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file":   {"type": "string", "description": "Optional: specific file path to diff. If omitted, diffs all changed files."},
			"staged": {"type": "boolean", "description": "If true, show staged (cached) changes. Default: false (unstaged changes)"}
		}
	}`)
}
func (g *GitDiff) Approval() registry.Approval { return registry.Approval{Category: registry.CategoryRead} }

func (g *GitDiff) Execute(ctx context.Context, params json.RawMessage) (registry.Result, error) {
	var args GitDiffArgs
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return errResult("Invalid arguments: %v", err), nil
		}
	}

	gitArgs := []string{"diff"}
	if args.Staged {
		gitArgs = append(gitArgs, "--cached")
	}
	if args.File != "" {
		gitArgs = append(gitArgs, "--", args.File)
	}

	out, errRes := runGit(ctx, g.root, gitArgs...)
	if errRes != nil {
		return *errRes, nil
	}
	if strings.TrimSpace(out) == "" {
		label := "unstaged"
		if args.Staged {
			label = "staged"
		}
		out = fmt.Sprintf("no %s changes", label)
	}
	return message.ToolResult{LLMContent: out}, nil
}
