package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/xonecas/agentkernel/internal/kernelctx"
	"github.com/xonecas/agentkernel/internal/message"
	"github.com/xonecas/agentkernel/internal/registry"
	"github.com/xonecas/agentkernel/internal/tools"
)

// SessionSummary is one row of sessions.list.
type SessionSummary struct {
	SessionID string `json:"sessionId"`
	Summary   string `json:"summary,omitempty"`
	Messages  int    `json:"messages"`
}

// listSessions scans the sessions dir for transcripts, pairing each with
// its sidecar summary.
func listSessions(c *kernelctx.Context) ([]SessionSummary, error) {
	entries, err := os.ReadDir(c.Paths.SessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []SessionSummary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		sessionID := strings.TrimSuffix(name, ".jsonl")
		row := SessionSummary{SessionID: sessionID}

		if cfg, err := c.SessionCfg.Load(sessionID); err == nil {
			row.Summary = cfg.Summary
		}
		if info, err := e.Info(); err == nil && info.Size() > 0 {
			row.Messages = countLines(filepath.Join(c.Paths.SessionsDir, name))
		}
		out = append(out, row)
	}
	return out, nil
}

func countLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return strings.Count(string(data), "\n")
}

// gitStatus and gitDiff reuse the read-only git tools directly, outside
// any turn loop.
func (b *Bridge) gitStatus(ctx context.Context, req cwdReq) (any, error) {
	return b.runGitTool(ctx, req.Cwd, tools.NewGitStatus(req.Cwd), json.RawMessage(`{}`))
}

type gitDiffReq struct {
	Cwd    string `json:"cwd"`
	Staged bool   `json:"staged,omitempty"`
	Path   string `json:"path,omitempty"`
}

func (b *Bridge) gitDiff(ctx context.Context, req gitDiffReq) (any, error) {
	params, err := json.Marshal(map[string]any{"staged": req.Staged, "file": req.Path})
	if err != nil {
		return nil, err
	}
	return b.runGitTool(ctx, req.Cwd, tools.NewGitDiff(req.Cwd), params)
}

func (b *Bridge) runGitTool(ctx context.Context, cwd string, tool registry.Tool, params json.RawMessage) (any, error) {
	if _, err := b.project(ctx, cwd); err != nil {
		return nil, err
	}
	res, err := tool.Execute(ctx, params)
	if err != nil {
		return nil, err
	}
	if tr, ok := res.(message.ToolResult); ok {
		return map[string]any{"output": tr.LLMContent, "isError": tr.IsError}, nil
	}
	return res, nil
}
