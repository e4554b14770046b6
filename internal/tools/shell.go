package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xonecas/agentkernel/internal/backgroundtask"
	"github.com/xonecas/agentkernel/internal/delta"
	"github.com/xonecas/agentkernel/internal/message"
	"github.com/xonecas/agentkernel/internal/registry"
	"github.com/xonecas/agentkernel/internal/shell"
)

// ShellArgs are the arguments to the Shell tool.
type ShellArgs struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	Timeout     int    `json:"timeout,omitempty"`
}

const shellSchema = `{
	"type": "object",
	"properties": {
		"command":     {"type": "string", "description": "The shell command to execute"},
		"description": {"type": "string", "description": "Brief description of what this command does (5-10 words)"},
		"timeout":     {"type": "integer", "description": "Timeout in seconds (default 60)"}
	},
	"required": ["command", "description"]
}`

const (
	maxShellOutputChars = 30000
	maxShellTimeoutSec  = 600
)

// OutputChunkFunc receives incremental shell output for streaming to a
// live view. May be nil.
type OutputChunkFunc func(chunk string)

// Shell runs a command through an in-process POSIX interpreter with
// dangerous-command blocking. A command still running after the
// promotion threshold detaches into a background task the frontend can
// poll or kill, instead of blocking the turn.
type Shell struct {
	sh           *shell.Runner
	journal      *delta.Journal
	// Background tracks promoted long-running commands. When nil, every
	// command blocks until completion or timeout.
	Background *backgroundtask.Manager
	// OnOutput streams incremental stdout chunks. May be nil.
	OnOutput OutputChunkFunc
}

// NewShell creates the Shell tool over sh, recording file-level deltas
// through dt for undo.
func NewShell(sh *shell.Runner, dt *delta.Journal) *Shell {
	return &Shell{sh: sh, journal: dt}
}

func (s *Shell) Name() string { return "Shell" }
func (s *Shell) Description() string {
	return `Execute a shell command in an in-process POSIX interpreter.
Commands run inside the project working directory. Shell state (cwd, env vars) persists across calls within the same session.
Dangerous commands (network, sudo, package managers, system modification) are blocked.
Commands still running after a couple of seconds keep going as background tasks; their output can be checked later instead of re-running them.
Use this for: running builds, tests, linters, git operations, file manipulation, and inspecting project state.`
}
func (s *Shell) ParametersSchema() json.RawMessage { return json.RawMessage(shellSchema) }
func (s *Shell) Approval() registry.Approval       { return registry.Approval{Category: registry.CategoryCommand} }

func (s *Shell) Execute(ctx context.Context, params json.RawMessage) (registry.Result, error) {
	var args ShellArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return errResult("Invalid arguments: %v", err), nil
	}
	if args.Command == "" {
		return errResult("command is required"), nil
	}

	timeout := 60
	if args.Timeout > 0 {
		timeout = args.Timeout
	}
	if timeout > maxShellTimeoutSec {
		timeout = maxShellTimeoutSec
	}

	if s.Background != nil {
		return s.executeWithPromotion(ctx, args, timeout)
	}
	return s.executeBlocking(ctx, args, timeout), nil
}

// executeBlocking runs the command to completion (or timeout) inline.
func (s *Shell) executeBlocking(ctx context.Context, args ShellArgs, timeout int) message.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	shellCwd := s.sh.Dir()
	trackDeltas := s.journal != nil && s.journal.Active()
	var preSnap delta.DirState
	if trackDeltas {
		preSnap = delta.CaptureDir(shellCwd)
	}

	var stdout, stderr bytes.Buffer
	var execErr error
	if s.OnOutput != nil {
		sw := &streamWriter{buf: &stdout, onChunk: s.OnOutput}
		execErr = s.sh.Run(ctx, args.Command, sw, &stderr)
	} else {
		execErr = s.sh.Run(ctx, args.Command, &stdout, &stderr)
	}

	if trackDeltas {
		postSnap := delta.CaptureDir(shellCwd)
		delta.JournalDiff(s.journal, shellCwd, preSnap, postSnap)
	}

	return s.formatResult(stdout.String(), stderr.String(), execErr, ctx.Err())
}

// executeWithPromotion starts the command as a tracked task, waits the
// promotion threshold, and either reports the finished result or hands
// back the task id for later polling. A canceled turn kills the command
// only while it is still inline; a promoted task belongs to the
// background manager and dies by tasks.kill.
func (s *Shell) executeWithPromotion(ctx context.Context, args ShellArgs, timeout int) (registry.Result, error) {
	shellCwd := s.sh.Dir()
	trackDeltas := s.journal != nil && s.journal.Active()
	var preSnap delta.DirState
	if trackDeltas {
		preSnap = delta.CaptureDir(shellCwd)
	}

	task := s.Background.Start(args.Command, func(taskCtx context.Context, emit func(string)) (int, error) {
		runCtx, cancel := context.WithTimeout(taskCtx, time.Duration(timeout)*time.Second)
		defer cancel()
		out := &streamWriter{buf: &bytes.Buffer{}, onChunk: func(chunk string) {
			emit(chunk)
			if s.OnOutput != nil {
				s.OnOutput(chunk)
			}
		}}
		err := s.sh.Run(runCtx, args.Command, out, out)
		return shell.ExitCode(err), err
	})

	if !s.Background.WaitOrPromote(task) {
		if ctx.Err() != nil {
			s.Background.Kill(task.ID)
			return errResult("Command canceled"), nil
		}
		return message.ToolResult{
			LLMContent: fmt.Sprintf(
				"Command is still running after %s and was moved to background task %s.\nOutput so far:\n%s",
				backgroundtask.PromoteAfter, task.ID, task.Output()),
		}, nil
	}

	if trackDeltas {
		postSnap := delta.CaptureDir(shellCwd)
		delta.JournalDiff(s.journal, shellCwd, preSnap, postSnap)
	}

	_, execErr := task.Result()
	return s.formatResult(task.Output(), "", execErr, nil), nil
}

func (s *Shell) formatResult(stdout, stderr string, execErr, ctxErr error) message.ToolResult {
	var blocked *shell.BlockedError
	if errors.As(execErr, &blocked) {
		return message.ToolResult{
			IsError:    true,
			LLMContent: fmt.Sprintf("Command %q was blocked: %s. Choose a different approach.", blocked.Command, blocked.Reason),
		}
	}

	exitCode := shell.ExitCode(execErr)
	output := formatShellOutput(stdout, stderr, exitCode, ctxErr)
	if output == "" {
		output = "(no output)\n"
	}
	if len([]rune(output)) > maxShellOutputChars {
		output = truncateMiddle(output, maxShellOutputChars)
	}
	if exitCode != 0 {
		return message.ToolResult{IsError: true, LLMContent: output}
	}
	return message.ToolResult{LLMContent: output}
}

type streamWriter struct {
	buf     *bytes.Buffer
	onChunk OutputChunkFunc
}

func (w *streamWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	if n > 0 && w.onChunk != nil {
		w.onChunk(string(p[:n]))
	}
	return n, err
}

func formatShellOutput(stdout, stderr string, exitCode int, ctxErr error) string {
	var b strings.Builder
	if stdout != "" {
		b.WriteString(stdout)
		if !strings.HasSuffix(stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if stderr != "" {
		b.WriteString(stderr)
		if !strings.HasSuffix(stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	if ctxErr != nil {
		fmt.Fprintf(&b, "[timed out]\n")
	}
	if exitCode != 0 {
		fmt.Fprintf(&b, "[exit code: %d]\n", exitCode)
	}
	return b.String()
}

func truncateMiddle(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	half := maxChars / 2
	return string(runes[:half]) + "\n\n... [truncated] ...\n\n" + string(runes[len(runes)-half:])
}
