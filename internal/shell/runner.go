// Package shell runs tool commands through an in-process POSIX
// interpreter. One Runner lives per workspace session: cwd and exported
// environment persist across commands, every command is screened by a
// deny Policy before it executes, and cd is clamped to the workspace
// root.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// BlockedError reports a command the policy refused to run. The Shell
// tool feeds Reason back to the model as an error tool result so it can
// pick another approach instead of retrying blind.
type BlockedError struct {
	Command string
	Reason  string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("command blocked: %q (%s)", e.Command, e.Reason)
}

// Runner is a session's persistent shell. Safe for concurrent use;
// commands within one Runner are serialized.
type Runner struct {
	mu     sync.Mutex
	root   string
	cwd    string
	env    []string
	policy Policy
}

// NewRunner creates a Runner anchored at root. An empty root anchors at
// the process working directory.
func NewRunner(root string, policy Policy) *Runner {
	if root == "" {
		root, _ = os.Getwd()
	}
	return &Runner{
		root:   root,
		cwd:    root,
		env:    os.Environ(),
		policy: policy,
	}
}

// Dir returns the shell's current working directory.
func (r *Runner) Dir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cwd
}

// Run executes command, streaming output into stdout and stderr. State
// (cwd, exported env) carries over to the next Run.
func (r *Runner) Run(ctx context.Context, command string, stdout, stderr io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run(ctx, command, stdout, stderr)
}

// RunCollect executes command and returns the captured output.
func (r *Runner) RunCollect(ctx context.Context, command string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stdout, stderr bytes.Buffer
	err := r.run(ctx, command, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func (r *Runner) run(ctx context.Context, command string, stdout, stderr io.Writer) (err error) {
	var runner *interp.Runner
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("command execution panic: %v", rec)
		}
		if runner != nil {
			r.carryState(runner, stderr)
		}
	}()

	parsed, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return fmt.Errorf("could not parse command: %w", err)
	}

	runner, err = interp.New(
		interp.StdIO(nil, stdout, stderr),
		interp.Interactive(false),
		interp.Env(expand.ListEnviron(r.env...)),
		interp.Dir(r.cwd),
		interp.ExecHandlers(r.screen),
	)
	if err != nil {
		return fmt.Errorf("could not create interpreter: %w", err)
	}

	return runner.Run(ctx, parsed)
}

// screen wraps the interpreter's exec handler with the deny policy.
func (r *Runner) screen(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, argv []string) error {
		if len(argv) == 0 {
			return next(ctx, argv)
		}
		if reason := r.policy.Check(argv); reason != "" {
			return &BlockedError{Command: argv[0], Reason: reason}
		}
		return next(ctx, argv)
	}
}

// carryState persists cwd and exported env after execution. A cwd that
// escaped the workspace root is clamped back, with a note on stderr so
// the model sees the rejection. cd is a builtin the exec screen never
// observes, which is why escapes are handled here instead of in Policy.
func (r *Runner) carryState(runner *interp.Runner, stderr io.Writer) {
	dir := runner.Dir
	if !withinRoot(dir, r.root) {
		fmt.Fprintf(stderr, "[cd rejected: you are anchored to %s]\n", r.root)
		dir = r.root
	}
	r.cwd = dir

	r.env = r.env[:0]
	for name, vr := range runner.Vars {
		if vr.Exported {
			r.env = append(r.env, name+"="+vr.Str)
		}
	}
}

func withinRoot(dir, root string) bool {
	return dir == root || strings.HasPrefix(dir, root+string(os.PathSeparator))
}

// ExitCode maps an interpreter error to a process-style exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		return int(status)
	}
	return 1
}
