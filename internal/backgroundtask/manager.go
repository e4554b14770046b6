// Package backgroundtask tracks long-running shell commands that outlive
// the tool call that started them. A command still running after the
// promotion threshold detaches from the turn loop and keeps streaming into
// a buffer the frontend can poll or kill through the bus.
package backgroundtask

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PromoteAfter is how long a command may block the turn loop before it is
// promoted to a background task.
const PromoteAfter = 2 * time.Second

// RunFunc executes the command, writing incremental output through emit,
// and returns the exit code.
type RunFunc func(ctx context.Context, emit func(chunk string)) (int, error)

// Task is one tracked command.
type Task struct {
	ID      string
	Command string
	Started time.Time

	mu       sync.Mutex
	output   strings.Builder
	done     bool
	exitCode int
	err      error

	cancel context.CancelFunc
	doneCh chan struct{}
}

// Status is a snapshot of a task for bus reporting.
type Status struct {
	ID       string    `json:"id"`
	Command  string    `json:"command"`
	Started  time.Time `json:"started"`
	Running  bool      `json:"running"`
	ExitCode int       `json:"exitCode"`
	Error    string    `json:"error,omitempty"`
}

func (t *Task) appendOutput(chunk string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.output.WriteString(chunk)
}

// Output returns everything the command has written so far.
func (t *Task) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output.String()
}

// Result returns the exit code and error recorded when the command
// finished; zero values while it is still running.
func (t *Task) Result() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode, t.err
}

// Done reports whether the command has exited.
func (t *Task) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Task) status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{
		ID:       t.ID,
		Command:  t.Command,
		Started:  t.Started,
		Running:  !t.done,
		ExitCode: t.exitCode,
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	return s
}

// Manager owns every spawned background task in a Context.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*Task

	// promoteAfter is PromoteAfter unless shortened by tests.
	promoteAfter time.Duration
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{tasks: make(map[string]*Task), promoteAfter: PromoteAfter}
}

// Start launches run on its own detached context and begins tracking it.
// The task survives cancellation of the send that spawned it; only Kill or
// Shutdown stops it.
func (m *Manager) Start(command string, run RunFunc) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		ID:      uuid.NewString(),
		Command: command,
		Started: time.Now(),
		cancel:  cancel,
		doneCh:  make(chan struct{}),
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()

	go func() {
		defer close(t.doneCh)
		code, err := run(ctx, t.appendOutput)
		t.mu.Lock()
		t.done = true
		t.exitCode = code
		t.err = err
		t.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("task", t.ID).Str("command", command).Msg("background task failed")
		}
	}()
	return t
}

// WaitOrPromote blocks up to PromoteAfter. Returns finished=true if the
// command completed in time; otherwise the task stays tracked and the
// caller should report the promotion to the model.
func (m *Manager) WaitOrPromote(t *Task) (finished bool) {
	select {
	case <-t.doneCh:
		m.mu.Lock()
		delete(m.tasks, t.ID)
		m.mu.Unlock()
		return true
	case <-time.After(m.promoteAfter):
		return false
	}
}

// Get returns a tracked task.
func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// List snapshots every tracked task.
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.status())
	}
	return out
}

// Kill stops tracking a task, cancels its context, and waits for it to
// exit.
func (m *Manager) Kill(id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no background task %q", id)
	}
	t.cancel()
	<-t.doneCh
	return nil
}

// Shutdown kills every remaining task.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.tasks = make(map[string]*Task)
	m.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.doneCh
	}
}
