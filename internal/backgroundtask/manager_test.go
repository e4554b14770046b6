package backgroundtask

import (
	"context"
	"testing"
	"time"
)

func TestFastCommandFinishesInline(t *testing.T) {
	m := New()
	task := m.Start("echo hi", func(ctx context.Context, emit func(string)) (int, error) {
		emit("hi\n")
		return 0, nil
	})
	if !m.WaitOrPromote(task) {
		t.Fatal("fast command should finish before promotion")
	}
	if task.Output() != "hi\n" {
		t.Errorf("output = %q", task.Output())
	}
	if len(m.List()) != 0 {
		t.Error("finished task must be untracked")
	}
}

func TestSlowCommandPromotesAndStreams(t *testing.T) {
	m := New()
	m.promoteAfter = 20 * time.Millisecond
	release := make(chan struct{})
	task := m.Start("sleep", func(ctx context.Context, emit func(string)) (int, error) {
		emit("started\n")
		select {
		case <-release:
		case <-ctx.Done():
			return 130, ctx.Err()
		}
		emit("finished\n")
		return 0, nil
	})

	if m.WaitOrPromote(task) {
		t.Fatal("slow command should promote")
	}
	list := m.List()
	if len(list) != 1 || !list[0].Running {
		t.Fatalf("list = %+v", list)
	}
	if task.Output() != "started\n" {
		t.Errorf("streamed output = %q", task.Output())
	}

	close(release)
	deadline := time.After(time.Second)
	for !task.Done() {
		select {
		case <-deadline:
			t.Fatal("task did not finish")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if task.Output() != "started\nfinished\n" {
		t.Errorf("final output = %q", task.Output())
	}
}

func TestKillCancelsTask(t *testing.T) {
	m := New()
	m.promoteAfter = 20 * time.Millisecond
	task := m.Start("hang", func(ctx context.Context, emit func(string)) (int, error) {
		<-ctx.Done()
		return 130, ctx.Err()
	})
	m.WaitOrPromote(task)

	if err := m.Kill(task.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if !task.Done() {
		t.Error("killed task must report done")
	}
	if err := m.Kill(task.ID); err == nil {
		t.Error("second kill must report unknown task")
	}
}

func TestShutdownKillsEverything(t *testing.T) {
	m := New()
	m.promoteAfter = 20 * time.Millisecond
	for i := 0; i < 3; i++ {
		task := m.Start("hang", func(ctx context.Context, emit func(string)) (int, error) {
			<-ctx.Done()
			return 130, ctx.Err()
		})
		m.WaitOrPromote(task)
	}
	m.Shutdown()
	if len(m.List()) != 0 {
		t.Error("tasks remain after shutdown")
	}
}
