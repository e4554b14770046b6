package delta

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xonecas/agentkernel/internal/store"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	cache, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), time.Hour)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return NewJournal(cache.DB())
}

func TestJournalInactiveRecordsNothing(t *testing.T) {
	j := openJournal(t)
	if j.Active() {
		t.Fatal("fresh journal must be inactive")
	}
	j.FileChanged("/tmp/x", []byte("old"))
	affected, err := j.Revert("s", 1)
	if err != nil || len(affected) != 0 {
		t.Errorf("revert of empty journal: %v %v", affected, err)
	}
}

func TestJournalRevertRestoresAndRemoves(t *testing.T) {
	j := openJournal(t)
	dir := t.TempDir()
	changed := filepath.Join(dir, "changed.txt")
	created := filepath.Join(dir, "created.txt")
	if err := os.WriteFile(changed, []byte("original"), 0o640); err != nil {
		t.Fatalf("seed: %v", err)
	}

	j.Begin("sess", 3)
	if !j.Active() {
		t.Fatal("journal should be active after Begin")
	}

	j.FileChanged(changed, []byte("original"))
	os.WriteFile(changed, []byte("mutated"), 0o640)
	j.FileCreated(created)
	os.WriteFile(created, []byte("new"), 0o640)

	affected, err := j.Revert("sess", 3)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if len(affected) != 2 {
		t.Fatalf("affected = %v", affected)
	}
	got, _ := os.ReadFile(changed)
	if string(got) != "original" {
		t.Errorf("changed file = %q", got)
	}
	if _, err := os.Stat(created); !os.IsNotExist(err) {
		t.Error("created file should be removed on revert")
	}
}

func TestJournalFirstCaptureWins(t *testing.T) {
	j := openJournal(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	os.WriteFile(path, []byte("v1"), 0o640)

	j.Begin("sess", 1)
	j.FileChanged(path, []byte("v1"))
	os.WriteFile(path, []byte("v2"), 0o640)
	j.FileChanged(path, []byte("v2")) // second capture in the same turn is ignored
	os.WriteFile(path, []byte("v3"), 0o640)

	if _, err := j.Revert("sess", 1); err != nil {
		t.Fatalf("revert: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "v1" {
		t.Errorf("revert target = %q, want the first capture", got)
	}
}

func TestJournalDropDiscardsWithoutTouchingFiles(t *testing.T) {
	j := openJournal(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "keep.txt")
	os.WriteFile(path, []byte("before"), 0o640)

	j.Begin("sess", 2)
	j.FileChanged(path, []byte("before"))
	os.WriteFile(path, []byte("after"), 0o640)
	j.Drop("sess", 2)

	affected, err := j.Revert("sess", 2)
	if err != nil || len(affected) != 0 {
		t.Fatalf("revert after drop: %v %v", affected, err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "after" {
		t.Errorf("file = %q, drop must not revert", got)
	}
}

func TestCaptureAndJournalDiff(t *testing.T) {
	j := openJournal(t)
	root := t.TempDir()
	keep := filepath.Join(root, "keep.txt")
	mutate := filepath.Join(root, "mutate.txt")
	os.WriteFile(keep, []byte("same"), 0o640)
	os.WriteFile(mutate, []byte("v1"), 0o640)
	os.MkdirAll(filepath.Join(root, "node_modules"), 0o750)
	os.WriteFile(filepath.Join(root, "node_modules", "noise.js"), []byte("x"), 0o640)

	pre := CaptureDir(root)
	if _, ok := pre["node_modules/noise.js"]; ok {
		t.Error("ignored dirs must not be captured")
	}

	// Simulate a command: mutate one file, add one, delete none. Force a
	// distinct mtime so size-equal rewrites are still detected.
	os.WriteFile(mutate, []byte("v2"), 0o640)
	os.Chtimes(mutate, time.Now().Add(time.Second), time.Now().Add(time.Second))
	os.WriteFile(filepath.Join(root, "fresh.txt"), []byte("new"), 0o640)

	j.Begin("sess", 9)
	post := CaptureDir(root)
	JournalDiff(j, root, pre, post)

	if _, err := j.Revert("sess", 9); err != nil {
		t.Fatalf("revert: %v", err)
	}
	got, _ := os.ReadFile(mutate)
	if string(got) != "v1" {
		t.Errorf("mutated file = %q after revert", got)
	}
	if _, err := os.Stat(filepath.Join(root, "fresh.txt")); !os.IsNotExist(err) {
		t.Error("fresh file should be removed by revert")
	}
	gotKeep, _ := os.ReadFile(keep)
	if string(gotKeep) != "same" {
		t.Error("untouched file must stay untouched")
	}
}
