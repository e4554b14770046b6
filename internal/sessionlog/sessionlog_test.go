package sessionlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xonecas/agentkernel/internal/message"
)

func appendText(t *testing.T, l *Log, role message.Role, text string) message.Message {
	t.Helper()
	m, err := l.Append(message.Message{
		Role:      role,
		SessionID: "s1",
		Content:   []message.ContentPart{message.TextPart{Text: text}},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return m
}

func TestAppendAssignsUUIDAndParent(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	first := appendText(t, l, message.RoleUser, "hello")
	if first.UUID == "" {
		t.Fatal("expected a uuid to be assigned")
	}
	if first.ParentUUID != "" {
		t.Fatalf("expected root message to have no parent, got %q", first.ParentUUID)
	}

	second := appendText(t, l, message.RoleAssistant, "hi")
	if second.ParentUUID != first.UUID {
		t.Fatalf("expected parent %q, got %q", first.UUID, second.ParentUUID)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendText(t, l, message.RoleUser, "hello")
	appendText(t, l, message.RoleAssistant, "hi")
	l.Close()

	reopened, err := Open(dir, "s1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	msgs := reopened.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after reload, got %d", len(msgs))
	}
	if msgs[0].Text() != "hello" || msgs[1].Text() != "hi" {
		t.Fatalf("unexpected content after reload: %+v", msgs)
	}
}

func TestFindIncompleteToolUses(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	appendText(t, l, message.RoleUser, "list files")
	assistant, _ := l.Append(message.Message{
		Role:      message.RoleAssistant,
		SessionID: "s1",
		Content: []message.ContentPart{
			message.ToolUsePart{ID: "t1", Name: "ls"},
			message.ToolUsePart{ID: "t2", Name: "ls"},
		},
	})

	if incomplete := FindIncompleteToolUses(l.Messages()); incomplete == nil {
		t.Fatal("expected incomplete tool uses before any result is recorded")
	} else if len(incomplete.MissingIDs) != 2 {
		t.Fatalf("expected 2 missing ids, got %d", len(incomplete.MissingIDs))
	}

	l.Append(message.Message{
		Role:       message.RoleTool,
		SessionID:  "s1",
		ParentUUID: assistant.UUID,
		Content: []message.ContentPart{
			message.ToolResultPart{ToolCallID: "t1", ToolName: "ls", Result: message.ToolResult{LLMContent: "a.txt"}},
		},
	})

	incomplete := FindIncompleteToolUses(l.Messages())
	if incomplete == nil || len(incomplete.MissingIDs) != 1 || incomplete.MissingIDs[0] != "t2" {
		t.Fatalf("expected only t2 missing, got %+v", incomplete)
	}

	l.Append(message.Message{
		Role:       message.RoleTool,
		SessionID:  "s1",
		ParentUUID: assistant.UUID,
		Content: []message.ContentPart{
			message.ToolResultPart{ToolCallID: "t2", ToolName: "ls", Result: message.ToolResult{LLMContent: "b.txt"}},
		},
	})

	if incomplete := FindIncompleteToolUses(l.Messages()); incomplete != nil {
		t.Fatalf("expected no incomplete tool uses once both results recorded, got %+v", incomplete)
	}
}

func TestMessagesUpToForFork(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	m1 := appendText(t, l, message.RoleUser, "one")
	appendText(t, l, message.RoleAssistant, "two")
	appendText(t, l, message.RoleUser, "three")

	upTo := l.MessagesUpTo(func() string {
		msgs := l.Messages()
		return msgs[1].UUID
	}())
	if len(upTo) != 1 || upTo[0].UUID != m1.UUID {
		t.Fatalf("expected fork slice of length 1 containing m1, got %+v", upTo)
	}
}

func TestMalformedLineSkipped(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendText(t, l, message.RoleUser, "hello")
	l.Close()

	// Corrupt the file by appending garbage.
	path := filepath.Join(dir, "s1.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	f.WriteString("not json\n")
	f.Close()

	msgs, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected malformed line to be skipped, got %d messages", len(msgs))
	}
}

func TestAppendOnlyPrefixStable(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "s1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	path := filepath.Join(dir, "s1.jsonl")
	var prefix []byte
	for i := 0; i < 5; i++ {
		appendText(t, l, message.RoleUser, "turn")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(data) < len(prefix) || string(data[:len(prefix)]) != string(prefix) {
			t.Fatalf("append rewrote existing bytes at iteration %d", i)
		}
		prefix = data
	}
}
