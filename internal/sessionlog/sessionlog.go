// Package sessionlog implements the append-only JSONL session transcript:
// one JSON Message per line, never rewritten, with derived indices for
// uuid lookup, parent/child traversal, and fork-point slicing.
package sessionlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentkernel/internal/message"
)

// Log is a single session's append-only transcript.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File

	messages       []message.Message
	uuidToPosition map[string]int
	parentChildren map[string][]string
	latestUUID     string
}

// Open opens (creating if absent) the JSONL log at dir/<sessionId>.jsonl,
// loading any existing content into memory.
func Open(dir, sessionID string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("sessionlog: mkdir: %w", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")

	msgs, err := Load(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: open: %w", err)
	}

	l := &Log{
		path:           path,
		file:           f,
		uuidToPosition: make(map[string]int),
		parentChildren: make(map[string][]string),
	}
	for i, m := range msgs {
		l.indexAppend(i, m)
	}
	l.messages = msgs
	return l, nil
}

func (l *Log) indexAppend(pos int, m message.Message) {
	l.uuidToPosition[m.UUID] = pos
	if m.ParentUUID != "" {
		l.parentChildren[m.ParentUUID] = append(l.parentChildren[m.ParentUUID], m.UUID)
	}
	l.latestUUID = m.UUID
}

// Load scans a JSONL file, skipping malformed lines with a warning. A
// truncated final line is treated as absent, not an error.
func Load(path string) ([]message.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessionlog: load: %w", err)
	}
	defer f.Close()

	var out []message.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m message.Message
		if err := json.Unmarshal(line, &m); err != nil {
			log.Warn().Err(err).Str("path", path).Int("line", lineNo).Msg("skipping malformed session log line")
			continue
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		// A truncated final read is treated as "absent": the writer died
		// mid-line and the prefix is still a valid transcript.
		log.Warn().Err(err).Str("path", path).Msg("session log scan stopped early")
	}
	return out, nil
}

// Append assigns a uuid (if absent) and parentUuid (to latestUuid unless
// supplied), writes one line, and returns the stored record. I/O errors
// fail the call — the kernel must not silently drop a persisted turn.
func (l *Log) Append(m message.Message) (message.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	if m.ParentUUID == "" && l.latestUUID != "" {
		m.ParentUUID = l.latestUUID
	}
	if m.Type == "" {
		m.Type = "message"
	}
	if m.Timestamp == "" {
		m.Timestamp = message.NewTimestamp(time.Now())
	}

	line, err := json.Marshal(m)
	if err != nil {
		return message.Message{}, fmt.Errorf("sessionlog: marshal: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return message.Message{}, fmt.Errorf("sessionlog: write: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("session log fsync failed")
	}

	pos := len(l.messages)
	l.messages = append(l.messages, m)
	l.indexAppend(pos, m)
	return m, nil
}

// AppendUserText is a convenience for inserting a synthetic user turn.
func (l *Log) AppendUserText(text, sessionID string) (message.Message, error) {
	return l.Append(message.Message{
		Role:      message.RoleUser,
		SessionID: sessionID,
		Content:   []message.ContentPart{message.TextPart{Text: text}},
	})
}

// LatestUUID returns the most recently appended uuid, or "" if empty.
func (l *Log) LatestUUID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latestUUID
}

// Messages returns a snapshot copy of the in-memory transcript.
func (l *Log) Messages() []message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]message.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// MessagesUpTo returns messages in append order up to but not including the
// message with the given uuid. Used for fork semantics.
func (l *Log) MessagesUpTo(uuid string) []message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.uuidToPosition[uuid]
	if !ok {
		out := make([]message.Message, len(l.messages))
		copy(out, l.messages)
		return out
	}
	out := make([]message.Message, pos)
	copy(out, l.messages[:pos])
	return out
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// IncompleteToolUse describes the most recent assistant tool_use message
// with at least one unanswered id.
type IncompleteToolUse struct {
	Assistant    message.Message
	MissingIDs   []string
}

// FindIncompleteToolUses walks backward for the last assistant message
// with tool_use parts, collects its ids, then scans forward building
// id -> tool_result and reports whatever is missing.
func FindIncompleteToolUses(messages []message.Message) *IncompleteToolUse {
	lastIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == message.RoleAssistant && len(messages[i].ToolUses()) > 0 {
			lastIdx = i
			break
		}
	}
	if lastIdx == -1 {
		return nil
	}

	assistant := messages[lastIdx]
	ids := make(map[string]bool)
	for _, tu := range assistant.ToolUses() {
		ids[tu.ID] = false
	}

	for i := lastIdx + 1; i < len(messages); i++ {
		for _, tr := range messages[i].ToolResults() {
			if _, ok := ids[tr.ToolCallID]; ok {
				ids[tr.ToolCallID] = true
			}
		}
	}

	var missing []string
	for _, tu := range assistant.ToolUses() {
		if !ids[tu.ID] {
			missing = append(missing, tu.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &IncompleteToolUse{Assistant: assistant, MissingIDs: missing}
}

// PairToolsWithResults builds id -> tool_result for every tool_use in the
// most recent assistant message, regardless of completeness. Used by UI
// rendering.
func PairToolsWithResults(messages []message.Message) map[string]message.ToolResultPart {
	out := make(map[string]message.ToolResultPart)
	var lastAssistant int = -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == message.RoleAssistant && len(messages[i].ToolUses()) > 0 {
			lastAssistant = i
			break
		}
	}
	if lastAssistant == -1 {
		return out
	}
	for i := lastAssistant + 1; i < len(messages); i++ {
		for _, tr := range messages[i].ToolResults() {
			out[tr.ToolCallID] = tr
		}
	}
	return out
}
