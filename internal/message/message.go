// Package message defines the kernel's wire-level conversation record: a
// Message with stable identity and parent pointer, a tagged-union content
// model, and the ToolResult shape tools hand back to the Turn Loop.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role is one of the four message roles the log records.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation: stable uuid, nullable parent
// pointer forming a DAG (linear by convention, forkable), role, content
// parts, and the owning session.
type Message struct {
	UUID       string        `json:"uuid"`
	ParentUUID string        `json:"parentUuid,omitempty"`
	Type       string        `json:"type"`
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	Timestamp  string        `json:"timestamp"`
	SessionID  string        `json:"sessionId"`

	// Unknown fields encountered on load are preserved here so passthrough
	// round-trips (parse(write(x)) == x) hold even for fields this kernel
	// doesn't model.
	Extra map[string]json.RawMessage `json:"-"`
}

// NewTimestamp returns an ISO-8601 timestamp for a new message. Callers in
// the kernel pass a fixed clock value through rather than calling time.Now
// directly in hot paths, so tests can control it.
func NewTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ContentPart is the tagged-union payload of a Message. Each concrete type
// below implements it; Tag identifies the JSON "type" discriminator.
type ContentPart interface {
	Tag() string
}

type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) Tag() string { return "text" }

type ImagePart struct {
	Data     string `json:"data"` // base64
	MimeType string `json:"mimeType"`
}

func (ImagePart) Tag() string { return "image" }

type FilePart struct {
	Filename string `json:"filename,omitempty"`
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

func (FilePart) Tag() string { return "file" }

// ReasoningPart is assistant-only: model-internal thought.
type ReasoningPart struct {
	Text string `json:"text"`
}

func (ReasoningPart) Tag() string { return "reasoning" }

// ToolUsePart is assistant-only: a request to invoke a tool.
type ToolUsePart struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (ToolUsePart) Tag() string { return "tool_use" }

// ToolResultPart is tool-only: the answer to one ToolUsePart.
type ToolResultPart struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     ToolResult      `json:"result"`
}

func (ToolResultPart) Tag() string { return "tool_result" }

// ToolResult is what a tool execution hands back to the loop.
type ToolResult struct {
	// LLMContent is a string OR a []ContentPart (text/image) fed back to
	// the model. Stored as any; callers type-switch.
	LLMContent    any    `json:"llmContent"`
	ReturnDisplay any    `json:"returnDisplay,omitempty"`
	IsError       bool   `json:"isError"`
	ErrorKind     string `json:"errorKind,omitempty"`
}

// DiagnosticNote is one language-server finding attached to a render
// hint. Line and Col are 1-indexed.
type DiagnosticNote struct {
	Severity string `json:"severity"`
	Line     int    `json:"line"`
	Col      int    `json:"col"`
	Message  string `json:"message"`
	Source   string `json:"source,omitempty"`
}

// Render hints for ToolResult.ReturnDisplay.
type DiffViewerHint struct {
	Path       string `json:"path"`
	OldContent string `json:"oldContent"`
	NewContent string `json:"newContent"`
	// Diff is the precomputed unified diff between the two contents, so
	// frontends don't each reimplement the diff algorithm.
	Diff string `json:"diff,omitempty"`
	// Diagnostics carries the language-server findings for the edited
	// file, so the diff view can mark the offending lines.
	Diagnostics []DiagnosticNote `json:"diagnostics,omitempty"`
}

type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status,omitempty"`
}

type TodoReadHint struct {
	Items []TodoItem `json:"items"`
}

type TodoWriteHint struct {
	Items []TodoItem `json:"items"`
}

// MarshalJSON flattens Message into {..., content: [{"type":"text",...}]}.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias struct {
		UUID       string            `json:"uuid"`
		ParentUUID string            `json:"parentUuid,omitempty"`
		Type       string            `json:"type"`
		Role       Role              `json:"role"`
		Content    []json.RawMessage `json:"content"`
		Timestamp  string            `json:"timestamp"`
		SessionID  string            `json:"sessionId"`
	}
	a := alias{
		UUID:       m.UUID,
		ParentUUID: m.ParentUUID,
		Type:       m.Type,
		Role:       m.Role,
		Timestamp:  m.Timestamp,
		SessionID:  m.SessionID,
	}
	if a.Type == "" {
		a.Type = "message"
	}
	for _, p := range m.Content {
		raw, err := marshalPart(p)
		if err != nil {
			return nil, err
		}
		a.Content = append(a.Content, raw)
	}

	out, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return mergeExtra(out, m.Extra)
}

func marshalPart(p ContentPart) (json.RawMessage, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(p.Tag())
	m["type"] = tag
	return json.Marshal(m)
}

func mergeExtra(base []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return base, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON reconstructs Message, dispatching each content element on
// its "type" tag and preserving unrecognized top-level fields in Extra.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	known := map[string]bool{
		"uuid": true, "parentUuid": true, "type": true, "role": true,
		"content": true, "timestamp": true, "sessionId": true,
	}

	if v, ok := raw["uuid"]; ok {
		json.Unmarshal(v, &m.UUID)
	}
	if v, ok := raw["parentUuid"]; ok {
		json.Unmarshal(v, &m.ParentUUID)
	}
	if v, ok := raw["type"]; ok {
		json.Unmarshal(v, &m.Type)
	}
	if v, ok := raw["role"]; ok {
		json.Unmarshal(v, &m.Role)
	}
	if v, ok := raw["timestamp"]; ok {
		json.Unmarshal(v, &m.Timestamp)
	}
	if v, ok := raw["sessionId"]; ok {
		json.Unmarshal(v, &m.SessionID)
	}

	if v, ok := raw["content"]; ok {
		var parts []json.RawMessage
		if err := json.Unmarshal(v, &parts); err != nil {
			return fmt.Errorf("content: %w", err)
		}
		for _, p := range parts {
			part, err := unmarshalPart(p)
			if err != nil {
				return err
			}
			m.Content = append(m.Content, part)
		}
	}

	for k, v := range raw {
		if !known[k] {
			if m.Extra == nil {
				m.Extra = map[string]json.RawMessage{}
			}
			m.Extra[k] = v
		}
	}
	return nil
}

func unmarshalPart(raw json.RawMessage) (ContentPart, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("content part: %w", err)
	}
	switch tag.Type {
	case "text":
		var p TextPart
		return p, json.Unmarshal(raw, &p)
	case "image":
		var p ImagePart
		return p, json.Unmarshal(raw, &p)
	case "file":
		var p FilePart
		return p, json.Unmarshal(raw, &p)
	case "reasoning":
		var p ReasoningPart
		return p, json.Unmarshal(raw, &p)
	case "tool_use":
		var p ToolUsePart
		return p, json.Unmarshal(raw, &p)
	case "tool_result":
		var p ToolResultPart
		return p, json.Unmarshal(raw, &p)
	default:
		return nil, fmt.Errorf("unknown content part type %q", tag.Type)
	}
}

// ToolUses returns the tool_use parts of a message, in order.
func (m Message) ToolUses() []ToolUsePart {
	var out []ToolUsePart
	for _, p := range m.Content {
		if tu, ok := p.(ToolUsePart); ok {
			out = append(out, tu)
		}
	}
	return out
}

// ToolResults returns the tool_result parts of a message, in order.
func (m Message) ToolResults() []ToolResultPart {
	var out []ToolResultPart
	for _, p := range m.Content {
		if tr, ok := p.(ToolResultPart); ok {
			out = append(out, tr)
		}
	}
	return out
}

// Text concatenates the text parts of a message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Content {
		if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}
