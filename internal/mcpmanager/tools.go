package mcpmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xonecas/agentkernel/internal/message"
	"github.com/xonecas/agentkernel/internal/registry"
)

var serverNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// ToolName builds the local name for a remote tool:
// mcp__<server>__<tool>, with the server name stripped to [A-Za-z0-9_-].
func ToolName(server, tool string) string {
	return "mcp__" + serverNameSanitizer.ReplaceAllString(server, "") + "__" + tool
}

// remoteTool adapts one remote tool into a registry.Tool. All remote tools
// are network-category: they leave the machine.
type remoteTool struct {
	manager *Manager
	server  string
	def     ToolDef
}

func (t *remoteTool) Name() string        { return ToolName(t.server, t.def.Name) }
func (t *remoteTool) Description() string { return t.def.Description }

func (t *remoteTool) ParametersSchema() json.RawMessage {
	if len(t.def.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return t.def.InputSchema
}

func (t *remoteTool) Approval() registry.Approval {
	return registry.Approval{Category: registry.CategoryNetwork}
}

func (t *remoteTool) Execute(ctx context.Context, params json.RawMessage) (registry.Result, error) {
	t.manager.mu.Lock()
	sc, ok := t.manager.servers[t.server]
	t.manager.mu.Unlock()
	if !ok {
		return message.ToolResult{
			LLMContent: fmt.Sprintf("MCP server %s is not configured", t.server),
			IsError:    true,
		}, nil
	}

	sc.mu.Lock()
	cl := sc.client
	sc.mu.Unlock()
	if cl == nil {
		return message.ToolResult{
			LLMContent: fmt.Sprintf("MCP server %s is not connected", t.server),
			IsError:    true,
		}, nil
	}

	res, err := cl.CallTool(ctx, t.def.Name, params)
	if err != nil {
		return message.ToolResult{
			LLMContent: fmt.Sprintf("MCP call failed: %v", err),
			IsError:    true,
		}, nil
	}
	return message.ToolResult{
		LLMContent: NormalizeContent(res.Content),
		IsError:    res.IsError,
	}, nil
}

// NormalizeContent converts remote content blocks into ToolResult
// llmContent: blocks containing any image stay a part sequence, otherwise
// the text is joined into one string.
func NormalizeContent(blocks []ContentBlock) any {
	hasImage := false
	for _, b := range blocks {
		if b.Type == "image" {
			hasImage = true
			break
		}
	}
	if !hasImage {
		var texts []string
		for _, b := range blocks {
			if b.Type == "text" {
				texts = append(texts, b.Text)
			} else {
				texts = append(texts, fmt.Sprintf("[%s content]", b.Type))
			}
		}
		return strings.Join(texts, "\n")
	}

	var parts []message.ContentPart
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, message.TextPart{Text: b.Text})
		case "image":
			parts = append(parts, message.ImagePart{Data: b.Data, MimeType: b.MimeType})
		default:
			parts = append(parts, message.TextPart{Text: fmt.Sprintf("[%s content]", b.Type)})
		}
	}
	return parts
}

// Tools returns every connected server's tools as registry.Tool values.
// Satisfies registry.McpSource.
func (m *Manager) Tools() []registry.Tool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []registry.Tool
	for name, sc := range m.servers {
		sc.mu.Lock()
		if sc.state.Status == StatusConnected {
			for _, def := range sc.state.Tools {
				out = append(out, &remoteTool{manager: m, server: name, def: def})
			}
		}
		sc.mu.Unlock()
	}
	return out
}
