package turnloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/xonecas/agentkernel/internal/provider"
	"github.com/xonecas/agentkernel/internal/streamengine"
)

// compactFraction of the model's context limit at which the request is
// compacted before sending.
const compactFraction = 0.8

// keepRecentMessages is how many trailing messages survive compaction
// verbatim; everything earlier is folded into one summary note.
const keepRecentMessages = 6

// Compactor summarizes older conversation history into a single note. The
// transcript on disk is never touched — compaction rewrites only the
// request about to be sent.
type Compactor interface {
	Summarize(ctx context.Context, messages []provider.Message) (string, error)
}

// maybeCompact checks the projected prompt size against the model's
// context budget and, when it overflows, replaces everything before the
// last few messages with one summary note. Returns (nil, "", nil) when no
// compaction was needed.
func maybeCompact(ctx context.Context, opts Options, prompt []provider.Message) ([]provider.Message, string, error) {
	limit := int(float64(opts.Model.ContextLimit()) * compactFraction)
	if estimateTokens(prompt)+estimateText(opts.SystemPrompt) <= limit {
		return nil, "", nil
	}
	if len(prompt) <= keepRecentMessages+1 {
		return nil, "", nil
	}

	cut := len(prompt) - keepRecentMessages
	// Never split an assistant message from its tool results.
	for cut < len(prompt) && prompt[cut].Role == "tool" {
		cut++
	}
	if cut <= 0 || cut >= len(prompt) {
		return nil, "", nil
	}

	summary, err := opts.Compactor.Summarize(ctx, prompt[:cut])
	if err != nil {
		return nil, "", err
	}

	note := provider.Message{
		Role:    "user",
		Content: "<conversation-summary>\nThe earlier part of this conversation was compacted. Summary:\n" + summary + "\n</conversation-summary>",
	}
	out := make([]provider.Message, 0, 1+len(prompt)-cut)
	out = append(out, note)
	out = append(out, prompt[cut:]...)
	return out, summary, nil
}

// estimateTokens approximates prompt size at four characters per token.
func estimateTokens(messages []provider.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateText(m.Content) + estimateText(m.Reasoning)
		for _, tc := range m.ToolCalls {
			total += estimateText(tc.Name) + estimateText(string(tc.Arguments))
		}
	}
	return total
}

func estimateText(s string) int {
	return len(s) / 4
}

// ModelCompactor summarizes with a dedicated (typically small) model.
type ModelCompactor struct {
	Provider provider.Provider
	Model    streamengine.ModelInfo
}

const summarizePrompt = `Summarize the conversation so far for continued work. Capture: the user's goals, decisions made, files touched and their state, tool results that still matter, and open items. Be dense and factual; omit pleasantries.`

// Summarize folds the given history into one summary string.
func (c *ModelCompactor) Summarize(ctx context.Context, messages []provider.Message) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "\n[called %s(%s)]", tc.Name, tc.Arguments)
		}
		b.WriteString("\n")
	}

	res, err := streamengine.Run(ctx, streamengine.Request{
		Provider:     c.Provider,
		Model:        c.Model,
		SystemPrompt: summarizePrompt,
		Messages:     []provider.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return res.Response.Content, nil
}
