// Package provider adapts LLM backends to one streaming interface. Each
// adapter owns its wire dialect; the stream engine upstream only ever
// sees StreamEvents.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrProviderNotFound is returned when a requested provider doesn't exist.
var ErrProviderNotFound = errors.New("provider not found")

// Message is one conversation entry in provider-neutral form: flat text
// plus tool-call structure, already collapsed from the kernel's richer
// part-based transcript.
type Message struct {
	Role         string
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall // assistant turns that requested tools
	ToolCallID   string     // tool turns: the call being answered
	FunctionName string     // tool turns: name of the called function (some dialects require it)
	CreatedAt    time.Time
	InputTokens  int // usage, assistant turns only
	OutputTokens int
}

// Tool declares one callable function to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema, passed through verbatim
}

// ToolCall is one function invocation the model requested.
type ToolCall struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Arguments        json.RawMessage `json:"arguments"`
	ThoughtSignature string          `json:"thought_signature,omitempty"`
}

// ChatResponse is a fully assembled model reply.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	Reasoning    string
	InputTokens  int
	OutputTokens int
}

// StreamEventType identifies the kind of streaming event.
type StreamEventType int

const (
	// EventContentDelta carries a chunk of text content.
	EventContentDelta StreamEventType = iota
	// EventReasoningDelta carries a chunk of reasoning/thinking content.
	EventReasoningDelta
	// EventToolCallBegin opens a tool call with its id and name.
	EventToolCallBegin
	// EventToolCallDelta carries a fragment of a tool call's arguments.
	EventToolCallDelta
	// EventUsage carries token counts.
	EventUsage
	// EventDone ends the stream.
	EventDone
	// EventError ends the stream with a failure.
	EventError
)

// StreamEvent is one unit of a streamed reply.
type StreamEvent struct {
	Type StreamEventType

	// Content is the text fragment for content/reasoning deltas.
	Content string

	// Tool-call fields. Index correlates Begin with its later Delta
	// fragments; the argument JSON arrives split across deltas.
	ToolCallIndex     int
	ToolCallID        string
	ToolCallName      string
	ToolCallSignature string
	ToolCallArgs      string

	// Usage fields.
	InputTokens  int
	OutputTokens int

	// Err is set for EventError.
	Err error
}

// Model describes one model a provider serves.
type Model struct {
	Name       string
	Size       int64
	Digest     string
	ModifiedAt time.Time
	Format     string
	Family     string
	ParamSize  string
	QuantLevel string
}

// Provider is one LLM backend.
type Provider interface {
	// Name returns the provider's identifier.
	Name() string

	// ChatStream sends messages (with optional tools) and returns the
	// event stream. The channel closes after EventDone or EventError.
	ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error)

	// ListModels returns the provider's available models.
	ListModels(ctx context.Context) ([]Model, error)

	// Close releases idle connections and resources.
	Close() error
}

// Factory constructs providers for one configured backend.
type Factory interface {
	Name() string
	Create(model string, opts Options) Provider
}

// Options holds provider generation settings. Adapters ignore knobs
// their wire dialect has no field for.
type Options struct {
	Temperature   float64
	TopP          float64
	RepeatPenalty float64
	MaxTokens     int
}

// Registry holds the configured provider factories by name.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// RegisterFactory binds name to f.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.factories[name] = f
}

// Create instantiates a provider from the named factory.
func (r *Registry) Create(name, model string, opts Options) (Provider, error) {
	f, ok := r.factories[name]
	if !ok {
		log.Error().Str("name", name).Str("model", model).Msg("provider factory not found")
		return nil, ErrProviderNotFound
	}
	return f.Create(model, opts), nil
}

// List returns the registered factory names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// TaggedModel pairs a provider name with one of its models.
type TaggedModel struct {
	ProviderName string
	Model        Model
}

// ListAllModels queries every registered provider concurrently and
// returns the combined catalog. A provider that errors contributes
// nothing rather than blocking the rest.
func (r *Registry) ListAllModels(ctx context.Context, opts Options) []TaggedModel {
	type answer struct {
		name   string
		models []Model
	}
	answers := make(chan answer, len(r.factories))
	for name := range r.factories {
		go func(name string) {
			prov := r.factories[name].Create("", opts)
			defer prov.Close()
			models, err := prov.ListModels(ctx)
			if err != nil {
				log.Warn().Str("provider", name).Err(err).Msg("model listing failed")
				answers <- answer{name: name}
				return
			}
			answers <- answer{name: name, models: models}
		}(name)
	}

	var all []TaggedModel
	for range r.factories {
		a := <-answers
		for _, m := range a.models {
			all = append(all, TaggedModel{ProviderName: a.name, Model: m})
		}
	}
	return all
}
