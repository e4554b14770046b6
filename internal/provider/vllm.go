package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// VLLMProvider streams from a vLLM server. The wire is OpenAI-compatible
// with vLLM's extra sampling knobs (repetition penalty) passed through.
type VLLMProvider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	model      string
	opts       Options
}

func NewVLLM(endpoint, model, apiKey string) *VLLMProvider {
	return NewVLLMWithTemp("vllm", endpoint, model, apiKey, Options{Temperature: 0.7})
}

func NewVLLMWithTemp(name, endpoint, model, apiKey string, opts Options) *VLLMProvider {
	return &VLLMProvider{
		name:       name,
		baseURL:    strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		model:      model,
		opts:       opts,
	}
}

func (p *VLLMProvider) Name() string {
	return p.name
}

func (p *VLLMProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	body, err := json.Marshal(wireChatRequest{
		Model:             p.model,
		Messages:          toWireMessages(messages),
		Tools:             toWireTools(tools),
		Temperature:       float32(p.opts.Temperature),
		TopP:              float32(p.opts.TopP),
		RepetitionPenalty: float32(p.opts.RepeatPenalty),
		MaxTokens:         p.opts.MaxTokens,
		Stream:            true,
		StreamOptions:     &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, err
	}

	reader, err := openSSE(ctx, sseConn{
		client:   p.httpClient,
		url:      p.baseURL + "/chat/completions",
		body:     body,
		headers:  p.authHeaders(),
		provider: p.name,
		model:    p.model,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer reader.Close()
		streamChatChunks(ctx, reader, ch)
	}()
	return ch, nil
}

func (p *VLLMProvider) ListModels(ctx context.Context) ([]Model, error) {
	return listWireModels(ctx, p.httpClient, p.baseURL+"/models", p.authHeaders())
}

func (p *VLLMProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *VLLMProvider) authHeaders() map[string]string {
	if p.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}
