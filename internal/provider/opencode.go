package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// OpenCodeProvider streams from the OpenCode gateway. The gateway fronts
// several model families behind two dialects: most models speak
// chat-completions, while gpt-family models are served on /responses.
type OpenCodeProvider struct {
	name        string
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	model       string
	temperature float64
}

func NewOpenCode(endpoint, model, apiKey string) *OpenCodeProvider {
	return NewOpenCodeWithTemp("opencode", endpoint, model, apiKey, 0.7)
}

func NewOpenCodeWithTemp(name, endpoint, model, apiKey string, temperature float64) *OpenCodeProvider {
	return &OpenCodeProvider{
		name:        name,
		baseURL:     strings.TrimRight(endpoint, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{},
		model:       model,
		temperature: temperature,
	}
}

func (p *OpenCodeProvider) Name() string {
	return p.name
}

// usesResponsesDialect routes gpt-family models to /responses.
func (p *OpenCodeProvider) usesResponsesDialect() bool {
	return strings.HasPrefix(p.model, "gpt-") || strings.HasPrefix(p.model, "o1")
}

func (p *OpenCodeProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	var body []byte
	var path string
	if p.usesResponsesDialect() {
		temp := float32(p.temperature)
		raw, err := json.Marshal(respRequest{
			Model:       p.model,
			Input:       toResponsesInput(messages),
			Tools:       toResponsesTools(tools),
			Temperature: &temp,
			Stream:      true,
		})
		if err != nil {
			return nil, err
		}
		body, path = raw, "/responses"
	} else {
		raw, err := json.Marshal(wireChatRequest{
			Model:         p.model,
			Messages:      toWireMessages(messages),
			Tools:         toWireTools(tools),
			Temperature:   float32(p.temperature),
			Stream:        true,
			StreamOptions: &streamOptions{IncludeUsage: true},
		})
		if err != nil {
			return nil, err
		}
		body, path = raw, "/chat/completions"
	}

	reader, err := openSSE(ctx, sseConn{
		client:   p.httpClient,
		url:      p.baseURL + path,
		body:     body,
		headers:  p.authHeaders(),
		provider: p.name,
		model:    p.model,
	})
	if err != nil {
		return nil, err
	}

	responses := p.usesResponsesDialect()
	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer reader.Close()
		if responses {
			streamResponsesEvents(ctx, reader, ch)
		} else {
			streamChatChunks(ctx, reader, ch)
		}
	}()
	return ch, nil
}

func (p *OpenCodeProvider) ListModels(ctx context.Context) ([]Model, error) {
	return listWireModels(ctx, p.httpClient, p.baseURL+"/models", p.authHeaders())
}

func (p *OpenCodeProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *OpenCodeProvider) authHeaders() map[string]string {
	if p.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}
