package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/agentkernel/internal/message"
	"github.com/xonecas/agentkernel/internal/registry"
	"github.com/xonecas/agentkernel/internal/store"
	"golang.org/x/net/html"
)

const noSearchResults = "No results found."

// WebFetchArgs are the arguments to the WebFetch tool.
type WebFetchArgs struct {
	URL      string `json:"url"`
	MaxChars int    `json:"max_chars,omitempty"`
}

const webFetchSchema = `{
	"type": "object",
	"properties": {
		"url":       {"type": "string", "description": "The URL to fetch."},
		"max_chars": {"type": "integer", "description": "Maximum characters to return. Default: 10000"}
	},
	"required": ["url"]
}`

// WebFetch is the WebFetch tool (category network): fetches a URL
// and returns cleaned text, cached in the shared TTL store.
type WebFetch struct {
	cache  *store.Cache
	client *http.Client
}

// NewWebFetch creates the WebFetch tool backed by cache.
func NewWebFetch(cache *store.Cache) *WebFetch {
	return &WebFetch{cache: cache, client: &http.Client{Timeout: 15 * time.Second}}
}

func (w *WebFetch) Name() string { return "WebFetch" }
func (w *WebFetch) Description() string {
	return "Fetch a URL and return its content as cleaned text (HTML tags, scripts, and styles stripped). Results are cached."
}
func (w *WebFetch) ParametersSchema() json.RawMessage { return json.RawMessage(webFetchSchema) }
func (w *WebFetch) Approval() registry.Approval       { return registry.Approval{Category: registry.CategoryNetwork} }

func (w *WebFetch) Execute(ctx context.Context, params json.RawMessage) (registry.Result, error) {
	var args WebFetchArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return errResult("Invalid arguments: %v", err), nil
	}
	if args.URL == "" {
		return errResult("url is required"), nil
	}
	if args.MaxChars <= 0 {
		args.MaxChars = 10000
	}

	if cached, ok := w.cache.GetFetch(args.URL); ok {
		log.Debug().Str("url", args.URL).Msg("WebFetch cache hit")
		return message.ToolResult{LLMContent: truncate(cached, args.MaxChars)}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return errResult("Bad URL: %v", err), nil
	}
	req.Header.Set("User-Agent", "AgentKernel/0.1")
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.5")

	resp, err := w.client.Do(req)
	if err != nil {
		return errResult("Fetch failed: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errResult("HTTP %d: %s", resp.StatusCode, resp.Status), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errResult("Read failed: %v", err), nil
	}

	contentType := resp.Header.Get("Content-Type")
	var text string
	if strings.Contains(contentType, "text/html") {
		text = extractText(body)
	} else {
		text = string(body)
	}

	w.cache.SetFetch(args.URL, text)
	return message.ToolResult{LLMContent: truncate(text, args.MaxChars)}, nil
}

// --- WebSearch ---

// WebSearchArgs are the arguments to the WebSearch tool.
type WebSearchArgs struct {
	Query          string   `json:"query"`
	NumResults     int      `json:"num_results,omitempty"`
	Type           string   `json:"type,omitempty"`
	IncludeDomains []string `json:"include_domains,omitempty"`
}

type exaSearchRequest struct {
	Query          string            `json:"query"`
	Type           string            `json:"type"`
	NumResults     int               `json:"numResults"`
	Contents       exaSearchContents `json:"contents"`
	IncludeDomains []string          `json:"includeDomains,omitempty"`
}

type exaSearchContents struct {
	Text exaTextOptions `json:"text"`
}

type exaTextOptions struct {
	MaxCharacters int `json:"maxCharacters"`
}

type exaSearchResponse struct {
	Results []exaResult `json:"results"`
}

type exaResult struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Text          string `json:"text"`
	PublishedDate string `json:"publishedDate,omitempty"`
}

const exaDefaultEndpoint = "https://api.exa.ai/search"

const webSearchSchema = `{
	"type": "object",
	"properties": {
		"query":           {"type": "string", "description": "Search query."},
		"num_results":     {"type": "integer", "description": "Number of results to return. Default: 5"},
		"type":            {"type": "string", "description": "Search type: \"auto\" (default), \"fast\", or \"deep\".", "enum": ["auto", "fast", "deep"]},
		"include_domains": {"type": "array", "items": {"type": "string"}, "description": "Only include results from these domains."}
	},
	"required": ["query"]
}`

// WebSearch is the WebSearch tool (category network): searches the
// web via the Exa AI API, cached in the shared TTL store.
type WebSearch struct {
	cache    *store.Cache
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewWebSearch creates the WebSearch tool. endpoint == "" uses Exa's
// default search URL.
func NewWebSearch(cache *store.Cache, apiKey, endpoint string) *WebSearch {
	if endpoint == "" {
		endpoint = exaDefaultEndpoint
	}
	return &WebSearch{cache: cache, apiKey: apiKey, endpoint: endpoint, client: &http.Client{Timeout: 15 * time.Second}}
}

func (w *WebSearch) Name() string { return "WebSearch" }
func (w *WebSearch) Description() string {
	return "Search the web using Exa AI. Use this to look up documentation, APIs, libraries, or current information. Results are cached."
}
func (w *WebSearch) ParametersSchema() json.RawMessage { return json.RawMessage(webSearchSchema) }
func (w *WebSearch) Approval() registry.Approval       { return registry.Approval{Category: registry.CategoryNetwork} }

func (w *WebSearch) Execute(ctx context.Context, params json.RawMessage) (registry.Result, error) {
	var args WebSearchArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return errResult("Invalid arguments: %v", err), nil
	}
	if args.Query == "" {
		return errResult("query is required"), nil
	}
	if w.apiKey == "" {
		return errResult("Exa AI API key not configured (providers.exa_ai.api_key)"), nil
	}
	if args.NumResults <= 0 {
		args.NumResults = 5
	}
	if args.Type == "" {
		args.Type = "auto"
	}

	exactKey := fmt.Sprintf("%s|n=%d|t=%s|d=%s",
		args.Query, args.NumResults, args.Type, strings.Join(args.IncludeDomains, ","))

	if cached, ok := w.cache.GetSearch(exactKey); ok {
		log.Debug().Str("query", args.Query).Msg("WebSearch exact cache hit")
		return message.ToolResult{LLMContent: cached}, nil
	}
	if cached, ok := w.cache.SearchCachedContent(args.Query); ok {
		log.Debug().Str("query", args.Query).Msg("WebSearch content cache hit")
		return message.ToolResult{LLMContent: cached}, nil
	}

	body := exaSearchRequest{
		Query:          args.Query,
		Type:           args.Type,
		NumResults:     args.NumResults,
		Contents:       exaSearchContents{Text: exaTextOptions{MaxCharacters: 2000}},
		IncludeDomains: args.IncludeDomains,
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return errResult("Marshal failed: %v", err), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return errResult("Request failed: %v", err), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", w.apiKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return errResult("Search failed: %v", err), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errResult("Read response failed: %v", err), nil
	}
	if resp.StatusCode >= 400 {
		return errResult("Exa API error %d: %s", resp.StatusCode, string(respBody)), nil
	}

	var exaResp exaSearchResponse
	if err := json.Unmarshal(respBody, &exaResp); err != nil {
		return errResult("Parse response failed: %v", err), nil
	}

	result := formatSearchResults(exaResp.Results)
	w.cache.SetSearch(exactKey, result)
	return message.ToolResult{LLMContent: result}, nil
}

func formatSearchResults(results []exaResult) string {
	if len(results) == 0 {
		return noSearchResults
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d result(s):\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&b, "\n--- %d. %s ---\n", i+1, r.Title)
		fmt.Fprintf(&b, "URL: %s\n", r.URL)
		if r.PublishedDate != "" {
			fmt.Fprintf(&b, "Published: %s\n", r.PublishedDate)
		}
		if r.Text != "" {
			b.WriteString(r.Text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func isSkipTag(tag string) bool {
	return tag == "script" || tag == "style" || tag == "noscript"
}

func extractText(data []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(data))
	var b strings.Builder
	skip := 0

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			return collapseWhitespace(b.String())
		}
		tn, _ := tokenizer.TagName()
		tag := string(tn)

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			if isSkipTag(tag) {
				skip++
			}
			if isBlockElement(tag) && b.Len() > 0 {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			if isSkipTag(tag) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(tokenizer.Text())
			}
		}
	}
}

func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "br", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "tr", "td", "th", "blockquote", "pre", "hr",
		"header", "footer", "section", "article", "nav", "main":
		return true
	}
	return false
}

func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blanks := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			blanks++
			if blanks <= 1 {
				out = append(out, "")
			}
			continue
		}
		blanks = 0
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "\n\n[Truncated]"
}
