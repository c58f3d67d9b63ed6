// Package websearch implements a web search tool backed by the DuckDuckGo
// Instant Answer API, with an in-memory TTL cache to absorb repeated queries
// within a conversation.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/parlancehq/parlance/internal/agent"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultCacheTTL    = 300 // seconds
	defaultResultCount = 5
	maxResultCount     = 20
	maxCacheSize       = 1000
)

// Config controls search behavior.
type Config struct {
	// CacheTTL is how long results are cached, in seconds.
	CacheTTL int `json:"cache_ttl"`

	// DefaultResultCount is used when the model omits num_results.
	DefaultResultCount int `json:"default_result_count"`

	// UserAgent is sent with every request.
	UserAgent string `json:"user_agent"`

	// BaseURL overrides the DuckDuckGo endpoint, mainly for tests.
	BaseURL string `json:"base_url"`
}

// SearchParams are the arguments the model supplies.
type SearchParams struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
}

// SearchResult is a single search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchResponse is the formatted tool output.
type SearchResponse struct {
	Query       string         `json:"query"`
	Results     []SearchResult `json:"results"`
	ResultCount int            `json:"result_count"`
}

type cacheEntry struct {
	response  *SearchResponse
	expiresAt time.Time
}

// Tool performs web searches. Safe for concurrent use.
type Tool struct {
	config     Config
	httpClient *http.Client

	cacheMu sync.RWMutex
	cache   map[string]*cacheEntry
}

// New creates a search tool, applying defaults for zero-valued config fields.
func New(config Config) *Tool {
	if config.CacheTTL == 0 {
		config.CacheTTL = defaultCacheTTL
	}
	if config.DefaultResultCount == 0 {
		config.DefaultResultCount = defaultResultCount
	}
	if config.UserAgent == "" {
		config.UserAgent = "Mozilla/5.0 (compatible; ParlanceBot/1.0)"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.duckduckgo.com"
	}
	return &Tool{
		config:     config,
		httpClient: &http.Client{Timeout: defaultTimeout},
		cache:      make(map[string]*cacheEntry),
	}
}

// Definition returns the tool contract advertised to models.
func (t *Tool) Definition() agent.ToolDefinition {
	return agent.ToolDefinition{
		Name:        "web_search",
		Description: "Search the web for current information. Returns a ranked list of results with titles, URLs, and snippets.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {
					"type": "string",
					"description": "The search query"
				},
				"num_results": {
					"type": "integer",
					"description": "Number of results to return (default: 5, max: 20)",
					"minimum": 1,
					"maximum": 20
				}
			},
			"required": ["query"]
		}`),
		Permissions: []string{"network"},
	}
}

// Execute runs the search, serving from cache when a fresh entry exists.
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	var searchParams SearchParams
	if err := json.Unmarshal(params, &searchParams); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}

	if searchParams.Query == "" {
		return "", fmt.Errorf("query parameter is required")
	}

	if searchParams.NumResults <= 0 {
		searchParams.NumResults = t.config.DefaultResultCount
	} else if searchParams.NumResults > maxResultCount {
		searchParams.NumResults = maxResultCount
	}

	cacheKey := fmt.Sprintf("%d:%s", searchParams.NumResults, searchParams.Query)
	if cached := t.getFromCache(cacheKey); cached != nil {
		return formatResponse(cached)
	}

	response, err := t.search(ctx, &searchParams)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}

	t.putInCache(cacheKey, response)

	return formatResponse(response)
}

func formatResponse(response *SearchResponse) (string, error) {
	output, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format response: %w", err)
	}
	return string(output), nil
}

func (t *Tool) getFromCache(key string) *SearchResponse {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()

	entry, exists := t.cache[key]
	if !exists || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.response
}

func (t *Tool) putInCache(key string, response *SearchResponse) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	now := time.Now()
	for k, v := range t.cache {
		if now.After(v.expiresAt) {
			delete(t.cache, k)
		}
	}

	// Evict the entry closest to expiry if still at capacity.
	for len(t.cache) >= maxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range t.cache {
			if oldestKey == "" || v.expiresAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.expiresAt
			}
		}
		if oldestKey == "" {
			break
		}
		delete(t.cache, oldestKey)
	}

	t.cache[key] = &cacheEntry{
		response:  response,
		expiresAt: now.Add(time.Duration(t.config.CacheTTL) * time.Second),
	}
}

// search queries the DuckDuckGo Instant Answer API, which returns structured
// abstracts and related topics rather than raw SERP HTML.
func (t *Tool) search(ctx context.Context, params *SearchParams) (*SearchResponse, error) {
	instantURL := fmt.Sprintf("%s/?q=%s&format=json&no_html=1",
		t.config.BaseURL, url.QueryEscape(params.Query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instantURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", t.config.UserAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search backend returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var ddgResp struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &ddgResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]SearchResult, 0, params.NumResults)

	if ddgResp.AbstractText != "" && ddgResp.AbstractURL != "" {
		results = append(results, SearchResult{
			Title:   ddgResp.Heading,
			URL:     ddgResp.AbstractURL,
			Snippet: ddgResp.AbstractText,
		})
	}

	for _, topic := range ddgResp.RelatedTopics {
		if len(results) >= params.NumResults {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     topic.FirstURL,
			Snippet: topic.Text,
		})
	}

	return &SearchResponse{
		Query:       params.Query,
		Results:     results,
		ResultCount: len(results),
	}, nil
}
