package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// OpenAIProvider implements Provider against an OpenAI-compatible HTTP
// server: POST {base}/embeddings, POST {rerank base}/rerank and GET
// {base}/models. It is safe for concurrent use.
type OpenAIProvider struct {
	// baseURL is the embeddings API base (e.g. "http://localhost:12345/v1").
	baseURL string
	// rerankURL is the rerank API base; defaults to baseURL.
	rerankURL string
	// apiKey is the optional Bearer token.
	apiKey string
	// model is the embedding model name.
	model string
	// rerankModel is the reranker model name.
	rerankModel string
	// limiter throttles outgoing calls; nil means unlimited.
	limiter *rate.Limiter
	// client is the shared HTTP client with a sensible timeout.
	client *http.Client
}

// OpenAIConfig holds the settings for constructing an OpenAIProvider.
type OpenAIConfig struct {
	// BaseURL is the embeddings API base URL.
	BaseURL string
	// RerankURL is the rerank API base URL. Empty means BaseURL.
	RerankURL string
	// APIKey is the authentication key. Optional for local servers.
	APIKey string
	// Model is the embedding model name.
	Model string
	// RerankModel is the reranker model name.
	RerankModel string
	// Timeout bounds each HTTP call (default 30s).
	Timeout time.Duration
	// RequestsPerSecond throttles calls client-side. Zero disables.
	RequestsPerSecond float64
}

// NewOpenAIProvider constructs an OpenAIProvider from the given config.
func NewOpenAIProvider(cfg *OpenAIConfig) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rerankURL := cfg.RerankURL
	if rerankURL == "" {
		rerankURL = cfg.BaseURL
	}
	p := &OpenAIProvider{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		rerankURL:   strings.TrimRight(rerankURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		rerankModel: cfg.RerankModel,
		client:      &http.Client{Timeout: timeout},
	}
	if cfg.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}
	return p
}

// Name identifies the provider in logs.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// openaiEmbedRequest is the JSON body sent to the embeddings endpoint.
type openaiEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// openaiEmbedResponse is the JSON body returned from the embeddings endpoint.
type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

// openaiRerankRequest is the JSON body sent to the rerank endpoint.
type openaiRerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
}

// openaiRerankResponse is the JSON body returned from the rerank endpoint.
// Servers disagree on the score field name, so both are accepted.
type openaiRerankResponse struct {
	Results []struct {
		Index          int      `json:"index"`
		Score          *float32 `json:"score"`
		RelevanceScore *float32 `json:"relevance_score"`
	} `json:"results"`
	Error *apiError `json:"error,omitempty"`
}

// apiError is the error object returned by OpenAI-compatible servers.
type apiError struct {
	Message string `json:"message"`
}

// Embed converts text into its embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var result openaiEmbedResponse
	err := p.postJSON(ctx, p.baseURL+"/embeddings", openaiEmbedRequest{
		Input: []string{text},
		Model: p.model,
	}, &result, func() *apiError { return result.Error })
	if err != nil {
		return nil, fmt.Errorf("openai embedder: %w", err)
	}
	if len(result.Data) == 0 || len(result.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai embedder: no embedding returned")
	}
	return result.Data[0].Embedding, nil
}

// Rerank scores docs against query with the reranker model.
func (p *OpenAIProvider) Rerank(ctx context.Context, query string, docs []string) ([]Ranked, error) {
	var result openaiRerankResponse
	err := p.postJSON(ctx, p.rerankURL+"/rerank", openaiRerankRequest{
		Query:     query,
		Documents: docs,
		Model:     p.rerankModel,
	}, &result, func() *apiError { return result.Error })
	if err != nil {
		return nil, fmt.Errorf("openai reranker: %w", err)
	}

	out := make([]Ranked, 0, len(result.Results))
	for _, r := range result.Results {
		var score float32
		switch {
		case r.Score != nil:
			score = *r.Score
		case r.RelevanceScore != nil:
			score = *r.RelevanceScore
		}
		out = append(out, Ranked{Index: r.Index, Score: score})
	}
	return out, nil
}

// Ping lists the server's models.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("openai embedder: create request: %w", err)
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET /models returned HTTP %d", ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}

// postJSON sends body to url and decodes the response into out. apiErr
// returns the decoded error object, if any, for non-2xx responses.
func (p *OpenAIProvider) postJSON(ctx context.Context, url string, body, out any, apiErr func() *apiError) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	decodeErr := json.NewDecoder(resp.Body).Decode(out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if decodeErr == nil {
			if e := apiErr(); e != nil && e.Message != "" {
				msg = e.Message
			}
		}
		return errors.New(msg)
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	return nil
}

// authorize sets the Bearer token when one is configured.
func (p *OpenAIProvider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}
