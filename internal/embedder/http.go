package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPEmbedder calls a configured embeddings endpoint: POST a JSON body
// of {input, model}, read back a data array of float vectors keyed by
// index. Any OpenAI-compatible embeddings endpoint (OpenAI itself, a
// local proxy, a self-hosted model server) fits this shape.
type HTTPEmbedder struct {
	apiKey   string
	model    string
	endpoint string
	dim      int
	client   *http.Client
	healthy  atomic.Bool
}

// HTTPOption configures the HTTP embedder.
type HTTPOption func(*HTTPEmbedder)

// WithEndpoint overrides the default embeddings endpoint.
func WithEndpoint(endpoint string) HTTPOption {
	return func(d *HTTPEmbedder) { d.endpoint = endpoint }
}

// WithTimeout overrides the default HTTP client timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(e *HTTPEmbedder) { e.client.Timeout = d }
}

// NewHTTPEmbedder creates an HTTP-backed embedding driver. dim is the
// vector length the caller expects back; it is not validated against
// the provider's actual response beyond trimming to this length.
func NewHTTPEmbedder(apiKey, model string, dim int, opts ...HTTPOption) *HTTPEmbedder {
	d := &HTTPEmbedder{
		apiKey:   apiKey,
		model:    model,
		endpoint: "https://api.openai.com/v1/embeddings",
		dim:      dim,
		client:   &http.Client{Timeout: 20 * time.Second},
	}
	d.healthy.Store(true)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *HTTPEmbedder) Dim() int        { return d.dim }
func (d *HTTPEmbedder) Available() bool { return d.healthy.Load() }

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data  []embedDatum `json:"data"`
	Error *embedError  `json:"error,omitempty"`
}

type embedDatum struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embedError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Embed requests a single-text embedding. Marks the driver unavailable
// on any transport or API-level failure so the search engine can fall
// back to Jaccard similarity without repeatedly blocking on a dead
// endpoint.
func (d *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Input: []string{text}, Model: d.model})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		d.healthy.Store(false)
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		d.healthy.Store(false)
		return nil, fmt.Errorf("read embed response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		d.healthy.Store(false)
		return nil, fmt.Errorf("embeddings endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result embedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		d.healthy.Store(false)
		return nil, fmt.Errorf("unmarshal embed response: %w", err)
	}
	if result.Error != nil {
		d.healthy.Store(false)
		return nil, fmt.Errorf("embeddings endpoint error: %s (%s)", result.Error.Message, result.Error.Type)
	}
	if len(result.Data) == 0 {
		d.healthy.Store(false)
		return nil, fmt.Errorf("embeddings endpoint returned no data")
	}

	d.healthy.Store(true)
	vec := result.Data[0].Embedding
	if len(vec) > d.dim {
		vec = vec[:d.dim]
	}
	return vec, nil
}
