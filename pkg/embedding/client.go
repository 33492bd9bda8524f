// Package embedding provides clients that turn text into fixed-dimension vectors.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"docuvector-go/internal/config"
	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/log"
)

// Embedder maps a chunk of text to a vector of Dimensions() floats.
//
// Errors are classified with errs.TransientService (retryable: network, 429, 5xx)
// and errs.PermanentService (the model rejected the input).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// New builds the embedder selected by cfg.Provider and wraps it with rate limiting and retries.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	var base Embedder
	switch cfg.Provider {
	case "", "openai":
		base = NewOpenAIClient(cfg, nil)
	case "ollama":
		o, err := NewOllama(cfg)
		if err != nil {
			return nil, err
		}
		base = o
	default:
		return nil, errs.Errorf(errs.Configuration, "embedding.new", "unknown embedding provider %q", cfg.Provider)
	}
	if cfg.RateLimit > 0 {
		base = WithRateLimit(base, cfg.RateLimit)
	}
	if cfg.MaxRetries > 0 {
		base = WithRetry(base, cfg.MaxRetries, cfg.RetryBackoff)
	}
	return base, nil
}

// OpenAIClient calls an OpenAI-compatible /embeddings endpoint.
type OpenAIClient struct {
	cfg    config.EmbeddingConfig
	client *http.Client
}

// NewOpenAIClient creates a client for an OpenAI-compatible API. A nil httpClient uses a client with cfg.Timeout.
func NewOpenAIClient(cfg config.EmbeddingConfig, httpClient *http.Client) *OpenAIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAIClient{cfg: cfg, client: httpClient}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Dimensions returns the configured vector size.
func (c *OpenAIClient) Dimensions() int { return c.cfg.Dimensions }

// Embed calls the API to get the vector for a given text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "embedding.openai"
	if strings.TrimSpace(text) == "" {
		return nil, errs.Errorf(errs.InvalidInput, op, "cannot embed empty text")
	}
	log.Debugf("[EmbeddingClient] 开始调用 Embedding API, model: %s, input_len: %d", c.cfg.Model, len(text))

	reqBytes, err := json.Marshal(embeddingRequest{
		Model:      c.cfg.Model,
		Input:      []string{text},
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		return nil, errs.E(errs.Other, op, fmt.Errorf("failed to marshal embedding request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, errs.E(errs.Configuration, op, fmt.Errorf("failed to create embedding request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errs.E(errs.Other, op, ctxErr)
		}
		return nil, errs.E(errs.TransientService, op, fmt.Errorf("failed to call embedding api: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.E(errs.TransientService, op, fmt.Errorf("failed to read embedding response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(op, resp.StatusCode, body)
	}

	var embeddingResp embeddingResponse
	if err := json.Unmarshal(body, &embeddingResp); err != nil {
		return nil, errs.E(errs.PermanentService, op, fmt.Errorf("failed to decode embedding response: %w", err))
	}
	if len(embeddingResp.Data) == 0 || len(embeddingResp.Data[0].Embedding) == 0 {
		return nil, errs.Errorf(errs.PermanentService, op, "received empty embedding from api")
	}
	vec := embeddingResp.Data[0].Embedding
	if c.cfg.Dimensions > 0 && len(vec) != c.cfg.Dimensions {
		return nil, errs.E(errs.PermanentService, op, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), c.cfg.Dimensions))
	}
	return vec, nil
}

func classifyStatus(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var parsed embeddingResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}
	err := fmt.Errorf("embedding api returned status %d: %s", status, msg)
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return errs.E(errs.TransientService, op, err)
	}
	return errs.E(errs.PermanentService, op, err)
}

// ErrDimensionMismatch is wrapped by embedders that validate the returned vector length.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")
