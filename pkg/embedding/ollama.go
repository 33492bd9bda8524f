package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"

	"docuvector-go/internal/config"
	"docuvector-go/pkg/errs"
)

type queryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Ollama embeds text with a local Ollama model through langchaingo.
type Ollama struct {
	embedder   queryEmbedder
	dimensions int
}

// NewOllama connects to the Ollama server at cfg.BaseURL using cfg.Model.
func NewOllama(cfg config.EmbeddingConfig) (*Ollama, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, errs.E(errs.Configuration, "embedding.ollama", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, errs.E(errs.Configuration, "embedding.ollama", err)
	}
	return &Ollama{embedder: embedder, dimensions: cfg.Dimensions}, nil
}

// Dimensions returns the configured vector size.
func (o *Ollama) Dimensions() int { return o.dimensions }

// Embed returns the embedding of text.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "embedding.ollama"
	if strings.TrimSpace(text) == "" {
		return nil, errs.Errorf(errs.InvalidInput, op, "cannot embed empty text")
	}
	vec, err := o.embedder.EmbedQuery(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.E(errs.Other, op, ctx.Err())
		}
		var netErr net.Error
		if errors.As(err, &netErr) || strings.Contains(err.Error(), "connection refused") {
			return nil, errs.E(errs.TransientService, op, err)
		}
		return nil, errs.E(errs.PermanentService, op, err)
	}
	if o.dimensions > 0 && len(vec) != o.dimensions {
		return nil, errs.E(errs.PermanentService, op, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), o.dimensions))
	}
	return vec, nil
}
