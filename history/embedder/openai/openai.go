// Package openai provides an Embedder backed by OpenAI's embedding API.
package openai

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// Config contains configuration for the OpenAI embedder.
type Config struct {
	// APIKey is the OpenAI API key.
	APIKey string

	// BaseURL overrides the API endpoint (OpenAI-compatible servers).
	BaseURL string

	// Model is the embedding model to use.
	// Default is text-embedding-3-small.
	Model openai.EmbeddingModel

	// Dimensions is the embedding dimension.
	// Default is 1536 for text-embedding-3-small.
	Dimensions int
}

// Embedder implements history.Embedder using OpenAI's embedding API.
type Embedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// New creates a new OpenAI embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.SmallEmbedding3
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Embedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed converts a single text into a vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      e.model,
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	if got := len(resp.Data[0].Embedding); got != e.dimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", got, e.dimensions)
	}
	return resp.Data[0].Embedding, nil
}

// Dimensions returns the dimension of the embedding vectors.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
