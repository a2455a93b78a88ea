package embedding

import (
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"kb-ingest/internal/config"
)

// ServiceFactory builds the embedding service client. The generator calls it
// at most once.
type ServiceFactory func() (embeddings.Embedder, error)

// NewOpenAIFactory returns a factory for an OpenAI embedder. batchSize caps
// how many texts go into one request.
func NewOpenAIFactory(cfg config.OpenAIConfig, batchSize int) ServiceFactory {
	return func() (embeddings.Embedder, error) {
		e, err := NewEmbedder(cfg, batchSize)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// NewEmbedder creates a new OpenAI embedder
func NewEmbedder(cfg config.OpenAIConfig, batchSize int) (*embeddings.EmbedderImpl, error) {
	log.Debug().Interface("config", map[string]string{
		"base_url":        cfg.BaseURL,
		"embedding_model": cfg.Model,
	}).Msg("creating embedder")

	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(cfg.APIKey, "Bearer ")),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}

	embedOpts := []embeddings.Option{embeddings.WithStripNewLines(false)}
	if batchSize > 0 {
		embedOpts = append(embedOpts, embeddings.WithBatchSize(batchSize))
	}
	return embeddings.NewEmbedder(llm, embedOpts...)
}
