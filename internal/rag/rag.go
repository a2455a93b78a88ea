package rag

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"kb-ingest/internal/models"
)

// TestQueries holds one representative question per stage.
var TestQueries = []StageQuery{
	{Stage: models.StageCelebration, Query: "How do I enjoy being single and celebrate my independence?"},
	{Stage: models.StageConnection, Query: "What should I look for in a potential partner?"},
	{Stage: models.StageSpark, Query: "We just started dating, how do I keep the excitement alive?"},
	{Stage: models.StagePayOff, Query: "How do we maintain a strong committed relationship?"},
	{Stage: models.StageSpiral, Query: "We've been together for years, how do we keep growing together?"},
}

type StageQuery struct {
	Stage string
	Query string
}

// QueryEmbedder embeds a single query text.
type QueryEmbedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Searcher finds the chunks of a stage nearest to an embedding.
type Searcher interface {
	SearchChunks(ctx context.Context, embedding []float32, stage string, limit int) ([]models.Match, error)
}

// StageResult is the outcome of one verification query.
type StageResult struct {
	StageQuery
	Matches []models.Match
	Err     error
}

type RAG struct {
	embedder QueryEmbedder
	searcher Searcher
	limit    int
}

func NewRAG(embedder QueryEmbedder, searcher Searcher, limit int) *RAG {
	if limit <= 0 {
		limit = 5
	}
	return &RAG{embedder: embedder, searcher: searcher, limit: limit}
}

// Query embeds text and returns the closest chunks of stage.
func (r *RAG) Query(ctx context.Context, stage, text string) ([]models.Match, error) {
	vec, err := r.embedder.EmbedOne(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	matches, err := r.searcher.SearchChunks(ctx, vec, stage, r.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search stage %s: %w", stage, err)
	}
	return matches, nil
}

// Verify runs every query and reports per stage. A failing stage does not
// stop the others; the returned error is set only for a cancelled context.
func (r *RAG) Verify(ctx context.Context, queries []StageQuery) ([]StageResult, error) {
	results := make([]StageResult, 0, len(queries))
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		matches, err := r.Query(ctx, q.Stage, q.Query)
		if err != nil {
			log.Error().Err(err).Str("stage", q.Stage).Msg("verification query failed")
		} else if len(matches) == 0 {
			log.Warn().Str("stage", q.Stage).Msg("no chunks found for stage")
		}
		results = append(results, StageResult{StageQuery: q, Matches: matches, Err: err})
	}
	return results, nil
}
