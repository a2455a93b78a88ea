package rag

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kb-ingest/internal/models"
)

type mockEmbedder struct {
	embedOneFunc func(ctx context.Context, text string) ([]float32, error)
	texts        []string
}

func (m *mockEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	m.texts = append(m.texts, text)
	if m.embedOneFunc != nil {
		return m.embedOneFunc(ctx, text)
	}
	return []float32{1, 0}, nil
}

type mockSearcher struct {
	searchFunc func(ctx context.Context, embedding []float32, stage string, limit int) ([]models.Match, error)
	stages     []string
	limits     []int
}

func (m *mockSearcher) SearchChunks(ctx context.Context, embedding []float32, stage string, limit int) ([]models.Match, error) {
	m.stages = append(m.stages, stage)
	m.limits = append(m.limits, limit)
	if m.searchFunc != nil {
		return m.searchFunc(ctx, embedding, stage, limit)
	}
	return []models.Match{{SourcePDF: stage + ".pdf", Similarity: 0.8}}, nil
}

func TestVerify_AllStages(t *testing.T) {
	emb := &mockEmbedder{}
	search := &mockSearcher{}
	r := NewRAG(emb, search, 3)

	results, err := r.Verify(context.Background(), TestQueries)
	require.NoError(t, err)
	require.Len(t, results, len(models.Stages))

	for i, res := range results {
		assert.Equal(t, models.Stages[i], res.Stage)
		assert.NoError(t, res.Err)
		require.Len(t, res.Matches, 1)
		assert.Equal(t, res.Stage+".pdf", res.Matches[0].SourcePDF)
	}
	assert.Equal(t, models.Stages, search.stages)
	assert.Equal(t, []int{3, 3, 3, 3, 3}, search.limits)
	assert.Len(t, emb.texts, 5)
}

func TestVerify_StageFailureDoesNotStopOthers(t *testing.T) {
	emb := &mockEmbedder{}
	search := &mockSearcher{
		searchFunc: func(ctx context.Context, embedding []float32, stage string, limit int) ([]models.Match, error) {
			if stage == models.StageSpark {
				return nil, errors.New("relation does not exist")
			}
			return nil, nil
		},
	}
	r := NewRAG(emb, search, 0)

	results, err := r.Verify(context.Background(), TestQueries)
	require.NoError(t, err)
	require.Len(t, results, 5)

	for _, res := range results {
		if res.Stage == models.StageSpark {
			assert.Error(t, res.Err)
			continue
		}
		assert.NoError(t, res.Err)
		assert.Empty(t, res.Matches)
	}
	assert.Equal(t, []int{5, 5, 5, 5, 5}, search.limits)
}

func TestQuery_EmbedError(t *testing.T) {
	emb := &mockEmbedder{
		embedOneFunc: func(ctx context.Context, text string) ([]float32, error) {
			return nil, errors.New("invalid api key")
		},
	}
	search := &mockSearcher{}
	r := NewRAG(emb, search, 5)

	_, err := r.Query(context.Background(), models.StageSpiral, "how do we grow?")
	assert.Error(t, err)
	assert.Empty(t, search.stages)
}

func TestVerify_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := NewRAG(&mockEmbedder{}, &mockSearcher{}, 5).Verify(ctx, TestQueries)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}
