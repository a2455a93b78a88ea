package uploader

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kb-ingest/internal/models"
)

// mockStore records what reached it.
type mockStore struct {
	insertRowsFunc func(ctx context.Context, rows []models.ChunkRow) error
	insertRowFunc  func(ctx context.Context, row models.ChunkRow) error

	batchCalls int
	rowCalls   int
	stored     []models.ChunkRow
}

func (m *mockStore) InsertRows(ctx context.Context, rows []models.ChunkRow) error {
	m.batchCalls++
	if m.insertRowsFunc != nil {
		if err := m.insertRowsFunc(ctx, rows); err != nil {
			return err
		}
	}
	m.stored = append(m.stored, rows...)
	return nil
}

func (m *mockStore) InsertRow(ctx context.Context, row models.ChunkRow) error {
	m.rowCalls++
	if m.insertRowFunc != nil {
		if err := m.insertRowFunc(ctx, row); err != nil {
			return err
		}
	}
	m.stored = append(m.stored, row)
	return nil
}

func embeddedChunks(n int) []models.Chunk {
	chunks := make([]models.Chunk, n)
	for i := range chunks {
		chunks[i] = models.Chunk{
			Content:    fmt.Sprintf("content %d", i),
			ChunkIndex: i,
			SourcePDF:  "TIC Workbook 1 - Celebration.pdf",
			Metadata: models.Metadata{
				Stage:         models.StageCelebration,
				WorkbookTitle: "TIC Workbook 1 - Celebration",
				PageNumber:    i/3 + 1,
			},
			Embedding: []float32{1, 0, 0.5},
		}
	}
	return chunks
}

func TestUpload_AllBatchesSucceed(t *testing.T) {
	store := &mockStore{}
	u := New(store, 100)

	res, err := u.Upload(context.Background(), embeddedChunks(250))
	require.NoError(t, err)

	assert.Equal(t, Result{Succeeded: 250}, res)
	assert.Equal(t, 3, store.batchCalls)
	assert.Equal(t, 0, store.rowCalls)
	require.Len(t, store.stored, 250)
	for i, row := range store.stored {
		assert.Equal(t, i, row.ChunkIndex)
	}
}

func TestUpload_RowShape(t *testing.T) {
	store := &mockStore{}
	u := New(store, 10)

	_, err := u.Upload(context.Background(), embeddedChunks(1))
	require.NoError(t, err)
	require.Len(t, store.stored, 1)

	row := store.stored[0]
	assert.Equal(t, "TIC Workbook 1 - Celebration.pdf", row.SourcePDF)
	assert.Equal(t, "content 0", row.Content)
	assert.Equal(t, "[1,0,0.5]", row.Embedding)
	assert.Equal(t, map[string]any{
		"stage":         "celebration",
		"workbookTitle": "TIC Workbook 1 - Celebration",
		"pageNumber":    1,
	}, row.Metadata)

	var v pgvector.Vector
	require.NoError(t, v.Scan(row.Embedding))
	assert.Equal(t, []float32{1, 0, 0.5}, v.Slice())
}

func TestUpload_BatchFailureFallsBackToRows(t *testing.T) {
	store := &mockStore{}
	store.insertRowsFunc = func(ctx context.Context, rows []models.ChunkRow) error {
		if store.batchCalls == 2 {
			return errors.New("payload too large")
		}
		return nil
	}
	u := New(store, 4)

	res, err := u.Upload(context.Background(), embeddedChunks(10))
	require.NoError(t, err)

	assert.Equal(t, Result{Succeeded: 10}, res)
	assert.Equal(t, 3, store.batchCalls)
	assert.Equal(t, 4, store.rowCalls)
	assert.Len(t, store.stored, 10)
}

func TestUpload_ResidualFailuresAreAggregated(t *testing.T) {
	store := &mockStore{
		insertRowsFunc: func(ctx context.Context, rows []models.ChunkRow) error {
			return errors.New("connection reset")
		},
		insertRowFunc: func(ctx context.Context, row models.ChunkRow) error {
			if row.ChunkIndex%4 == 0 {
				return errors.New("invalid byte sequence")
			}
			return nil
		},
	}
	u := New(store, 5)

	res, err := u.Upload(context.Background(), embeddedChunks(12))
	require.Error(t, err)

	var upErr *UploadError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, 3, upErr.Failed)
	assert.Equal(t, 9, upErr.Succeeded)
	assert.Equal(t, Result{Succeeded: 9, Failed: 3}, res)
	assert.Contains(t, err.Error(), "3 chunks failed")
	assert.Equal(t, 12, store.rowCalls)
}

func TestUpload_MissingEmbeddingCountsAsFailed(t *testing.T) {
	store := &mockStore{}
	chunks := embeddedChunks(3)
	chunks[1].Embedding = nil
	u := New(store, 10)

	res, err := u.Upload(context.Background(), chunks)

	var upErr *UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, Result{Succeeded: 2, Failed: 1}, res)
	assert.Len(t, store.stored, 2)
}

func TestUpload_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &mockStore{
		insertRowsFunc: func(ctx context.Context, rows []models.ChunkRow) error {
			cancel()
			return nil
		},
	}

	res, err := New(store, 100).Upload(ctx, embeddedChunks(250))

	assert.ErrorIs(t, err, context.Canceled)
	var upErr *UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, Result{Succeeded: 100, Failed: 150}, res)
	assert.Equal(t, 150, upErr.Failed)
	assert.Equal(t, 1, store.batchCalls)
	assert.Equal(t, 0, store.rowCalls)
}

func TestUpload_StopsRowFallbackWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &mockStore{
		insertRowsFunc: func(ctx context.Context, rows []models.ChunkRow) error {
			return errors.New("statement timeout")
		},
		insertRowFunc: func(ctx context.Context, row models.ChunkRow) error {
			cancel()
			return nil
		},
	}

	res, err := New(store, 5).Upload(ctx, embeddedChunks(10))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Result{Succeeded: 1, Failed: 9}, res)
	assert.Equal(t, 1, store.batchCalls)
	assert.Equal(t, 1, store.rowCalls)
}

func TestUpload_Empty(t *testing.T) {
	store := &mockStore{}

	res, err := New(store, 0).Upload(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 0, store.batchCalls)
}

func TestNew_DefaultBatchSize(t *testing.T) {
	assert.Equal(t, DefaultBatchSize, New(&mockStore{}, -1).batchSize)
}
