package uploader

import (
	"context"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"

	"kb-ingest/internal/models"
)

const DefaultBatchSize = 100

// Store persists chunk rows. Both calls share the same row shape.
type Store interface {
	InsertRows(ctx context.Context, rows []models.ChunkRow) error
	InsertRow(ctx context.Context, row models.ChunkRow) error
}

// Result holds cumulative counts for one Upload call.
type Result struct {
	Succeeded int
	Failed    int
}

// UploadError reports that some records could not be stored even after the
// per-record retry. Succeeded records stay stored.
type UploadError struct {
	Succeeded int
	Failed    int
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%d chunks failed to upload (%d succeeded)", e.Failed, e.Succeeded)
}

type Uploader struct {
	store     Store
	batchSize int
}

func New(store Store, batchSize int) *Uploader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Uploader{store: store, batchSize: batchSize}
}

// ToRow converts a chunk to its storage shape with the embedding in pgvector
// text form.
func ToRow(c models.Chunk) models.ChunkRow {
	return models.ChunkRow{
		SourcePDF:  c.SourcePDF,
		ChunkIndex: c.ChunkIndex,
		Content:    c.Content,
		Embedding:  pgvector.NewVector(c.Embedding).String(),
		Metadata:   c.Metadata.ToMap(),
	}
}

// Upload inserts chunks batch by batch. When a batch insert fails each of its
// rows is inserted on its own. Chunks without an embedding are counted as
// failed and never sent. A non-zero failure count is returned as an
// *UploadError alongside the counts. Once ctx is done nothing more is sent:
// the remaining chunks count as failed and the context error is joined to
// the UploadError.
func (u *Uploader) Upload(ctx context.Context, chunks []models.Chunk) (Result, error) {
	var res Result
	total := len(chunks)

	for start := 0; start < total; start += u.batchSize {
		if err := ctx.Err(); err != nil {
			res.Failed += total - start
			log.Error().Err(err).Int("unsent", total-start).Msg("upload cancelled")
			return res, errors.Join(err, &UploadError{Succeeded: res.Succeeded, Failed: res.Failed})
		}
		end := min(start+u.batchSize, total)

		rows := make([]models.ChunkRow, 0, end-start)
		for _, c := range chunks[start:end] {
			if !c.HasEmbedding() {
				log.Error().Str("source", c.SourcePDF).Int("chunk_index", c.ChunkIndex).Msg("chunk has no embedding, skipping")
				res.Failed++
				continue
			}
			rows = append(rows, ToRow(c))
		}
		if len(rows) == 0 {
			continue
		}

		err := u.store.InsertRows(ctx, rows)
		if err == nil {
			res.Succeeded += len(rows)
			log.Info().Int("uploaded", end).Int("total", total).Msg("uploaded batch")
			continue
		}
		log.Warn().Err(err).Int("from", start).Int("to", end).Msg("batch insert failed, retrying rows individually")

		for i, row := range rows {
			if ctxErr := ctx.Err(); ctxErr != nil {
				res.Failed += len(rows) - i + total - end
				log.Error().Err(ctxErr).Int("unsent", len(rows)-i+total-end).Msg("upload cancelled")
				return res, errors.Join(ctxErr, &UploadError{Succeeded: res.Succeeded, Failed: res.Failed})
			}
			if err := u.store.InsertRow(ctx, row); err != nil {
				log.Error().Err(err).Str("source", row.SourcePDF).Int("chunk_index", row.ChunkIndex).Msg("failed to upload chunk")
				res.Failed++
				continue
			}
			res.Succeeded++
		}
	}

	log.Info().Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg("upload complete")
	if res.Failed > 0 {
		return res, &UploadError{Succeeded: res.Succeeded, Failed: res.Failed}
	}
	return res, nil
}
