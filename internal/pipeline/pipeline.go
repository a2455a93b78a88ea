package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"kb-ingest/internal/helper"
	"kb-ingest/internal/models"
	"kb-ingest/internal/uploader"
)

var ErrNoChunks = errors.New("no chunks produced")

type Chunker interface {
	ChunkDocument(path string) []models.Chunk
}

type Embedder interface {
	EmbedBatch(ctx context.Context, chunks []models.Chunk, batchSize int) ([]models.Chunk, error)
}

type Uploader interface {
	Upload(ctx context.Context, chunks []models.Chunk) (uploader.Result, error)
}

type Options struct {
	// Concurrency is how many documents are chunked at once.
	Concurrency int
	// DryRun stops after embedding.
	DryRun bool
}

// Summary reports what one run did.
type Summary struct {
	RunID              string        `json:"run_id"`
	DocumentsProcessed int           `json:"documents_processed"`
	DocumentsEmpty     int           `json:"documents_empty"`
	ChunksGenerated    int           `json:"chunks_generated"`
	ChunksEmbedded     int           `json:"chunks_embedded"`
	ZeroVectors        int           `json:"zero_vectors"`
	ChunksUploaded     int           `json:"chunks_uploaded"`
	ChunksFailed       int           `json:"chunks_failed"`
	ChunksSkipped      int           `json:"chunks_skipped"`
	Duration           time.Duration `json:"duration"`
}

type Pipeline struct {
	chunker  Chunker
	embedder Embedder
	uploader Uploader
	opts     Options
}

// New wires the pipeline stages. up may be nil for dry runs.
func New(chunker Chunker, embedder Embedder, up Uploader, opts Options) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Pipeline{chunker: chunker, embedder: embedder, uploader: up, opts: opts}
}

// Run chunks, embeds and uploads the documents at paths. The summary is
// returned even when err is set; an upload with residual failures returns
// an *uploader.UploadError.
func (p *Pipeline) Run(ctx context.Context, paths []string, batchSize int) (Summary, error) {
	start := time.Now()
	var sum Summary
	if id, err := helper.GenerateUUID(); err == nil {
		sum.RunID = id
	}
	logger := log.With().Str("run_id", sum.RunID).Logger()

	if !p.opts.DryRun && p.uploader == nil {
		return sum, errors.New("no uploader configured")
	}

	chunks, err := p.chunkAll(ctx, paths, &sum, logger)
	if err != nil {
		sum.Duration = time.Since(start)
		return sum, err
	}
	logger.Info().
		Int("documents", sum.DocumentsProcessed).
		Int("chunks", sum.ChunksGenerated).
		Msg("chunking complete")
	if len(chunks) == 0 {
		sum.Duration = time.Since(start)
		return sum, ErrNoChunks
	}

	embedded, err := p.embedder.EmbedBatch(ctx, chunks, batchSize)
	if err != nil {
		sum.Duration = time.Since(start)
		return sum, fmt.Errorf("embedding generation failed: %w", err)
	}
	for _, c := range embedded {
		if !c.HasEmbedding() {
			continue
		}
		sum.ChunksEmbedded++
		if isZero(c.Embedding) {
			sum.ZeroVectors++
		}
	}
	if sum.ZeroVectors > 0 {
		logger.Warn().Int("zero_vectors", sum.ZeroVectors).Msg("some chunks fell back to the zero vector")
	}

	if p.opts.DryRun {
		sum.ChunksSkipped = len(embedded)
		sum.Duration = time.Since(start)
		logger.Info().Int("skipped", sum.ChunksSkipped).Msg("dry run, nothing uploaded")
		return sum, nil
	}

	res, err := p.uploader.Upload(ctx, embedded)
	sum.ChunksUploaded = res.Succeeded
	sum.ChunksFailed = res.Failed
	sum.Duration = time.Since(start)
	return sum, err
}

// chunkAll chunks documents in parallel, keeping input order.
func (p *Pipeline) chunkAll(ctx context.Context, paths []string, sum *Summary, logger zerolog.Logger) ([]models.Chunk, error) {
	perDoc := make([][]models.Chunk, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perDoc[i] = p.chunker.ChunkDocument(path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []models.Chunk
	for i, chunks := range perDoc {
		sum.DocumentsProcessed++
		name := filepath.Base(paths[i])
		if len(chunks) == 0 {
			sum.DocumentsEmpty++
			logger.Warn().Str("file", name).Msg("no chunks extracted")
			continue
		}
		logger.Info().Str("file", name).Int("chunks", len(chunks)).Msg("chunked document")
		sum.ChunksGenerated += len(chunks)
		all = append(all, chunks...)
	}
	return all, nil
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
