package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"

	"kb-ingest/internal/config"
	"kb-ingest/internal/models"
)

// Generator embeds chunk text through a lazily created service client.
type Generator struct {
	cfg     config.EmbeddingConfig
	factory ServiceFactory

	once    sync.Once
	svc     embeddings.Embedder
	initErr error
}

func NewGenerator(cfg config.EmbeddingConfig, factory ServiceFactory) *Generator {
	return &Generator{cfg: cfg, factory: factory}
}

func (g *Generator) client() (embeddings.Embedder, error) {
	g.once.Do(func() {
		if g.factory == nil {
			g.initErr = errors.New("no embedding service configured")
			return
		}
		g.svc, g.initErr = g.factory()
		if g.initErr != nil {
			g.initErr = fmt.Errorf("failed to create embedding client: %w", g.initErr)
		}
	})
	return g.svc, g.initErr
}

// ZeroVector is the fallback embedding for blank or unembeddable text.
func (g *Generator) ZeroVector() []float32 {
	return make([]float32, g.cfg.Dimensions)
}

// EmbedOne embeds a single text. Blank text yields the zero vector without a
// service call. Rate limit errors are retried with exponential backoff,
// anything else is returned immediately.
func (g *Generator) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return g.ZeroVector(), nil
	}

	svc, err := g.client()
	if err != nil {
		return nil, err
	}

	text = truncate(text, g.cfg.MaxChars)
	maxAttempts := max(g.cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		vec, err := svc.EmbedQuery(ctx, text)
		if err == nil {
			if len(vec) == 0 {
				return nil, ErrEmptyResponse
			}
			return vec, nil
		}
		if !IsRateLimit(err) {
			return nil, fmt.Errorf("embedding request failed: %w", err)
		}

		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}

		wait := g.cfg.BackoffBase << attempt
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("wait", wait).Msg("rate limited, backing off")
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("still rate limited after %d attempts: %w", maxAttempts, lastErr)
}

// EmbedBatch returns a copy of chunks with every Embedding set. Each window
// of batchSize chunks is sent in one request; a failed window is retried
// chunk by chunk and a chunk that still fails gets the zero vector. Only a
// client that cannot be created or a cancelled context is reported as an
// error.
func (g *Generator) EmbedBatch(ctx context.Context, chunks []models.Chunk, batchSize int) ([]models.Chunk, error) {
	if batchSize <= 0 {
		batchSize = g.cfg.BatchSize
	}
	out := make([]models.Chunk, len(chunks))
	copy(out, chunks)
	if len(out) == 0 {
		return out, nil
	}

	svc, err := g.client()
	if err != nil {
		return nil, err
	}

	total := len(out)
	for start := 0; start < total; start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batchSize, total)
		window := out[start:end]

		texts := make([]string, len(window))
		for i, c := range window {
			texts[i] = truncate(c.Content, g.cfg.MaxChars)
		}

		vecs, err := svc.EmbedDocuments(ctx, texts)
		if err == nil && validBatch(vecs, len(window)) {
			for i := range window {
				window[i].Embedding = vecs[i]
			}
			log.Debug().Int("done", end).Int("total", total).Msg("embedded batch")
			continue
		}
		if err == nil {
			err = fmt.Errorf("got %d vectors for %d texts", len(vecs), len(window))
		}
		log.Warn().Err(err).Int("from", start).Int("to", end).Msg("batch embedding failed, falling back to single requests")

		for i := range window {
			vec, err := g.EmbedOne(ctx, window[i].Content)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				log.Error().Err(err).
					Str("source", window[i].SourcePDF).
					Int("chunk_index", window[i].ChunkIndex).
					Msg("failed to embed chunk, using zero vector")
				vec = g.ZeroVector()
			}
			window[i].Embedding = vec
		}
	}
	return out, nil
}

func validBatch(vecs [][]float32, want int) bool {
	if len(vecs) != want {
		return false
	}
	for _, v := range vecs {
		if len(v) == 0 {
			return false
		}
	}
	return true
}

// truncate caps text at maxChars runes, about four characters per token.
func truncate(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	n := 0
	for i := range text {
		if n == maxChars {
			return text[:i]
		}
		n++
	}
	return text
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
