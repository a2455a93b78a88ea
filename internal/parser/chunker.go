package parser

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"kb-ingest/internal/config"
	"kb-ingest/internal/models"
)

// Chunker turns documents into ordered, metadata tagged chunks.
type Chunker struct {
	source PageSource
	cfg    config.ChunkingConfig
}

func NewChunker(source PageSource, cfg config.ChunkingConfig) *Chunker {
	if source == nil {
		source = FilePages{}
	}
	return &Chunker{source: source, cfg: cfg}
}

// ChunkDocument splits the document at path page by page. It never fails:
// a document whose pages cannot be extracted yields no chunks.
func (c *Chunker) ChunkDocument(path string) []models.Chunk {
	filename := filepath.Base(path)
	logger := log.With().Str("file", filename).Logger()

	pages, err := c.source.Pages(path)
	if err != nil {
		logger.Error().Err(err).Msg("error extracting pages")
		return []models.Chunk{}
	}

	meta := ExtractMetadata(filename)
	mode := SelectMode(filename, pages, c.cfg.LowContentThreshold)
	splitter := NewSplitter(mode, c.cfg)

	minChars := c.cfg.MinChunkChars
	if minChars <= 0 {
		minChars = models.MinChunkChars
	}

	chunks := []models.Chunk{}
	for i, page := range pages {
		if strings.TrimSpace(page) == "" {
			continue
		}
		pieces, err := splitter.SplitText(page)
		if err != nil {
			logger.Warn().Err(err).Int("page", i+1).Msg("error splitting page")
			continue
		}
		for _, piece := range pieces {
			content := Normalize(piece)
			if utf8.RuneCountInString(content) < minChars {
				continue
			}
			chunks = append(chunks, models.Chunk{
				Content: content,
				Metadata: models.Metadata{
					Stage:         meta.Stage,
					WorkbookTitle: meta.WorkbookTitle,
					PageNumber:    i + 1,
				},
				ChunkIndex: len(chunks),
				SourcePDF:  filename,
			})
		}
	}

	logger.Debug().
		Str("mode", mode.String()).
		Str("stage", meta.Stage).
		Int("pages", len(pages)).
		Int("chunks", len(chunks)).
		Msg("chunked document")
	return chunks
}
