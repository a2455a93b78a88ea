package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/pgvector/pgvector-go"
	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"kb-ingest/internal/config"
	"kb-ingest/internal/models"
)

// ErrZeroVector is returned for rows carrying the all-zero fallback
// embedding, which chromem cannot normalize.
var ErrZeroVector = errors.New("zero vector cannot be indexed")

// extra metadata keys kept next to the persisted chunk metadata
const (
	keySourcePDF  = "source_pdf"
	keyChunkIndex = "chunk_index"
)

// VectorDBManager encapsulates the chromem-go database operations
type VectorDBManager struct {
	db            *chromem.DB
	collection    *chromem.Collection
	dbPath        string
	compress      bool
	encryptionKey string
	filePath      string
}

// NewVectorDBManager opens a persistent database under cfg.Path, or an
// in-memory one that can be exported to a file.
func NewVectorDBManager(cfg config.ChromemConfig) (*VectorDBManager, error) {
	var db *chromem.DB
	var err error
	if cfg.InMemory {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	ext := ".gob"
	if cfg.Compress {
		ext += ".gz"
	}
	return &VectorDBManager{
		db:            db,
		dbPath:        cfg.Path,
		compress:      cfg.Compress,
		encryptionKey: cfg.EncryptionKey,
		filePath:      filepath.Join(cfg.Path, cfg.Collection+ext),
	}, nil
}

// GetOrCreateCollection selects the collection all later calls work on.
func (m *VectorDBManager) GetOrCreateCollection(collectionName string) (*chromem.Collection, error) {
	c, err := m.db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}
	m.collection = c
	return c, nil
}

func (m *VectorDBManager) requireCollection() error {
	if m.collection == nil {
		return errors.New("collection is required")
	}
	return nil
}

func toDocument(row models.ChunkRow) (chromem.Document, error) {
	var vec pgvector.Vector
	if err := vec.Scan(row.Embedding); err != nil {
		return chromem.Document{}, fmt.Errorf("invalid embedding for %s#%d: %w", row.SourcePDF, row.ChunkIndex, err)
	}
	embedding := vec.Slice()
	zero := true
	for _, v := range embedding {
		if v != 0 {
			zero = false
			break
		}
	}
	if zero {
		return chromem.Document{}, fmt.Errorf("%s#%d: %w", row.SourcePDF, row.ChunkIndex, ErrZeroVector)
	}

	meta := make(map[string]string, len(row.Metadata)+2)
	for k, v := range row.Metadata {
		meta[k] = fmt.Sprint(v)
	}
	meta[keySourcePDF] = row.SourcePDF
	meta[keyChunkIndex] = strconv.Itoa(row.ChunkIndex)

	return chromem.Document{
		ID:        fmt.Sprintf("%s#%d", row.SourcePDF, row.ChunkIndex),
		Content:   row.Content,
		Metadata:  meta,
		Embedding: embedding,
	}, nil
}

// InsertRows adds all rows or none of them.
func (m *VectorDBManager) InsertRows(ctx context.Context, rows []models.ChunkRow) error {
	if err := m.requireCollection(); err != nil {
		return err
	}
	docs := make([]chromem.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := toDocument(row)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	if err := m.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

func (m *VectorDBManager) InsertRow(ctx context.Context, row models.ChunkRow) error {
	if err := m.requireCollection(); err != nil {
		return err
	}
	doc, err := toDocument(row)
	if err != nil {
		return err
	}
	if err := m.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to add document: %w", err)
	}
	return nil
}

// SearchChunks returns up to limit chunks of the given stage, most similar
// first.
func (m *VectorDBManager) SearchChunks(ctx context.Context, embedding []float32, stage string, limit int) ([]models.Match, error) {
	if err := m.requireCollection(); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, errors.New("query embedding must be provided")
	}

	n := min(limit, m.collection.Count())
	if n <= 0 {
		return []models.Match{}, nil
	}

	results, err := m.collection.QueryEmbedding(ctx, embedding, n, map[string]string{models.MetaKeyStage: stage}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}

	matches := make([]models.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, fromResult(r))
	}
	return matches, nil
}

func fromResult(r chromem.Result) models.Match {
	match := models.Match{
		Content:    r.Content,
		Similarity: float64(r.Similarity),
		Metadata:   make(map[string]any, len(r.Metadata)),
	}
	for k, v := range r.Metadata {
		switch k {
		case keySourcePDF:
			match.SourcePDF = v
		case keyChunkIndex:
			match.ChunkIndex, _ = strconv.Atoi(v)
		case models.MetaKeyPageNumber:
			n, err := strconv.Atoi(v)
			if err != nil {
				match.Metadata[k] = v
				continue
			}
			match.Metadata[k] = n
		default:
			match.Metadata[k] = v
		}
	}
	return match
}

// Count returns the number of chunks in the collection.
func (m *VectorDBManager) Count() int {
	if m.collection == nil {
		return 0
	}
	return m.collection.Count()
}

// DeleteCollection drops the current collection.
func (m *VectorDBManager) DeleteCollection() error {
	if err := m.requireCollection(); err != nil {
		return err
	}
	if err := m.db.DeleteCollection(m.collection.Name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	m.collection = nil
	return nil
}

// Export writes the collection to a single file, encrypted when a key is set.
func (m *VectorDBManager) Export(ctx context.Context) error {
	if err := m.requireCollection(); err != nil {
		return err
	}
	if m.dbPath == "" {
		return errors.New("db path is required")
	}
	if m.encryptionKey != "" && len(m.encryptionKey) != 32 {
		return errors.New("encryption key must be 32 bytes")
	}

	log.Debug().
		Str("collection", m.collection.Name).
		Str("file", m.filePath).
		Bool("compress", m.compress).
		Msg("exporting collection")

	if err := m.db.ExportToFile(m.filePath, m.compress, m.encryptionKey, m.collection.Name); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

// Import loads a file written by Export and reselects its collection.
func (m *VectorDBManager) Import(ctx context.Context, collectionName string) error {
	if err := m.db.ImportFromFile(m.filePath, m.encryptionKey, collectionName); err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}
	_, err := m.GetOrCreateCollection(collectionName)
	return err
}
