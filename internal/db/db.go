package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"kb-ingest/internal/config"
	"kb-ingest/internal/models"
)

// DocumentChunk is one row of the document_chunks table.
type DocumentChunk struct {
	bun.BaseModel `bun:"table:document_chunks,alias:d"`
	ID            int64          `bun:"id,pk,autoincrement"`
	SourcePDF     string         `bun:"source_pdf,notnull"`
	ChunkIndex    int            `bun:"chunk_index,notnull"`
	Content       string         `bun:"content,notnull"`
	Embedding     string         `bun:"embedding,notnull,type:vector(1536)"`
	Metadata      map[string]any `bun:"metadata,type:jsonb,notnull"`
}

type chunkMatch struct {
	SourcePDF  string         `bun:"source_pdf"`
	ChunkIndex int            `bun:"chunk_index"`
	Content    string         `bun:"content"`
	Metadata   map[string]any `bun:"metadata,type:jsonb"`
	Similarity float64        `bun:"similarity"`
}

// Store keeps chunks in Supabase Postgres with pgvector.
type Store struct {
	db *bun.DB
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens the Supabase database with the configured driver. The
// service key is the connection password unless the URL carries one.
func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	dsn, err := buildDSN(cfg.URL, cfg.Key)
	if err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case config.DriverPQ:
		return sql.Open("postgres", dsn)
	case config.DriverPG, "":
		return sql.OpenDB(newConnector(dsn)), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// newConnector takes every credential from dsn, the same way lib/pq does.
func newConnector(dsn string) *pgdriver.Connector {
	return pgdriver.NewConnector(pgdriver.WithDSN(dsn))
}

// buildDSN fills in the password when the URL has none and requires TLS
// unless the URL picks an sslmode itself.
func buildDSN(rawURL, password string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid database url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("invalid database url scheme %q", u.Scheme)
	}
	if u.User != nil {
		if _, ok := u.User.Password(); !ok && password != "" {
			u.User = url.UserPassword(u.User.Username(), password)
		}
	}
	q := u.Query()
	if q.Get("sslmode") == "" {
		q.Set("sslmode", "require")
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InitDB creates the vector extension and the chunks table when missing.
func (s *Store) InitDB(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}
	_, err := s.db.NewCreateTable().Model((*DocumentChunk)(nil)).IfNotExists().Exec(ctx)
	return err
}

func toModel(row models.ChunkRow) DocumentChunk {
	return DocumentChunk{
		SourcePDF:  row.SourcePDF,
		ChunkIndex: row.ChunkIndex,
		Content:    row.Content,
		Embedding:  row.Embedding,
		Metadata:   row.Metadata,
	}
}

func (s *Store) insertQuery(rows []models.ChunkRow) *bun.InsertQuery {
	docs := make([]DocumentChunk, len(rows))
	for i, r := range rows {
		docs[i] = toModel(r)
	}
	return s.db.NewInsert().Model(&docs)
}

// InsertRows stores rows with a single multi-row INSERT.
func (s *Store) InsertRows(ctx context.Context, rows []models.ChunkRow) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := s.insertQuery(rows).Exec(ctx)
	return err
}

func (s *Store) InsertRow(ctx context.Context, row models.ChunkRow) error {
	doc := toModel(row)
	_, err := s.db.NewInsert().Model(&doc).Exec(ctx)
	return err
}

func (s *Store) searchQuery(embedding []float32, stage string, limit int) *bun.SelectQuery {
	vec := pgvector.NewVector(embedding).String()
	return s.db.NewSelect().
		Model((*DocumentChunk)(nil)).
		ColumnExpr("d.source_pdf, d.chunk_index, d.content, d.metadata").
		ColumnExpr("1 - (d.embedding <=> ?::vector) AS similarity", vec).
		Where("d.metadata->>'stage' = ?", stage).
		OrderExpr("d.embedding <=> ?::vector", vec).
		Limit(limit)
}

// SearchChunks returns the chunks of a stage closest to embedding by cosine
// distance, most similar first.
func (s *Store) SearchChunks(ctx context.Context, embedding []float32, stage string, limit int) ([]models.Match, error) {
	var rows []chunkMatch
	if err := s.searchQuery(embedding, stage, limit).Scan(ctx, &rows); err != nil {
		return nil, err
	}

	matches := make([]models.Match, len(rows))
	for i, r := range rows {
		matches[i] = models.Match{
			SourcePDF:  r.SourcePDF,
			ChunkIndex: r.ChunkIndex,
			Content:    r.Content,
			Metadata:   r.Metadata,
			Similarity: r.Similarity,
		}
	}
	return matches, nil
}

// DropDocuments removes the chunks table.
func (s *Store) DropDocuments(ctx context.Context) error {
	_, err := s.db.NewDropTable().Model((*DocumentChunk)(nil)).IfExists().Exec(ctx)
	return err
}
