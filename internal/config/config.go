package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingOpenAIKey = errors.New("openai api key is not set")
	ErrMissingDatabase  = errors.New("supabase url and service key are not set")
)

const (
	StorePostgres = "postgres"
	StoreChromem  = "chromem"

	DriverPG = "pgdriver"
	DriverPQ = "pq"
)

type Config struct {
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Database  DatabaseConfig  `yaml:"database"`
	Chromem   ChromemConfig   `yaml:"chromem"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key" env:"OPENAI_API_KEY"`
	BaseURL string `yaml:"base_url" env:"OPENAI_BASE_URL"`
	Model   string `yaml:"embedding_model" env:"EMBEDDING_MODEL"`
}

// DatabaseConfig describes the Supabase Postgres connection. URL is the
// Postgres DSN, Key is used as the connection password.
type DatabaseConfig struct {
	URL    string `yaml:"supabase_url" env:"SUPABASE_URL"`
	Key    string `yaml:"supabase_key" env:"SUPABASE_SERVICE_KEY"`
	Driver string `yaml:"driver" env:"DB_DRIVER"`
	Debug  bool   `yaml:"debug" env:"DB_DEBUG"`
	Store  string `yaml:"store" env:"VECTOR_STORE"`
}

type ChromemConfig struct {
	Path          string `yaml:"path" env:"CHROMEM_PATH"`
	Collection    string `yaml:"collection" env:"CHROMEM_COLLECTION"`
	InMemory      bool   `yaml:"in_memory" env:"CHROMEM_IN_MEMORY"`
	Compress      bool   `yaml:"compress" env:"CHROMEM_COMPRESS"`
	EncryptionKey string `yaml:"encryption_key" env:"CHROMEM_ENCRYPTION_KEY"`
}

type ChunkingConfig struct {
	BookChunkSize       int `yaml:"book_chunk_size" env:"CHUNK_BOOK_SIZE"`
	BookChunkOverlap    int `yaml:"book_chunk_overlap" env:"CHUNK_BOOK_OVERLAP"`
	WorkbookChunkSize   int `yaml:"workbook_chunk_size" env:"CHUNK_WORKBOOK_SIZE"`
	WorkbookOverlap     int `yaml:"workbook_chunk_overlap" env:"CHUNK_WORKBOOK_OVERLAP"`
	LowContentThreshold int `yaml:"low_content_threshold" env:"CHUNK_LOW_CONTENT_THRESHOLD"`
	MinChunkChars       int `yaml:"min_chunk_chars" env:"CHUNK_MIN_CHARS"`
}

type EmbeddingConfig struct {
	Dimensions  int           `yaml:"dimensions" env:"EMBED_DIMENSIONS"`
	MaxChars    int           `yaml:"max_chars" env:"EMBED_MAX_CHARS"`
	MaxAttempts int           `yaml:"max_attempts" env:"EMBED_MAX_ATTEMPTS"`
	BackoffBase time.Duration `yaml:"backoff_base" env:"EMBED_BACKOFF_BASE"`
	BatchSize   int           `yaml:"batch_size" env:"EMBED_BATCH_SIZE"`
}

type PipelineConfig struct {
	UploadBatchSize int  `yaml:"upload_batch_size" env:"UPLOAD_BATCH_SIZE"`
	Concurrency     int  `yaml:"concurrency" env:"INGEST_CONCURRENCY"`
	DryRun          bool `yaml:"dry_run" env:"DRY_RUN"`
}

// Default returns a config with every tunable set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads the optional yaml file at path, then overlays environment
// variables (a .env file in the working directory is loaded first) and fills
// in defaults for anything still unset.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "text-embedding-3-small"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPG
	}
	if c.Database.Store == "" {
		c.Database.Store = StorePostgres
	}
	if c.Chromem.Path == "" {
		c.Chromem.Path = "./chromemdb"
	}
	if c.Chromem.Collection == "" {
		c.Chromem.Collection = "document_chunks"
	}

	ch := &c.Chunking
	if ch.BookChunkSize == 0 {
		ch.BookChunkSize = 4000
	}
	if ch.BookChunkOverlap == 0 {
		ch.BookChunkOverlap = 400
	}
	if ch.WorkbookChunkSize == 0 {
		ch.WorkbookChunkSize = 1500
	}
	if ch.WorkbookOverlap == 0 {
		ch.WorkbookOverlap = 50
	}
	if ch.LowContentThreshold == 0 {
		ch.LowContentThreshold = 1500
	}
	if ch.MinChunkChars == 0 {
		ch.MinChunkChars = 100
	}

	e := &c.Embedding
	if e.Dimensions == 0 {
		e.Dimensions = 1536
	}
	if e.MaxChars == 0 {
		e.MaxChars = 32000
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 3
	}
	if e.BackoffBase == 0 {
		e.BackoffBase = time.Second
	}
	if e.BatchSize == 0 {
		e.BatchSize = 100
	}

	if c.Pipeline.UploadBatchSize == 0 {
		c.Pipeline.UploadBatchSize = 100
	}
	if c.Pipeline.Concurrency == 0 {
		c.Pipeline.Concurrency = 1
	}
}

// Validate checks the credentials a run needs. Store credentials are only
// required when results are going to be written to Postgres.
func (c *Config) Validate(needStore bool) error {
	if c.OpenAI.APIKey == "" {
		return ErrMissingOpenAIKey
	}
	if needStore && c.Database.Store == StorePostgres && (c.Database.URL == "" || c.Database.Key == "") {
		return ErrMissingDatabase
	}
	switch c.Database.Store {
	case StorePostgres, StoreChromem:
	default:
		return fmt.Errorf("unknown vector store %q", c.Database.Store)
	}
	switch c.Database.Driver {
	case DriverPG, DriverPQ:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	ch := c.Chunking
	if ch.WorkbookChunkSize >= ch.BookChunkSize {
		return fmt.Errorf("workbook chunk size %d must be smaller than book chunk size %d",
			ch.WorkbookChunkSize, ch.BookChunkSize)
	}
	if ch.WorkbookOverlap >= ch.BookChunkOverlap {
		return fmt.Errorf("workbook chunk overlap %d must be smaller than book chunk overlap %d",
			ch.WorkbookOverlap, ch.BookChunkOverlap)
	}
	if ch.BookChunkOverlap >= ch.BookChunkSize {
		return fmt.Errorf("book chunk overlap %d must be smaller than its chunk size %d",
			ch.BookChunkOverlap, ch.BookChunkSize)
	}
	if ch.WorkbookOverlap >= ch.WorkbookChunkSize {
		return fmt.Errorf("workbook chunk overlap %d must be smaller than its chunk size %d",
			ch.WorkbookOverlap, ch.WorkbookChunkSize)
	}
	return nil
}
