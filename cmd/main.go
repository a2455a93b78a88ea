package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"kb-ingest/internal/chromemdb"
	"kb-ingest/internal/config"
	"kb-ingest/internal/db"
	"kb-ingest/internal/embedding"
	"kb-ingest/internal/helper"
	"kb-ingest/internal/models"
	"kb-ingest/internal/parser"
	"kb-ingest/internal/pipeline"
	"kb-ingest/internal/rag"
	"kb-ingest/internal/uploader"
)

const previewChars = 200

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("kb-ingest failed")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "kb-ingest",
		Usage: "Chunk, embed and store coaching documents for retrieval",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a yaml config file",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "ingest",
				Usage:  "Ingest every document under a directory into the vector store",
				Action: ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "input-dir",
						Aliases:  []string{"i"},
						Usage:    "Directory to search recursively for documents",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of chunks per embedding request and per insert",
						Value: 100,
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Chunk and embed but do not store anything",
					},
					&cli.StringFlag{
						Name:  "store",
						Usage: "Vector store to write to (postgres, chromem)",
					},
					&cli.StringSliceFlag{
						Name:  "ext",
						Usage: "File extensions to ingest",
						Value: cli.NewStringSlice(".pdf"),
					},
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "Number of documents chunked in parallel",
					},
					&cli.BoolFlag{
						Name:  "reset",
						Usage: "Drop existing chunks before ingesting",
					},
					&cli.StringFlag{
						Name:  "openai-key",
						Usage: "OpenAI API key (overrides OPENAI_API_KEY)",
					},
					&cli.StringFlag{
						Name:  "supabase-url",
						Usage: "Supabase Postgres connection URL (overrides SUPABASE_URL)",
					},
					&cli.StringFlag{
						Name:  "supabase-key",
						Usage: "Supabase service key (overrides SUPABASE_SERVICE_KEY)",
					},
				},
			},
			{
				Name:   "verify",
				Usage:  "Run one retrieval query per stage against the stored chunks",
				Action: verifyCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of matches fetched per query",
						Value: 5,
					},
					&cli.StringFlag{
						Name:  "store",
						Usage: "Vector store to read from (postgres, chromem)",
					},
					&cli.StringFlag{
						Name:    "query",
						Aliases: []string{"q"},
						Usage:   "Run a single query instead of the built-in stage queries",
					},
					&cli.StringFlag{
						Name:  "stage",
						Usage: "Stage the single query is restricted to",
						Value: models.StageGeneral,
					},
				},
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	level, err := zerolog.ParseLevel(strings.ToLower(c.String("log-level")))
	if err != nil || level == zerolog.NoLevel {
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", c.String("log-level"))
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()
	return nil
}

// loadConfig reads the config and applies the command line overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	if c.IsSet("store") {
		cfg.Database.Store = c.String("store")
	}
	if c.IsSet("openai-key") {
		cfg.OpenAI.APIKey = c.String("openai-key")
	}
	if c.IsSet("supabase-url") {
		cfg.Database.URL = c.String("supabase-url")
	}
	if c.IsSet("supabase-key") {
		cfg.Database.Key = c.String("supabase-key")
	}
	if c.IsSet("batch-size") {
		cfg.Embedding.BatchSize = c.Int("batch-size")
		cfg.Pipeline.UploadBatchSize = c.Int("batch-size")
	}
	if c.IsSet("concurrency") {
		cfg.Pipeline.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("dry-run") {
		cfg.Pipeline.DryRun = c.Bool("dry-run")
	}
	return cfg, nil
}

func ingestCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	dryRun := cfg.Pipeline.DryRun
	if err := cfg.Validate(!dryRun); err != nil {
		return err
	}

	inputDir := c.String("input-dir")
	paths, err := pipeline.FindDocuments(inputDir, c.StringSlice("ext"))
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", inputDir, err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no documents found in %s", inputDir)
	}
	log.Info().Int("documents", len(paths)).Str("dir", inputDir).Bool("dry_run", dryRun).Msg("starting ingestion")

	var up pipeline.Uploader
	if !dryRun {
		store, err := openStore(ctx, cfg, c.Bool("reset"))
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(ctx); err != nil {
				log.Error().Err(err).Msg("failed to close vector store")
			}
		}()
		up = uploader.New(store, cfg.Pipeline.UploadBatchSize)
	}

	gen := embedding.NewGenerator(cfg.Embedding, embedding.NewOpenAIFactory(cfg.OpenAI, cfg.Embedding.BatchSize))
	chunker := parser.NewChunker(parser.FilePages{}, cfg.Chunking)
	p := pipeline.New(chunker, gen, up, pipeline.Options{
		Concurrency: cfg.Pipeline.Concurrency,
		DryRun:      dryRun,
	})

	summary, err := p.Run(ctx, paths, cfg.Embedding.BatchSize)
	helper.PrettyPrint(c.App.Writer, summary)
	if err != nil {
		return err
	}
	log.Info().Dur("duration", summary.Duration).Msg("ingestion complete")
	return nil
}

func verifyCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(true); err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(ctx); err != nil {
			log.Error().Err(err).Msg("failed to close vector store")
		}
	}()

	gen := embedding.NewGenerator(cfg.Embedding, embedding.NewOpenAIFactory(cfg.OpenAI, cfg.Embedding.BatchSize))
	r := rag.NewRAG(gen, store, c.Int("limit"))

	queries := rag.TestQueries
	if q := c.String("query"); q != "" {
		queries = []rag.StageQuery{{Stage: c.String("stage"), Query: q}}
	}

	results, err := r.Verify(ctx, queries)
	if err != nil {
		return err
	}
	failed := printResults(c.App.Writer, results)
	if failed > 0 {
		return fmt.Errorf("%d of %d verification queries failed", failed, len(results))
	}
	return nil
}

// printResults writes the top matches per stage and returns how many
// queries errored.
func printResults(w io.Writer, results []rag.StageResult) int {
	failed := 0
	for _, res := range results {
		fmt.Fprintf(w, "\n=== %s ===\nQuery: %s\n", res.Stage, res.Query)
		if res.Err != nil {
			failed++
			fmt.Fprintf(w, "  error: %v\n", res.Err)
			continue
		}
		if len(res.Matches) == 0 {
			fmt.Fprintln(w, "  no matches")
			continue
		}
		for i, m := range res.Matches {
			if i == 3 {
				break
			}
			fmt.Fprintf(w, "  %d. [%.3f] %s (page %d)\n     %s\n",
				i+1, m.Similarity, m.SourcePDF, m.PageNumber(), preview(m.Content))
		}
	}
	return failed
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= previewChars {
		return s
	}
	return string(r[:previewChars]) + "..."
}

// vectorStore is what the commands need from either backend.
type vectorStore interface {
	uploader.Store
	rag.Searcher
	Close(ctx context.Context) error
}

type pgStore struct {
	*db.Store
}

func (s pgStore) Close(context.Context) error {
	return s.Store.Close()
}

type chromemStore struct {
	*chromemdb.VectorDBManager
	inMemory bool
}

// Close exports in-memory collections so later runs can import them.
func (s chromemStore) Close(ctx context.Context) error {
	if !s.inMemory {
		return nil
	}
	return s.Export(ctx)
}

func openStore(ctx context.Context, cfg *config.Config, reset bool) (vectorStore, error) {
	switch cfg.Database.Store {
	case config.StoreChromem:
		return openChromem(ctx, cfg.Chromem, reset)
	case config.StorePostgres:
		return openPostgres(ctx, cfg.Database, reset)
	default:
		return nil, fmt.Errorf("unknown vector store %q", cfg.Database.Store)
	}
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig, reset bool) (vectorStore, error) {
	sqldb, err := db.ConnectDB(&cfg)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	store := db.NewStore(db.NewDB(sqldb, cfg.Debug))

	if reset {
		log.Warn().Msg("dropping existing document chunks")
		if err := store.DropDocuments(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to drop document chunks: %w", err)
		}
	}
	if err := store.InitDB(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("error initializing database: %w", err)
	}
	return pgStore{store}, nil
}

func openChromem(ctx context.Context, cfg config.ChromemConfig, reset bool) (vectorStore, error) {
	if err := helper.CreateFolder(cfg.Path); err != nil {
		return nil, err
	}
	m, err := chromemdb.NewVectorDBManager(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.InMemory && !reset {
		if err := m.Import(ctx, cfg.Collection); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Msg("no previous export imported")
		}
	}
	if _, err := m.GetOrCreateCollection(cfg.Collection); err != nil {
		return nil, err
	}
	if reset {
		log.Warn().Str("collection", cfg.Collection).Msg("dropping existing collection")
		if err := m.DeleteCollection(); err != nil {
			return nil, err
		}
		if _, err := m.GetOrCreateCollection(cfg.Collection); err != nil {
			return nil, err
		}
	}
	log.Info().Str("collection", cfg.Collection).Int("count", m.Count()).Msg("opened chromem collection")
	return chromemStore{VectorDBManager: m, inMemory: cfg.InMemory}, nil
}
