package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dinedex/enricher/internal/checkpoint"
	"github.com/dinedex/enricher/internal/config"
	"github.com/dinedex/enricher/internal/contract"
	"github.com/dinedex/enricher/internal/extract"
	"github.com/dinedex/enricher/internal/extract/gemini"
	"github.com/dinedex/enricher/internal/governor"
	"github.com/dinedex/enricher/internal/logging"
	"github.com/dinedex/enricher/internal/pipeline"
	"github.com/dinedex/enricher/internal/source"
	"github.com/dinedex/enricher/internal/store/sqlite"
	"github.com/dinedex/enricher/internal/util"
	"github.com/dinedex/enricher/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "version", "--version":
		fmt.Println(version.Current)
		return
	case "run":
		os.Exit(runPipeline(ctx, os.Args[2:]))
	case "import":
		os.Exit(runImport(ctx, os.Args[2:]))
	case "status":
		os.Exit(runStatus(os.Args[2:]))
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
}

func runPipeline(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
		return 2
	}

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var (
		dbPath         string
		checkpointPath string
		contractPath   string
		workers        int
		maxRetries     int
		requestTimeout time.Duration
		batchSize      int
		limit          int
		dryRun         bool
		force          bool
		geminiModel    string
	)
	fs.StringVar(&dbPath, "db", cfg.Paths.DB, "SQLite database path (env: ENRICHER_DB_PATH)")
	fs.StringVar(&checkpointPath, "checkpoint", cfg.Paths.Checkpoint, "Checkpoint file path (env: ENRICHER_CHECKPOINT_PATH)")
	fs.StringVar(&contractPath, "contract", cfg.Paths.Contract, "Extraction contract YAML; empty uses the built-in review-summary contract (env: ENRICHER_CONTRACT_PATH)")
	fs.IntVar(&workers, "workers", cfg.Pipeline.Workers, "Number of concurrent extraction workers (env: ENRICHER_WORKERS)")
	fs.IntVar(&maxRetries, "max-retries", cfg.Pipeline.MaxRetries, "Max retries per item for transient failures (env: ENRICHER_MAX_RETRIES)")
	fs.DurationVar(&requestTimeout, "request-timeout", cfg.Pipeline.RequestTimeout, "Per-item request timeout (env: ENRICHER_REQUEST_TIMEOUT)")
	fs.IntVar(&batchSize, "batch-size", cfg.Pipeline.BatchSize, "Mutations per store commit (env: ENRICHER_BATCH_SIZE)")
	fs.IntVar(&limit, "limit", 0, "Process at most this many items; 0 means all")
	fs.BoolVar(&dryRun, "dry-run", false, "Run extraction but skip store writes and checkpoint updates")
	fs.BoolVar(&force, "force", false, "Reprocess items the checkpoint already marks done")
	fs.StringVar(&geminiModel, "gemini-model", cfg.Gemini.Model, "Gemini model name (env: ENRICHER_GEMINI_MODEL)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
		return 2
	}

	log := logging.New(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctr := contract.DefaultReviewSummary()
	if contractPath != "" {
		ctr, err = contract.Load(contractPath)
		if err != nil {
			log.Error("load contract", zap.Error(err))
			return 2
		}
	}
	validator, err := contract.NewValidator(ctr)
	if err != nil {
		log.Error("compile contract", zap.Error(err))
		return 2
	}

	db, err := sqlite.Open(dbPath)
	if err != nil {
		log.Error("open database", zap.Error(err))
		return 2
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(ctx); err != nil {
		log.Error("migrate database", zap.Error(err))
		return 2
	}

	provider, err := gemini.New(ctx, gemini.Config{
		APIKey:          cfg.Gemini.APIKey,
		Model:           geminiModel,
		BaseURL:         cfg.Gemini.BaseURL,
		MaxOutputTokens: int32(cfg.Gemini.MaxOutputTokens),
	}, validator.Contract())
	if err != nil {
		log.Error("gemini config", zap.String("detail", util.RedactSecrets(err.Error())))
		return 2
	}

	gov := governor.New(governor.Config{
		TargetFraction: cfg.Governor.TargetFraction,
		CooldownBase:   cfg.Governor.CooldownBase,
		CooldownCap:    cfg.Governor.CooldownCap,
		SteadyRPS:      cfg.Governor.SteadyRPS,
	}, log)
	ckpt := checkpoint.Open(checkpointPath, cfg.Pipeline.CheckpointEvery, log)

	pipe := pipeline.New(pipeline.Deps{
		Source:     db,
		Provider:   provider,
		Governor:   gov,
		Validator:  validator,
		Checkpoint: ckpt,
		Store:      db,
		Log:        log,
	}, pipeline.Options{
		Workers:        workers,
		MaxRetries:     maxRetries,
		RequestTimeout: requestTimeout,
		PageSize:       cfg.Pipeline.PageSize,
		Limit:          limit,
		MaxBatchSize:   batchSize,
		DryRun:         dryRun,
		Force:          force,
		EstimatedCost:  cfg.Pipeline.EstimatedCost,
		ReportInterval: cfg.Pipeline.ReportInterval,
	})

	sum, err := pipe.Run(ctx)
	if err != nil {
		log.Error("run failed", zap.String("detail", util.RedactSecrets(err.Error())))
		return 1
	}
	log.Info("exiting",
		zap.Int("candidates", sum.Candidates),
		zap.Int("dispatched", sum.Dispatched),
		zap.Int("dropped", sum.Dropped),
		zap.Duration("elapsed", sum.Elapsed.Round(time.Millisecond)),
	)
	return 0
}

// runImport loads a scraper JSON export into the database so a subsequent
// run can enrich it.
func runImport(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	input := fs.String("input", "", "Scraper JSON export to import")
	dbPath := fs.String("db", "restaurants.db", "SQLite database path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *input == "" {
		_, _ = fmt.Fprintln(os.Stderr, "import requires --input")
		return 2
	}

	src, err := source.OpenJSONFile(*input)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "open input: %s\n", err)
		return 2
	}
	db, err := sqlite.Open(*dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "open database: %s\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "migrate database: %s\n", err)
		return 2
	}

	items, err := source.ReadAll(ctx, src, source.DefaultPageSize, 0)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "read input: %s\n", err)
		return 2
	}
	imported := 0
	for _, it := range items {
		var rec struct {
			Name    string `json:"name"`
			City    string `json:"city"`
			Reviews string `json:"reviews"`
		}
		if err := json.Unmarshal([]byte(it.Payload), &rec); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "skipping %s: %s\n", it.ID, err)
			continue
		}
		if err := db.Insert(ctx, it.ID, rec.Name, rec.City, rec.Reviews); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "import %s: %s\n", it.ID, err)
			return 1
		}
		imported++
	}
	fmt.Printf("imported %d of %d records into %s\n", imported, src.Len(), *dbPath)
	return 0
}

// runStatus prints per-status checkpoint counts without touching the
// provider or the database.
func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	checkpointPath := fs.String("checkpoint", "checkpoint.json", "Checkpoint file path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ckpt := checkpoint.Open(*checkpointPath, checkpoint.DefaultFlushEvery, zap.NewNop())
	if ckpt.Len() == 0 {
		fmt.Printf("no checkpoint entries at %s\n", *checkpointPath)
		return 0
	}
	counts := ckpt.Counts()
	fmt.Printf("checkpoint %s: %d entries\n", *checkpointPath, ckpt.Len())
	for _, st := range []extract.Status{extract.StatusDone, extract.StatusSkipped, extract.StatusFailed} {
		fmt.Printf("  %-8s %d\n", st, counts[st])
	}
	return 0
}

func usage(w *os.File) {
	_, _ = fmt.Fprintf(w, `enricher: resumable LLM extraction pipeline for restaurant reviews

Usage:
  enricher <command> [flags]

Commands:
  run      Enrich unsummarized restaurants from the database
  import   Load a scraper JSON export into the database
  status   Print checkpoint progress counts
  version  Print the release version

Examples:
  enricher import --input scraped.json --db restaurants.db
  enricher run --workers 4 --batch-size 50

Environment:
  ENRICHER_GEMINI_API_KEY   Gemini API key (required for run)
  ENRICHER_GEMINI_MODEL     Gemini model name
  ENRICHER_DB_PATH          SQLite database path
  ENRICHER_CHECKPOINT_PATH  Checkpoint file path
  ENRICHER_WORKERS          Concurrent extraction workers
  ENRICHER_LOG_LEVEL        debug, info, warn, error

`)
}
