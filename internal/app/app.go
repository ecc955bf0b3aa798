package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"MoltbookWatch/internal/config"
	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/extractor"
	"MoltbookWatch/internal/governor"
	"MoltbookWatch/internal/graph"
	"MoltbookWatch/internal/infrastructure/export"
	"MoltbookWatch/internal/infrastructure/llm"
	"MoltbookWatch/internal/infrastructure/ml"
	"MoltbookWatch/internal/infrastructure/moltbook"
	"MoltbookWatch/internal/infrastructure/parser"
	"MoltbookWatch/internal/infrastructure/scheduler"
	"MoltbookWatch/internal/infrastructure/storage"
	"MoltbookWatch/internal/infrastructure/storage/sqlite"
	"MoltbookWatch/internal/infrastructure/telegram"
	"MoltbookWatch/internal/logging"
	"MoltbookWatch/internal/mcp"
	"MoltbookWatch/internal/ports"
	"MoltbookWatch/internal/taxonomy"
	"MoltbookWatch/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	db       *sqlite.DB
	findings *sqlite.FindingStore

	Acquisition *usecase.Acquisition
	Detection   *usecase.Detection
	Review      *usecase.ReviewQueue
}

// New opens the local store and builds every use case. Optional adapters
// (semantic scorer, Telegram) are left out when unconfigured.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	db, err := sqlite.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	gov, err := governor.New(cfg.Upstream.Limits)
	if err != nil {
		db.Close()
		return nil, err
	}

	tx, err := taxonomy.Load(cfg.Detection.TaxonomyPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	source := moltbook.NewClient(moltbook.Options{
		BaseURL:   cfg.Upstream.BaseURL,
		APIKey:    cfg.Upstream.APIKey,
		UserAgent: cfg.Upstream.UserAgent,
		PageSize:  cfg.Upstream.PageSize,
		Timeout:   cfg.Upstream.Timeout,
	}, nil, baseLogger.With("component", "moltbook"))

	corpus := sqlite.NewCorpusStore(db)
	findings := sqlite.NewFindingStore(db)

	acquisition := usecase.NewAcquisition(usecase.AcquisitionDeps{
		Source:      source,
		Corpus:      corpus,
		Checkpoints: sqlite.NewCheckpointStore(db),
		Governor:    gov,
		Logger:      baseLogger.With("component", "acquisition"),
	}, usecase.AcquisitionConfig{
		Workers:     cfg.Acquisition.Workers,
		BatchSize:   cfg.Acquisition.BatchSize,
		MaxRetries:  cfg.Acquisition.MaxRetries,
		BackoffBase: cfg.Acquisition.BackoffBase,
		BackoffMax:  cfg.Acquisition.BackoffMax,
	})

	var notifier ports.Notifier
	if cfg.Notifications.Telegram.BotToken != "" && cfg.Notifications.Telegram.ChatID != "" {
		notifier = telegram.NewNotifier(cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID)
	}
	review := usecase.NewReviewQueue(findings, notifier, baseLogger.With("component", "review"))

	registry, err := buildRegistry(cfg, tx, baseLogger)
	if err != nil {
		db.Close()
		return nil, err
	}

	detection := usecase.NewDetection(usecase.DetectionDeps{
		Corpus:     corpus,
		Evidence:   findings,
		Findings:   findings,
		Extractors: registry,
		Normalizer: parser.Normalizer{},
		Review:     review,
		Logger:     baseLogger.With("component", "detection"),
	}, cfg.Detection.Aggregate)

	return &Application{
		cfg:         cfg,
		logger:      baseLogger,
		db:          db,
		findings:    findings,
		Acquisition: acquisition,
		Detection:   detection,
		Review:      review,
	}, nil
}

func buildRegistry(cfg config.Config, tx *taxonomy.Taxonomy, logger *slog.Logger) (*extractor.Registry, error) {
	enabled, err := usecase.ParseExtractors(cfg.Detection.Extractors)
	if err != nil {
		return nil, err
	}

	registry := extractor.NewRegistry()
	for _, kind := range enabled {
		switch kind {
		case domain.ExtractorLexical:
			registry.Register(extractor.NewLexical(tx))
		case domain.ExtractorSemantic:
			scorer := semanticScorer(cfg)
			if scorer == nil {
				logger.Info("semantic extractor disabled: no scoring backend configured")
				continue
			}
			registry.Register(extractor.NewSemantic(scorer, tx.ContentCategories(), extractor.SemanticConfig{
				BatchSize:  cfg.Detection.Semantic.BatchSize,
				MaxRecords: cfg.Detection.Semantic.MaxRecords,
				Timeout:    cfg.Detection.Semantic.Timeout,
				MinScore:   cfg.Detection.Semantic.MinScore,
			}, logger.With("component", "extractor.semantic")))
		case domain.ExtractorRelationship:
			category, _ := tx.Detector(taxonomy.DetectorCoalition)
			rc := cfg.Detection.Relationship
			registry.Register(extractor.NewRelationship(graph.NewCache(), category, extractor.RelationshipConfig{
				Window:       rc.Window,
				HalfLife:     rc.HalfLife,
				MinWeight:    rc.MinWeight,
				MinGroupSize: rc.MinGroupSize,
			}))
		case domain.ExtractorTemporal:
			burst, _ := tx.Detector(taxonomy.DetectorBurst)
			synchrony, _ := tx.Detector(taxonomy.DetectorSynchrony)
			tc := cfg.Detection.Temporal
			registry.Register(extractor.NewTemporal(burst, synchrony, extractor.TemporalConfig{
				Bucket:           tc.Bucket,
				Baseline:         tc.Baseline,
				BurstZ:           tc.BurstZ,
				MinBurst:         tc.MinBurst,
				SyncCorrelation:  tc.SyncCorrelation,
				MinActiveBuckets: tc.MinActiveBuckets,
				MaxAgents:        tc.MaxAgents,
				Window:           tc.Window,
			}))
		case domain.ExtractorOutlier:
			category, _ := tx.Detector(taxonomy.DetectorOutlier)
			registry.Register(extractor.NewOutlier(category, extractor.OutlierConfig{
				Threshold:     cfg.Detection.Outlier.Threshold,
				MinPopulation: cfg.Detection.Outlier.MinPopulation,
			}))
		}
	}
	return registry, nil
}

func semanticScorer(cfg config.Config) ports.Scorer {
	switch cfg.Detection.Semantic.Backend {
	case "ml":
		if cfg.ML.InferenceURL != "" {
			return ml.NewClient(cfg.ML.InferenceURL, cfg.ML.APIKey)
		}
	case "chatgpt":
		if cfg.ChatGPT.APIKey != "" {
			return llm.NewChatGPTScorer(cfg.ChatGPT)
		}
	}
	return nil
}

// Close releases the local store.
func (a *Application) Close() error {
	return a.db.Close()
}

// Findings exposes the finding store for read-only commands.
func (a *Application) Findings() *sqlite.FindingStore {
	return a.findings
}

// Watch runs acquire-then-detect cycles on the configured interval until ctx
// is cancelled. Each cycle result is sent to results when non-nil.
func (a *Application) Watch(ctx context.Context, opts usecase.WatchOptions, results chan<- usecase.CycleResult) error {
	driver := scheduler.NewIntervalScheduler(a.cfg.Scheduler.Interval)
	watch := usecase.NewScheduler(driver, a.Acquisition, a.Detection, opts, a.logger.With("component", "scheduler"))
	if results != nil {
		watch.Results(results)
	}
	if err := watch.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return watch.Stop(stopCtx)
}

// Export writes findings matching filter to the JSONL file and, when a DSN is
// configured, to PostgreSQL. It returns the number of findings exported.
func (a *Application) Export(ctx context.Context, filter domain.FindingFilter, path string) (int, error) {
	findings, err := a.findings.ListFindings(ctx, filter)
	if err != nil {
		return 0, err
	}
	if path == "" {
		path = a.cfg.Export.JSONLPath
	}

	exporters := []ports.FindingExporter{export.NewJSONL(path, a.findings)}
	if a.cfg.Export.PostgresDSN != "" {
		pg, err := storage.OpenPostgres(ctx, a.cfg.Export.PostgresDSN)
		if err != nil {
			return 0, fmt.Errorf("open postgres: %w", err)
		}
		defer pg.Close()
		exporters = append(exporters, pg)
	}

	var errs []error
	for _, e := range exporters {
		if err := e.Export(ctx, findings); err != nil {
			errs = append(errs, err)
		}
	}
	return len(findings), errors.Join(errs...)
}

// ServeMCP runs the review tools over transport until the client disconnects.
func (a *Application) ServeMCP(ctx context.Context, transport sdk.Transport, version string) error {
	server := mcp.NewServer(a.Review, a.findings, a.Acquisition, version)
	return server.Run(ctx, transport)
}
