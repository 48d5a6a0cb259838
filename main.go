package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"rental_dedupe/aicompare"
	"rental_dedupe/config"
	"rental_dedupe/httputil"
	"rental_dedupe/imagehash"
	"rental_dedupe/logging"
	"rental_dedupe/models"
	"rental_dedupe/scheduler"
	"rental_dedupe/services"
	"rental_dedupe/storage"
	"rental_dedupe/textsim"
	"rental_dedupe/workers"
)

var (
	ingestFile  = flag.String("ingest", "", "Ingest a JSON array of listing candidates and exit")
	scanNow     = flag.Bool("scan", false, "Run one duplicate scan over stored records and exit")
	backfillNow = flag.Bool("backfill", false, "Hash one batch of images missing hashes and exit")
	migrateOnly = flag.Bool("migrate", false, "Apply database migrations and exit")
	listReviews = flag.Bool("reviews", false, "Print pending duplicate reviews as JSON and exit")
	resolveID   = flag.String("resolve", "", "Resolve the pending review with this id and exit")
	masterID    = flag.String("master", "", "With -resolve: merge into this record id; omit to keep the listings separate")
	reviewer    = flag.String("reviewer", "", "With -resolve: who made the call")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, logFile, err := logging.Setup(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logFile.Close()
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", zap.Error(err))
		logFile.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting rental_dedupe", zap.Int("sources", len(cfg.Sources)))
	for id, src := range cfg.Sources {
		logger.Info("source loaded",
			zap.String("id", id),
			zap.String("name", src.Name),
			zap.String("language", src.Language),
			zap.Bool("enabled", src.IsEnabled()),
		)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if *migrateOnly {
		return nil
	}

	clients := httputil.NewClients(cfg)

	// Hash cache: Redis when configured, in-process otherwise
	hasher := imagehash.NewHasher(clients.Images, cfg.Matching.ImageFetchTimeout).WithLogger(logger.Named("imagehash"))
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, hash cache will miss", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		hasher.WithCache(imagehash.NewRedisCache(rdb, cfg.Redis.HashTTL, logger.Named("hashcache")))
	} else {
		hasher.WithCache(imagehash.NewMemoryCache())
	}

	// Must stay an untyped nil when AI is off: the match service checks comparer != nil
	var comparer services.ImageComparer
	if cfg.AIAvailable() {
		comparer = aicompare.NewClient(aicompare.Options{
			BaseURL:    cfg.AI.BaseURL,
			APIKey:     cfg.AI.APIKey,
			Model:      cfg.AI.Model,
			RPS:        cfg.AI.RPS,
			Timeout:    cfg.AI.Timeout,
			HTTPClient: clients.API,
		}, logger.Named("aicompare"))
		logger.Info("ai image comparison enabled", zap.String("model", cfg.AI.Model))
	} else {
		logger.Info("ai image comparison disabled")
	}

	engine := services.NewReconciliationEngine(store, hasher, comparer, engineOptions(cfg), logger.Named("engine"))

	switch {
	case *ingestFile != "":
		return ingest(ctx, cfg, engine, *ingestFile, logger)

	case *scanNow:
		_, err := workers.NewScanWorker(store, engine, cfg.Workers.ScanBatchSize, logger.Named("scan")).RunOnce(ctx)
		return err

	case *backfillNow:
		mirror, err := openMirror(ctx, cfg)
		if err != nil {
			return err
		}
		_, err = workers.NewMediaWorker(store, hasher, mirror, cfg.Workers.BackfillBatchSize, logger.Named("media")).ProcessBatch(ctx)
		return err

	case *listReviews:
		reviews, err := engine.Reviews().ListPending(ctx, 100)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reviews)

	case *resolveID != "":
		return resolve(ctx, engine)
	}

	return daemon(ctx, cfg, store, engine, hasher, logger)
}

func daemon(ctx context.Context, cfg *config.Config, store storage.Store, engine *services.ReconciliationEngine, hasher *imagehash.Hasher, logger *zap.Logger) error {
	mirror, err := openMirror(ctx, cfg)
	if err != nil {
		return err
	}

	scanWorker := workers.NewScanWorker(store, engine, cfg.Workers.ScanBatchSize, logger.Named("scan"))
	go scanWorker.Run(ctx)

	mediaWorker := workers.NewMediaWorker(store, hasher, mirror, cfg.Workers.BackfillBatchSize, logger.Named("media"))
	go mediaWorker.Run(ctx)

	sched := scheduler.New(cfg.Scheduler, logger.Named("scheduler"))
	sched.SetWorkers(scanWorker, mediaWorker)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	sched.TriggerBackfill()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("daemon running", zap.String("metrics_addr", cfg.MetricsAddr))

	<-ctx.Done()
	logger.Info("shutting down")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func ingest(ctx context.Context, cfg *config.Config, engine *services.ReconciliationEngine, path string, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	candidates, err := workers.ReadCandidates(f)
	if err != nil {
		return err
	}

	// Listings of disabled sources are dropped
	kept := candidates[:0]
	for _, c := range candidates {
		if src := cfg.Source(c.SourcePlatform); src != nil && !src.IsEnabled() {
			logger.Debug("skipping candidate of disabled source", zap.String("source_platform", c.SourcePlatform))
			continue
		}
		kept = append(kept, c)
	}

	batch := workers.NewBatchReconciler(engine, cfg.Workers.IngestConcurrency, logger.Named("ingest"))
	_, stats, err := batch.Run(ctx, kept)
	if err != nil {
		return err
	}
	fmt.Println(string(stats.ToJSON()))
	return nil
}

func resolve(ctx context.Context, engine *services.ReconciliationEngine) error {
	id, err := uuid.Parse(*resolveID)
	if err != nil {
		return fmt.Errorf("invalid review id: %w", err)
	}

	res := models.ResolveUnique(*reviewer)
	if *masterID != "" {
		master, err := uuid.Parse(*masterID)
		if err != nil {
			return fmt.Errorf("invalid master id: %w", err)
		}
		res = models.ResolveMergeWith(master, *reviewer)
	}
	return engine.ResolveReview(ctx, id, res)
}

// openStore connects to Postgres when DATABASE_URL is set, otherwise SQLite
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	if cfg.Database.URL == "" {
		store, err := storage.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("sqlite database", zap.String("path", cfg.Database.SQLitePath))
		return store, nil
	}

	if err := storage.Migrate(cfg.Database.URL, logger.Named("migrate")); err != nil {
		return nil, err
	}
	store, err := storage.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	logger.Info("connected to postgres", zap.String("dsn", maskConnectionString(cfg.Database.URL)))
	return store, nil
}

// openMirror returns an untyped nil mirror when no bucket is configured
func openMirror(ctx context.Context, cfg *config.Config) (workers.ImageMirror, error) {
	if cfg.S3.Bucket == "" {
		return nil, nil
	}
	mirror, err := storage.NewS3Mirror(ctx, cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("s3 mirror: %w", err)
	}
	return mirror, nil
}

func engineOptions(cfg *config.Config) services.EngineOptions {
	markers := make(map[string]string)
	languages := make(map[string]textsim.Language)
	for id, src := range cfg.Sources {
		if src.ItemURLMarker != "" {
			markers[id] = src.ItemURLMarker
		}
		if src.Language != "" {
			languages[id] = textsim.Language(src.Language)
		}
	}

	return services.EngineOptions{
		Retriever: services.RetrieverOptions{
			Window:         cfg.Matching.CandidateWindow,
			RadiusMeters:   cfg.Matching.RadiusMeters,
			ItemURLMarkers: markers,
		},
		Match: services.MatchOptions{
			AIThreshold:      cfg.AI.Threshold,
			ImageConcurrency: cfg.Matching.ImageConcurrency,
			Languages:        languages,
		},
	}
}

// maskConnectionString masks the password in a connection string for logging
func maskConnectionString(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil || u.User == nil {
		return connStr
	}
	return u.Redacted()
}
