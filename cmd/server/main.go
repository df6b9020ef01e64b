package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "github.com/discoduckasaurus/duckflix-lite-sub000/internal/api/http"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/app"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/badlink"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/jobs"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/limiter"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/linkcache"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/metrics"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/providers/mount"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/providers/realdebrid"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/providers/tmdb"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/providers/torznab"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/search"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/sessionguard"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/telemetry"
)

const serviceName = "stream-resolver"

func main() {
	_ = godotenv.Load()
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), serviceName)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Int("trustedProxies", len(cfg.TrustedProxies)),
		slog.String("mountRoot", cfg.MountRoot),
		slog.String("torznabEndpoint", cfg.TorznabEndpoint),
		slog.Bool("hasTorznabKey", cfg.TorznabAPIKey != ""),
		slog.Int("indexerConcurrency", cfg.IndexerConcurrency),
		slog.Duration("searchCeiling", cfg.SearchCeiling),
		slog.Duration("pollInterval", cfg.PollInterval),
		slog.Duration("downloadCeiling", cfg.DownloadCeiling),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Bool("hasMongo", strings.TrimSpace(cfg.MongoURI) != ""),
		slog.Bool("hasTMDBKey", cfg.TMDBAPIKey != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := connectRedis(rootCtx, cfg, logger)
	mongoClient := connectMongo(rootCtx, cfg, logger)
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if mongoClient != nil {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoClient.Disconnect(disconnectCtx)
		}
	}()

	badLinks := badlink.NewRegistry(buildBadLinkStore(redisClient), badlink.WithLogger(logger))
	links := linkcache.New(buildLinkStore(rootCtx, mongoClient, cfg.MongoDatabase, logger), linkcache.WithLogger(logger))
	guard := sessionguard.New(buildSessionStore(rootCtx, mongoClient, cfg.MongoDatabase, logger), sessionguard.WithLogger(logger))

	debrid := realdebrid.NewClient(realdebrid.Config{
		BaseURL:       cfg.RealDebridBaseURL,
		RatePerSecond: cfg.DebridRatePerSecond,
		Logger:        logger,
	})

	searchOpts := []search.ServiceOption{
		search.WithAvailability(debrid),
		search.WithFlagChecker(badLinks),
		search.WithCeiling(cfg.SearchCeiling),
		search.WithLogger(logger),
	}
	if strings.TrimSpace(cfg.TorznabEndpoint) != "" {
		searchOpts = append(searchOpts, search.WithIndexer(torznab.NewProvider(torznab.Config{
			Endpoint:  cfg.TorznabEndpoint,
			APIKey:    cfg.TorznabAPIKey,
			UserAgent: cfg.IndexerUserAgent,
			Client:    &http.Client{Timeout: 20 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Limiter:   limiter.New("indexer", cfg.IndexerConcurrency),
			Logger:    logger,
		})))
	} else {
		logger.Info("torznab endpoint not configured, indexer search disabled")
	}
	if runtimeLookup := buildTMDBClient(cfg, redisClient, logger); runtimeLookup != nil {
		searchOpts = append(searchOpts, search.WithRuntimeLookup(runtimeLookup))
	}

	jobOpts := []jobs.Option{
		jobs.WithDebrid(debrid),
		jobs.WithLinkCache(links),
		jobs.WithSessionGuard(guard),
		jobs.WithBadLinks(badLinks),
		jobs.WithPollInterval(cfg.PollInterval),
		jobs.WithDownloadCeiling(cfg.DownloadCeiling),
		jobs.WithMaxAttempts(cfg.MaxSourceAttempts),
		jobs.WithTempDir(cfg.JobTempDir),
		jobs.WithVerifyCachedLinks(cfg.VerifyCachedLinks),
		jobs.WithLogger(logger),
	}

	var searchService *search.Service
	if root := strings.TrimSpace(cfg.MountRoot); root != "" {
		mountProvider := mount.NewProvider(mount.Config{
			Root:          os.DirFS(root),
			StreamBaseURL: cfg.MountStreamBaseURL,
			Logger:        logger,
		})
		searchService = search.NewService(mountProvider, searchOpts...)
		jobOpts = append(jobOpts, jobs.WithMount(mountProvider))
	} else {
		logger.Info("mount root not configured, cache-mount search disabled")
		searchService = search.NewService(nil, searchOpts...)
	}

	jobStore := jobs.NewStore(searchService, jobOpts...)
	defer jobStore.Close()

	handler := apihttp.NewServer(searchService,
		apihttp.WithLogger(logger),
		apihttp.WithJobs(jobStore),
		apihttp.WithSessions(guard),
		apihttp.WithRateLimit(cfg.HTTPRateLimitRPS),
		apihttp.WithTrustedProxies(cfg.TrustedProxies),
	).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// /resolve/stream and /jobs/{id}/ws outlive any fixed write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go runSweeper(rootCtx, logger, "jobs", cfg.JobSweepInterval, jobStore.Sweep)
	go runSweeper(rootCtx, logger, "sessions", cfg.SessionSweepInterval, guard.Sweep)
	go runSweeper(rootCtx, logger, "badlinks", cfg.BadLinkSweepInterval, badLinks.Sweep)
	go runSweeper(rootCtx, logger, "links", cfg.LinkSweepInterval, links.Sweep)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("stream resolver started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stream resolver stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	handlerOpts := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func connectRedis(ctx context.Context, cfg app.Config, logger *slog.Logger) *redis.Client {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory bad link store", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not reachable, using in-memory bad link store", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return client
}

func connectMongo(ctx context.Context, cfg app.Config, logger *slog.Logger) *mongo.Client {
	uri := strings.TrimSpace(cfg.MongoURI)
	if uri == "" {
		return nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri).SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		logger.Warn("mongo connect failed, using in-memory stores", slog.String("error", err.Error()))
		return nil
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		logger.Warn("mongo ping failed, using in-memory stores", slog.String("error", err.Error()))
		_ = client.Disconnect(context.Background())
		return nil
	}
	logger.Info("mongo connected", slog.String("database", cfg.MongoDatabase))
	return client
}

func buildBadLinkStore(client *redis.Client) badlink.Store {
	if client == nil {
		return badlink.NewMemoryStore()
	}
	return badlink.NewRedisStore(client)
}

func buildLinkStore(ctx context.Context, client *mongo.Client, dbName string, logger *slog.Logger) linkcache.Store {
	if client == nil {
		return linkcache.NewMemoryStore()
	}
	store := linkcache.NewMongoStore(client, dbName)
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Warn("link cache ensure indexes failed", slog.String("error", err.Error()))
	}
	return store
}

func buildSessionStore(ctx context.Context, client *mongo.Client, dbName string, logger *slog.Logger) sessionguard.Store {
	if client == nil {
		return sessionguard.NewMemoryStore()
	}
	store := sessionguard.NewMongoStore(client, dbName)
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Warn("session ensure indexes failed", slog.String("error", err.Error()))
	}
	return store
}

func buildTMDBClient(cfg app.Config, redisClient *redis.Client, logger *slog.Logger) *tmdb.Client {
	if strings.TrimSpace(cfg.TMDBAPIKey) == "" {
		logger.Info("tmdb api key not configured, runtime hints use defaults")
		return nil
	}
	return tmdb.NewClient(tmdb.Config{
		APIKey:   cfg.TMDBAPIKey,
		BaseURL:  cfg.TMDBBaseURL,
		Redis:    redisClient,
		CacheTTL: cfg.TMDBCacheTTL,
	})
}

func runSweeper(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, sweep func(context.Context) (int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sweep(ctx)
			if err != nil {
				logger.Warn("sweep failed", slog.String("store", name), slog.String("error", err.Error()))
				continue
			}
			if removed > 0 {
				logger.Debug("sweep removed entries", slog.String("store", name), slog.Int("removed", removed))
			}
		}
	}
}
