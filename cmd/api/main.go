package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"inkwell/api/internal/app"
	"inkwell/api/internal/attachments"
	"inkwell/api/internal/changefeed"
	"inkwell/api/internal/config"
	"inkwell/api/internal/docstore"
	"inkwell/api/internal/jobs"
	"inkwell/api/internal/logging"
	"inkwell/api/internal/resolution"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := logging.New("info", "json")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	if len(applied) > 0 {
		logger.Info().Strs("versions", applied).Msg("applied migrations")
	}

	if err := os.MkdirAll(cfg.DocsDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.DocsDir).Msg("create docs dir")
	}

	dataStore := store.NewPostgresStore(db)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), logger)
	defer searchService.Close()
	go searchService.ReindexAllFromPG(ctx)

	var feed changefeed.Feed = changefeed.Nop{}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisFeed, err := changefeed.NewRedisFeed(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisFeed.Close()
		feed = redisFeed
		logger.Info().Msg("publishing comment changes to redis")
	}

	deps := app.Deps{
		Store:  dataStore,
		Docs:   docstore.New(cfg.DocsDir),
		Feed:   feed,
		Search: searchService,
		Logger: logger,
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		att, err := attachments.New(ctx, attachments.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			URLTTL:    cfg.AttachmentURLTTL(),
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("attachment storage unavailable")
		}
		deps.Attachments = att
	}
	service := app.NewService(cfg, deps)

	if cfg.AutoResolveEnabled {
		queue := startQueue(ctx, cfg, service, logger)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := queue.Stop(stopCtx); err != nil {
				logger.Warn().Err(err).Msg("job queue stop")
			}
		}()
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("inkwell api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

// startQueue runs the periodic auto-resolve sweep on its own pgx pool.
func startQueue(ctx context.Context, cfg config.Config, service *app.Service, logger zerolog.Logger) *jobs.Queue {
	pool, err := store.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("job queue pool")
	}
	if _, err := jobs.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("job queue migrations")
	}
	worker := jobs.NewAutoResolveWorker(service.Resolution(), func(ctx context.Context, actor resolution.Actor, res resolution.Result) {
		service.AfterStatusChange(ctx, actor, res)
	}, logger)
	queue, err := jobs.NewQueue(pool, worker, jobs.Options{
		AutoResolveEvery: cfg.AutoResolveInterval(),
		AutoResolveDays:  cfg.AutoResolveDays,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("job queue")
	}
	if err := queue.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("job queue start")
	}
	logger.Info().Dur("every", cfg.AutoResolveInterval()).Int("days", cfg.AutoResolveDays).Msg("auto-resolve sweep scheduled")
	return queue
}
