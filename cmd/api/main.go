package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	appassistant "github.com/bryanwahyu/health-intake/internal/application/assistant"
	appsessions "github.com/bryanwahyu/health-intake/internal/application/sessions"
	"github.com/bryanwahyu/health-intake/internal/config"
	domassistant "github.com/bryanwahyu/health-intake/internal/domain/assistant"
	domain "github.com/bryanwahyu/health-intake/internal/domain/sessions"
	"github.com/bryanwahyu/health-intake/internal/infra/ai/openai"
	mysqlp "github.com/bryanwahyu/health-intake/internal/infra/db/mysql"
	"github.com/bryanwahyu/health-intake/internal/infra/db/postgres"
	"github.com/bryanwahyu/health-intake/internal/infra/db/sqlite"
	"github.com/bryanwahyu/health-intake/internal/infra/db/sqlstore"
	"github.com/bryanwahyu/health-intake/internal/infra/httpserver"
	"github.com/bryanwahyu/health-intake/internal/infra/storage"
	"github.com/bryanwahyu/health-intake/internal/infra/worker"
	"github.com/bryanwahyu/health-intake/internal/middleware"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// .env tidak override env yang sudah ada
	_ = godotenv.Load()

	defaultPath := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		defaultPath = v
	}
	configPath := flag.String("config", defaultPath, "Path to the YAML config (or set CONFIG_PATH)")
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	log := newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)
	log.Info("starting health-intake", "version", version, "commit", commit)

	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     version + "-" + commit,
		})
		if err != nil {
			log.Warn("sentry initialization failed", "err", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// database + migrations
	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := sqlstore.Migrate(ctx, log, db, dialect); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if *migrateOnly {
		log.Info("migrations applied", "driver", cfg.Database.Driver)
		return nil
	}
	clock := clockwork.NewRealClock()
	repo := sqlstore.NewSessionRepository(db, dialect).WithClock(clock.Now)
	outbox := sqlstore.NewOutboxRepository(db, dialect)

	blobs, blobCheck, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	trigger := &appsessions.Trigger{
		Repo:        repo,
		Worker:      worker.NewClient(cfg.Worker.URL, cfg.Worker.Token, cfg.Worker.Timeout),
		Clock:       clock,
		Log:         log.With("component", "trigger"),
		Timeout:     cfg.Worker.Timeout,
		RepoTimeout: cfg.Repository.Timeout,
	}
	if cfg.OutboxEnabled() {
		trigger.Outbox = outbox
	}
	svc := &appsessions.Service{
		Repo:        repo,
		Blobs:       blobs,
		Trigger:     trigger,
		Clock:       clock,
		Log:         log.With("component", "sessions"),
		RepoTimeout: cfg.Repository.Timeout,
		BlobTimeout: cfg.Blob.Timeout,
	}

	assistantSvc := &appassistant.Service{Reports: repo, Timeout: cfg.OpenAI.Timeout}
	if cfg.OpenAI.APIKey != "" {
		var answerer domassistant.Answerer
		if cfg.OpenAI.BaseURL != "" {
			answerer = openai.NewClientWithBaseURL(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL)
		} else {
			answerer = openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
		}
		assistantSvc.Answerer = answerer
	} else {
		log.Info("assistant disabled, no openai api key")
	}

	api := httpserver.NewRouter(svc, assistantSvc, httpserver.Options{
		Log:            log,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		UserTokens:     cfg.Auth.UserTokens,
		AdminKeys:      cfg.Auth.AdminKeys,
		RateCapacity:   cfg.RateLimit.Capacity,
		RateRefill:     cfg.RateLimit.RefillPerSecond,
		Health: map[string]middleware.HealthChecker{
			"database": &middleware.DatabaseHealthChecker{DB: db},
			"blob":     middleware.CheckFunc(blobCheck),
		},
	})

	mux := chi.NewRouter()
	mux.Use(chimw.RequestID)
	mux.Use(chimw.RealIP)
	mux.Use(middleware.Logging(log.With("component", "http")))
	if cfg.Sentry.DSN != "" {
		mux.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	mux.Use(chimw.Recoverer)
	mux.Use(middleware.Metrics)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		MaxAge:         300,
	}))
	mux.Mount("/", api)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	if cfg.OutboxEnabled() {
		retrier := &appsessions.Retrier{
			Outbox:      outbox,
			Trigger:     trigger,
			Clock:       clock,
			Log:         log.With("component", "outbox"),
			Interval:    cfg.Outbox.Interval,
			MaxAttempts: cfg.Outbox.MaxAttempts,
			BatchSize:   cfg.Outbox.BatchSize,
		}
		g.Go(func() error { return retrier.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// tunggu report request yang masih jalan
		svc.Wait()
		return err
	})
	return g.Wait()
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.TimeOnly}))
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, sqlstore.Dialect, error) {
	switch cfg.Database.Driver {
	case "mysql":
		db, err := mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, sqlstore.Dialect{}, fmt.Errorf("mysql connect: %w", err)
		}
		return db, sqlstore.MySQL, nil
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, sqlstore.Dialect{}, fmt.Errorf("postgres connect: %w", err)
		}
		return db, sqlstore.Postgres, nil
	case "sqlite":
		db, err := sqlite.Connect(ctx, cfg.Database.Path)
		if err != nil {
			return nil, sqlstore.Dialect{}, fmt.Errorf("sqlite open: %w", err)
		}
		return db, sqlstore.SQLite, nil
	}
	return nil, sqlstore.Dialect{}, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

func openBlobStore(ctx context.Context, cfg *config.Config) (domain.BlobStore, func(context.Context) error, error) {
	switch cfg.Blob.Driver {
	case "s3":
		store, err := storage.NewS3(ctx, storage.S3Config{
			Bucket:      cfg.S3.Bucket,
			Region:      cfg.S3.Region,
			EndpointURL: cfg.S3.EndpointURL,
			AccessKey:   cfg.S3.AccessKey,
			SecretKey:   cfg.S3.SecretKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("s3 init: %w", err)
		}
		return store, store.Check, nil
	default:
		store, err := storage.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("minio init: %w", err)
		}
		return store, store.Check, nil
	}
}
