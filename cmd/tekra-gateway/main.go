// Command tekra-gateway runs the supplier-offer submission pipeline: the
// webhook intake, the background orchestrator/scheduler, and the admin
// validation API, all backed by one SQLite database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Louguiman/tekra-submissions/adminapi"
	"github.com/Louguiman/tekra-submissions/catalog"
	"github.com/Louguiman/tekra-submissions/channels"
	"github.com/Louguiman/tekra-submissions/config"
	"github.com/Louguiman/tekra-submissions/dbopen"
	"github.com/Louguiman/tekra-submissions/duplicate"
	"github.com/Louguiman/tekra-submissions/extract"
	"github.com/Louguiman/tekra-submissions/health"
	"github.com/Louguiman/tekra-submissions/media"
	"github.com/Louguiman/tekra-submissions/notify"
	"github.com/Louguiman/tekra-submissions/observability"
	"github.com/Louguiman/tekra-submissions/pipeline"
	"github.com/Louguiman/tekra-submissions/retry"
	"github.com/Louguiman/tekra-submissions/scheduler"
	"github.com/Louguiman/tekra-submissions/shield"
	"github.com/Louguiman/tekra-submissions/submission"
	"github.com/Louguiman/tekra-submissions/supplier"
	"github.com/Louguiman/tekra-submissions/validation"
	"github.com/Louguiman/tekra-submissions/webhook"
	_ "modernc.org/sqlite"
)

func main() {
	cfg := config.Load()

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	if !cfg.Valid() {
		logger.Warn("starting with incomplete configuration", "missing", cfg.Missing)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	schema := submission.Schema + supplier.Schema + retry.Schema + health.Schema +
		duplicate.Schema + media.Schema + observability.Schema

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := shield.Init(db); err != nil {
		logger.Error("shield schema", "error", err)
		os.Exit(1)
	}

	audit := observability.NewAuditLogger(db, 256)
	defer audit.Close()

	metrics := observability.NewMetricsManager(db, 256, time.Minute)
	defer metrics.Close()

	events := observability.NewEventLogger(db)

	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		logger.Error("create media dir", "error", err)
		os.Exit(1)
	}

	submissions := submission.New(db)
	suppliers := supplier.New(db)
	retryEngine := retry.New(db, logger)
	mediaStore := media.New(db, cfg.MediaDir)
	duplicates := duplicate.New(db)
	healthMonitor := health.New(db, submissions, cfg, audit)

	var llmClient extract.LLMClient
	if cfg.LLMEnabled {
		llmClient = extract.NewHTTPLLMClient(cfg.LLMBaseURL, cfg.LLMModel, logger, metrics)
	}
	extractor := extract.New(llmClient, cfg.LLMEnabled)

	catalogSink, err := catalog.New(cfg.CatalogEndpoint, 10*time.Second, logger)
	if err != nil {
		logger.Error("build catalog sink", "error", err)
		os.Exit(1)
	}
	defer catalogSink.Close()

	orchestrator := pipeline.New(pipeline.Config{
		Submissions: submissions,
		Suppliers:   suppliers,
		Extractor:   extractor,
		Duplicates:  duplicates,
		Sink:        catalogSink,
		RetryEngine: retryEngine,
		Health:      healthMonitor,
		Audit:       audit,
		Events:      events,
		Logger:      logger,
	})

	waFactory := channels.WhatsAppFactory()
	waCfg, _ := json.Marshal(channels.WhatsAppConfig{DeviceName: cfg.WhatsAppDevice, StorePath: cfg.WhatsAppStorePath})
	waChannel, err := waFactory("whatsapp", waCfg)
	if err != nil {
		logger.Error("build whatsapp channel", "error", err)
		os.Exit(1)
	}
	defer waChannel.Close()
	notifier := notify.New(waChannel, suppliers, logger)

	validationQueue := validation.New(validation.Config{
		Submissions: submissions,
		Sink:        catalogSink,
		RetryEnqueue: func(ctx context.Context, name, payload string) {
			failing := func(context.Context) error { return fmt.Errorf("integration sink failed: %s", payload) }
			_ = retryEngine.Execute(ctx, name, payload, retry.Config{MaxAttempts: 1}, failing)
		},
		Notify: notifier,
	})

	sched := scheduler.New(scheduler.Config{
		Submissions:  submissions,
		Orchestrator: orchestrator,
		RetryEngine:  retryEngine,
		Health:       healthMonitor,
		Logger:       logger,
		DB:           db,
	})
	go sched.Run(ctx)

	dispatch := &asyncDispatcher{orchestrator: orchestrator, logger: logger}

	intake := webhook.New(webhook.Config{
		Secret:      []byte(cfg.WebhookSecret),
		Suppliers:   suppliers,
		Submissions: submissions,
		Media:       mediaStore,
		Audit:       audit,
		Dispatch:    dispatch,
		Logger:      logger,
	})

	adminAPI := adminapi.New(adminapi.Config{
		Validation:        validationQueue,
		Health:            healthMonitor,
		Retry:             retryEngine,
		Submissions:       submissions,
		Audit:             audit,
		JWTSecret:         []byte(cfg.JWTSecret),
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: cfg.AdminPasswordHash,
		Logger:            logger,
	})

	r := chi.NewRouter()
	fo, mm := shield.DefaultFOStack(db)
	mm.StartReloader(ctx.Done())
	for _, mw := range fo {
		r.Use(mw)
	}

	r.Get("/webhook", intake.Challenge)
	r.Post("/webhook", intake.ServeHTTP)
	r.Mount("/", adminAPI.Router())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("server stopped")
}

// asyncDispatcher runs a submission through the orchestrator in its own
// goroutine, so the webhook response doesn't wait on extraction. The
// scheduler's pending sweep is the backstop for anything that's still
// Pending by its next tick.
type asyncDispatcher struct {
	orchestrator *pipeline.Orchestrator
	logger       *slog.Logger
}

func (d *asyncDispatcher) Dispatch(submissionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := d.orchestrator.Process(ctx, submissionID); err != nil {
			d.logger.ErrorContext(ctx, "dispatch: process submission", "submissionId", submissionID, "error", err)
		}
	}()
}
