package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mickamy/notifybox"
	"github.com/mickamy/notifybox/client"
	"github.com/mickamy/notifybox/internal/config"
	"github.com/mickamy/notifybox/internal/database"
	"github.com/mickamy/notifybox/internal/logger"
	"github.com/mickamy/notifybox/internal/metrics"
	"github.com/mickamy/notifybox/internal/sender/feishu"
	"github.com/mickamy/notifybox/migrations"
)

const metricsAddr = ":2112"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("bot stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	source, closeSource, err := newSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	worker := notifybox.NewWorker(m.TaskSource(source), newHandler(cfg, log), notifybox.WorkerOptions{
		ID:        cfg.Bot.ID,
		BatchSize: cfg.Bot.BatchSize,
		MaxRetry:  cfg.Task.MaxRetry,
		Logger:    logger.Printf(log.Named("bot")),
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("bot started", zap.String("id", worker.ID()), zap.String("source", cfg.Bot.Source))
		if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newSource claims straight from the database, or through the server's
// internal API when the bot has no database access.
func newSource(ctx context.Context, cfg config.Config) (notifybox.TaskSource, func(), error) {
	if cfg.Bot.Source == "http" {
		return client.New(cfg.Bot.ServerURL), func() {}, nil
	}

	dialect, err := migrations.ParseDialect(cfg.Dialect)
	if err != nil {
		return nil, nil, err
	}
	db, err := database.Open(ctx, dialect, cfg.DSN())
	if err != nil {
		return nil, nil, err
	}
	store, err := database.NewStore(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, func() { _ = db.Close() }, nil
}

// newHandler posts tasks to Feishu when a webhook is configured and only logs
// them otherwise.
func newHandler(cfg config.Config, log *zap.Logger) notifybox.TaskHandler {
	s := feishu.New(cfg.Feishu.WebhookURL, feishu.Options{
		Secret:        cfg.Feishu.Secret,
		Timeout:       cfg.Feishu.Timeout,
		RatePerSecond: cfg.Feishu.RatePerSecond,
		Burst:         cfg.Feishu.Burst,
	})
	if s.Validate() == nil {
		return s
	}
	return notifybox.TaskHandlerFunc(func(_ context.Context, t notifybox.Task) error {
		log.Info("task delivered",
			zap.Int64("id", t.ID),
			zap.String("pr_info_id", t.PRInfoID),
			zap.String("receiver", t.Receiver),
			zap.String("template_id", t.TemplateID))
		return nil
	})
}
