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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mickamy/notifybox"
	"github.com/mickamy/notifybox/internal/api"
	"github.com/mickamy/notifybox/internal/config"
	"github.com/mickamy/notifybox/internal/database"
	"github.com/mickamy/notifybox/internal/logger"
	"github.com/mickamy/notifybox/internal/metrics"
	"github.com/mickamy/notifybox/internal/sender/feishu"
	"github.com/mickamy/notifybox/internal/sender/redisq"
	"github.com/mickamy/notifybox/internal/sender/sqs"
	"github.com/mickamy/notifybox/migrations"
)

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
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialect, err := migrations.ParseDialect(cfg.Dialect)
	if err != nil {
		return err
	}
	db, err := database.Open(ctx, dialect, cfg.DSN())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if cfg.AutoMigrate {
		applied, err := migrations.Up(db, dialect)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("migrations checked", zap.Bool("applied", applied))
	}

	store, err := database.NewStore(db, dialect)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	if cfg.Outbox.Enabled {
		sender, closeSender, err := newSender(ctx, cfg)
		if err != nil {
			return fmt.Errorf("init sender: %w", err)
		}
		defer closeSender()

		poller := notifybox.NewPoller(store, sender, notifybox.PollerOptions{
			Interval:  cfg.Outbox.Interval,
			BatchSize: cfg.Outbox.BatchSize,
			Retention: cfg.Outbox.Retention,
			GCBatch:   cfg.Outbox.GCBatch,
			Logger:    logger.Printf(log.Named("outbox")),
			Hooks:     m.Hooks(),
		})
		handle := poller.Start(ctx)
		defer handle.Stop()
		log.Info("outbox poller started",
			zap.String("sender", cfg.Sender),
			zap.Duration("interval", cfg.Outbox.Interval),
			zap.Int("batch", cfg.Outbox.BatchSize))
	}

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Options{
		DB:        db,
		Dialect:   string(dialect),
		Publisher: notifybox.NewCoordinator(db, store, store),
		Tasks: notifybox.NewTaskQueue(m.Tasks(store), notifybox.TaskQueueOptions{
			DefaultTemplateID: cfg.Task.DefaultTemplateID,
			DefaultLimit:      cfg.Task.DefaultLimit,
			MaxLimit:          cfg.Task.MaxLimit,
			MaxRetry:          cfg.Task.MaxRetry,
		}),
		Logger:   log,
		Metrics:  m,
		Gatherer: reg,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", cfg.HTTPAddr), zap.String("dialect", string(dialect)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server exited properly")
	return nil
}

func newSender(ctx context.Context, cfg config.Config) (notifybox.Sender, func(), error) {
	switch cfg.Sender {
	case "sqs":
		s, err := sqs.NewSender(ctx, cfg.SQS.Region, cfg.SQS.Endpoint, cfg.SQS.QueueURL)
		return s, func() {}, err
	case "redis":
		rdb := r.NewClient(&r.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return redisq.New(rdb, cfg.Redis.Queue), func() { _ = rdb.Close() }, nil
	case "webhook", "":
		s := feishu.New(cfg.Feishu.WebhookURL, feishu.Options{
			Secret:        cfg.Feishu.Secret,
			Timeout:       cfg.Feishu.Timeout,
			RatePerSecond: cfg.Feishu.RatePerSecond,
			Burst:         cfg.Feishu.Burst,
		})
		if err := s.Validate(); err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown sender %q", cfg.Sender)
	}
}
