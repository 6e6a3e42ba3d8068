package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mickamy/notifybox"
	"github.com/mickamy/notifybox/internal/metrics"
)

// Options wire the router's collaborators. Metrics and Gatherer are optional.
type Options struct {
	DB        Pinger
	Dialect   string
	Publisher Publisher
	Tasks     *notifybox.TaskQueue
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Now       func() time.Time
}

// NewRouter builds the HTTP surface: health, metrics, the producer API and the
// internal task API used by bots that do not connect to the database.
func NewRouter(opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &Handler{
		db:        opts.DB,
		dialect:   opts.Dialect,
		publisher: opts.Publisher,
		tasks:     opts.Tasks,
		logger:    opts.Logger,
		now:       opts.Now,
	}

	r := gin.New()
	r.Use(
		RequestID(),
		ZapLogger(opts.Logger),
		ZapRecovery(opts.Logger),
	)
	if opts.Metrics != nil {
		r.Use(Metrics(opts.Metrics))
	}
	_ = r.SetTrustedProxies(nil)

	r.GET("/healthz", h.Healthz)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(opts.Gatherer)))
	}

	api := r.Group("/api")
	{
		api.POST("/results", h.PublishResult)
		api.POST("/tasks/register", h.RegisterTask)
	}

	internal := r.Group("/internal/tasks")
	{
		internal.POST("/claim", h.ClaimTasks)
		internal.POST("/complete", h.CompleteTask)
	}
	return r
}
