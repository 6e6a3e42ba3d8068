package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mickamy/notifybox"
)

const namespace = "notifybox"

// Metrics groups the collectors exported by the server and the bot.
type Metrics struct {
	fetched       *prometheus.CounterVec
	sendSuccess   prometheus.Counter
	sendFailure   prometheus.Counter
	storeErrors   *prometheus.CounterVec
	collected     prometheus.Counter
	cycles        prometheus.Histogram
	registered    *prometheus.CounterVec
	claimed       prometheus.Counter
	completed     *prometheus.CounterVec
	httpDurations *prometheus.SummaryVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		fetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_fetched_total",
			Help:      "Outbox entries loaded by the poller, by status.",
		}, []string{"status"}),
		sendSuccess: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_send_success_total",
			Help:      "Outbox entries delivered.",
		}),
		sendFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_send_failure_total",
			Help:      "Outbox delivery attempts that failed.",
		}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_store_errors_total",
			Help:      "Store operations that failed inside a poller cycle.",
		}, []string{"op"}),
		collected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_collected_total",
			Help:      "SENT entries removed by garbage collection.",
		}),
		cycles: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_cycle_duration_seconds",
			Help:      "Duration of poller cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		registered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_registered_total",
			Help:      "Task registrations, split by whether a new row was created.",
		}, []string{"created"}),
		claimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_claimed_total",
			Help:      "Tasks handed out to workers.",
		}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Task completions reported by workers, by status.",
		}, []string{"status"}),
		httpDurations: f.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "http_duration_seconds",
			Help:      "Duration of HTTP requests.",
		}, []string{"path", "method", "status"}),
	}
}

// Handler exposes the collectors of g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(path, method string, status int, d time.Duration) {
	m.httpDurations.WithLabelValues(path, method, strconv.Itoa(status)).Observe(d.Seconds())
}

// Hooks returns poller hooks feeding m.
func (m *Metrics) Hooks() notifybox.Hooks {
	return pollerHooks{m: m}
}

type pollerHooks struct {
	m *Metrics
}

func (h pollerHooks) OnFetch(_ context.Context, status notifybox.Status, n int) {
	h.m.fetched.WithLabelValues(status.String()).Add(float64(n))
}

func (h pollerHooks) OnSendSuccess(_ context.Context, _ notifybox.Entry) {
	h.m.sendSuccess.Inc()
}

func (h pollerHooks) OnSendFailure(_ context.Context, _ notifybox.Entry, _ error) {
	h.m.sendFailure.Inc()
}

func (h pollerHooks) OnStoreError(_ context.Context, op string, _ int64, _ error) {
	h.m.storeErrors.WithLabelValues(op).Inc()
}

func (h pollerHooks) OnCollect(_ context.Context, removed int64) {
	h.m.collected.Add(float64(removed))
}

func (h pollerHooks) OnCycle(_ context.Context, d time.Duration) {
	h.m.cycles.Observe(d.Seconds())
}

// Tasks wraps store so that registrations, claims and completions are counted.
func (m *Metrics) Tasks(store notifybox.TaskStore) notifybox.TaskStore {
	return &taskStore{TaskStore: store, m: m}
}

// TaskSource is Tasks for workers that only consume.
func (m *Metrics) TaskSource(src notifybox.TaskSource) notifybox.TaskSource {
	return &taskSource{TaskSource: src, m: m}
}

type taskStore struct {
	notifybox.TaskStore
	m *Metrics
}

func (s *taskStore) RegisterTask(ctx context.Context, t notifybox.NewTask) (notifybox.Registration, error) {
	reg, err := s.TaskStore.RegisterTask(ctx, t)
	if err == nil {
		s.m.registered.WithLabelValues(strconv.FormatBool(reg.Created)).Inc()
	}
	return reg, err
}

func (s *taskStore) ClaimTasks(ctx context.Context, claimer string, limit, maxRetry int) ([]notifybox.Task, error) {
	tasks, err := s.TaskStore.ClaimTasks(ctx, claimer, limit, maxRetry)
	s.m.observeClaim(tasks, err)
	return tasks, err
}

func (s *taskStore) MarkTaskSent(ctx context.Context, id int64) error {
	err := s.TaskStore.MarkTaskSent(ctx, id)
	s.m.observeCompletion(notifybox.TaskSent, err)
	return err
}

func (s *taskStore) MarkTaskFailed(ctx context.Context, id int64, errMsg string) error {
	err := s.TaskStore.MarkTaskFailed(ctx, id, errMsg)
	s.m.observeCompletion(notifybox.TaskFailed, err)
	return err
}

type taskSource struct {
	notifybox.TaskSource
	m *Metrics
}

func (s *taskSource) ClaimTasks(ctx context.Context, claimer string, limit, maxRetry int) ([]notifybox.Task, error) {
	tasks, err := s.TaskSource.ClaimTasks(ctx, claimer, limit, maxRetry)
	s.m.observeClaim(tasks, err)
	return tasks, err
}

func (s *taskSource) MarkTaskSent(ctx context.Context, id int64) error {
	err := s.TaskSource.MarkTaskSent(ctx, id)
	s.m.observeCompletion(notifybox.TaskSent, err)
	return err
}

func (s *taskSource) MarkTaskFailed(ctx context.Context, id int64, errMsg string) error {
	err := s.TaskSource.MarkTaskFailed(ctx, id, errMsg)
	s.m.observeCompletion(notifybox.TaskFailed, err)
	return err
}

func (m *Metrics) observeClaim(tasks []notifybox.Task, err error) {
	if err == nil {
		m.claimed.Add(float64(len(tasks)))
	}
}

func (m *Metrics) observeCompletion(status notifybox.TaskStatus, err error) {
	if err == nil {
		m.completed.WithLabelValues(string(status)).Inc()
	}
}
