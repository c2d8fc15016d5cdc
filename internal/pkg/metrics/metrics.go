package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// 业务指标。通过 /metrics 端点暴露给 Prometheus。
var (
	JobsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helphero_jobs_created_total",
		Help: "Total number of jobs created.",
	})
	JobsAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helphero_jobs_accepted_total",
		Help: "Total number of jobs accepted.",
	})
	JobsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helphero_jobs_completed_total",
		Help: "Total number of jobs completed.",
	})
	JobConflictTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helphero_job_conflict_total",
		Help: "Total number of job operations rejected by an active-job invariant.",
	})
	LocationUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helphero_location_updates_total",
		Help: "Total number of user location upserts.",
	})
	SessionsEstablishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helphero_sessions_established_total",
		Help: "Total number of sessions established (register + login).",
	})
	LoginRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helphero_login_rejected_total",
		Help: "Total number of login attempts rejected by the rate limiter.",
	})
	NotifyQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "helphero_notify_queue_depth",
		Help: "Pending notification jobs in the in-memory worker queue.",
	})
	NotifyWorkerPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "helphero_notify_worker_pool_size",
		Help: "Configured notification worker pool size.",
	})
	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "helphero_ratelimit_wait_seconds",
		Help:    "Time spent in the login rate limiter check.",
		Buckets: prometheus.DefBuckets,
	})
)

var initOnce sync.Once

// InitMetrics 注册所有业务指标并记录 worker pool 配置。
//
// 可以安全地重复调用（测试中每个用例都会调用一次）。
func InitMetrics(workerPoolSize int) {
	initOnce.Do(func() {
		prometheus.MustRegister(
			JobsCreatedTotal,
			JobsAcceptedTotal,
			JobsCompletedTotal,
			JobConflictTotal,
			LocationUpdatesTotal,
			SessionsEstablishedTotal,
			LoginRejectedTotal,
			NotifyQueueDepth,
			NotifyWorkerPoolSize,
			RateLimitWaitDuration,
		)
	})
	NotifyWorkerPoolSize.Set(float64(workerPoolSize))
}
