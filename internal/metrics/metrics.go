package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmgr_jobs_submitted_total",
		Help: "Total number of background jobs submitted",
	}, []string{"type"})

	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmgr_jobs_completed_total",
		Help: "Total number of background jobs completed successfully",
	}, []string{"type"})

	JobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmgr_jobs_failed_total",
		Help: "Total number of background jobs that failed permanently",
	}, []string{"type"})

	JobsRetriedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmgr_jobs_retried_total",
		Help: "Total number of retries scheduled",
	}, []string{"type"})

	JobsRevokedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmgr_jobs_revoked_total",
		Help: "Total number of jobs revoked before or while running",
	}, []string{"type"})

	JobProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskmgr_job_processing_duration_seconds",
		Help:    "Time taken to execute a job body in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmgr_active_workers",
		Help: "Current number of workers in this process",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskmgr_queue_depth",
		Help: "Number of job ids waiting on each queue",
	}, []string{"queue"})
)
