// Package metrics 定义 Prometheus 指标。
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksProcessedTotal 按最终状态统计处理完成的任务。
	TasksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_tasks_processed_total",
		Help: "Tasks that reached a status, by status",
	}, []string{"status"})

	// ActiveTasks 正在处理的任务数。
	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_active_tasks",
		Help: "Tasks currently being processed",
	})

	// StageDuration 各阶段耗时。
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"stage"})

	// LoopErrorsTotal 循环级错误（如数据库不可用）。
	LoopErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_loop_errors_total",
		Help: "Loop-level errors that triggered backoff",
	})

	// SearchTierTotal 各搜索层级的结果。
	SearchTierTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "search_tier_total",
		Help: "Search tier outcomes",
	}, []string{"tier", "outcome"})

	// OracleRequestsTotal 相关度评估请求。
	OracleRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_requests_total",
		Help: "Relevance oracle requests by operation and result",
	}, []string{"op", "result"})

	// BrowserSessionsTotal 浏览器会话打开次数。
	BrowserSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "browser_sessions_opened_total",
		Help: "Browser sessions opened",
	})

	// BrowserSessionsActive 当前打开的浏览器会话。
	BrowserSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "browser_sessions_active",
		Help: "Browser sessions currently open",
	})

	// BrowserErrorsTotal 浏览器错误，按阶段与类型统计。
	BrowserErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "browser_errors_total",
		Help: "Browser errors by stage and type",
	}, []string{"stage", "type"})

	// RateLimitWaitDuration 获取限流令牌的等待时间。
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ratelimit_wait_duration_seconds",
		Help:    "Time spent waiting for a rate limit token",
		Buckets: prometheus.DefBuckets,
	})

	// RateLimitTimeoutTotal 等待令牌超时次数。
	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratelimit_timeout_total",
		Help: "Rate limit waits that timed out",
	})

	// TaskDuplicatePreventedTotal 被拦截的重复提交。
	TaskDuplicatePreventedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "task_duplicate_prevented_total",
		Help: "Duplicate task submissions rejected",
	})

	// WorkerQueueDepth 阻塞调用工作池的排队数。
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_queue_depth",
		Help: "Jobs waiting in the blocking-call worker pool",
	})

	// WorkerPoolSize 工作池大小。
	WorkerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_pool_size",
		Help: "Configured worker pool size",
	})

	// EventsTotal 任务事件流的处理情况。
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "task_events_total",
		Help: "Task events by action",
	}, []string{"action"})
)

var initOnce sync.Once

// InitMetrics 初始化静态指标。
//
// 参数:
//   - workerPoolSize: 工作池大小
func InitMetrics(workerPoolSize int) {
	initOnce.Do(func() {
		WorkerPoolSize.Set(float64(workerPoolSize))
		for _, stage := range []string{"open", "navigate", "source", "search", "candidates"} {
			for _, typ := range []string{"timeout", "blocked", "network", "parse", "unknown"} {
				BrowserErrorsTotal.WithLabelValues(stage, typ)
			}
		}
	})
}
