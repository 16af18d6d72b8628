// Package queue 提供执行阻塞调用的固定 worker 池。
//
// 调用方通过 Submit 提交任务并等待结果，浏览器等阻塞操作在池内执行，
// 调用方所在的协程只负责编排。
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"ozon1688/internal/pkg/metrics"
)

var (
	// ErrClosed 表示池已关闭，不再接受任务。
	ErrClosed = errors.New("worker pool closed")
	// ErrJobPanic 表示任务执行中发生 panic。
	ErrJobPanic = errors.New("job panicked")
)

// Job 表示一次在池内执行的调用。
type Job func(ctx context.Context) error

// ErrorHandler 任务失败回调。
type ErrorHandler func(err error)

// Queue 固定 worker 数量的调用池。
type Queue struct {
	logger       *slog.Logger
	workers      int
	jobs         chan envelope
	errorHandler ErrorHandler

	// sendMu 保护 jobs 的发送与关闭
	sendMu sync.RWMutex
	wg     sync.WaitGroup
	closed atomic.Bool

	stats poolStats
}

// envelope 携带任务与结果通道。
type envelope struct {
	job    Job
	result chan error
}

type poolStats struct {
	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// Stats 池统计快照。
type Stats struct {
	Submitted int64 // 已提交
	Succeeded int64 // 成功
	Failed    int64 // 返回错误（含 panic）
	Panics    int64 // panic 次数
}

// NewQueue 创建调用池。
//
// 参数:
//   - logger: 日志记录器
//   - workers: worker 数量（至少为 1）
//   - capacity: 排队容量（至少为 1）
//
// 返回值:
//   - *Queue: 池实例，需要调用 Start 启动
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		jobs:    make(chan envelope, capacity),
	}
}

// SetErrorHandler 设置任务失败回调。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start 启动 worker，直到 ctx 取消或 Shutdown。
func (q *Queue) Start(ctx context.Context) {
	metrics.WorkerPoolSize.Set(float64(q.workers))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return
		case env, ok := <-q.jobs:
			if !ok {
				q.logger.Debug("worker exit on closed channel", slog.Int("worker_id", id))
				return
			}
			metrics.WorkerQueueDepth.Set(float64(len(q.jobs)))
			env.result <- q.execute(ctx, env.job, id)
		}
	}
}

// execute 执行单个任务，panic 转为 ErrJobPanic。
func (q *Queue) execute(ctx context.Context, job Job, workerID int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.panics.Add(1)
			q.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrJobPanic, r)
		}
		if err != nil {
			q.stats.failed.Add(1)
			if q.errorHandler != nil {
				q.errorHandler(err)
			}
			return
		}
		q.stats.succeeded.Add(1)
	}()

	return job(ctx)
}

// Submit 提交任务并等待其完成。
//
// 参数:
//   - ctx: 控制排队与等待；取消后立即返回，已开始的任务继续在池内执行完
//   - job: 要执行的调用
//
// 返回值:
//   - error: 任务返回的错误；池已关闭返回 ErrClosed；等待被取消返回 ctx.Err()
func (q *Queue) Submit(ctx context.Context, job Job) error {
	if job == nil {
		return errors.New("job is nil")
	}

	env := envelope{job: job, result: make(chan error, 1)}
	if err := q.send(ctx, env); err != nil {
		return err
	}
	q.stats.submitted.Add(1)

	select {
	case err := <-env.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) send(ctx context.Context, env envelope) error {
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()

	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.jobs <- env:
		metrics.WorkerQueueDepth.Set(float64(len(q.jobs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 拒绝新任务并等待 worker 执行完手上的任务。
//
// 参数:
//   - timeout: 最长等待时间，<= 0 表示一直等待
//
// 返回值:
//   - error: 超时返回错误
func (q *Queue) Shutdown(timeout time.Duration) error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.sendMu.Lock()
	close(q.jobs)
	q.sendMu.Unlock()
	q.logger.Info("worker pool shutdown initiated")

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		q.logger.Info("worker pool shutdown completed")
		return nil
	}
	select {
	case <-done:
		q.logger.Info("worker pool shutdown completed")
		return nil
	case <-time.After(timeout):
		q.logger.Error("worker pool shutdown timeout")
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats 返回统计快照。
func (q *Queue) Stats() Stats {
	return Stats{
		Submitted: q.stats.submitted.Load(),
		Succeeded: q.stats.succeeded.Load(),
		Failed:    q.stats.failed.Load(),
		Panics:    q.stats.panics.Load(),
	}
}

// Len 返回排队中的任务数。
func (q *Queue) Len() int {
	return len(q.jobs)
}
