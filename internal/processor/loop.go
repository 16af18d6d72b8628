package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ozon1688/internal/model"
	"ozon1688/internal/pkg/metrics"
	"ozon1688/internal/pkg/queue"
)

// Claimer 认领可处理的任务。
type Claimer interface {
	Claimable(ctx context.Context, limit int) ([]model.Task, error)
}

// LoopConfig 工作循环参数。
type LoopConfig struct {
	PollInterval  time.Duration // 无任务时的轮询间隔
	TaskPause     time.Duration // 每个任务后的停顿
	BackoffFactor float64       // 循环级错误时间隔的放大倍数
	BackoffMax    time.Duration // 间隔上限
}

// Loop 单 worker 的认领-处理循环。
//
// 任务在专用的调用池中执行，循环本身只负责认领与等待。
type Loop struct {
	claimer  Claimer
	proc     *Processor
	pool     *queue.Queue
	cfg      LoopConfig
	logger   *slog.Logger
	interval time.Duration
}

// NewLoop 创建工作循环。
//
// 参数:
//   - claimer: 任务认领
//   - proc: 处理器
//   - pool: 已启动的调用池
//   - cfg: 循环参数
//   - logger: 日志记录器
//
// 返回值:
//   - *Loop: 循环实例
func NewLoop(claimer Claimer, proc *Processor, pool *queue.Queue, cfg LoopConfig, logger *slog.Logger) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2
	}
	if cfg.BackoffMax < cfg.PollInterval {
		cfg.BackoffMax = cfg.PollInterval
	}
	return &Loop{
		claimer:  claimer,
		proc:     proc,
		pool:     pool,
		cfg:      cfg,
		logger:   logger,
		interval: cfg.PollInterval,
	}
}

// Run 循环执行直到 ctx 取消。
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("worker loop started",
		slog.Duration("poll_interval", l.cfg.PollInterval),
		slog.Duration("task_pause", l.cfg.TaskPause))

	for {
		processed, err := l.Step(ctx)
		if ctx.Err() != nil {
			l.logger.Info("worker loop stopped")
			return nil
		}

		wait := l.cfg.TaskPause
		switch {
		case err != nil:
			metrics.LoopErrorsTotal.Inc()
			l.interval = nextInterval(l.interval, l.cfg.BackoffFactor, l.cfg.BackoffMax)
			wait = l.interval
			l.logger.Error("worker loop error, backing off",
				slog.String("error", err.Error()),
				slog.Duration("next_poll", wait))
		case !processed:
			wait = l.interval
		}

		if !sleep(ctx, wait) {
			l.logger.Info("worker loop stopped")
			return nil
		}
	}
}

// Step 认领并处理至多一个任务。
//
// 返回值:
//   - bool: 是否处理了任务
//   - error: 认领失败或状态无法写入时返回
func (l *Loop) Step(ctx context.Context) (bool, error) {
	tasks, err := l.claimer.Claimable(ctx, 1)
	if err != nil {
		return false, err
	}
	l.interval = l.cfg.PollInterval
	if len(tasks) == 0 {
		return false, nil
	}

	task := tasks[0]
	err = l.pool.Submit(ctx, func(context.Context) error {
		_, err := l.proc.Process(ctx, &task)
		return err
	})
	if errors.Is(err, queue.ErrJobPanic) {
		l.logger.Error("task job panicked", slog.Uint64("task_id", uint64(task.ID)))
		return true, nil
	}
	return true, err
}

// nextInterval 计算退避后的轮询间隔。
func nextInterval(cur time.Duration, factor float64, limit time.Duration) time.Duration {
	next := time.Duration(float64(cur) * factor)
	if next > limit || next <= 0 {
		return limit
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
