// Package processor 推进任务状态机：抽取 Ozon 商品、跨平台搜索并计算利润。
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"ozon1688/internal/browser"
	"ozon1688/internal/extract"
	"ozon1688/internal/model"
	"ozon1688/internal/pkg/events"
	"ozon1688/internal/pkg/metrics"
	"ozon1688/internal/profit"
	"ozon1688/internal/search"
	"ozon1688/internal/store"
)

// extractAttempts 源商品抽取的最大尝试次数。
const extractAttempts = 3

var errBrowserUnavailable = errors.New("browser unavailable")

// Store 处理器使用的持久化操作。
type Store interface {
	UpdateStatus(ctx context.Context, id uint, from, to model.Status, errMsg string) error
	UpsertSourceRecord(ctx context.Context, rec *model.SourceRecord, taskID uint) (uint, error)
	UpsertCandidateRecord(ctx context.Context, rec *model.CandidateRecord) (uint, error)
	SaveMatch(ctx context.Context, m *model.Match) (uint, error)
	SaveProfitability(ctx context.Context, rec *model.ProfitabilityRecord) (bool, error)
	GetSourceRecordByTask(ctx context.Context, taskID uint) (*model.SourceRecord, error)
	GetMatchBySourceID(ctx context.Context, sourceID uint) (*model.Match, error)
}

// SessionManager 源商品阶段使用的会话操作。
type SessionManager interface {
	OpenWithRetry(ctx context.Context) (*browser.Session, error)
	Navigate(ctx context.Context, s *browser.Session, target string) error
	Reload(ctx context.Context, s *browser.Session) error
	Close(s *browser.Session)
}

// SourceExtractor 从已加载的 Ozon 页面抽取商品。
type SourceExtractor interface {
	ExtractSourceRecord(ctx context.Context, s *browser.Session) (*model.SourceRecord, error)
}

// Searcher 跨平台搜索。
type Searcher interface {
	Search(ctx context.Context, src *model.SourceRecord) search.Result
}

// Publisher 发布任务终态事件。
type Publisher interface {
	Publish(ctx context.Context, ev *events.Event) error
}

// Processor 单个任务的处理器。
type Processor struct {
	store     Store
	sessions  SessionManager
	pages     SourceExtractor
	searcher  Searcher
	calc      *profit.Calculator
	publisher Publisher
	logger    *slog.Logger
}

// New 创建处理器。
//
// 参数:
//   - st: 存储
//   - sessions: 浏览器会话管理器
//   - pages: 源商品抽取器
//   - searcher: 三级搜索器
//   - calc: 利润计算器
//   - publisher: 终态事件发布器（可为 nil）
//   - logger: 日志记录器
//
// 返回值:
//   - *Processor: 处理器实例
func New(st Store, sessions SessionManager, pages SourceExtractor, searcher Searcher, calc *profit.Calculator, publisher Publisher, logger *slog.Logger) *Processor {
	return &Processor{
		store:     st,
		sessions:  sessions,
		pages:     pages,
		searcher:  searcher,
		calc:      calc,
		publisher: publisher,
		logger:    logger,
	}
}

// Process 按任务当前状态执行一个阶段。
//
// pending 执行源商品抽取，ozon_processed 执行搜索与利润计算，其他状态直接返回。
// 阶段内的失败写入任务状态，不作为错误返回；panic 会被恢复并把任务置为 error。
//
// 参数:
//   - ctx: 上下文，取消时当前阶段放弃且任务保持原状态
//   - task: 要处理的任务，成功迁移后 task.Status 会被更新
//
// 返回值:
//   - model.Status: 处理后的状态
//   - error: 仅在状态或数据无法读写（循环级错误）时返回
func (p *Processor) Process(ctx context.Context, task *model.Task) (status model.Status, err error) {
	start := time.Now()
	metrics.ActiveTasks.Inc()
	defer metrics.ActiveTasks.Dec()

	logger := p.logger.With(slog.Uint64("task_id", uint64(task.ID)), slog.String("status", string(task.Status)))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panic recovered",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			status, err = p.finish(ctx, task, model.StatusError, fmt.Sprintf("unexpected failure: %v", r))
		}
	}()

	switch task.Status {
	case model.StatusPending:
		status, err = p.processSource(ctx, task, logger)
	case model.StatusOzonProcessed:
		status, err = p.processSearch(ctx, task, logger)
	default:
		logger.Debug("task not claimable, skip")
		return task.Status, nil
	}

	logger.Info("task stage finished",
		slog.String("result", string(status)),
		slog.Duration("elapsed", time.Since(start)))
	return status, err
}

// processSource 抽取并保存源商品。
func (p *Processor) processSource(ctx context.Context, task *model.Task, logger *slog.Logger) (model.Status, error) {
	target, err := extract.NormalizeOzonURL(task.URL)
	if err != nil {
		return p.finish(ctx, task, model.StatusFatal, err.Error())
	}

	start := time.Now()
	rec, err := p.extractSource(ctx, target, logger)
	metrics.StageDuration.WithLabelValues("source").Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("source extraction interrupted", slog.String("error", ctx.Err().Error()))
			return task.Status, nil
		}
		if errors.Is(err, errBrowserUnavailable) {
			return p.finish(ctx, task, model.StatusFatal, err.Error())
		}
		return p.finish(ctx, task, model.StatusFailed, fmt.Sprintf("source extraction: %v", err))
	}

	if rec.URL == "" {
		rec.URL = target
	}
	if _, err := p.store.UpsertSourceRecord(ctx, rec, task.ID); err != nil {
		logger.Error("save source record failed", slog.String("error", err.Error()))
		return p.finish(ctx, task, model.StatusFailed, "save source record failed")
	}
	logger.Info("source record saved",
		slog.String("external_id", rec.ExternalID),
		slog.Int("images", len(rec.Images)))

	return p.finish(ctx, task, model.StatusOzonProcessed, "")
}

// extractSource 在独立会话中加载页面并抽取，失败时整页重载后重试。
//
// 会话在返回前关闭。
func (p *Processor) extractSource(ctx context.Context, target string, logger *slog.Logger) (*model.SourceRecord, error) {
	s, err := p.sessions.OpenWithRetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBrowserUnavailable, err)
	}
	defer p.sessions.Close(s)

	loaded := false
	var lastErr error
	for attempt := 1; attempt <= extractAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !loaded {
			if err := p.sessions.Navigate(ctx, s, target); err != nil {
				lastErr = err
				logger.Warn("navigate to source failed",
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()))
				continue
			}
			loaded = true
		} else if err := p.sessions.Reload(ctx, s); err != nil {
			logger.Warn("reload source page failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		}

		rec, err := p.pages.ExtractSourceRecord(ctx, s)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		logger.Warn("source extraction attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return nil, lastErr
}

// processSearch 搜索匹配并保存结果。
func (p *Processor) processSearch(ctx context.Context, task *model.Task, logger *slog.Logger) (model.Status, error) {
	src, err := p.store.GetSourceRecordByTask(ctx, task.ID)
	if errors.Is(err, store.ErrNotFound) {
		return p.finish(ctx, task, model.StatusError, "source record missing")
	}
	if err != nil {
		return task.Status, fmt.Errorf("load source record: %w", err)
	}

	existing, err := p.store.GetMatchBySourceID(ctx, src.ID)
	switch {
	case err == nil && existing.Status == model.MatchFound:
		logger.Info("match already recorded, skip search", slog.Uint64("match_id", uint64(existing.ID)))
		if existing.Profitability != nil {
			return p.finish(ctx, task, model.StatusCompleted, "")
		}
		existing.Source = *src
		return p.saveProfitability(ctx, task, existing, logger)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return task.Status, fmt.Errorf("load match: %w", err)
	}

	if src.PrimaryImage() == "" {
		return p.finish(ctx, task, model.StatusError, "source record has no images")
	}

	start := time.Now()
	res := p.searcher.Search(ctx, src)
	metrics.StageDuration.WithLabelValues("search").Observe(time.Since(start).Seconds())

	switch res.Kind {
	case search.Found:
		return p.saveMatch(ctx, task, src, res, logger)
	case search.Failed:
		logger.Warn("search interrupted", slog.String("reason", res.Reason))
		return task.Status, nil
	default:
		return p.finish(ctx, task, model.StatusNotFound, "")
	}
}

// saveMatch 保存候选商品与匹配，然后计算利润。
func (p *Processor) saveMatch(ctx context.Context, task *model.Task, src *model.SourceRecord, res search.Result, logger *slog.Logger) (model.Status, error) {
	cand := res.Candidate
	candID, err := p.store.UpsertCandidateRecord(ctx, &cand)
	if err != nil {
		logger.Error("save candidate failed", slog.String("error", err.Error()))
		return p.finish(ctx, task, model.StatusFailed, "save candidate failed")
	}
	cand.ID = candID

	m := &model.Match{
		SourceRecordID:    src.ID,
		CandidateRecordID: candID,
		Score:             res.Score,
		Status:            model.MatchFound,
		Explanation:       res.Explanation,
		Tier:              int(res.Tier),
		WeightGrams:       src.WeightGrams,
		Dimensions:        src.Dimensions,
	}
	if _, err := p.store.SaveMatch(ctx, m); err != nil {
		logger.Error("save match failed", slog.String("error", err.Error()))
		return p.finish(ctx, task, model.StatusFailed, "save match failed")
	}
	logger.Info("match saved",
		slog.Uint64("match_id", uint64(m.ID)),
		slog.String("tier", res.Tier.String()),
		slog.Int("score", res.Score))

	m.Source = *src
	m.Candidate = cand
	return p.saveProfitability(ctx, task, m, logger)
}

// saveProfitability 计算并保存利润快照。
func (p *Processor) saveProfitability(ctx context.Context, task *model.Task, m *model.Match, logger *slog.Logger) (model.Status, error) {
	rec, err := p.calc.Snapshot(m)
	if err != nil {
		logger.Warn("profitability calculation failed", slog.String("error", err.Error()))
		return p.finish(ctx, task, model.StatusFailed, fmt.Sprintf("profitability: %v", err))
	}
	if _, err := p.store.SaveProfitability(ctx, rec); err != nil {
		logger.Error("save profitability failed", slog.String("error", err.Error()))
		return p.finish(ctx, task, model.StatusFailed, "save profitability failed")
	}
	return p.finish(ctx, task, model.StatusCompleted, "")
}

// finish 以 CAS 方式写入新状态，终态时发布事件。
func (p *Processor) finish(ctx context.Context, task *model.Task, to model.Status, errMsg string) (model.Status, error) {
	err := p.store.UpdateStatus(ctx, task.ID, task.Status, to, errMsg)
	switch {
	case errors.Is(err, store.ErrStatusConflict):
		p.logger.Warn("task status changed concurrently",
			slog.Uint64("task_id", uint64(task.ID)),
			slog.String("from", string(task.Status)),
			slog.String("to", string(to)))
		return task.Status, nil
	case err != nil:
		return task.Status, fmt.Errorf("update status %s -> %s: %w", task.Status, to, err)
	}

	task.Status = to
	metrics.TasksProcessedTotal.WithLabelValues(string(to)).Inc()
	if errMsg != "" {
		p.logger.Warn("task stopped",
			slog.Uint64("task_id", uint64(task.ID)),
			slog.String("status", string(to)),
			slog.String("reason", errMsg))
	}

	if to.Terminal() && p.publisher != nil {
		if err := p.publisher.Publish(ctx, events.NewEvent(task, to)); err != nil {
			p.logger.Warn("publish task event failed",
				slog.Uint64("task_id", uint64(task.ID)),
				slog.String("error", err.Error()))
		}
	}
	return to, nil
}
