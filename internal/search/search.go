// Package search 实现 1688 以图搜图的三级升级策略。
//
// 每一级都使用全新的浏览器会话，第一个产生合格候选的层级会终止后续层级。
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"ozon1688/internal/browser"
	"ozon1688/internal/model"
	"ozon1688/internal/oracle"
	"ozon1688/internal/pkg/metrics"
)

// Tier 搜索层级。
type Tier int

const (
	TierDirect  Tier = 1 // 直接以图搜图
	TierRestart Tier = 2 // 重启会话并清理遮罩后重试
	TierBrand   Tier = 3 // 品牌辅助搜索
)

// String 返回层级的指标标签。
func (t Tier) String() string {
	switch t {
	case TierDirect:
		return "direct"
	case TierRestart:
		return "restart"
	case TierBrand:
		return "brand"
	default:
		return "tier" + strconv.Itoa(int(t))
	}
}

// Kind 搜索结果类型。
type Kind int

const (
	NotFound Kind = iota // 没有合格候选
	Found    // 找到合格候选
	Failed   // 执行失败（如被拦截、会话无法启动）
	Skipped  // 层级不适用（如没有品牌）
)

// String 返回结果类型的指标标签。
func (k Kind) String() string {
	switch k {
	case Found:
		return "found"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return "not_found"
	}
}

// Result 是一次搜索（单个层级或整条阶梯）的结果。
type Result struct {
	Kind        Kind
	Tier        Tier
	Candidate   model.CandidateRecord
	Score       int
	Explanation string
	Brand       string
	Reason      string // Failed 时的原因
}

// SessionManager 浏览器会话的打开、重启与关闭。
type SessionManager interface {
	OpenWithRetry(ctx context.Context) (*browser.Session, error)
	Restart(ctx context.Context, s *browser.Session, startURL string) (*browser.Session, error)
	DismissOverlays(ctx context.Context, s *browser.Session) int
	Close(s *browser.Session)
}

// PageDriver 在会话中执行以图搜图与结果抽取。
type PageDriver interface {
	SearchByImage(ctx context.Context, s *browser.Session, imageURL string) error
	ExtractCandidates(ctx context.Context, s *browser.Session) ([]model.CandidateRecord, error)
}

// Ranker 相关度评估。
type Ranker interface {
	Rank(ctx context.Context, req oracle.RankRequest) (*oracle.Best, error)
	ExtractBrand(ctx context.Context, title string) (string, error)
}

// Limiter 层级级别的限流。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Options 搜索参数。
type Options struct {
	TargetURL string // 1688 首页，第二级重启后先访问它
	Threshold int    // 相关度阈值（严格大于）
}

// Searcher 执行三级升级搜索。
type Searcher struct {
	sessions SessionManager
	pages    PageDriver
	ranker   Ranker
	limiters map[Tier]Limiter
	opts     Options
	logger   *slog.Logger
}

// New 创建搜索器。
//
// 参数:
//   - sessions: 会话管理器
//   - pages: 页面抽取器
//   - ranker: 相关度评估
//   - limiters: 各层级的限流器，缺省的层级不限流
//   - opts: 搜索参数
//   - logger: 日志记录器
//
// 返回值:
//   - *Searcher: 搜索器
func New(sessions SessionManager, pages PageDriver, ranker Ranker, limiters map[Tier]Limiter, opts Options, logger *slog.Logger) *Searcher {
	if limiters == nil {
		limiters = map[Tier]Limiter{}
	}
	return &Searcher{
		sessions: sessions,
		pages:    pages,
		ranker:   ranker,
		limiters: limiters,
		opts:     opts,
		logger:   logger,
	}
}

// Search 依次尝试三个层级，返回第一个合格结果。
//
// 所有层级都没有结果时返回 NotFound；只有 ctx 被取消时返回 Failed，
// 此时调用方应保留任务状态以便下次继续。
//
// 参数:
//   - ctx: 上下文
//   - src: 已持久化且至少有一张图片的源商品
//
// 返回值:
//   - Result: 搜索结果
func (s *Searcher) Search(ctx context.Context, src *model.SourceRecord) Result {
	imageURL := src.PrimaryImage()

	for _, tier := range []Tier{TierDirect, TierRestart, TierBrand} {
		if err := ctx.Err(); err != nil {
			return Result{Kind: Failed, Tier: tier, Reason: err.Error()}
		}

		start := time.Now()
		var res Result
		switch tier {
		case TierDirect, TierRestart:
			res = s.runTier(ctx, tier, src, imageURL, "")
		case TierBrand:
			res = s.brandTier(ctx, src, imageURL)
		}
		res.Tier = tier

		metrics.SearchTierTotal.WithLabelValues(tier.String(), res.Kind.String()).Inc()
		metrics.StageDuration.WithLabelValues("search_" + tier.String()).Observe(time.Since(start).Seconds())
		s.logger.Info("search tier finished",
			slog.String("tier", tier.String()),
			slog.String("outcome", res.Kind.String()),
			slog.String("reason", res.Reason),
			slog.Duration("elapsed", time.Since(start)))

		if res.Kind == Found {
			return res
		}
	}

	if err := ctx.Err(); err != nil {
		return Result{Kind: Failed, Tier: TierBrand, Reason: err.Error()}
	}
	return Result{Kind: NotFound, Tier: TierBrand}
}

// brandTier 提取品牌，没有品牌时跳过该层级。
func (s *Searcher) brandTier(ctx context.Context, src *model.SourceRecord, imageURL string) Result {
	brand, err := s.ranker.ExtractBrand(ctx, src.Name)
	if err != nil {
		s.logger.Warn("extract brand failed", slog.String("error", err.Error()))
		return Result{Kind: Skipped, Reason: "brand extraction failed"}
	}
	if brand == "" {
		return Result{Kind: Skipped, Reason: "no brand"}
	}
	res := s.runTier(ctx, TierBrand, src, imageURL, brand)
	res.Brand = brand
	return res
}

// runTier 在一个全新的会话中完成一次以图搜图，函数返回前会话一定已关闭。
func (s *Searcher) runTier(ctx context.Context, tier Tier, src *model.SourceRecord, imageURL, brand string) Result {
	if l, ok := s.limiters[tier]; ok && l != nil {
		if err := l.Acquire(ctx); err != nil {
			return Result{Kind: Failed, Reason: fmt.Sprintf("rate limit: %v", err)}
		}
	}

	sess, err := s.openSession(ctx, tier)
	if err != nil {
		return Result{Kind: Failed, Reason: fmt.Sprintf("open session: %v", err)}
	}
	defer s.sessions.Close(sess)

	if tier == TierRestart {
		s.sessions.DismissOverlays(ctx, sess)
	}

	if err := s.pages.SearchByImage(ctx, sess, imageURL); err != nil {
		metrics.BrowserErrorsTotal.WithLabelValues("search", browser.Classify(err)).Inc()
		return Result{Kind: Failed, Reason: failureReason(err)}
	}

	cands, err := s.pages.ExtractCandidates(ctx, sess)
	if err != nil {
		metrics.BrowserErrorsTotal.WithLabelValues("candidates", browser.Classify(err)).Inc()
		return Result{Kind: Failed, Reason: failureReason(err)}
	}
	if len(cands) == 0 {
		return Result{Kind: NotFound, Reason: "no candidates"}
	}

	best, err := s.ranker.Rank(ctx, oracle.RankRequest{
		Source:     src,
		Candidates: cands,
		Brand:      brand,
		Threshold:  s.opts.Threshold,
	})
	if err != nil {
		s.logger.Warn("rank candidates failed", slog.String("tier", tier.String()), slog.String("error", err.Error()))
		return Result{Kind: NotFound, Reason: "oracle error"}
	}
	if best == nil || best.Index < 0 || best.Index >= len(cands) {
		return Result{Kind: NotFound, Reason: "below threshold"}
	}
	return Result{
		Kind:        Found,
		Candidate:   cands[best.Index],
		Score:       best.Score,
		Explanation: best.Explanation,
	}
}

// openSession 第二级通过重启打开会话并预先访问 1688 首页。
func (s *Searcher) openSession(ctx context.Context, tier Tier) (*browser.Session, error) {
	if tier == TierRestart {
		return s.sessions.Restart(ctx, nil, s.opts.TargetURL)
	}
	return s.sessions.OpenWithRetry(ctx)
}

func failureReason(err error) string {
	if errors.Is(err, browser.ErrBlocked) {
		return "blocked: " + err.Error()
	}
	return err.Error()
}
