// Package notify 在任务进入终态后通知提交者。
package notify

import (
	"context"
	"errors"
	"log/slog"

	"ozon1688/internal/model"
	"ozon1688/internal/pkg/events"
	"ozon1688/internal/store"

	"github.com/shopspring/decimal"
)

// Summary 通知中展示的任务结果。
type Summary struct {
	TaskID      uint
	URL         string
	Status      model.Status
	StatusLabel string

	SourceName     string
	CandidateTitle string
	CandidateURL   string
	Score          int
	Profit         *decimal.Decimal // 仅 completed 且有利润快照时非空
	MarginPercent  *decimal.Decimal
}

// Notifier 定义通知接口。
type Notifier interface {
	// Enabled 返回通知通道是否已配置。
	Enabled() bool
	// Send 向收件人发送任务结果。
	Send(ctx context.Context, toEmail string, s *Summary) error
}

// Lookup 读取通知需要的用户与结果。
type Lookup interface {
	GetUserByID(ctx context.Context, id uint) (*model.User, error)
	GetTaskResult(ctx context.Context, taskID uint) (*model.SourceRecord, *model.Match, error)
}

// NewEventHandler 返回处理任务终态事件的函数。
//
// 通知未配置时只记录日志；用户不存在时忽略事件；其余错误返回给消费者重试。
//
// 参数:
//   - lookup: 用户与结果查询
//   - n: 通知通道
//   - logger: 日志记录器
//
// 返回值:
//   - events.Handler: 事件处理函数
func NewEventHandler(lookup Lookup, n Notifier, logger *slog.Logger) events.Handler {
	return func(ctx context.Context, ev *events.Event) error {
		attrs := []any{
			slog.Uint64("task_id", uint64(ev.TaskID)),
			slog.String("status", string(ev.Status)),
		}
		if n == nil || !n.Enabled() {
			logger.Info("task finished", attrs...)
			return nil
		}

		user, err := lookup.GetUserByID(ctx, ev.UserID)
		if errors.Is(err, store.ErrUserNotFound) {
			logger.Warn("task owner not found, skip notification", attrs...)
			return nil
		}
		if err != nil {
			return err
		}

		s, err := buildSummary(ctx, lookup, ev)
		if err != nil {
			return err
		}
		return n.Send(ctx, user.Email, s)
	}
}

func buildSummary(ctx context.Context, lookup Lookup, ev *events.Event) (*Summary, error) {
	s := &Summary{
		TaskID:      ev.TaskID,
		URL:         ev.URL,
		Status:      ev.Status,
		StatusLabel: ev.Status.Label(),
	}
	if ev.Status != model.StatusCompleted {
		return s, nil
	}

	src, m, err := lookup.GetTaskResult(ctx, ev.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	s.SourceName = src.Name
	s.CandidateTitle = m.Candidate.Title
	s.CandidateURL = m.Candidate.URL
	s.Score = m.Score
	if m.Profitability != nil {
		profit, margin := m.Profitability.Profit, m.Profitability.MarginPercent
		s.Profit = &profit
		s.MarginPercent = &margin
	}
	return s, nil
}
