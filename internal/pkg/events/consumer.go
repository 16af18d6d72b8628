package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ozon1688/internal/pkg/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FailureAction 处理失败事件的方式。
type FailureAction string

const (
	FailureActionNone  FailureAction = "none"
	FailureActionRetry FailureAction = "retry"
	FailureActionDLQ   FailureAction = "dlq"
)

// Handler 处理单条事件。
type Handler func(ctx context.Context, ev *Event) error

// Consumer 以消费者组方式读取事件。
type Consumer struct {
	stream       *Stream
	logger       *slog.Logger
	group        string
	consumerID   string
	blockTime    time.Duration
	batchSize    int64
	pendingIdle  time.Duration
	pendingStart string
	deadLetter   string
	maxRetry     int
}

// ConsumerOption 消费者配置选项。
type ConsumerOption func(*Consumer)

// WithBlockTime 设置 XREADGROUP 的阻塞时间。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.blockTime = d }
}

// WithPendingIdle 设置 pending 消息被重新认领前的最小空闲时间。
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.pendingIdle = d }
}

// WithMaxRetry 设置进入死信前的最大重试次数。
func WithMaxRetry(n int) ConsumerOption {
	return func(c *Consumer) { c.maxRetry = n }
}

// Message 读取到的事件及其 Stream ID。
type Message struct {
	ID    string
	Event *Event
}

// NewConsumer 创建消费者并确保消费者组存在。
//
// 参数:
//   - ctx: 上下文
//   - stream: 事件 Stream
//   - logger: 日志记录器
//   - group: 消费者组名称
//   - consumerID: 消费者标识，为空时随机生成
//   - opts: 可选配置
//
// 返回值:
//   - *Consumer: 消费者实例
//   - error: 组名为空或创建组失败时返回错误
func NewConsumer(ctx context.Context, stream *Stream, logger *slog.Logger, group, consumerID string, opts ...ConsumerOption) (*Consumer, error) {
	if group == "" {
		return nil, fmt.Errorf("group name is required")
	}
	if consumerID == "" {
		consumerID = "consumer-" + uuid.NewString()[:8]
	}

	c := &Consumer{
		stream:       stream,
		logger:       logger,
		group:        group,
		consumerID:   consumerID,
		blockTime:    2 * time.Second,
		batchSize:    10,
		pendingIdle:  time.Minute,
		pendingStart: "0-0",
		deadLetter:   stream.Name() + ":dlq",
		maxRetry:     3,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := stream.CreateGroup(ctx, group); err != nil {
		return nil, err
	}
	return c, nil
}

// Read 先认领空闲的 pending 消息，没有时读取新消息。
func (c *Consumer) Read(ctx context.Context) ([]*Message, error) {
	pending, err := c.readPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}
	return c.readNew(ctx)
}

func (c *Consumer) readPending(ctx context.Context) ([]*Message, error) {
	msgs, next, err := c.stream.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream.name,
		Group:    c.group,
		Consumer: c.consumerID,
		MinIdle:  c.pendingIdle,
		Start:    c.pendingStart,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim failed: %w", err)
	}
	if next != "" {
		c.pendingStart = next
	}
	if len(msgs) > 0 {
		metrics.EventsTotal.WithLabelValues("reclaimed").Add(float64(len(msgs)))
	}
	return c.parse(ctx, msgs), nil
}

func (c *Consumer) readNew(ctx context.Context) ([]*Message, error) {
	streams, err := c.stream.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumerID,
		Streams:  []string{c.stream.name, ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return c.parse(ctx, msgs), nil
}

// parse 解析消息，无法解析的直接进入死信。
func (c *Consumer) parse(ctx context.Context, msgs []redis.XMessage) []*Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		data, ok := m.Values["data"].(string)
		if !ok || data == "" {
			c.poison(ctx, m.ID, fmt.Sprintf("%v", m.Values["data"]), "invalid message format")
			continue
		}
		ev, err := parseEvent(data)
		if err != nil {
			c.poison(ctx, m.ID, data, err.Error())
			continue
		}
		out = append(out, &Message{ID: m.ID, Event: ev})
	}
	return out
}

// Ack 确认消息。
func (c *Consumer) Ack(ctx context.Context, msgID string) error {
	n, err := c.stream.rdb.XAck(ctx, c.stream.name, c.group, msgID).Result()
	if err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	if n == 0 {
		c.logger.Warn("event not acked (may already be acked)", slog.String("msg_id", msgID))
	}
	metrics.EventsTotal.WithLabelValues("acked").Inc()
	return nil
}

// HandleFailure 未超过重试次数时重新发布，否则写入死信；原消息都会被确认。
func (c *Consumer) HandleFailure(ctx context.Context, msg *Message, cause error) (FailureAction, error) {
	if msg == nil || msg.Event == nil {
		return FailureActionNone, fmt.Errorf("message is nil")
	}

	msg.Event.Retry++
	if msg.Event.Retry >= c.maxRetry {
		if err := c.deadLetterPublish(ctx, msg.ID, msg.Event, cause); err != nil {
			return FailureActionDLQ, err
		}
		metrics.EventsTotal.WithLabelValues("dead_letter").Inc()
		return FailureActionDLQ, c.Ack(ctx, msg.ID)
	}

	if err := c.stream.Publish(ctx, msg.Event); err != nil {
		return FailureActionRetry, err
	}
	metrics.EventsTotal.WithLabelValues("retried").Inc()
	return FailureActionRetry, c.Ack(ctx, msg.ID)
}

func (c *Consumer) poison(ctx context.Context, msgID, payload, reason string) {
	c.logger.Warn("invalid task event", slog.String("msg_id", msgID), slog.String("reason", reason))
	if err := c.deadLetterPublish(ctx, msgID, payload, errors.New(reason)); err != nil {
		c.logger.Error("publish dead letter failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
	metrics.EventsTotal.WithLabelValues("dead_letter").Inc()
	if err := c.Ack(ctx, msgID); err != nil {
		c.logger.Error("ack poison event failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
}

func (c *Consumer) deadLetterPublish(ctx context.Context, msgID string, payload interface{}, cause error) error {
	raw := payload
	if ev, ok := payload.(*Event); ok {
		if data, err := json.Marshal(ev); err == nil {
			raw = string(data)
		}
	}
	return c.stream.add(ctx, c.deadLetter, map[string]interface{}{
		"original_id": msgID,
		"payload":     raw,
		"reason":      cause.Error(),
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Pending 返回已投递未确认的消息数。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.stream.rdb.XPending(ctx, c.stream.name, c.group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending failed: %w", err)
	}
	return info.Count, nil
}

// Run 循环读取并处理事件，直到 ctx 取消。
//
// 处理成功确认消息；失败时按 HandleFailure 重试或进入死信。
func (c *Consumer) Run(ctx context.Context, handle Handler) {
	c.logger.Info("task event consumer started",
		slog.String("group", c.group),
		slog.String("consumer_id", c.consumerID))

	// 处理过程中 ctx 被取消时仍要完成确认
	ackCtx := context.WithoutCancel(ctx)
	for ctx.Err() == nil {
		msgs, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("read task events failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, m := range msgs {
			if err := handle(ctx, m.Event); err != nil {
				action, ferr := c.HandleFailure(ackCtx, m, err)
				attrs := []any{
					slog.Uint64("task_id", uint64(m.Event.TaskID)),
					slog.String("action", string(action)),
					slog.String("error", err.Error()),
				}
				if ferr != nil {
					attrs = append(attrs, slog.String("failure_error", ferr.Error()))
				}
				c.logger.Warn("task event handling failed", attrs...)
				continue
			}
			if err := c.Ack(ackCtx, m.ID); err != nil {
				c.logger.Error("ack task event failed", slog.String("msg_id", m.ID), slog.String("error", err.Error()))
			}
		}
	}
	c.logger.Info("task event consumer stopped")
}
