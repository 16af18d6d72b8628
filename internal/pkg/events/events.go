// Package events 基于 Redis Streams 发布与消费任务终态事件。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ozon1688/internal/model"
	"ozon1688/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// DefaultStream 默认的事件 Stream 名称。
const DefaultStream = "ozon1688:task:events"

const streamMaxLen = 100000

// Event 任务进入终态时发布的事件。
type Event struct {
	TaskID    uint         `json:"task_id"`
	UserID    uint         `json:"user_id"`
	URL       string       `json:"url"`
	Status    model.Status `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Retry     int          `json:"retry"`
}

// NewEvent 根据任务与终态创建事件。
func NewEvent(task *model.Task, status model.Status) *Event {
	return &Event{
		TaskID:    task.ID,
		UserID:    task.UserID,
		URL:       task.URL,
		Status:    status,
		Timestamp: time.Now(),
	}
}

// Stream 封装事件 Stream 的写入与管理操作。
type Stream struct {
	rdb    *redis.Client
	logger *slog.Logger
	name   string
}

// NewStream 创建事件 Stream。
//
// 参数:
//   - rdb: Redis 客户端
//   - logger: 日志记录器
//   - name: Stream 名称，为空时使用 DefaultStream
//
// 返回值:
//   - *Stream: Stream 实例
func NewStream(rdb *redis.Client, logger *slog.Logger, name string) *Stream {
	if name == "" {
		name = DefaultStream
	}
	return &Stream{rdb: rdb, logger: logger, name: name}
}

// Name 返回 Stream 名称。
func (s *Stream) Name() string {
	return s.name
}

// Publish 追加一条事件。
//
// 参数:
//   - ctx: 上下文
//   - ev: 事件
//
// 返回值:
//   - error: 序列化或 XADD 失败时返回错误
func (s *Stream) Publish(ctx context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("event is nil")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.add(ctx, s.name, map[string]interface{}{"data": string(data)}); err != nil {
		return err
	}
	metrics.EventsTotal.WithLabelValues("published").Inc()
	return nil
}

func (s *Stream) add(ctx context.Context, stream string, values map[string]interface{}) error {
	msgID, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}

	s.logger.Debug("task event published",
		slog.String("stream", stream),
		slog.String("msg_id", msgID))
	return nil
}

// CreateGroup 创建消费者组，已存在时忽略。
func (s *Stream) CreateGroup(ctx context.Context, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.name, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	s.logger.Info("consumer group ready",
		slog.String("stream", s.name),
		slog.String("group", group))
	return nil
}

// Len 返回 Stream 中的消息数。
func (s *Stream) Len(ctx context.Context) (int64, error) {
	n, err := s.rdb.XLen(ctx, s.name).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return n, nil
}

func parseEvent(data string) (*Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, nil
}
