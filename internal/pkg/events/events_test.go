package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"ozon1688/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupStream(t *testing.T) (*Stream, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStream(rdb, logger, ""), rdb, mr
}

func newConsumer(t *testing.T, s *Stream) *Consumer {
	t.Helper()
	c, err := NewConsumer(context.Background(), s, s.logger, "notifier_group", "test-consumer",
		WithBlockTime(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	return c
}

func testEvent() *Event {
	task := &model.Task{ID: 7, UserID: 3, URL: "https://www.ozon.ru/product/kruzhka-123/"}
	return NewEvent(task, model.StatusCompleted)
}

func TestPublishAndRead(t *testing.T) {
	s, _, _ := setupStream(t)
	ctx := context.Background()
	c := newConsumer(t, s)

	if err := s.Publish(ctx, testEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Fatalf("Len() = %d, want 1", n)
	}

	msgs, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	ev := msgs[0].Event
	if ev.TaskID != 7 || ev.UserID != 3 || ev.Status != model.StatusCompleted {
		t.Errorf("unexpected event %+v", ev)
	}

	if p, _ := c.Pending(ctx); p != 1 {
		t.Errorf("Pending() = %d before ack, want 1", p)
	}
	if err := c.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if p, _ := c.Pending(ctx); p != 0 {
		t.Errorf("Pending() = %d after ack, want 0", p)
	}
}

func TestNewConsumerIsIdempotent(t *testing.T) {
	s, _, _ := setupStream(t)
	newConsumer(t, s)
	newConsumer(t, s)

	if _, err := NewConsumer(context.Background(), s, s.logger, "", ""); err == nil {
		t.Fatal("expected error for empty group")
	}
}

func TestHandleFailureDeadLettersAfterMaxRetry(t *testing.T) {
	s, rdb, _ := setupStream(t)
	ctx := context.Background()
	c := newConsumer(t, s)

	if err := s.Publish(ctx, testEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	want := []FailureAction{FailureActionRetry, FailureActionRetry, FailureActionDLQ}
	for i, action := range want {
		msgs, err := c.Read(ctx)
		if err != nil || len(msgs) != 1 {
			t.Fatalf("delivery %d: got %d messages, err %v", i+1, len(msgs), err)
		}
		got, err := c.HandleFailure(ctx, msgs[0], errors.New("smtp down"))
		if err != nil {
			t.Fatalf("delivery %d: HandleFailure() error = %v", i+1, err)
		}
		if got != action {
			t.Fatalf("delivery %d: action = %s, want %s", i+1, got, action)
		}
	}

	if n := rdb.XLen(ctx, s.Name()+":dlq").Val(); n != 1 {
		t.Errorf("dead letter length = %d, want 1", n)
	}
	msgs, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no more messages, got %d", len(msgs))
	}
}

func TestInvalidMessageGoesToDeadLetter(t *testing.T) {
	s, rdb, _ := setupStream(t)
	ctx := context.Background()
	c := newConsumer(t, s)

	rdb.XAdd(ctx, &redis.XAddArgs{Stream: s.Name(), Values: map[string]interface{}{"data": "{not json"}})

	msgs, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages, want 0", len(msgs))
	}
	if n := rdb.XLen(ctx, s.Name()+":dlq").Val(); n != 1 {
		t.Errorf("dead letter length = %d, want 1", n)
	}
	if p, _ := c.Pending(ctx); p != 0 {
		t.Errorf("Pending() = %d, want 0", p)
	}
}

func TestRunHandlesAndAcks(t *testing.T) {
	s, _, _ := setupStream(t)
	c := newConsumer(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Publish(ctx, testEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	var handled atomic.Int32
	done := make(chan struct{})
	go func() {
		c.Run(ctx, func(ctx context.Context, ev *Event) error {
			if handled.Add(1) == 1 {
				cancel()
			}
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if handled.Load() != 1 {
		t.Errorf("handled %d events, want 1", handled.Load())
	}
	if p, _ := c.Pending(context.Background()); p != 0 {
		t.Errorf("Pending() = %d, want 0", p)
	}
}
