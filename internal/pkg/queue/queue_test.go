package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue(workers, capacity int) *Queue {
	return NewQueue(slog.New(slog.NewTextHandler(io.Discard, nil)), workers, capacity)
}

func TestSubmitReturnsJobResult(t *testing.T) {
	q := newTestQueue(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown(time.Second)

	if err := q.Submit(ctx, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	want := errors.New("stage failed")
	if err := q.Submit(ctx, func(ctx context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("Submit() error = %v, want %v", err, want)
	}

	stats := q.Stats()
	if stats.Submitted != 2 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestSubmitRecoversPanic(t *testing.T) {
	q := newTestQueue(1, 1)
	var handled atomic.Int32
	q.SetErrorHandler(func(err error) { handled.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown(time.Second)

	err := q.Submit(ctx, func(ctx context.Context) error { panic("boom") })
	if !errors.Is(err, ErrJobPanic) {
		t.Fatalf("Submit() error = %v, want ErrJobPanic", err)
	}

	// worker 在 panic 后仍可继续执行
	if err := q.Submit(ctx, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Submit() after panic error = %v", err)
	}
	if q.Stats().Panics != 1 {
		t.Errorf("Panics = %d, want 1", q.Stats().Panics)
	}
	if handled.Load() != 1 {
		t.Errorf("error handler called %d times, want 1", handled.Load())
	}
}

func TestSingleWorkerSerializesJobs(t *testing.T) {
	q := newTestQueue(1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown(time.Second)

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Submit(ctx, func(ctx context.Context) error {
				n := running.Add(1)
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxRunning.Load() != 1 {
		t.Errorf("max concurrent jobs = %d, want 1", maxRunning.Load())
	}
}

func TestSubmitWaitCancelled(t *testing.T) {
	q := newTestQueue(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	release := make(chan struct{})
	waitCtx, waitCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer waitCancel()

	start := time.Now()
	err := q.Submit(waitCtx, func(ctx context.Context) error {
		<-release
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit() error = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Errorf("Submit returned too early")
	}

	close(release)
	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	q := newTestQueue(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}

	err := q.Submit(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit() error = %v, want ErrClosed", err)
	}
	if err := q.Submit(ctx, nil); err == nil {
		t.Fatal("expected error for nil job")
	}
}

func TestShutdownWaitsForInFlightJob(t *testing.T) {
	q := newTestQueue(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	started := make(chan struct{})
	var finished atomic.Bool
	go func() {
		_ = q.Submit(ctx, func(ctx context.Context) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return nil
		})
	}()
	<-started

	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !finished.Load() {
		t.Error("Shutdown returned before in-flight job finished")
	}
}
