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

	"helphero/internal/pkg/metrics"
)

func newTestQueue(t *testing.T, workers, capacity int) *Queue {
	t.Helper()
	metrics.InitMetrics(workers)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewQueue(logger, workers, capacity)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestEnqueueAndProcess(t *testing.T) {
	q := newTestQueue(t, 2, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var done atomic.Int64
	for i := 0; i < 5; i++ {
		if !q.Enqueue(func(ctx context.Context) error {
			done.Add(1)
			return nil
		}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	waitFor(t, func() bool { return done.Load() == 5 })

	stats := q.Stats()
	if stats.TotalEnqueued != 5 || stats.TotalProcessed != 5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEnqueue_DropWhenFull(t *testing.T) {
	q := newTestQueue(t, 1, 1)
	// 不启动 worker，塞满队列
	if !q.Enqueue(func(ctx context.Context) error { return nil }) {
		t.Fatalf("first enqueue must succeed")
	}
	if q.Enqueue(func(ctx context.Context) error { return nil }) {
		t.Fatalf("enqueue into full queue must be dropped")
	}

	stats := q.Stats()
	if stats.TotalDropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", stats.TotalDropped)
	}
}

func TestTaskFailureIsCounted(t *testing.T) {
	q := newTestQueue(t, 1, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Enqueue(func(ctx context.Context) error { return errors.New("boom") })

	waitFor(t, func() bool { return q.Stats().TotalFailed == 1 })
}

func TestPanicRecovery(t *testing.T) {
	q := newTestQueue(t, 1, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Enqueue(func(ctx context.Context) error { panic("boom") })

	waitFor(t, func() bool { return q.Stats().TotalPanics == 1 })

	// worker 仍然存活，可以继续处理任务
	var done atomic.Bool
	q.Enqueue(func(ctx context.Context) error {
		done.Store(true)
		return nil
	})
	waitFor(t, func() bool { return done.Load() })
}

func TestShutdown(t *testing.T) {
	q := newTestQueue(t, 1, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var done atomic.Int64
	for i := 0; i < 3; i++ {
		q.Enqueue(func(ctx context.Context) error {
			done.Add(1)
			return nil
		})
	}

	q.Shutdown()

	if done.Load() != 3 {
		t.Fatalf("expected all tasks drained before shutdown, got %d", done.Load())
	}
	if q.Enqueue(func(ctx context.Context) error { return nil }) {
		t.Fatalf("enqueue after shutdown must be rejected")
	}
}

func TestEnqueueDuringShutdown(t *testing.T) {
	// 入队与关闭并发执行不能向已关闭的 channel 发送
	for i := 0; i < 50; i++ {
		q := newTestQueue(t, 2, 4)
		ctx, cancel := context.WithCancel(context.Background())
		q.Start(ctx)

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 20; k++ {
					q.Enqueue(func(ctx context.Context) error { return nil })
				}
			}()
		}
		q.Shutdown()
		wg.Wait()
		cancel()

		if q.Enqueue(func(ctx context.Context) error { return nil }) {
			t.Fatalf("iteration %d: enqueue after shutdown must be rejected", i)
		}
	}
}
