package queue

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"helphero/internal/pkg/metrics"
)

// Task 表示一个可执行的异步任务（如发送一封通知邮件）。
type Task func(ctx context.Context) error

// Queue 提供内存任务队列与固定 worker 池。
//
// 入队是非阻塞的：队列满时任务被丢弃并计数，通知投递允许丢失，
// 工作流本身的写入从不经过这里。
type Queue struct {
	logger  *slog.Logger
	workers int
	tasks   chan Task

	wg     sync.WaitGroup
	mu     sync.RWMutex // 串行化 close(tasks) 与并发的 Enqueue 发送
	closed atomic.Bool

	stats queueStats
}

// queueStats 队列内部统计信息（使用 atomic 类型）。
type queueStats struct {
	TotalEnqueued  atomic.Int64 // 总入队任务数
	TotalProcessed atomic.Int64 // 总处理完成数
	TotalFailed    atomic.Int64 // 失败任务数
	TotalDropped   atomic.Int64 // 丢弃任务数（队列满）
	TotalPanics    atomic.Int64 // Panic 次数
}

// Stats 队列统计信息快照（普通值类型，可安全拷贝）。
type Stats struct {
	TotalEnqueued  int64
	TotalProcessed int64
	TotalFailed    int64
	TotalDropped   int64
	TotalPanics    int64
}

// NewQueue 创建一个新的任务队列。
//
// workers 与 capacity 至少为 1，非法值会被修正。
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
		tasks:   make(chan Task, capacity),
	}
}

// Start 启动 worker 池，直到 ctx 被取消或调用 Shutdown。
func (q *Queue) Start(ctx context.Context) {
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

		case task, ok := <-q.tasks:
			if !ok {
				q.logger.Debug("worker exit on closed channel", slog.Int("worker_id", id))
				return
			}
			if task != nil {
				q.executeTask(ctx, task, id)
				metrics.NotifyQueueDepth.Set(float64(len(q.tasks)))
			}
		}
	}
}

// executeTask 执行单个任务，带 panic 恢复。
func (q *Queue) executeTask(ctx context.Context, task Task, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.TotalPanics.Add(1)
			q.logger.Error("task panic recovered",
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	err := task(ctx)
	q.stats.TotalProcessed.Add(1)

	if err != nil {
		q.stats.TotalFailed.Add(1)
		q.logger.Warn("task failed",
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()))
	}
}

// Enqueue 将任务放入队列，若队列已满则丢弃并返回 false（非阻塞）。
func (q *Queue) Enqueue(task Task) bool {
	if task == nil {
		return false
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		q.logger.Warn("queue is closed, reject task")
		return false
	}

	select {
	case q.tasks <- task:
		q.stats.TotalEnqueued.Add(1)
		metrics.NotifyQueueDepth.Set(float64(len(q.tasks)))
		return true
	default:
		q.stats.TotalDropped.Add(1)
		q.logger.Warn("queue full, drop task",
			slog.Int("capacity", cap(q.tasks)),
			slog.Int("pending", len(q.tasks)))
		return false
	}
}

// Shutdown 优雅关闭队列：拒绝新任务，排空通道并等待 worker 退出。
func (q *Queue) Shutdown() {
	q.mu.Lock()
	first := q.closed.CompareAndSwap(false, true)
	if first {
		close(q.tasks)
	}
	q.mu.Unlock()
	if !first {
		return
	}

	q.logger.Info("queue shutdown initiated, waiting for workers to finish")
	q.wg.Wait()
	q.logger.Info("queue shutdown completed")
}

// Stats 获取队列统计信息的快照。
func (q *Queue) Stats() Stats {
	return Stats{
		TotalEnqueued:  q.stats.TotalEnqueued.Load(),
		TotalProcessed: q.stats.TotalProcessed.Load(),
		TotalFailed:    q.stats.TotalFailed.Load(),
		TotalDropped:   q.stats.TotalDropped.Load(),
		TotalPanics:    q.stats.TotalPanics.Load(),
	}
}

// Len 返回当前队列中待处理的任务数量。
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Cap 返回队列的容量。
func (q *Queue) Cap() int {
	return cap(q.tasks)
}
