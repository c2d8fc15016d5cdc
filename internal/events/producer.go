package events

import (
	"context"
	"log/slog"
	"time"
)

// Producer 事件生产者，由 API 服务在状态转移成功后调用。
//
// 发布失败只记日志不回传，事件链路不得影响工作流结果。
type Producer struct {
	stream *Stream
	logger *slog.Logger
}

// NewProducer 创建事件生产者。
func NewProducer(stream *Stream, logger *slog.Logger) *Producer {
	return &Producer{stream: stream, logger: logger}
}

// JobCreated 发布任务创建事件。
func (p *Producer) JobCreated(ctx context.Context, jobID, requesterID uint) {
	p.publish(ctx, &JobEvent{JobID: jobID, Action: ActionCreated, ActorID: requesterID, Timestamp: time.Now()})
}

// JobAccepted 发布任务被接受事件。
func (p *Producer) JobAccepted(ctx context.Context, jobID, attendeeID uint) {
	p.publish(ctx, &JobEvent{JobID: jobID, Action: ActionAccepted, ActorID: attendeeID, Timestamp: time.Now()})
}

// JobCompleted 发布任务完成事件。
func (p *Producer) JobCompleted(ctx context.Context, jobID, callerID uint) {
	p.publish(ctx, &JobEvent{JobID: jobID, Action: ActionCompleted, ActorID: callerID, Timestamp: time.Now()})
}

func (p *Producer) publish(ctx context.Context, ev *JobEvent) {
	if p == nil || p.stream == nil {
		return
	}
	if err := p.stream.Publish(ctx, ev); err != nil {
		p.logger.Error("publish job event failed",
			slog.Uint64("job_id", uint64(ev.JobID)),
			slog.String("action", ev.Action),
			slog.String("error", err.Error()))
	}
}
