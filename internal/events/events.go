package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// 任务生命周期事件类型。
const (
	ActionCreated   = "created"
	ActionAccepted  = "accepted"
	ActionCompleted = "completed"
)

// JobEvent 表示一条任务生命周期事件。
//
// 工作流引擎的每次成功状态转移都会发布一条事件到 Redis Streams，
// 供通知投递等下游消费者使用。事件丢失不影响工作流本身。
type JobEvent struct {
	JobID     uint      `json:"job_id"`    // 任务 ID
	Action    string    `json:"action"`    // created / accepted / completed
	ActorID   uint      `json:"actor_id"`  // 触发状态转移的用户 ID
	Timestamp time.Time `json:"timestamp"` // 事件产生时间
}

// Stream 封装 Redis Streams 上的事件读写。
type Stream struct {
	rdb        *redis.Client
	logger     *slog.Logger
	streamName string // Stream 名称，如 "helphero:job:events"
}

// NewStream 创建事件流实例。
func NewStream(rdb *redis.Client, logger *slog.Logger, streamName string) *Stream {
	if streamName == "" {
		streamName = "helphero:job:events"
	}
	return &Stream{
		rdb:        rdb,
		logger:     logger,
		streamName: streamName,
	}
}

// Publish 发布一条事件。使用 XADD 追加到 Stream。
func (s *Stream) Publish(ctx context.Context, ev *JobEvent) error {
	if ev == nil {
		return fmt.Errorf("event is nil")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.streamName,
		MaxLen: 100000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}
	msgID, err := s.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}

	s.logger.Debug("job event published",
		slog.String("msg_id", msgID),
		slog.Uint64("job_id", uint64(ev.JobID)),
		slog.String("action", ev.Action))
	return nil
}

// CreateConsumerGroup 创建消费者组，已存在时忽略。
func (s *Stream) CreateConsumerGroup(ctx context.Context, groupName string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.streamName, groupName, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group: %w", err)
	}

	s.logger.Info("consumer group ready",
		slog.String("stream", s.streamName),
		slog.String("group", groupName))
	return nil
}

// Len 返回 Stream 中的事件数量。
func (s *Stream) Len(ctx context.Context) (int64, error) {
	length, err := s.rdb.XLen(ctx, s.streamName).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return length, nil
}

func parseEvent(data string) (*JobEvent, error) {
	var ev JobEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, nil
}
