package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer 事件消费者，从消费者组中读取任务生命周期事件。
type Consumer struct {
	stream     *Stream
	logger     *slog.Logger
	groupName  string
	consumerID string
	blockTime  time.Duration
	batchSize  int64
}

// ConsumerOption 消费者配置选项。
type ConsumerOption func(*Consumer)

// WithBlockTime 设置阻塞等待时间。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.blockTime = d
	}
}

// WithBatchSize 设置每次读取的消息数量。
func WithBatchSize(size int64) ConsumerOption {
	return func(c *Consumer) {
		c.batchSize = size
	}
}

// NewConsumer 创建事件消费者，并确保消费者组存在。
func NewConsumer(rdb *redis.Client, logger *slog.Logger, streamName, groupName, consumerID string, opts ...ConsumerOption) (*Consumer, error) {
	if groupName == "" {
		return nil, fmt.Errorf("group name is required")
	}
	if consumerID == "" {
		consumerID = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}

	c := &Consumer{
		stream:     NewStream(rdb, logger, streamName),
		logger:     logger,
		groupName:  groupName,
		consumerID: consumerID,
		blockTime:  1 * time.Second,
		batchSize:  10,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.stream.CreateConsumerGroup(context.Background(), groupName); err != nil {
		return nil, err
	}

	logger.Info("event consumer created",
		slog.String("group", groupName),
		slog.String("consumer_id", consumerID))
	return c, nil
}

// EventWithID 包含 Stream 消息 ID 的事件。
type EventWithID struct {
	ID    string    // Redis Stream 消息 ID
	Event *JobEvent // 事件内容
}

// Read 使用 XREADGROUP 读取一批新事件。无新事件时返回空切片。
//
// 格式非法的消息直接 Ack 丢弃，避免毒消息阻塞消费者组。
func (c *Consumer) Read(ctx context.Context) ([]*EventWithID, error) {
	streams, err := c.stream.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.groupName,
		Consumer: c.consumerID,
		Streams:  []string{c.stream.streamName, ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var parsed []*EventWithID
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			data, ok := msg.Values["data"].(string)
			if !ok || data == "" {
				c.logger.Warn("invalid event format", slog.String("msg_id", msg.ID))
				_ = c.Ack(ctx, msg.ID)
				continue
			}
			ev, err := parseEvent(data)
			if err != nil {
				c.logger.Error("parse event failed",
					slog.String("msg_id", msg.ID),
					slog.String("error", err.Error()))
				_ = c.Ack(ctx, msg.ID)
				continue
			}
			parsed = append(parsed, &EventWithID{ID: msg.ID, Event: ev})
		}
	}

	return parsed, nil
}

// Ack 确认事件已处理。
func (c *Consumer) Ack(ctx context.Context, msgID string) error {
	acked, err := c.stream.rdb.XAck(ctx, c.stream.streamName, c.groupName, msgID).Result()
	if err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	if acked == 0 {
		c.logger.Warn("event not acked (may already be acked)", slog.String("msg_id", msgID))
	}
	return nil
}

// Run 循环读取事件并交给 handler 处理，直到 ctx 被取消。
//
// handler 返回错误时不 Ack，事件留在 pending 列表等待重新投递。
func (c *Consumer) Run(ctx context.Context, handler func(ctx context.Context, ev *JobEvent) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("read events failed", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}

		for _, ev := range batch {
			if err := handler(ctx, ev.Event); err != nil {
				c.logger.Warn("event handler failed",
					slog.String("msg_id", ev.ID),
					slog.String("error", err.Error()))
				continue
			}
			if err := c.Ack(ctx, ev.ID); err != nil {
				c.logger.Error("ack event failed",
					slog.String("msg_id", ev.ID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Pending 获取待处理的事件数量。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.stream.rdb.XPending(ctx, c.stream.streamName, c.groupName).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending failed: %w", err)
	}
	return info.Count, nil
}
