package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testStream = "test:job:events"

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishAndConsume(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	logger := discardLogger()

	stream := NewStream(rdb, logger, testStream)
	producer := NewProducer(stream, logger)

	consumer, err := NewConsumer(rdb, logger, testStream, "test_group", "c1")
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	producer.JobAccepted(ctx, 42, 7)

	length, err := stream.Len(ctx)
	if err != nil {
		t.Fatalf("stream len: %v", err)
	}
	if length != 1 {
		t.Fatalf("expected 1 message, got %d", length)
	}

	msgs, err := consumer.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(msgs))
	}
	ev := msgs[0].Event
	if ev.JobID != 42 || ev.Action != ActionAccepted || ev.ActorID != 7 {
		t.Fatalf("event mismatch: %+v", ev)
	}

	if err := consumer.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, err := consumer.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected 0 pending after ack, got %d", pending)
	}
}

func TestConsumerGroupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	logger := discardLogger()

	stream := NewStream(rdb, logger, testStream)
	if err := stream.CreateConsumerGroup(ctx, "test_group"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	// BUSYGROUP 被吞掉
	if err := stream.CreateConsumerGroup(ctx, "test_group"); err != nil {
		t.Fatalf("recreate group: %v", err)
	}
}

func TestRead_SkipsPoisonMessage(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	logger := discardLogger()

	consumer, err := NewConsumer(rdb, logger, testStream, "test_group", "c1")
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	if err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: testStream,
		Values: map[string]interface{}{"data": "not-json"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	msgs, err := consumer.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected poison message to be skipped, got %d", len(msgs))
	}
}

func TestRun_DeliversToHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rdb := newTestRedis(t)
	logger := discardLogger()

	stream := NewStream(rdb, logger, testStream)
	producer := NewProducer(stream, logger)

	consumer, err := NewConsumer(rdb, logger, testStream, "test_group", "c1", WithBlockTime(50*time.Millisecond))
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	got := make(chan *JobEvent, 1)
	go func() {
		_ = consumer.Run(ctx, func(ctx context.Context, ev *JobEvent) error {
			got <- ev
			return nil
		})
	}()

	producer.JobCompleted(ctx, 9, 3)

	select {
	case ev := <-got:
		if ev.JobID != 9 || ev.Action != ActionCompleted {
			t.Fatalf("event mismatch: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not invoked")
	}
}
