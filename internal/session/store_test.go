package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(rdb, logger, "test-secret", time.Hour), mr
}

func TestEstablishAndResolve(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token, err := store.Establish(ctx, 42)
	if err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	if token == "" {
		t.Fatalf("expected non-empty token")
	}

	uid, err := store.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if uid != 42 {
		t.Fatalf("expected user 42, got %d", uid)
	}
}

func TestResolve_GarbageToken(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Resolve(context.Background(), "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestResolve_WrongSecret(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	token, err := store.Establish(ctx, 7)
	if err != nil {
		t.Fatalf("Establish failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	other := NewStore(rdb, logger, "different-secret", time.Hour)

	if _, err := other.Resolve(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTerminate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token, err := store.Establish(ctx, 42)
	if err != nil {
		t.Fatalf("Establish failed: %v", err)
	}

	if err := store.Terminate(ctx, token); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	// 注销后令牌即使签名有效也不再被接受
	if _, err := store.Resolve(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after terminate, got %v", err)
	}

	// 重复注销是幂等的
	if err := store.Terminate(ctx, token); err != nil {
		t.Fatalf("expected idempotent terminate, got %v", err)
	}
}

func TestResolve_ExpiredBinding(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	token, err := store.Establish(ctx, 42)
	if err != nil {
		t.Fatalf("Establish failed: %v", err)
	}

	mr.FastForward(2 * time.Hour)

	if _, err := store.Resolve(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after expiry, got %v", err)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	tokenA, err := store.Establish(ctx, 1)
	if err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	tokenB, err := store.Establish(ctx, 1)
	if err != nil {
		t.Fatalf("Establish failed: %v", err)
	}

	if err := store.Terminate(ctx, tokenA); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	// 同一用户的其他会话不受影响
	uid, err := store.Resolve(ctx, tokenB)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if uid != 1 {
		t.Fatalf("expected user 1, got %d", uid)
	}
}
