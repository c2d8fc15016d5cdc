package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrInvalidToken 令牌无法解析、已过期或已被注销。
var ErrInvalidToken = errors.New("invalid session token")

const keyPrefix = "helphero:session:"

// Store 维护会话令牌到用户 ID 的显式绑定。
//
// 令牌是 HS256 签名的 JWT，jti 同时写入 Redis（session:<jti> → userID）。
// Resolve 要求签名有效且 Redis 绑定仍然存在，因此 Terminate 删除绑定后
// 令牌立即失效，而非等到 JWT 过期。没有进程内的隐式会话状态。
type Store struct {
	rdb    *redis.Client
	logger *slog.Logger
	secret []byte
	ttl    time.Duration
}

// NewStore 创建会话存储。
func NewStore(rdb *redis.Client, logger *slog.Logger, secret string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		rdb:    rdb,
		logger: logger,
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// Establish 为用户建立新会话并返回令牌。
func (s *Store) Establish(ctx context.Context, userID uint) (string, error) {
	jti := uuid.NewString()
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(userID), 10),
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}

	if err := s.rdb.Set(ctx, keyPrefix+jti, claims.Subject, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("bind session: %w", err)
	}

	s.logger.Info("session established", slog.Uint64("user_id", uint64(userID)))
	return token, nil
}

// Resolve 根据令牌解析当前用户。
//
// 每次成功解析会刷新绑定的 TTL，活跃会话不会中途过期。
func (s *Store) Resolve(ctx context.Context, token string) (uint, error) {
	claims, err := s.parse(token)
	if err != nil {
		return 0, err
	}

	bound, err := s.rdb.Get(ctx, keyPrefix+claims.ID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrInvalidToken
	}
	if err != nil {
		return 0, fmt.Errorf("load session binding: %w", err)
	}
	if bound != claims.Subject {
		return 0, ErrInvalidToken
	}

	uid, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}

	_ = s.rdb.Expire(ctx, keyPrefix+claims.ID, s.ttl).Err()
	return uint(uid), nil
}

// Terminate 注销会话。对已失效的令牌调用是幂等的。
func (s *Store) Terminate(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}

	if err := s.rdb.Del(ctx, keyPrefix+claims.ID).Err(); err != nil {
		return fmt.Errorf("delete session binding: %w", err)
	}

	s.logger.Info("session terminated", slog.String("subject", claims.Subject))
	return nil
}

func (s *Store) parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
