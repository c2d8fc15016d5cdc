package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"helphero/internal/model"
	"helphero/internal/pkg/metrics"
	"helphero/internal/pkg/ratelimit"
	"helphero/internal/session"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func newTestHandler(t *testing.T, limiter *ratelimit.Limiter) (*Handler, *gorm.DB, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	metrics.InitMetrics(1)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&model.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewStore(rdb, logger, "test-secret", time.Hour)
	h := NewHandler(db, sessions, limiter, logger)

	r := gin.New()
	r.POST("/register", h.Register)
	r.POST("/login", h.Login)
	return h, db, r
}

func newMiniLimiter(t *testing.T, rate, burst float64) *ratelimit.Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ratelimit.NewLimiter(rdb, logger, "test:login:", rate, burst)
}

func postJSON(t *testing.T, r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegister_EmailStoredAsSubmitted(t *testing.T) {
	_, db, r := newTestHandler(t, nil)

	// 只去掉首尾空白，大小写按提交原样保存
	w := postJSON(t, r, "/register", gin.H{
		"email": "  Alice@Example.COM ", "name": "Alice", "password": "secret123",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %s", w.Code, w.Body.String())
	}

	var user model.User
	if err := db.Where("email = ?", "Alice@Example.COM").First(&user).Error; err != nil {
		t.Fatalf("expected email stored as submitted: %v", err)
	}
	if user.Password == "secret123" {
		t.Fatalf("password must be stored hashed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte("secret123")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}

	// 大小写不同视为不同邮箱，注册互不冲突
	w = postJSON(t, r, "/register", gin.H{
		"email": "alice@example.com", "name": "Alice", "password": "secret123",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("distinct-case register: status %d body %s", w.Code, w.Body.String())
	}

	// 登录按存储的写法匹配
	w = postJSON(t, r, "/login", gin.H{"email": "Alice@Example.COM", "password": "secret123"})
	if w.Code != http.StatusOK {
		t.Fatalf("login with stored casing: status %d body %s", w.Code, w.Body.String())
	}
	w = postJSON(t, r, "/login", gin.H{"email": "ALICE@EXAMPLE.COM", "password": "secret123"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("login with unknown casing: expected 401, got %d", w.Code)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	_, db, r := newTestHandler(t, nil)

	w := postJSON(t, r, "/register", gin.H{
		"email": "alice@example.com", "name": "Alice", "password": "secret123",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %s", w.Code, w.Body.String())
	}

	w = postJSON(t, r, "/register", gin.H{
		"email": "alice@example.com", "name": "Alice2", "password": "secret123",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate register: expected 409, got %d body %s", w.Code, w.Body.String())
	}

	// 预检查与插入之间的并发重复最终由唯一索引拦下
	err := db.Create(&model.User{Email: "alice@example.com", Name: "Alice3", Password: "x"}).Error
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("expected gorm.ErrDuplicatedKey, got %v", err)
	}
}

func TestRegister_ValidatesInput(t *testing.T) {
	_, _, r := newTestHandler(t, nil)

	// 非法邮箱
	w := postJSON(t, r, "/register", gin.H{"email": "not-an-email", "name": "x", "password": "secret123"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad email, got %d", w.Code)
	}
	// 密码过短
	w = postJSON(t, r, "/register", gin.H{"email": "a@b.com", "name": "x", "password": "123"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short password, got %d", w.Code)
	}
}

func TestLogin_Throttled(t *testing.T) {
	limiter := newMiniLimiter(t, 0.001, 2)
	_, _, r := newTestHandler(t, limiter)

	postJSON(t, r, "/register", gin.H{"email": "alice@example.com", "name": "Alice", "password": "secret123"})

	body := gin.H{"email": "alice@example.com", "password": "wrong"}
	for i := 0; i < 2; i++ {
		w := postJSON(t, r, "/login", body)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, w.Code)
		}
	}

	// 桶耗尽后即使密码正确也会被限流
	w := postJSON(t, r, "/login", gin.H{"email": "alice@example.com", "password": "secret123"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d body %s", w.Code, w.Body.String())
	}
}
