package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"helphero/internal/model"
	"helphero/internal/pkg/metrics"
	"helphero/internal/pkg/ratelimit"
	"helphero/internal/session"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Handler 提供注册、登录与注销接口。
type Handler struct {
	db       *gorm.DB
	sessions *session.Store
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// NewHandler 创建 Auth Handler。
//
// limiter 可以为 nil（禁用登录限流）。
func NewHandler(db *gorm.DB, sessions *session.Store, limiter *ratelimit.Limiter, logger *slog.Logger) *Handler {
	return &Handler{
		db:       db,
		sessions: sessions,
		limiter:  limiter,
		logger:   logger,
	}
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Name     string `json:"name" binding:"required,max=64"`
	Password string `json:"password" binding:"required,min=6"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	Token  string `json:"token"`
	UserID uint   `json:"user_id"`
}

// Register 创建新用户并立即建立会话。
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := strings.TrimSpace(req.Email)

	var existing model.User
	err := h.db.Where("email = ?", email).First(&existing).Error
	if err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "email already exists"})
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query user failed"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}

	user := model.User{
		Email:    email,
		Name:     strings.TrimSpace(req.Name),
		Password: string(hash),
	}
	if err := h.db.Create(&user).Error; err != nil {
		// 预检查与插入之间并发注册同一邮箱时由唯一索引兜底
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already exists"})
			return
		}
		if h.logger != nil {
			h.logger.Error("create user failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed"})
		return
	}

	token, err := h.sessions.Establish(c.Request.Context(), user.ID)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("establish session failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "establish session failed"})
		return
	}

	metrics.SessionsEstablishedTotal.Inc()
	if h.logger != nil {
		h.logger.Info("user registered", slog.String("email", email), slog.Uint64("user_id", uint64(user.ID)))
	}
	c.JSON(http.StatusCreated, tokenResponse{Token: token, UserID: user.ID})
}

// Login 校验凭据并建立会话。凭据错误时不区分账号不存在与密码错误。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil && h.logger != nil {
			h.logger.Warn("login rate limit check failed", slog.String("error", err.Error()))
		}
		if err == nil && !allowed {
			metrics.LoginRejectedTotal.Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many login attempts"})
			return
		}
	}

	email := strings.TrimSpace(req.Email)

	var user model.User
	if err := h.db.Where("email = ?", email).First(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := h.sessions.Establish(c.Request.Context(), user.ID)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("establish session failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "establish session failed"})
		return
	}

	metrics.SessionsEstablishedTotal.Inc()
	if h.logger != nil {
		h.logger.Info("user logged in", slog.String("email", email), slog.Uint64("user_id", uint64(user.ID)))
	}
	c.JSON(http.StatusOK, tokenResponse{Token: token, UserID: user.ID})
}

// Logout 终止当前会话。令牌失效后无法再通过认证。
func (h *Handler) Logout(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	if err := h.sessions.Terminate(c.Request.Context(), token); err != nil {
		if errors.Is(err, session.ErrInvalidToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if h.logger != nil {
			h.logger.Warn("terminate session failed", slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "terminate session failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
