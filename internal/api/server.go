package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"helphero/internal/api/auth"
	"helphero/internal/api/middleware"
	"helphero/internal/config"
	"helphero/internal/events"
	"helphero/internal/jobflow"
	"helphero/internal/location"
	"helphero/internal/model"
	"helphero/internal/pkg/metrics"
	"helphero/internal/pkg/notify"
	"helphero/internal/pkg/queue"
	"helphero/internal/pkg/ratelimit"
	"helphero/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、任务状态机引擎以及 Gin 路由引擎。
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	rdb      *redis.Client
	router   *gin.Engine
	sessions *session.Store
	auth     *auth.Handler

	engine  JobEngine
	tracker LocationStore

	producer *events.Producer
	consumer *events.Consumer
	queue    *queue.Queue
	notifier notify.Notifier
}

// JobEngine 是任务状态机的操作集合。
type JobEngine interface {
	CreateJob(ctx context.Context, in jobflow.CreateJobInput) (*model.Job, error)
	AcceptJob(ctx context.Context, jobID, acceptorID uint) (*model.Job, error)
	CompleteJob(ctx context.Context, jobID, callerID uint) (*model.Job, error)
	GetJob(ctx context.Context, jobID uint) (*model.Job, error)
	ActiveJobForUser(ctx context.Context, userID uint) (*model.Job, error)
	Attendance(ctx context.Context, jobID, userID uint) (jobflow.Attendance, error)
}

// LocationStore 是位置上报与查询的操作集合。
type LocationStore interface {
	Update(ctx context.Context, userID uint, lat, lon float64) error
	AttendeeLocation(ctx context.Context, jobID uint) (*location.AttendeePosition, error)
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 初始化会话存储、状态机引擎与通知链路
// 4. 初始化 Gin 路由引擎
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.User{}, &model.Job{}, &model.UserLocation{}); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	sessions := session.NewStore(rdb, logger, cfg.Security.JWTSecret, cfg.App.SessionTTL)

	var limiter *ratelimit.Limiter
	if cfg.App.LoginRateLimit > 0 {
		limiter = ratelimit.NewLimiter(rdb, logger, "helphero:ratelimit:login:", cfg.App.LoginRateLimit, cfg.App.LoginRateBurst)
	}

	notifier := notify.NewEmailNotifier(&cfg.Email, logger)

	// 初始化 Prometheus 指标
	metrics.InitMetrics(cfg.App.WorkerPoolSize)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		rdb:      rdb,
		router:   r,
		sessions: sessions,
		auth:     auth.NewHandler(db, sessions, limiter, logger),
		engine:   jobflow.NewEngine(db, logger),
		tracker:  location.NewTracker(db, logger),
		notifier: notifier,
	}

	if cfg.App.EnableJobEvents {
		stream := events.NewStream(rdb, logger, cfg.App.JobEventStream)
		s.producer = events.NewProducer(stream, logger)

		consumer, err := events.NewConsumer(rdb, logger, cfg.App.JobEventStream, cfg.App.JobEventGroup, "api-"+strconv.Itoa(int(time.Now().Unix())))
		if err != nil {
			return nil, fmt.Errorf("create event consumer: %w", err)
		}
		s.consumer = consumer
		s.queue = queue.NewQueue(logger, cfg.App.WorkerPoolSize, cfg.App.QueueCapacity)
	}

	s.registerRoutes()
	return s, nil
}

// Run 启动 HTTP 服务器并开始监听请求。
func (s *Server) Run() error {
	s.StartNotifyListener(context.Background())

	s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// StartNotifyListener 启动事件消费与通知 Worker Pool。
//
// 事件流未启用时为空操作。
func (s *Server) StartNotifyListener(ctx context.Context) {
	if s.consumer == nil || s.queue == nil {
		return
	}

	s.queue.Start(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in event listener", slog.Any("panic", r))
			}
		}()
		if err := s.consumer.Run(ctx, s.handleJobEvent); err != nil {
			s.logger.Error("event listener stopped", slog.String("error", err.Error()))
		}
	}()
}

// handleJobEvent 将接受事件转换为通知任务投递到队列。
func (s *Server) handleJobEvent(ctx context.Context, ev *events.JobEvent) error {
	if ev.Action != events.ActionAccepted {
		return nil
	}

	var job model.Job
	if err := s.db.WithContext(ctx).
		Preload("Requester").
		Preload("Attendee").
		First(&job, ev.JobID).Error; err != nil {
		return fmt.Errorf("load job %d: %w", ev.JobID, err)
	}
	if job.AttendeeID == nil || job.Attendee == nil {
		return nil
	}

	requesterEmail := job.Requester.Email
	requesterName := job.Requester.Name
	jobName := job.Name
	attendeeName := job.Attendee.Name

	if !s.queue.Enqueue(func(taskCtx context.Context) error {
		return s.notifier.JobAccepted(taskCtx, requesterEmail, requesterName, jobName, attendeeName)
	}) {
		s.logger.Warn("notify queue full, dropping notification", slog.Uint64("job_id", uint64(ev.JobID)))
	}
	return nil
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	if s.queue != nil {
		s.queue.Shutdown()
	}

	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			if closeErr := sqlDB.Close(); closeErr != nil {
				if firstErr == nil {
					firstErr = closeErr
				}
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)

	s.router.POST("/register", s.auth.Register)
	s.router.POST("/login", s.auth.Login)

	// 任务详情与接单人位置对查询方公开
	s.router.GET("/jobs/:id", s.handleGetJob)
	s.router.GET("/jobs/:id/attendee/location", s.handleAttendeeLocation)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.sessions))
	authed.POST("/logout", s.auth.Logout)
	authed.POST("/jobs", s.handleCreateJob)
	authed.POST("/jobs/:id/accept", s.handleAcceptJob)
	authed.POST("/jobs/:id/complete", s.handleCompleteJob)
	authed.GET("/jobs/:id/attended", s.handleAttendance)
	authed.GET("/me/job", s.handleMyJob)
	authed.POST("/location", s.handleUpdateLocation)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// createJobRequest 发布求助任务的请求参数。
//
// 坐标用指针区分 "缺失" 与合法的 0 值，缺失在绑定阶段即拒绝。
type createJobRequest struct {
	Name        string   `json:"name" binding:"required,max=128"`
	Type        string   `json:"type" binding:"required,max=64"`
	Description string   `json:"description" binding:"required,max=512"`
	Latitude    *float64 `json:"latitude" binding:"required,min=-90,max=90"`
	Longitude   *float64 `json:"longitude" binding:"required,min=-180,max=180"`
}

type locationRequest struct {
	Latitude  *float64 `json:"latitude" binding:"required,min=-90,max=90"`
	Longitude *float64 `json:"longitude" binding:"required,min=-180,max=180"`
}

// jobResponse 任务详情响应。
type jobResponse struct {
	ID          uint      `json:"id"`
	RequesterID uint      `json:"requester"`
	AttendeeID  *uint     `json:"attendee"`
	Accepted    bool      `json:"accepted"`
	Completed   bool      `json:"completed"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	CreatedAt   time.Time `json:"created_at"`
}

func toJobResponse(job *model.Job) jobResponse {
	return jobResponse{
		ID:          job.ID,
		RequesterID: job.RequesterID,
		AttendeeID:  job.AttendeeID,
		Accepted:    job.Accepted(),
		Completed:   job.Completed,
		Name:        job.Name,
		Type:        job.Type,
		Description: job.Description,
		Latitude:    job.Latitude,
		Longitude:   job.Longitude,
		CreatedAt:   job.CreatedAt,
	}
}

// handleCreateJob 处理发布求助任务的请求。
//
// POST /jobs
func (s *Server) handleCreateJob(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
		return
	}

	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.engine.CreateJob(c.Request.Context(), jobflow.CreateJobInput{
		RequesterID: userID,
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
		Latitude:    *req.Latitude,
		Longitude:   *req.Longitude,
	})
	if err != nil {
		s.renderJobError(c, err, "create job")
		return
	}

	metrics.JobsCreatedTotal.Inc()
	if s.producer != nil {
		s.producer.JobCreated(c.Request.Context(), job.ID, userID)
	}
	c.JSON(http.StatusCreated, toJobResponse(job))
}

// handleAcceptJob 处理接单请求。
//
// POST /jobs/:id/accept
func (s *Server) handleAcceptJob(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
		return
	}
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := s.engine.AcceptJob(c.Request.Context(), jobID, userID)
	if err != nil {
		s.renderJobError(c, err, "accept job")
		return
	}

	metrics.JobsAcceptedTotal.Inc()
	if s.producer != nil {
		s.producer.JobAccepted(c.Request.Context(), job.ID, userID)
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// handleCompleteJob 处理结单请求，发布人或接单人均可调用。
//
// POST /jobs/:id/complete
func (s *Server) handleCompleteJob(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
		return
	}
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := s.engine.CompleteJob(c.Request.Context(), jobID, userID)
	if err != nil {
		s.renderJobError(c, err, "complete job")
		return
	}

	metrics.JobsCompletedTotal.Inc()
	if s.producer != nil {
		s.producer.JobCompleted(c.Request.Context(), job.ID, userID)
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// handleGetJob 返回任务详情。
//
// GET /jobs/:id
func (s *Server) handleGetJob(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := s.engine.GetJob(c.Request.Context(), jobID)
	if err != nil {
		s.renderJobError(c, err, "get job")
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// handleAttendance 返回调用者与任务的参与状态。
//
// GET /jobs/:id/attended
func (s *Server) handleAttendance(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
		return
	}
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	att, err := s.engine.Attendance(c.Request.Context(), jobID, userID)
	if err != nil {
		s.renderJobError(c, err, "query attendance")
		return
	}
	c.JSON(http.StatusOK, att)
}

// handleMyJob 返回调用者当前未完成的任务。
//
// GET /me/job
func (s *Server) handleMyJob(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
		return
	}

	job, err := s.engine.ActiveJobForUser(c.Request.Context(), userID)
	if err != nil {
		s.renderJobError(c, err, "query active job")
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// handleUpdateLocation 上报调用者当前位置。
//
// POST /location
func (s *Server) handleUpdateLocation(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
		return
	}

	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.tracker.Update(c.Request.Context(), userID, *req.Latitude, *req.Longitude); err != nil {
		if errors.Is(err, location.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		s.logger.Error("update location failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update location failed"})
		return
	}

	metrics.LocationUpdatesTotal.Inc()
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// handleAttendeeLocation 返回任务接单人的最新位置。
//
// GET /jobs/:id/attendee/location
func (s *Server) handleAttendeeLocation(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	pos, err := s.tracker.AttendeeLocation(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, location.ErrNotAttended):
			c.JSON(http.StatusNotFound, gin.H{"error": "job has no attendee"})
		case errors.Is(err, location.ErrNoLocation):
			c.JSON(http.StatusNotFound, gin.H{"error": "no location reported"})
		default:
			s.logger.Error("query attendee location failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query location failed"})
		}
		return
	}
	c.JSON(http.StatusOK, pos)
}

// renderJobError 将状态机错误映射为 HTTP 响应。
func (s *Server) renderJobError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, jobflow.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, jobflow.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	case errors.Is(err, jobflow.ErrNoActiveJob):
		c.JSON(http.StatusNotFound, gin.H{"error": "no active job"})
	case errors.Is(err, jobflow.ErrOwnJob):
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot accept own job"})
	case errors.Is(err, jobflow.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
	case errors.Is(err, jobflow.ErrActiveJobExists):
		metrics.JobConflictTotal.Inc()
		c.JSON(http.StatusConflict, gin.H{"error": "active job already exists"})
	case errors.Is(err, jobflow.ErrAlreadyAttending):
		metrics.JobConflictTotal.Inc()
		c.JSON(http.StatusConflict, gin.H{"error": "already attending another job"})
	case errors.Is(err, jobflow.ErrNotOpen):
		metrics.JobConflictTotal.Inc()
		c.JSON(http.StatusConflict, gin.H{"error": "job already accepted"})
	case errors.Is(err, jobflow.ErrNotAccepted):
		c.JSON(http.StatusConflict, gin.H{"error": "job not accepted"})
	case errors.Is(err, jobflow.ErrAlreadyCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": "job already completed"})
	default:
		s.logger.Error(op+" failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

// parseJobID 解析路径参数中的任务 ID，非法时直接写出 400。
func parseJobID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return uint(id), true
}
