package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ozon1688/internal/api/auth"
	"ozon1688/internal/api/middleware"
	"ozon1688/internal/config"
	"ozon1688/internal/model"
	"ozon1688/internal/pkg/dedup"
	"ozon1688/internal/pkg/events"
	"ozon1688/internal/pkg/metrics"
	"ozon1688/internal/pkg/notify"
	"ozon1688/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、任务事件流以及 Gin 路由引擎。
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *gorm.DB
	rdb     *redis.Client
	router  *gin.Engine
	auth    *auth.Handler
	tasks   TaskStore
	users   UserStore
	guard   Deduper
	stream  *events.Stream
	onEvent events.Handler
}

// TaskStore 定义前端需要的任务存储操作。
type TaskStore interface {
	AddTask(ctx context.Context, url string, ownerID uint) (uint, error)
	GetTask(ctx context.Context, id uint) (*model.Task, error)
	ListTasks(ctx context.Context, ownerID uint, limit int) ([]model.Task, error)
	GetTaskResult(ctx context.Context, taskID uint) (*model.SourceRecord, *model.Match, error)
	Reprocess(ctx context.Context, taskID uint) (uint, error)
	TaskStats(ctx context.Context, ownerID uint) (map[model.Status]int64, error)
	ListProfitability(ctx context.Context) ([]model.ProfitabilityRecord, error)
}

// UserStore 定义用户存储操作。
type UserStore interface {
	auth.UserStore
	EnsureAdmin(ctx context.Context, email, passwordHash string) (bool, error)
}

// Deduper 定义提交去重操作。
type Deduper interface {
	Acquire(ctx context.Context, ownerID uint, url string) (bool, error)
	Release(ctx context.Context, ownerID uint, url string) error
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 准备任务事件流与结果通知
// 4. 初始化 Gin 路由引擎
//
// 参数:
//   - ctx: 上下文
//   - cfg: 配置对象
//   - logger: 日志记录器
//
// 返回值:
//   - *Server: 初始化完成的服务器实例
//   - error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.Open(cfg.MySQL.DSN)
	if err != nil {
		return nil, err
	}
	repo := store.New(db, logger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	metrics.InitMetrics(0)
	gin.SetMode(gin.ReleaseMode)

	guard := dedup.NewGuard(rdb, time.Duration(cfg.App.DedupWindow)*time.Second)
	s := newServer(cfg, logger, repo, repo, guard)
	s.db = db
	s.rdb = rdb
	s.stream = events.NewStream(rdb, logger, cfg.App.EventStream)
	s.onEvent = notify.NewEventHandler(repo, notify.NewEmailNotifier(cfg.Email, logger), logger)
	return s, nil
}

func newServer(cfg *config.Config, logger *slog.Logger, tasks TaskStore, users UserStore, guard Deduper) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: r,
		auth:   auth.NewHandler(users, cfg.Security.JWTSecret, cfg.Security.InviteCode, logger),
		tasks:  tasks,
		users:  users,
		guard:  guard,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// StartEventConsumer 在后台消费任务终态事件并发送结果通知。
func (s *Server) StartEventConsumer(ctx context.Context) error {
	if s.stream == nil || s.onEvent == nil {
		return errors.New("event stream not configured")
	}
	consumer, err := events.NewConsumer(ctx, s.stream, s.logger, s.cfg.App.EventGroup, "")
	if err != nil {
		return err
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in event consumer", slog.Any("panic", r))
			}
		}()
		s.logger.Info("event consumer started",
			slog.String("stream", s.stream.Name()),
			slog.String("group", s.cfg.App.EventGroup))
		consumer.Run(ctx, s.onEvent)
	}()
	return nil
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api")
	api.POST("/register", s.auth.Register)
	api.POST("/login", s.auth.Login)

	authed := api.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.POST("/tasks", s.handleCreateTask)
	authed.GET("/tasks", s.handleListTasks)
	authed.GET("/tasks/:id", s.handleGetTask)
	authed.GET("/tasks/:id/result", s.handleTaskResult)
	authed.POST("/tasks/:id/reprocess", s.handleReprocess)
	authed.GET("/stats", s.handleStats)
	authed.GET("/report", middleware.RequireAdmin(), s.handleReport)
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

func getUserID(c *gin.Context) uint {
	return c.GetUint(middleware.UserIDKey)
}

func isAdmin(c *gin.Context) bool {
	return c.GetString(middleware.RoleKey) == model.RoleAdmin
}
