package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaydist/relay/internal/config"
	"github.com/relaydist/relay/internal/handler"
	"github.com/relaydist/relay/internal/service"
	"github.com/relaydist/relay/internal/service/publisher"
	"github.com/relaydist/relay/internal/service/publisher/webhook"
	"github.com/relaydist/relay/internal/trigger"
)

type Server struct {
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	Bus     trigger.Bus
	Manager *publisher.Manager

	// Services
	AuthService     *service.AuthService
	ContentService  *service.ContentService
	ApprovalService *service.ApprovalService
	CronService     *service.CronService
	QueueService    *service.QueueService
	ExecutorService *service.ExecutorService
	StatsUpdater    *service.StatsUpdater
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	// Initialize database
	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := service.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// Initialize trigger transport
	var bus trigger.Bus
	if cfg.Trigger.URL != "" {
		bus, err = trigger.NewNATSBus(cfg.Trigger.URL, cfg.Trigger.StreamName, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect trigger transport: %w", err)
		}
	} else {
		logger.Info("No trigger URL configured, using in-process bus")
		bus = trigger.NewMemoryBus()
	}

	clock := trigger.SystemClock()
	sweepInterval := parseDuration(cfg.Scheduler.SweepInterval, 30*time.Second, logger)
	statsInterval := parseDuration(cfg.Scheduler.StatsInterval, 5*time.Minute, logger)
	publishTimeout := parseDuration(cfg.Executor.PublishTimeout, 60*time.Second, logger)

	// Initialize publishers from config
	manager := publisher.NewManager(logger)
	if err := registerTargets(manager, cfg.Platforms, logger); err != nil {
		return nil, err
	}

	// Initialize services
	authService := service.NewAuthService(logger, cfg.Auth.TOTPSecret)
	approvalService := service.NewApprovalService(db, logger)
	contentService := service.NewContentService(db, logger, approvalService)
	queueService := service.NewQueueService(db, logger, clock, bus)
	cronService := service.NewCronService(db, logger, clock, bus, sweepInterval)
	executorService := service.NewExecutorService(db, logger, clock, manager, queueService,
		publishTimeout, cfg.Executor.DefaultMaxRetries)
	statsUpdater := service.NewStatsUpdater(db, queueService, logger, statsInterval)

	// Register job handlers and hand the registry to the scheduler
	registry := handler.NewRegistry(logger)
	for _, h := range []handler.Handler{
		handler.NewPublishContentHandler(queueService, logger),
		handler.NewQueueSweepHandler(queueService, logger),
		handler.NewStatsRollupHandler(queueService, logger),
		handler.NewDeadLetterSweepHandler(executorService, logger),
	} {
		if err := registry.Register(h); err != nil {
			return nil, err
		}
	}
	cronService.SetRunner(registry)

	// Create router
	router := gin.New()

	srv := &Server{
		Config:          cfg,
		DB:              db,
		Router:          router,
		Logger:          logger,
		Bus:             bus,
		Manager:         manager,
		AuthService:     authService,
		ContentService:  contentService,
		ApprovalService: approvalService,
		CronService:     cronService,
		QueueService:    queueService,
		ExecutorService: executorService,
		StatsUpdater:    statsUpdater,
	}

	// Setup middleware and routes
	srv.setupMiddleware()
	srv.setupRoutes()

	return srv, nil
}

func registerTargets(manager *publisher.Manager, targets []config.TargetConfig, logger *zap.Logger) error {
	for _, t := range targets {
		cfg := publisher.Config{
			PlatformName: t.Name,
			Enabled:      t.Enabled,
			Settings:     t.Settings,
		}

		switch t.Type {
		case "webhook", "":
			if err := manager.Register(webhook.New(t.Name, logger), cfg); err != nil {
				return fmt.Errorf("failed to register target %s: %w", t.Name, err)
			}
		default:
			return fmt.Errorf("unknown target type %q for %s", t.Type, t.Name)
		}
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration, logger *zap.Logger) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("Invalid duration in config, using default",
			zap.String("value", raw), zap.Duration("default", fallback))
		return fallback
	}
	return d
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Project-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	s.Router.Use(s.AuthService.Middleware())
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	api := s.Router.Group("/api/v1")
	{
		api.POST("/auth/login", s.handleLogin)

		jobs := api.Group("/jobs")
		{
			jobs.POST("", s.handleCreateJob)
			jobs.GET("", s.handleListJobs)
			jobs.GET("/:id", s.handleGetJob)
			jobs.PUT("/:id", s.handleUpdateJob)
			jobs.DELETE("/:id", s.handleDeleteJob)
			jobs.POST("/:id/toggle", s.handleToggleJob)
			jobs.POST("/:id/trigger", s.handleTriggerJob)
			jobs.GET("/:id/executions", s.handleJobExecutions)
			jobs.GET("/:id/stats", s.handleJobStats)
		}

		rules := api.Group("/rules")
		{
			rules.POST("", s.handleCreateRule)
			rules.GET("", s.handleListRules)
			rules.PUT("/:id", s.handleUpdateRule)
			rules.DELETE("/:id", s.handleDeleteRule)
			rules.POST("/test", s.handleTestRule)
		}

		content := api.Group("/content")
		{
			content.POST("", s.handleCreateContent)
			content.GET("", s.handleListContent)
			content.GET("/:id", s.handleGetContent)
			content.POST("/:id/approve", s.handleApproveContent)
			content.POST("/:id/reject", s.handleRejectContent)
			content.GET("/:id/history", s.handleApprovalHistory)
			content.GET("/:id/publications", s.handlePublicationHistory)
		}

		api.GET("/approvals", s.handleApprovalQueue)

		queue := api.Group("/queue")
		{
			queue.POST("/items", s.handleEnqueue)
			queue.POST("/items/:id/cancel", s.handleCancelItem)
			queue.POST("/items/:id/retry", s.handleRetryItem)
			queue.POST("/dispatch", s.handleDispatch)
			queue.GET("/stats", s.handleQueueStats)
		}

		publish := api.Group("/publish")
		{
			publish.POST("", s.handlePublish)
			publish.POST("/dry-run", s.handleDryRun)
			publish.POST("/publications/:id/retry", s.handleRetryPublication)
		}
	}
}

func (s *Server) Start(ctx context.Context) error {
	// Route trigger events into the services
	subscriptions := map[string]trigger.Handler{
		trigger.SubjectJobExecute:      s.CronService.HandleTrigger,
		trigger.SubjectQueueProcess:    s.ExecutorService.HandleQueueEvent,
		trigger.SubjectDeadLetterSweep: s.ExecutorService.HandleDeadLetterEvent,
	}
	for subject, h := range subscriptions {
		if err := s.Bus.Subscribe(subject, h); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
	}

	if s.Config.Scheduler.Enabled {
		s.CronService.Start(ctx)
		s.StatsUpdater.Start(ctx)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Stop background loops first
	s.CronService.Stop()
	s.StatsUpdater.Stop()

	if err := s.Bus.Close(); err != nil {
		s.Logger.Warn("Failed to close trigger transport", zap.Error(err))
	}

	if s.Server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.Server.Shutdown(shutdownCtx)
}
