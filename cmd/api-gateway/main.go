package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-enterprise-core/api/swagger"
	"github.com/noah-isme/sma-enterprise-core/internal/handler"
	"github.com/noah-isme/sma-enterprise-core/internal/middleware"
	"github.com/noah-isme/sma-enterprise-core/internal/models"
	"github.com/noah-isme/sma-enterprise-core/internal/repository"
	"github.com/noah-isme/sma-enterprise-core/internal/service"
	"github.com/noah-isme/sma-enterprise-core/pkg/cache"
	"github.com/noah-isme/sma-enterprise-core/pkg/config"
	"github.com/noah-isme/sma-enterprise-core/pkg/database"
	"github.com/noah-isme/sma-enterprise-core/pkg/jobs"
	"github.com/noah-isme/sma-enterprise-core/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-enterprise-core/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-enterprise-core/pkg/middleware/requestid"
)

// @title School Enterprise Core API
// @version 1.0.0
// @description Fee ledger, versioned student records, daily attendance and the audit trail.
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable; balance mirror and cohort locks disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	metricsSvc := service.NewMetricsService()
	validate := validator.New()
	txRunner := database.NewTxRunner(db, cfg.Database.TxMaxAttempts).WithRetryHook(metricsSvc.RecordTxRetry)

	userRepo := repository.NewUserRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	rosterRepo := repository.NewRosterRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	auditSvc := service.NewAuditService(auditRepo, logr)
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiry,
		Issuer:            cfg.JWT.Issuer,
	})
	identitySvc := service.NewIdentityService(userRepo, auditSvc, validate, logr)

	mirror, mirrorQueue := buildBalanceMirror(cfg, redisClient, metricsSvc, logr)
	if mirrorQueue != nil {
		mirrorQueue.Start(ctx)
		defer mirrorQueue.Stop()
	}

	ledgerSvc := service.NewFeeLedgerService(ledgerRepo, txRunner, auditSvc, mirror, metricsSvc, cfg.Ledger.AcademicYearStartMonth, validate, logr)
	studentSvc := service.NewStudentService(studentRepo, ledgerRepo, identitySvc, txRunner, auditSvc, service.StudentOptions{
		IDPrefix:               cfg.Students.IDPrefix,
		IDPad:                  cfg.Students.IDPad,
		EmailDomain:            cfg.Identity.EmailDomain,
		DefaultPassword:        cfg.Identity.DefaultPassword,
		AcademicYearStartMonth: cfg.Ledger.AcademicYearStartMonth,
	}, validate, logr)

	location, err := time.LoadLocation(cfg.Attendance.Timezone)
	if err != nil {
		logr.Warn("unknown attendance timezone; using UTC", zap.String("timezone", cfg.Attendance.Timezone), zap.Error(err))
		location = time.UTC
	}
	attendanceSvc := service.NewAttendanceService(attendanceRepo, rosterRepo, notificationRepo, cache.NewLocker(redisClient), txRunner, auditSvc, metricsSvc, service.AttendanceWindow{
		OpenHour:  cfg.Attendance.OpenHour,
		CloseHour: cfg.Attendance.CloseHour,
		Location:  location,
		LockTTL:   cfg.Attendance.LockTTL,
	}, validate, logr)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.WithResponseMeta())
	if cfg.Metrics.Enabled {
		r.Use(middleware.Metrics(metricsSvc))
	}

	metricsHandler := handler.NewMetricsHandler(metricsSvc)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	if cfg.Metrics.Enabled {
		r.GET("/metrics", metricsHandler.Prometheus)
	}
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	registerRoutes(r.Group(cfg.APIPrefix), routeHandlers{
		auth:       handler.NewAuthHandler(authSvc),
		ledger:     handler.NewLedgerHandler(ledgerSvc),
		students:   handler.NewStudentHandler(studentSvc),
		attendance: handler.NewAttendanceHandler(attendanceSvc),
		audit:      handler.NewAuditHandler(auditSvc),
		metrics:    metricsHandler,
	}, authSvc)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

type routeHandlers struct {
	auth       *handler.AuthHandler
	ledger     *handler.LedgerHandler
	students   *handler.StudentHandler
	attendance *handler.AttendanceHandler
	audit      *handler.AuditHandler
	metrics    *handler.MetricsHandler
}

func registerRoutes(api *gin.RouterGroup, h routeHandlers, tokens middleware.TokenValidator) {
	api.POST("/auth/login", h.auth.Login)

	secured := api.Group("")
	secured.Use(middleware.JWT(tokens))

	finance := middleware.RequireRoles(models.RoleAccountant, models.RoleAdmin)
	ledger := secured.Group("/ledger")
	ledger.POST("/transactions", finance, h.ledger.Post)
	ledger.POST("/transactions/:id/reverse", finance, h.ledger.Reverse)
	ledger.GET("/accounts/:studentId", finance, h.ledger.Account)
	ledger.GET("/accounts/:studentId/entries", finance, h.ledger.Entries)
	ledger.GET("/accounts/:studentId/verify", finance, h.ledger.Verify)

	students := secured.Group("/students")
	students.POST("", middleware.RequireRoles(models.RoleAdmin), h.students.Create)
	students.PATCH("/:id", middleware.RequireRoles(models.RoleAdmin), h.students.Update)
	readers := middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher)
	students.GET("/:id", readers, h.students.Get)
	students.GET("/:id/history", readers, h.students.History)
	students.GET("/:id/history/:version", readers, h.students.Version)

	attendance := secured.Group("/attendance")
	attendance.POST("/classes", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), h.attendance.MarkClass)
	attendance.POST("/teachers", middleware.RequireRoles(models.RoleAdmin), h.attendance.MarkTeachers)
	attendance.POST("/staff", middleware.RequireRoles(models.RoleAdmin), h.attendance.MarkStaff)
	attendance.GET("/:id", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), h.attendance.Get)

	secured.GET("/audit-logs", middleware.RequireRoles(models.RoleAdmin), h.audit.List)
	secured.GET("/metrics/summary", middleware.RequireRoles(models.RoleAdmin), h.metrics.Summary)
}

func buildBalanceMirror(cfg *config.Config, client *redis.Client, metrics *service.MetricsService, logr *zap.Logger) (*service.BalanceMirror, *jobs.Queue) {
	if !cfg.Ledger.MirrorEnabled || client == nil {
		return nil, nil
	}
	mirror := service.NewBalanceMirror(repository.NewCacheRepository(client, logr), cfg.Ledger.MirrorTTL, metrics, logr)
	queue := jobs.NewQueue("ledger-mirror", mirror.HandleJob, jobs.QueueConfig{
		Workers:    cfg.Ledger.MirrorWorkers,
		BufferSize: 256,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
		Logger:     logr,
	})
	mirror.AttachQueue(queue)
	return mirror, queue
}
