package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"teletherapy-calls/internal/audit"
	"teletherapy-calls/internal/auth"
	"teletherapy-calls/internal/config"
	"teletherapy-calls/internal/httpapi"
	"teletherapy-calls/internal/matching"
	"teletherapy-calls/internal/metrics"
	"teletherapy-calls/internal/reporting"
	"teletherapy-calls/internal/signaling"
	"teletherapy-calls/pkg/logger"
	"teletherapy-calls/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Call record store. Redis is required unless the memory store is selected.
	var (
		store signaling.Store
		rdb   *redis.Client
	)
	switch cfg.Calls.Store {
	case config.CallStoreMemory:
		log.Warn("using in-process call store; records do not survive restarts")
		store = signaling.NewMemoryStore()
	default:
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		store = signaling.NewRedisStore(rdb, cfg.Calls.RecordTTL, log)
	}

	auditRepo := audit.NewPostgresRepo(db)
	auditSvc := audit.NewService(auditRepo)
	callSvc := signaling.NewService(store, auditSvc, log)
	if rdb != nil {
		callSvc.WithNotifier(signaling.NewRedisOutbox(rdb))
	}

	h := httpapi.Handlers{
		Auth:    authManager,
		Calls:   callSvc,
		Source:  matching.NewPostgresSource(db),
		Reports: reporting.NewService(auditRepo),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(metrics.Middleware())

	registerRoutes(r, h, readiness{db: db, rdb: rdb}, !cfg.IsProduction())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: websocket streams are long-lived and keep their own write deadlines.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "call_store", cfg.Calls.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
