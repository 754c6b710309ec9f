package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"teletherapy-calls/internal/httpapi"
	"teletherapy-calls/internal/metrics"
	"teletherapy-calls/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// readiness checks the process dependencies. A nil client is skipped.
type readiness struct {
	db  *sql.DB
	rdb *redis.Client
}

func (rd readiness) check(ctx context.Context) map[string]string {
	out := map[string]string{}
	if rd.db != nil {
		out["postgres"] = "ok"
		if err := utils.HealthCheck(ctx, rd.db, 2*time.Second); err != nil {
			out["postgres"] = err.Error()
		}
	}
	if rd.rdb != nil {
		out["redis"] = "ok"
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rd.rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			out["redis"] = err.Error()
		}
	}
	return out
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, rd readiness, devLogin bool) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		deps := rd.check(c.Request.Context())
		for _, v := range deps {
			if v != "ok" {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "deps": deps})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "deps": deps})
	})
	r.GET("/metrics", metrics.Handler())

	if devLogin {
		httpapi.RegisterDevLogin(r, h)
	}

	// protected API; auth and RBAC are attached per route
	httpapi.Register(r, h)
}
