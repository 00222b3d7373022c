package main

import (
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/fhircache/internal/cache"
	"github.com/ehr/fhircache/internal/config"
	"github.com/ehr/fhircache/internal/platform/activity"
	"github.com/ehr/fhircache/internal/platform/db"
	"github.com/ehr/fhircache/internal/platform/middleware"
	"github.com/ehr/fhircache/internal/router"
	"github.com/ehr/fhircache/internal/scheduler"
	"github.com/ehr/fhircache/internal/syncengine"
)

// server is the assembled service. Components are built in dependency order
// and torn down in reverse by runServer.
type server struct {
	echo      *echo.Echo
	engine    *syncengine.Engine
	scheduler *scheduler.Scheduler
	router    *router.Router
	activity  *activity.Log
}

// operational paths are neither timed out nor recorded in the activity log.
func operational(path string) bool {
	return path == "/metrics" || strings.HasPrefix(path, "/health") || path == "/api/v1/activity"
}

func buildServer(cfg *config.Config, logger zerolog.Logger, store cache.Store, pool *pgxpool.Pool, reg prometheus.Registerer) (*server, error) {
	actLog := activity.NewLog(cfg.ActivityLogSize)

	client, err := newRemote(cfg, logger, actLog)
	if err != nil {
		return nil, err
	}
	engine := syncengine.New(store, client, engineConfig(cfg), logger, syncengine.NewMetrics(reg), actLog)
	sched := scheduler.New(engine, scheduler.Config{
		Interval:   cfg.SyncInterval,
		Staleness:  cfg.SyncStaleness,
		RunOnStart: cfg.SyncOnStart,
	}, logger)
	rt := router.New(router.Deps{
		Store:     store,
		Remote:    client,
		Scheduler: sched,
		Status:    engine,
		Logger:    logger,
		Metrics:   router.NewMetrics(reg),
		Activity:  actLog,
	})
	handler := router.NewHandler(rt, actLog, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger, operational))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "Cache-Control", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.MaxBodySize))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, func(path string) bool {
		// A forced sync runs as long as the remote takes.
		return path == "/api/v1/sync"
	}))
	e.Use(activity.Middleware(actLog, operational))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/ready", db.HealthHandler(store, pool, handler.SyncDetail))

	if g, ok := reg.(prometheus.Gatherer); ok {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
	}

	handler.RegisterRoutes(e.Group("/api/v1"), e.Group("/fhir"))

	return &server{
		echo:      e,
		engine:    engine,
		scheduler: sched,
		router:    rt,
		activity:  actLog,
	}, nil
}
