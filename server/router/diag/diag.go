// Package diag serves the read-mostly diagnostics API of a running node.
package diag

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	coreerrors "github.com/hrygo/crmsync/internal/errors"
	"github.com/hrygo/crmsync/internal/tenancy"
	"github.com/hrygo/crmsync/plugin/metrics"
	"github.com/hrygo/crmsync/server/runner/syncer"
	"github.com/hrygo/crmsync/store/cache"
)

// Service wires the diagnostics endpoints to the engine, cache and metrics.
type Service struct {
	secret  []byte
	engine  *syncer.Engine
	cache   *cache.TieredCache
	metrics *metrics.Service
}

// NewService creates the diagnostics service. cache and metrics may be nil.
func NewService(secret string, engine *syncer.Engine, tiered *cache.TieredCache, metricsService *metrics.Service) *Service {
	return &Service{
		secret:  []byte(secret),
		engine:  engine,
		cache:   tiered,
		metrics: metricsService,
	}
}

// Register mounts the routes on e.
//
//	GET    /healthz
//	GET    /api/v1/sync/stats
//	GET    /api/v1/sync/pending
//	GET    /api/v1/sync/failed
//	DELETE /api/v1/sync/failed
//	POST   /api/v1/sync/trigger
//	GET    /api/v1/cache/stats
//	GET    /api/v1/metrics/totals
func (s *Service) Register(e *echo.Echo) {
	e.Use(middleware.Recover())
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	g := e.Group("/api/v1", s.authenticate)
	g.GET("/sync/stats", s.GetSyncStats)
	g.GET("/sync/pending", s.ListPendingOperations)
	g.GET("/sync/failed", s.ListFailedOperations)
	g.DELETE("/sync/failed", s.ClearFailedOperations)
	g.POST("/sync/trigger", s.TriggerSync)
	g.GET("/cache/stats", s.GetCacheStats)
	g.GET("/metrics/totals", s.GetMetricTotals)
}

// authenticate resolves the bearer token into a caller on the request context.
func (s *Service) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		}
		caller, err := tenancy.ParseToken(s.secret, token)
		if err != nil {
			slog.Warn("rejected diagnostics token", "error", err)
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		req := c.Request()
		c.SetRequest(req.WithContext(tenancy.WithCaller(req.Context(), caller)))
		return next(c)
	}
}

// GetSyncStats returns engine counters and queue depths.
// GET /api/v1/sync/stats
func (s *Service) GetSyncStats(c echo.Context) error {
	stats, err := s.engine.GetSyncStats(c.Request().Context())
	if err != nil {
		return internalError(c, "failed to read sync stats", err)
	}
	return c.JSON(http.StatusOK, stats)
}

// ListPendingOperations returns the caller tenant's queued operations without payloads.
// GET /api/v1/sync/pending
func (s *Service) ListPendingOperations(c echo.Context) error {
	ops, err := s.engine.PendingOperations(c.Request().Context())
	if err != nil {
		return internalError(c, "failed to list pending operations", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"operations": ops})
}

// ListFailedOperations returns the caller tenant's permanently failed operations.
// GET /api/v1/sync/failed
func (s *Service) ListFailedOperations(c echo.Context) error {
	ops, err := s.engine.FailedOperations(c.Request().Context())
	if err != nil {
		return internalError(c, "failed to list failed operations", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"operations": ops})
}

// ClearFailedOperations discards the caller tenant's permanently failed operations.
// DELETE /api/v1/sync/failed
func (s *Service) ClearFailedOperations(c echo.Context) error {
	cleared, err := s.engine.ClearFailedOperations(c.Request().Context())
	if err != nil {
		return internalError(c, "failed to clear failed operations", err)
	}
	return c.JSON(http.StatusOK, map[string]int{"cleared": cleared})
}

// TriggerSync runs a sync pass and returns its result.
// POST /api/v1/sync/trigger
func (s *Service) TriggerSync(c echo.Context) error {
	result, err := s.engine.ForceSync(c.Request().Context())
	if err != nil {
		return internalError(c, "sync pass aborted", err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetCacheStats returns the tiered cache counters.
// GET /api/v1/cache/stats
func (s *Service) GetCacheStats(c echo.Context) error {
	if s.cache == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "cache disabled"})
	}
	return c.JSON(http.StatusOK, s.cache.Stats())
}

// GetMetricTotals returns event counts since start.
// GET /api/v1/metrics/totals
func (s *Service) GetMetricTotals(c echo.Context) error {
	if s.metrics == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "metrics disabled"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"totals":  s.metrics.Totals(),
		"dropped": s.metrics.Dropped(),
	})
}

func internalError(c echo.Context, msg string, err error) error {
	code := coreerrors.GetCodeFromError(err, coreerrors.ErrCodeStorageUnavailable)
	slog.Error(msg, "error", err, "error_code", code)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": msg, "code": string(code)})
}
