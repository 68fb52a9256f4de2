package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/tentacle/internal/healthcheck"
)

// HealthReporter evaluates the runtime checks.
type HealthReporter interface {
	Report(ctx context.Context) healthcheck.Report
}

type PingHandler struct {
	logger *slog.Logger
	health HealthReporter
}

func NewPingHandler(log *slog.Logger, health HealthReporter) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{logger: log.With(slog.String("handler", "ping")), health: health}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.Health)
	e.GET("/health", h.Health)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Health returns the check report, with 503 when any check failed.
func (h *PingHandler) Health(c echo.Context) error {
	report := healthcheck.Report{Status: healthcheck.StatusOK, Checks: []healthcheck.CheckResult{}}
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()
		report = h.health.Report(ctx)
	}
	code := http.StatusOK
	if !report.Healthy() {
		h.logger.Warn("health check failed", slog.String("status", report.Status))
		code = http.StatusServiceUnavailable
	}
	if c.Request().Method == http.MethodHead {
		return c.NoContent(code)
	}
	return c.JSON(code, report)
}
