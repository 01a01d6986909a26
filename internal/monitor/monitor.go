// Package monitor exposes the worker's counters over HTTP so a saturated
// outbound channel or a run of protocol errors is visible from outside
// the process instead of silently absorbed.
package monitor

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/detok/internal/version"
	"github.com/samcharles93/detok/internal/worker"
)

// Server serves /healthz and /stats for one worker.
type Server struct {
	stats *worker.Stats
}

func NewServer(stats *worker.Stats) *Server {
	return &Server{stats: stats}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealthz)
	e.GET("/stats", s.handleStats)
}

func (s *Server) handleHealthz(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.String(),
	})
}

func (s *Server) handleStats(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.stats.Snapshot())
}

// Start runs the monitor endpoint until the context is canceled. It is
// read-only with respect to the worker; the loop never waits on it.
func Start(ctx context.Context, addr string, stats *worker.Stats) error {
	e := echo.New()
	NewServer(stats).Register(e)
	sc := echo.StartConfig{Address: addr}
	return sc.Start(ctx, e)
}
