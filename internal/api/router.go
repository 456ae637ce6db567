package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/filip-strelec/pokedex-terminal/internal/auth"
	"github.com/filip-strelec/pokedex-terminal/internal/metrics"
	"github.com/filip-strelec/pokedex-terminal/internal/session"
	"github.com/filip-strelec/pokedex-terminal/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Options configures the optional parts of the server.
type Options struct {
	// StaticDir holds the browser client; skipped if it does not exist.
	StaticDir string
	// AdminKey guards the /sessions endpoints.
	AdminKey string
	// ServeMetrics exposes /metrics on this server.
	ServeMetrics bool
}

// Server holds the API server dependencies.
type Server struct {
	echo    *echo.Echo
	manager *session.Manager
	journal store.Journal
}

// NewServer creates a new API server with all routes configured.
func NewServer(mgr *session.Manager, journal store.Journal, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		manager: mgr,
		journal: journal,
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.ServeMetrics {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}

	// Terminal clients
	e.GET("/terminal", s.terminalWebSocket)
	e.GET("/ws", s.terminalWebSocket)

	// Operator endpoints
	admin := e.Group("/sessions")
	admin.Use(auth.AdminKeyMiddleware(opts.AdminKey))
	admin.GET("", s.listSessions)
	admin.GET("/history", s.sessionHistory)
	admin.DELETE("/:id", s.killSession)

	if opts.StaticDir != "" {
		if info, err := os.Stat(opts.StaticDir); err == nil && info.IsDir() {
			e.Static("/", opts.StaticDir)
		} else {
			log.Printf("api: static dir %s not found, browser client disabled", opts.StaticDir)
		}
	}

	return s
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests. Upgraded terminal connections are
// ended by the session manager.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) listSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.manager.List())
}

func (s *Server) killSession(c echo.Context) error {
	id := c.Param("id")
	if err := s.manager.Kill(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": err.Error(),
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) sessionHistory(c echo.Context) error {
	if s.journal == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "session journal is not configured",
		})
	}

	limit := defaultHistoryLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "invalid limit: " + v,
			})
		}
		limit = min(n, maxHistoryLimit)
	}

	sessions, err := s.journal.RecentSessions(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	if sessions == nil {
		sessions = []store.SessionSummary{}
	}
	return c.JSON(http.StatusOK, sessions)
}
