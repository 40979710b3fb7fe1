// Package api exposes a small read-only HTTP surface for local inspection
// of a runner: health, live sessions, and pending approvals.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/runner/permission"
	"github.com/coderelay/coderelay/internal/runner/plugin"
)

// Server serves the local observability API.
type Server struct {
	runnerID string
	manager  *plugin.Manager
	registry *permission.Registry
	logger   *logger.Logger
	srv      *http.Server
}

// NewServer builds the server and its routes.
func NewServer(runnerID, host string, port int, mgr *plugin.Manager, reg *permission.Registry, log *logger.Logger) *Server {
	s := &Server{
		runnerID: runnerID,
		manager:  mgr,
		registry: reg,
		logger:   log.WithFields(zap.String("component", "api")),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	v1 := router.Group("/api/v1")
	{
		v1.GET("/sessions", s.handleSessions)
		v1.GET("/approvals/pending", s.handlePendingApprovals)
	}

	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: router,
	}
	return s
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"runnerId": s.runnerID,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.manager.Sessions()})
}

func (s *Server) handlePendingApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.registry.Pending()})
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
