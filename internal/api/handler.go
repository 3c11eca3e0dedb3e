// Package api serves read-only diagnostics over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quant-core/internal/gateway"
	"quant-core/internal/model"
	"quant-core/internal/strategy"
	"quant-core/pkg/db"
	"quant-core/pkg/logger"
)

// Accounts serves the last published snapshot without exchange I/O.
type Accounts interface {
	Cached(userID string) (model.AccountSnapshot, bool)
}

// Runs lists the strategy runs currently scheduled.
type Runs interface {
	Running() []strategy.Run
}

// CloseRecords lists a user's position close history.
type CloseRecords interface {
	ListCloseRecords(ctx context.Context, userID string, limit int) ([]db.CloseRecord, error)
}

// Pool reports adapter pool statistics.
type Pool interface {
	Stats() gateway.PoolStats
}

// Deps are the read sides exposed by the server. Pool may be nil.
type Deps struct {
	Accounts  Accounts
	Runs      Runs
	Records   CloseRecords
	Pool      Pool
	JWTSecret string
}

// Server wires HTTP endpoints around the running core.
type Server struct {
	Router *gin.Engine
	deps   Deps
	http   *http.Server
}

func NewServer(deps Deps) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware(newLimiterSet(20, 50, 5*time.Minute)))

	s := &Server{Router: r, deps: deps}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.Router.Group("/api/v1")
	v1.Use(AuthMiddleware(s.deps.JWTSecret))
	{
		v1.GET("/accounts/me", s.getAccount)
		v1.GET("/strategies", s.getStrategies)
		v1.GET("/close-records", s.getCloseRecords)
	}
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
	if s.deps.Pool != nil {
		body["adapters"] = s.deps.Pool.Stats()
	}
	c.JSON(http.StatusOK, body)
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Infof("diagnostics api listening on %s", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
