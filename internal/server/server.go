// Package server exposes the service's HTTP surface: auction and rebalancer
// operations, queries, health, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orbit-cex/treasury/internal/auction"
	"github.com/orbit-cex/treasury/internal/oracle"
	"github.com/orbit-cex/treasury/internal/rebalance"
	"github.com/orbit-cex/treasury/internal/system"
)

// ChainInfo supplies the current block height and time for auction calls.
type ChainInfo interface {
	Now() (height int64, at time.Time)
}

// Server wires the engines behind HTTP handlers.
type Server struct {
	auctions   *auction.Engine
	rebalancer *rebalance.Engine
	cycle      *system.Runner
	prices     *oracle.Static
	chain      ChainInfo
	logger     *zap.Logger
	adminToken string
	router     *gin.Engine
	http       *http.Server
}

// New builds the server and its routes.
func New(addr, adminToken string, auctions *auction.Engine, rebalancer *rebalance.Engine, cycle *system.Runner, prices *oracle.Static, chain ChainInfo, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	s := &Server{
		auctions:   auctions,
		rebalancer: rebalancer,
		cycle:      cycle,
		prices:     prices,
		chain:      chain,
		logger:     logger,
		adminToken: adminToken,
		router:     router,
		http:       &http.Server{Addr: addr, Handler: router},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")
	{
		v1.GET("/auctions/:sell/:buy", s.handleGetAuction)
		v1.GET("/auctions/:sell/:buy/price", s.handleGetPrice)
		v1.GET("/auctions/:sell/:buy/history", s.handleGetHistory)
		v1.GET("/auctions/:sell/:buy/deposits", s.handleGetDeposits)
		v1.POST("/auctions/:sell/:buy/deposits", s.handleDeposit)
		v1.POST("/auctions/:sell/:buy/bids", s.handleBid)

		v1.GET("/rebalancer/:account", s.handleGetRebalancer)
		v1.PUT("/rebalancer/:account", s.handleSetRebalancer)
		v1.POST("/rebalancer/:account/pause", s.handlePauseAccount)
		v1.POST("/rebalancer/:account/resume", s.handleResumeAccount)

		v1.GET("/cycle", s.handleCycleStatus)
	}

	admin := s.router.Group("/v1/admin", s.requireAdmin)
	{
		admin.POST("/auctions", s.handleCreateAuction)
		admin.POST("/auctions/:sell/:buy/open", s.handleOpen)
		admin.POST("/auctions/:sell/:buy/settle", s.handleSettle)
		admin.POST("/auctions/:sell/:buy/cleanup", s.handleCleanup)
		admin.POST("/auctions/:sell/:buy/pause", s.handlePauseAuction)
		admin.PUT("/auctions/:sell/:buy/strategy", s.handleSetStrategy)
		admin.PUT("/auctions/:sell/:buy/freshness", s.handleSetFreshness)
		admin.PUT("/auctions/:sell/:buy/min-amount", s.handleSetMinAmount)
		admin.POST("/prices", s.handleSetPrice)
		admin.POST("/cycle/run", s.handleRunCycle)
	}
}

// requireAdmin gates the administrative routes on the bearer token.
func (s *Server) requireAdmin(c *gin.Context) {
	if c.GetHeader("Authorization") != "Bearer "+s.adminToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
		return
	}
	c.Next()
}

// Start serves until the listener fails.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// fail maps engine errors onto HTTP statuses by taxonomy class.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auction.ErrUnauthorized) || errors.Is(err, rebalance.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, auction.ErrNotFound) || errors.Is(err, rebalance.ErrNotFound) ||
		errors.Is(err, oracle.ErrPriceNotFound) || errors.Is(err, rebalance.ErrNotPaused):
		status = http.StatusNotFound
	case errors.Is(err, auction.ErrInvalidState) || errors.Is(err, auction.ErrPaused) ||
		errors.Is(err, rebalance.ErrAlreadyPaused) || errors.Is(err, rebalance.ErrOverride) ||
		errors.Is(err, system.ErrNotDue):
		status = http.StatusConflict
	case errors.Is(err, auction.ErrInvalidPair) || errors.Is(err, auction.ErrInvalidStrategy) ||
		errors.Is(err, auction.ErrBidTooSmall) || errors.Is(err, auction.ErrBidOutOfWindow) ||
		errors.Is(err, auction.ErrStalePrice) || errors.Is(err, auction.ErrNoFunds) ||
		errors.Is(err, oracle.ErrZeroPrice) || errors.Is(err, rebalance.ErrInvalidConfig) ||
		errors.Is(err, rebalance.ErrMissingPrice):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
