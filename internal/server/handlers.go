package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/orbit-cex/treasury/internal/auction"
	"github.com/orbit-cex/treasury/internal/rebalance"
)

func pairParam(c *gin.Context) auction.Pair {
	return auction.Pair{Sell: c.Param("sell"), Buy: c.Param("buy")}
}

type createAuctionRequest struct {
	Caller string         `json:"caller" binding:"required"`
	Config auction.Config `json:"config" binding:"required"`
}

func (s *Server) handleCreateAuction(c *gin.Context) {
	var req createAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.auctions.CreateAuction(c.Request.Context(), req.Caller, req.Config); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pair": req.Config.Pair.String()})
}

type openRequest struct {
	Caller     string `json:"caller" binding:"required"`
	StartBlock int64  `json:"start_block"`
	EndBlock   int64  `json:"end_block" binding:"required"`
}

func (s *Server) handleOpen(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	height, now := s.chain.Now()
	if err := s.auctions.Open(c.Request.Context(), req.Caller, pairParam(c), req.StartBlock, req.EndBlock, height, now); err != nil {
		s.fail(c, err)
		return
	}
	active, err := s.auctions.GetActive(c.Request.Context(), pairParam(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, active)
}

type depositRequest struct {
	Provider string          `json:"provider" binding:"required"`
	Amount   decimal.Decimal `json:"amount" binding:"required"`
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.auctions.Deposit(c.Request.Context(), pairParam(c), req.Provider, req.Amount); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deposited"})
}

type bidRequest struct {
	Bidder string          `json:"bidder" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

func (s *Server) handleBid(c *gin.Context) {
	var req bidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	height, now := s.chain.Now()
	res, err := s.auctions.Bid(c.Request.Context(), pairParam(c), req.Bidder, req.Amount, height, now)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type settleRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) handleSettle(c *gin.Context) {
	var req settleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	height, now := s.chain.Now()
	res, err := s.auctions.Settle(c.Request.Context(), pairParam(c), req.Limit, height, now)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCleanup(c *gin.Context) {
	if err := s.auctions.Cleanup(c.Request.Context(), pairParam(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleaned"})
}

type pauseAuctionRequest struct {
	Caller string `json:"caller" binding:"required"`
	Paused *bool  `json:"paused" binding:"required"`
}

func (s *Server) handlePauseAuction(c *gin.Context) {
	var req pauseAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.auctions.Pause(c.Request.Context(), req.Caller, pairParam(c), *req.Paused); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": *req.Paused})
}

type setStrategyRequest struct {
	Caller   string           `json:"caller" binding:"required"`
	Strategy auction.Strategy `json:"strategy" binding:"required"`
}

func (s *Server) handleSetStrategy(c *gin.Context) {
	var req setStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.auctions.SetStrategy(c.Request.Context(), req.Caller, pairParam(c), req.Strategy); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type setFreshnessRequest struct {
	Caller    string                    `json:"caller" binding:"required"`
	Freshness auction.FreshnessStrategy `json:"freshness" binding:"required"`
}

func (s *Server) handleSetFreshness(c *gin.Context) {
	var req setFreshnessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.auctions.SetFreshness(c.Request.Context(), req.Caller, pairParam(c), req.Freshness); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type setMinAmountRequest struct {
	Caller string          `json:"caller" binding:"required"`
	Min    decimal.Decimal `json:"min" binding:"required"`
}

func (s *Server) handleSetMinAmount(c *gin.Context) {
	var req setMinAmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.auctions.SetMinAmount(c.Request.Context(), req.Caller, pairParam(c), req.Min); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) handleGetAuction(c *gin.Context) {
	active, err := s.auctions.GetActive(c.Request.Context(), pairParam(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, active)
}

func (s *Server) handleGetPrice(c *gin.Context) {
	active, err := s.auctions.GetActive(c.Request.Context(), pairParam(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	height, _ := s.chain.Now()
	c.JSON(http.StatusOK, gin.H{
		"height": height,
		"price":  auction.PriceAt(&active, height),
	})
}

func (s *Server) handleGetHistory(c *gin.Context) {
	samples, err := s.auctions.PriceHistory(c.Request.Context(), pairParam(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, samples)
}

func (s *Server) handleGetDeposits(c *gin.Context) {
	deposits, err := s.auctions.Deposits(c.Request.Context(), pairParam(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deposits)
}

type setRebalancerRequest struct {
	Caller string           `json:"caller" binding:"required"`
	Config rebalance.Config `json:"config" binding:"required"`
}

func (s *Server) handleSetRebalancer(c *gin.Context) {
	var req setRebalancerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Config.Account = c.Param("account")
	if err := s.rebalancer.SetConfig(c.Request.Context(), req.Caller, req.Config); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": req.Config.Account})
}

func (s *Server) handleGetRebalancer(c *gin.Context) {
	account := c.Param("account")
	cfg, err := s.rebalancer.GetConfig(c.Request.Context(), account)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"config": cfg})
		return
	}
	// Fall back to the paused registry before reporting not found.
	if paused, perr := s.rebalancer.GetPaused(c.Request.Context(), account); perr == nil {
		c.JSON(http.StatusOK, gin.H{"paused": paused})
		return
	}
	s.fail(c, err)
}

type pauseAccountRequest struct {
	Caller string `json:"caller" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) handlePauseAccount(c *gin.Context) {
	var req pauseAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.rebalancer.Pause(c.Request.Context(), req.Caller, c.Param("account"), req.Reason); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

type resumeAccountRequest struct {
	Caller string `json:"caller" binding:"required"`
}

func (s *Server) handleResumeAccount(c *gin.Context) {
	var req resumeAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.rebalancer.Resume(c.Request.Context(), req.Caller, c.Param("account")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (s *Server) handleCycleStatus(c *gin.Context) {
	st, err := s.cycle.Status(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type runCycleRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) handleRunCycle(c *gin.Context) {
	var req runCycleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	_, now := s.chain.Now()
	res, err := s.cycle.Run(c.Request.Context(), req.Limit, now)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type setPriceRequest struct {
	Sell  string          `json:"sell" binding:"required"`
	Buy   string          `json:"buy" binding:"required"`
	Price decimal.Decimal `json:"price" binding:"required"`
	AsOf  *time.Time      `json:"as_of"`
}

// handleSetPrice feeds the static price source. The oracle's own source
// selection lives outside the service.
func (s *Server) handleSetPrice(c *gin.Context) {
	var req setPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	asOf := time.Now()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}
	s.prices.SetPrice(req.Sell, req.Buy, req.Price, asOf)
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}
