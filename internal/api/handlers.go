package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"cl-range-bot/internal/database"
	"cl-range-bot/internal/events"
	"cl-range-bot/internal/indicator"
)

func (s *Server) handleHealth(c *gin.Context) {
	status := gin.H{"status": "ok"}
	code := http.StatusOK

	if err := s.db.HealthCheck(c.Request.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		status["database"] = "ok"
	}
	if s.cache != nil {
		if s.cache.IsHealthy() {
			status["cache"] = "ok"
		} else {
			status["cache"] = "degraded"
		}
	}
	c.JSON(code, status)
}

func (s *Server) handleListStrategies(c *gin.Context) {
	strategies, err := s.db.ListStrategies(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": strategies})
}

func (s *Server) handleGetStrategy(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid strategy id"})
		return
	}
	strat, err := s.db.GetStrategyByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if strat == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "strategy not found"})
		return
	}
	c.JSON(http.StatusOK, strat)
}

// upsertStrategyRequest creates or updates a strategy together with its
// indicator set binding.
type upsertStrategyRequest struct {
	Name      string                  `json:"name" binding:"required"`
	Symbol    string                  `json:"symbol" binding:"required"`
	EMAFast   int                     `json:"ema_fast" binding:"required"`
	EMASlow   int                     `json:"ema_slow" binding:"required"`
	ATRWindow int                     `json:"atr_window" binding:"required"`
	Params    database.StrategyParams `json:"params"`
	Vault     database.VaultBinding   `json:"vault"`
}

func (s *Server) handleUpsertStrategy(c *gin.Context) {
	var req upsertStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.EMAFast >= req.EMASlow {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ema_fast must be below ema_slow"})
		return
	}

	ctx := c.Request.Context()
	set := database.IndicatorSet{
		Symbol:    req.Symbol,
		EMAFast:   req.EMAFast,
		EMASlow:   req.EMASlow,
		ATRWindow: req.ATRWindow,
		CfgHash:   indicator.CfgHash(req.Symbol, req.EMAFast, req.EMASlow, req.ATRWindow),
	}
	if err := s.db.UpsertActiveSet(ctx, &set); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	req.Params.Defaults()
	strat := database.Strategy{
		Name:           req.Name,
		Symbol:         req.Symbol,
		Status:         database.StrategyStatusActive,
		IndicatorSetID: set.ID,
		CfgHash:        set.CfgHash,
		Params:         req.Params,
		Vault:          req.Vault,
	}
	if err := s.db.UpsertStrategy(ctx, &strat); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if s.cache != nil {
		s.cache.InvalidateStrategies(ctx, strat.Symbol, strat.CfgHash)
	}
	s.logger.Info("strategy upserted",
		"strategy", strat.Name, "symbol", strat.Symbol, "cfg_hash", strat.CfgHash)
	c.JSON(http.StatusOK, strat)
}

func (s *Server) handleSetStatus(status string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid strategy id"})
			return
		}

		ctx := c.Request.Context()
		strat, err := s.db.GetStrategyByID(ctx, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if strat == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "strategy not found"})
			return
		}

		if err := s.db.SetStrategyStatus(ctx, id, status); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if s.cache != nil {
			s.cache.InvalidateStrategies(ctx, strat.Symbol, strat.CfgHash)
		}
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Type: events.EventStrategyToggled,
				Data: map[string]interface{}{
					"strategy_id": id, "name": strat.Name, "status": status,
				},
			})
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "status": status})
	}
}

func (s *Server) handleListEpisodes(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid strategy id"})
		return
	}
	limit := queryInt(c, "limit", 50)

	episodes, err := s.db.ListEpisodes(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"episodes": episodes})
}

func (s *Server) handleListSignals(c *gin.Context) {
	status := c.Query("status")
	limit := queryInt(c, "limit", 50)

	signals, err := s.db.ListSignals(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

func (s *Server) handleRecentEvents(c *gin.Context) {
	s.mu.Lock()
	out := make([]events.Event, len(s.recent))
	copy(out, s.recent)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v <= 0 {
		return fallback
	}
	if v > 500 {
		v = 500
	}
	return v
}
