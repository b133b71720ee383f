package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.engine.SymbolStatuses()})
}

func (s *Server) handleMarket(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	snap, ok := s.engine.MarketSnapshot(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":      snap.Symbol,
		"bid":         snap.Bid,
		"ask":         snap.Ask,
		"mark":        snap.Mark,
		"spread_bps":  snap.SpreadBps(),
		"funding_bps": snap.FundingBps(),
		"bar_time":    snap.BarTime,
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-500"})
			return
		}
		limit = n
	}

	trades, err := s.db.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		s.log.Error("recent trades query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleTradeSummary(c *gin.Context) {
	day := time.Now().UTC()
	if raw := c.Query("day"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "day must be YYYY-MM-DD"})
			return
		}
		day = parsed
	}

	summary, err := s.db.DailySummary(c.Request.Context(), day)
	if err != nil {
		s.log.Error("daily summary query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"day":     day.Format("2006-01-02"),
		"summary": summary,
	})
}
