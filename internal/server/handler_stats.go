package server

import (
	"net/http"
	"strconv"
	"time"

	"modelrouter/internal/core"
	"modelrouter/internal/metrics"

	"github.com/gin-gonic/gin"
)

// statsWindows are the reporting periods of /api/stats, in hours.
var statsWindows = []struct {
	key   string
	hours int
}{
	{"stats24h", 24},
	{"stats7d", 24 * 7},
	{"stats30d", 24 * 30},
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) getStatsData(c *gin.Context) {
	snapshot := s.metricsService.GetRequestStats()
	attempts, failedAttempts := s.metricsService.AttemptCounts()
	hits, misses := s.metricsService.CacheCounts()

	hours := make([]int, len(statsWindows))
	for i, w := range statsWindows {
		hours[i] = w.hours
	}
	periods := metrics.GetPeriodStats(snapshot.RequestHistory, hours...)

	body := gin.H{
		"currentTime":  time.Now().Format(core.TimeFormatDateTime),
		"currentQPS":   strconv.FormatFloat(s.metricsService.GetQPS(), 'f', 3, 64),
		"totalRecords": len(snapshot.RequestHistory),
		"modelUsage":   metrics.ModelUsage(snapshot.RequestHistory),
		"attempts":     gin.H{"total": attempts, "failed": failedAttempts},
		"cache":        gin.H{"hits": hits, "misses": misses},
		"catalogSize":  s.catalogSize(c),
	}
	for _, w := range statsWindows {
		body[w.key] = periods[w.hours]
	}
	c.JSON(http.StatusOK, body)
}

// catalogSize reports zero when the catalog cannot be listed.
func (s *Server) catalogSize(c *gin.Context) int {
	records, err := s.catalog.List(c.Request.Context())
	if err != nil {
		s.config.Logger.Warn("Failed to list catalog for stats: %v", err)
		return 0
	}
	return len(records)
}
