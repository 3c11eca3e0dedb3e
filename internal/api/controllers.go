package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"quant-core/internal/strategy"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 500
)

// getAccount returns the caller's last published snapshot.
func (s *Server) getAccount(c *gin.Context) {
	snap, ok := s.deps.Accounts.Cached(CurrentUserID(c))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "NO_SNAPSHOT",
			"error": "no account snapshot published yet",
		})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// getStrategies lists the caller's running strategy runs.
func (s *Server) getStrategies(c *gin.Context) {
	userID := CurrentUserID(c)
	out := make([]strategy.Run, 0)
	for _, r := range s.deps.Runs.Running() {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

func (s *Server) getCloseRecords(c *gin.Context) {
	limit := defaultRecordLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_LIMIT",
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxRecordLimit)
	}

	records, err := s.deps.Records.ListCloseRecords(c.Request.Context(), CurrentUserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}
