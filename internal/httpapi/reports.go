package httpapi

import (
	"errors"
	"net/http"
	"time"

	"teletherapy-calls/internal/reporting"

	"github.com/gin-gonic/gin"
)

// OutcomeSummary reports how ring attempts ended.
// Query: from, to (RFC3339, default the last 24h), callee_id (optional).
// RBAC: admin.
func (h Handlers) OutcomeSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
	}

	out, err := h.Reports.OutcomeSummary(c.Request.Context(), reporting.OutcomeSummaryRequest{
		Range:    reporting.TimeRange{From: from, To: to},
		CalleeID: c.Query("callee_id"),
	})
	switch {
	case errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return
	case err != nil:
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "report unavailable"})
		return
	}
	c.JSON(http.StatusOK, out)
}
