package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/luo-one/mailsync/internal/services"
)

// LogHandler serves the user's activity log
type LogHandler struct {
	logService *services.LogService
}

// NewLogHandler creates a LogHandler
func NewLogHandler(logService *services.LogService) *LogHandler {
	return &LogHandler{logService: logService}
}

func queryTime(c *gin.Context, name string) *time.Time {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// QueryLogs returns the current user's log entries newest first
// GET /api/logs?level=&module=&action=&start=&end=&page=&limit=
func (h *LogHandler) QueryLogs(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	result, err := h.logService.QueryLogs(services.LogQuery{
		UserID:    userID,
		Level:     c.Query("level"),
		Module:    c.Query("module"),
		Action:    c.Query("action"),
		StartTime: queryTime(c, "start"),
		EndTime:   queryTime(c, "end"),
		Page:      queryInt(c, "page"),
		Limit:     queryInt(c, "limit"),
	})
	if err != nil {
		respondServiceError(c, err, "Failed to query logs")
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"total": result.Total,
		"logs":  result.Logs,
	})
}
