package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/jobs"
)

// JobHandler exposes the queue to operators
type JobHandler struct {
	store *jobs.Store
}

// NewJobHandler creates a JobHandler
func NewJobHandler(store *jobs.Store) *JobHandler {
	return &JobHandler{store: store}
}

// ListJobs returns recent jobs
// GET /api/jobs?status=&type=&limit=
func (h *JobHandler) ListJobs(c *gin.Context) {
	list, err := h.store.List(c.Request.Context(), jobs.Filter{
		Status: models.JobStatus(c.Query("status")),
		Type:   c.Query("type"),
		Limit:  queryInt(c, "limit"),
	})
	if err != nil {
		respondServiceError(c, err, "Failed to list jobs")
		return
	}
	respondOK(c, http.StatusOK, list)
}

// GetJob returns one job
// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	job, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve job")
		return
	}
	respondOK(c, http.StatusOK, job)
}

// Stats counts jobs per status
// GET /api/jobs/stats
func (h *JobHandler) Stats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		respondServiceError(c, err, "Failed to compute job stats")
		return
	}
	schedules, err := h.store.Schedules(c.Request.Context())
	if err != nil {
		respondServiceError(c, err, "Failed to list schedules")
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"counts":    stats,
		"schedules": schedules,
	})
}

// EnqueueSyncAll queues a fan-out over every enabled account
// POST /api/jobs/sync-all
func (h *JobHandler) EnqueueSyncAll(c *gin.Context) {
	job, created, err := h.store.EnqueueSyncAll(c.Request.Context())
	if err != nil {
		respondServiceError(c, err, "Failed to enqueue sync")
		return
	}
	respondOK(c, http.StatusAccepted, gin.H{
		"job":     job,
		"created": created,
	})
}
