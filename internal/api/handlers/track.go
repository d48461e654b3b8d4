package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/luo-one/mailsync/internal/services"
	"github.com/luo-one/mailsync/internal/tracking"
	"github.com/sirupsen/logrus"
)

// TrackHandler serves the public pixel and click endpoints. Neither ever
// shows an error to the recipient.
type TrackHandler struct {
	tracking *services.TrackingService
	log      *logrus.Entry
}

// NewTrackHandler creates a TrackHandler
func NewTrackHandler(trackingService *services.TrackingService, log *logrus.Entry) *TrackHandler {
	return &TrackHandler{tracking: trackingService, log: log}
}

func requestMeta(c *gin.Context) services.RequestMeta {
	return services.RequestMeta{
		RemoteIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// Open records an open and answers the 1x1 GIF
// GET /track/open/:id
func (h *TrackHandler) Open(c *gin.Context) {
	if err := h.tracking.RecordOpen(c.Request.Context(), c.Param("id"), requestMeta(c)); err != nil {
		h.log.WithError(err).Debug("Open not recorded")
	}
	c.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	c.Header("Pragma", "no-cache")
	c.Data(http.StatusOK, "image/gif", tracking.PixelGIF)
}

// Click records a click and redirects to the destination
// GET /track/click/:token?url=&sig=
func (h *TrackHandler) Click(c *gin.Context) {
	target, err := h.tracking.RecordClick(c.Request.Context(), c.Param("token"), c.Query("url"), c.Query("sig"), requestMeta(c))
	if err != nil {
		h.log.WithError(err).Debug("Click not recorded")
	}
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, target)
}
