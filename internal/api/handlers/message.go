package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/luo-one/mailsync/internal/services"
)

// MessageHandler serves the canonical store and outbound mail
type MessageHandler struct {
	messages *services.MessageService
	outbound *services.OutboundService
	linker   *services.EntityLinker
	tracking *services.TrackingService
}

// NewMessageHandler creates a MessageHandler
func NewMessageHandler(messages *services.MessageService, outbound *services.OutboundService,
	linker *services.EntityLinker, tracking *services.TrackingService) *MessageHandler {
	return &MessageHandler{
		messages: messages,
		outbound: outbound,
		linker:   linker,
		tracking: tracking,
	}
}

// ListMessages returns stored messages newest first
// GET /api/messages?account_id=&folder=&thread_id=&person_id=&lead_id=&unlinked=&page=&limit=
func (h *MessageHandler) ListMessages(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	list, err := h.messages.List(c.Request.Context(), userID, services.MessageQuery{
		AccountID: queryUint(c, "account_id"),
		Folder:    c.Query("folder"),
		ThreadID:  queryUint(c, "thread_id"),
		PersonID:  queryUint(c, "person_id"),
		LeadID:    queryUint(c, "lead_id"),
		Unlinked:  c.Query("unlinked") == "true" || c.Query("unlinked") == "1",
		Page:      queryInt(c, "page"),
		Limit:     queryInt(c, "limit"),
	})
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve messages")
		return
	}
	respondOK(c, http.StatusOK, list)
}

// GetMessage returns one message
// GET /api/messages/:id
func (h *MessageHandler) GetMessage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	msg, err := h.messages.Get(c.Request.Context(), userID, id)
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve message")
		return
	}
	respondOK(c, http.StatusOK, msg)
}

// SendMessage sends through the account's provider
// POST /api/messages/send
func (h *MessageHandler) SendMessage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req services.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return
	}

	result, err := h.outbound.Send(c.Request.Context(), userID, req)
	if err != nil {
		respondServiceError(c, err, "Failed to send email")
		return
	}
	respondOK(c, http.StatusCreated, result)
}

// LinkMessage sets CRM links by hand
// POST /api/messages/:id/link
func (h *MessageHandler) LinkMessage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var input services.LinkInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return
	}

	msg, err := h.linker.SetLinks(c.Request.Context(), userID, id, input)
	if err != nil {
		respondServiceError(c, err, "Failed to link message")
		return
	}
	respondOK(c, http.StatusOK, msg)
}

// TrackingStats returns open and click counts of a sent message
// GET /api/messages/:id/tracking
func (h *MessageHandler) TrackingStats(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	msg, err := h.messages.Get(c.Request.Context(), userID, id)
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve message")
		return
	}
	if msg.TrackingID == "" {
		respondError(c, http.StatusNotFound, "NOT_TRACKED", "Message was sent without tracking")
		return
	}

	stats, err := h.tracking.Stats(c.Request.Context(), msg.TrackingID)
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve tracking stats")
		return
	}
	respondOK(c, http.StatusOK, stats)
}
