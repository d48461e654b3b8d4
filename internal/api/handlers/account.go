package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/jobs"
	"github.com/luo-one/mailsync/internal/services"
	"github.com/sirupsen/logrus"
)

// AccountHandler handles email account related requests
type AccountHandler struct {
	accountService *services.AccountService
	jobs           *jobs.Store
	log            *logrus.Entry
}

// NewAccountHandler creates a new AccountHandler instance
func NewAccountHandler(accountService *services.AccountService, jobStore *jobs.Store, log *logrus.Entry) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		jobs:           jobStore,
		log:            log,
	}
}

// CreateAccountRequest connects an IMAP/SMTP mailbox
type CreateAccountRequest struct {
	Email       string `json:"email" binding:"required,email"`
	DisplayName string `json:"display_name"`
	IMAPHost    string `json:"imap_host" binding:"required"`
	IMAPPort    int    `json:"imap_port"`
	SMTPHost    string `json:"smtp_host" binding:"required"`
	SMTPPort    int    `json:"smtp_port"`
	Username    string `json:"username"`
	Password    string `json:"password" binding:"required"`
	UseSSL      *bool  `json:"use_ssl"`
}

// SyncToggleRequest enables or disables syncing
type SyncToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// AccountResponse represents the response for an email account
type AccountResponse struct {
	ID             uint   `json:"id"`
	Email          string `json:"email"`
	DisplayName    string `json:"display_name"`
	Provider       string `json:"provider"`
	ConnectionMode string `json:"connection_mode"`
	IMAPHost       string `json:"imap_host,omitempty"`
	IMAPPort       int    `json:"imap_port,omitempty"`
	SMTPHost       string `json:"smtp_host,omitempty"`
	SMTPPort       int    `json:"smtp_port,omitempty"`
	SyncEnabled    bool   `json:"sync_enabled"`
	IsDefault      bool   `json:"is_default"`
	LastSyncAt     *int64 `json:"last_sync_at"`
	CreatedAt      int64  `json:"created_at"`
}

func toAccountResponse(account *models.EmailAccount) AccountResponse {
	resp := AccountResponse{
		ID:             account.ID,
		Email:          account.Email,
		DisplayName:    account.DisplayName,
		Provider:       string(account.Provider),
		ConnectionMode: string(account.ConnectionMode),
		IMAPHost:       account.IMAPHost,
		IMAPPort:       account.IMAPPort,
		SMTPHost:       account.SMTPHost,
		SMTPPort:       account.SMTPPort,
		SyncEnabled:    account.SyncEnabled,
		IsDefault:      account.IsDefault,
		CreatedAt:      account.CreatedAt.Unix(),
	}
	if account.LastSyncAt != nil {
		ts := account.LastSyncAt.Unix()
		resp.LastSyncAt = &ts
	}
	return resp
}

// ListAccounts returns all email accounts for the current user
// GET /api/accounts
func (h *AccountHandler) ListAccounts(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	accounts, err := h.accountService.GetAccountsByUserID(userID)
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve accounts")
		return
	}

	response := make([]AccountResponse, 0, len(accounts))
	for i := range accounts {
		response = append(response, toAccountResponse(&accounts[i]))
	}
	respondOK(c, http.StatusOK, response)
}

// CreateAccount connects a password mode account
// POST /api/accounts
func (h *AccountHandler) CreateAccount(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return
	}

	useSSL := true
	if req.UseSSL != nil {
		useSSL = *req.UseSSL
	}
	account, err := h.accountService.CreateAccount(services.CreateAccountInput{
		UserID:      userID,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		IMAPHost:    req.IMAPHost,
		IMAPPort:    req.IMAPPort,
		SMTPHost:    req.SMTPHost,
		SMTPPort:    req.SMTPPort,
		Username:    req.Username,
		Password:    req.Password,
		UseSSL:      useSSL,
	})
	if err != nil {
		respondServiceError(c, err, "Failed to create account")
		return
	}

	// first pass right away; a failure here is picked up by the periodic sync
	if _, _, err := h.jobs.EnqueueSyncAccount(c.Request.Context(), account.ID); err != nil {
		h.log.WithError(err).WithField("account_id", account.ID).Warn("Failed to enqueue initial sync")
	}

	respondOK(c, http.StatusCreated, toAccountResponse(account))
}

// DeleteAccount removes an account with its stored mail
// DELETE /api/accounts/:id
func (h *AccountHandler) DeleteAccount(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.accountService.DeleteAccount(id, userID); err != nil {
		respondServiceError(c, err, "Failed to delete account")
		return
	}
	respondOK(c, http.StatusOK, gin.H{"id": id})
}

// SetDefault makes the account the user's sending default
// PUT /api/accounts/:id/default
func (h *AccountHandler) SetDefault(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	account, err := h.accountService.SetDefault(id, userID)
	if err != nil {
		respondServiceError(c, err, "Failed to set default account")
		return
	}
	respondOK(c, http.StatusOK, toAccountResponse(account))
}

// SetSyncEnabled toggles syncing
// PUT /api/accounts/:id/sync
func (h *AccountHandler) SetSyncEnabled(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req SyncToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "enabled is required")
		return
	}

	account, err := h.accountService.SetSyncEnabled(id, userID, *req.Enabled)
	if err != nil {
		respondServiceError(c, err, "Failed to update account")
		return
	}
	respondOK(c, http.StatusOK, toAccountResponse(account))
}

// TriggerSync queues a pass for the account
// POST /api/accounts/:id/sync
func (h *AccountHandler) TriggerSync(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	account, err := h.accountService.GetAccountByIDAndUserID(id, userID)
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve account")
		return
	}
	if !account.SyncEnabled {
		respondError(c, http.StatusConflict, "SYNC_DISABLED", "Sync is disabled for this account")
		return
	}

	job, created, err := h.jobs.EnqueueSyncAccount(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err, "Failed to enqueue sync")
		return
	}
	respondOK(c, http.StatusAccepted, gin.H{
		"job":     job,
		"created": created,
	})
}
