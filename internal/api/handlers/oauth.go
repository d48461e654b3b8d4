package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/jobs"
	"github.com/luo-one/mailsync/internal/provider"
	"github.com/luo-one/mailsync/internal/services"
	"github.com/sirupsen/logrus"
)

// OAuthHandler runs the browser side of connecting Gmail and Outlook
type OAuthHandler struct {
	oauth      *services.OAuthService
	jobs       *jobs.Store
	successURL string
	errorURL   string
	log        *logrus.Entry
}

// NewOAuthHandler creates a new OAuthHandler
func NewOAuthHandler(oauthService *services.OAuthService, jobStore *jobs.Store, successURL, errorURL string, log *logrus.Entry) *OAuthHandler {
	return &OAuthHandler{
		oauth:      oauthService,
		jobs:       jobStore,
		successURL: successURL,
		errorURL:   errorURL,
		log:        log,
	}
}

// GetAuthURL returns the consent URL for the current user
// GET /api/oauth/:provider/auth
func (h *OAuthHandler) GetAuthURL(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	authURL, err := h.oauth.AuthURL(userID, models.ProviderKind(c.Param("provider")))
	if err != nil {
		respondServiceError(c, err, "Failed to build authorization URL")
		return
	}
	respondOK(c, http.StatusOK, gin.H{"auth_url": authURL})
}

// callbackErrorCode is the oauth_error value the frontend receives
func callbackErrorCode(err error) string {
	switch {
	case errors.Is(err, services.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, provider.ErrNotSupported):
		return "unsupported_provider"
	case errors.Is(err, provider.ErrAuth):
		return "exchange_failed"
	case errors.Is(err, services.ErrInvalidAccountData):
		return "profile_unavailable"
	default:
		return "server_error"
	}
}

func (h *OAuthHandler) redirectError(c *gin.Context, code string) {
	target := h.errorURL
	if u, err := url.Parse(h.errorURL); err == nil {
		q := u.Query()
		q.Set("oauth_error", code)
		u.RawQuery = q.Encode()
		target = u.String()
	}
	c.Redirect(http.StatusFound, target)
}

// Callback completes the flow and redirects the browser back to the CRM
// GET /api/oauth/:provider/callback?code=&state=
func (h *OAuthHandler) Callback(c *gin.Context) {
	kind := models.ProviderKind(c.Param("provider"))
	log := h.log.WithField("provider", kind)

	// the user declined consent at the provider
	if denied := c.Query("error"); denied != "" {
		log.WithField("error", denied).Info("OAuth consent declined")
		h.redirectError(c, "access_denied")
		return
	}

	account, err := h.oauth.Complete(c.Request.Context(), kind, c.Query("code"), c.Query("state"))
	if err != nil {
		log.WithError(err).Warn("OAuth callback failed")
		h.redirectError(c, callbackErrorCode(err))
		return
	}

	if _, _, err := h.jobs.EnqueueSyncAccount(c.Request.Context(), account.ID); err != nil {
		log.WithError(err).WithField("account_id", account.ID).Warn("Failed to enqueue initial sync")
	}

	log.WithFields(logrus.Fields{
		"account_id": account.ID,
		"user_id":    account.UserID,
	}).Info("OAuth account connected")
	c.Redirect(http.StatusFound, h.successURL)
}
