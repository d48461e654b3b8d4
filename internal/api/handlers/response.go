package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/luo-one/mailsync/internal/api/middleware"
	"github.com/luo-one/mailsync/internal/jobs"
	"github.com/luo-one/mailsync/internal/provider"
	"github.com/luo-one/mailsync/internal/services"
)

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

// respondServiceError maps domain errors onto the error envelope
func respondServiceError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrAccountNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "Email account not found")
	case errors.Is(err, services.ErrMessageNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "Message not found")
	case errors.Is(err, jobs.ErrJobNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "Job not found")
	case errors.Is(err, services.ErrAccountAlreadyExists):
		respondError(c, http.StatusConflict, "CONFLICT", "Email account already exists")
	case errors.Is(err, services.ErrNoDefaultAccount):
		respondError(c, http.StatusConflict, "NO_DEFAULT_ACCOUNT", "No default email account to send from")
	case errors.Is(err, services.ErrInvalidAccountData), errors.Is(err, services.ErrNoRecipients):
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, provider.ErrNotSupported):
		respondError(c, http.StatusBadRequest, "UNSUPPORTED_PROVIDER", err.Error())
	case errors.Is(err, provider.ErrAuth):
		respondError(c, http.StatusConflict, "REAUTH_REQUIRED", "The email account must be reconnected")
	case errors.Is(err, provider.ErrTransient):
		respondError(c, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", "The email provider is temporarily unavailable")
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", fallback)
	}
}

// requireUser writes a 401 and returns false when the request carries no user
func requireUser(c *gin.Context) (uint, bool) {
	userID, exists := middleware.GetUserIDFromContext(c)
	if !exists {
		respondError(c, http.StatusUnauthorized, "AUTH_FAILED", "User not authenticated")
		return 0, false
	}
	return userID, true
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid "+name)
		return 0, false
	}
	return uint(id), true
}

func queryUint(c *gin.Context, name string) uint {
	v, err := strconv.ParseUint(c.Query(name), 10, 32)
	if err != nil {
		return 0
	}
	return uint(v)
}

func queryInt(c *gin.Context, name string) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return v
}
