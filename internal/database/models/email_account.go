package models

import (
	"time"
)

// ProviderKind identifies which adapter serves an account
type ProviderKind string

const (
	ProviderGmail   ProviderKind = "gmail"
	ProviderOutlook ProviderKind = "outlook"
	ProviderIMAP    ProviderKind = "imap"
)

// ConnectionMode identifies how an account authenticates
type ConnectionMode string

const (
	ConnectionOAuth2   ConnectionMode = "oauth2"
	ConnectionPassword ConnectionMode = "password"
)

// EmailAccount represents a mailbox connected by a CRM user
type EmailAccount struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	UserID         uint           `gorm:"index;not null" json:"user_id"`
	Email          string         `gorm:"size:255;not null" json:"email"`
	DisplayName    string         `gorm:"size:100" json:"display_name"`
	Provider       ProviderKind   `gorm:"size:20;not null;index" json:"provider"`
	ConnectionMode ConnectionMode `gorm:"size:20;not null" json:"connection_mode"`

	// IMAP/SMTP settings, password mode only
	IMAPHost          string `gorm:"size:255" json:"imap_host,omitempty"`
	IMAPPort          int    `json:"imap_port,omitempty"`
	SMTPHost          string `gorm:"size:255" json:"smtp_host,omitempty"`
	SMTPPort          int    `json:"smtp_port,omitempty"`
	Username          string `gorm:"size:255" json:"username,omitempty"`
	UseSSL            bool   `json:"use_ssl"`
	PasswordEncrypted string `gorm:"size:500" json:"-"`

	// OAuth tokens, encrypted at rest
	OAuthAccessToken  string     `gorm:"column:oauth_access_token;type:text" json:"-"`
	OAuthRefreshToken string     `gorm:"column:oauth_refresh_token;type:text" json:"-"`
	OAuthTokenExpiry  *time.Time `gorm:"column:oauth_token_expiry" json:"oauth_token_expiry,omitempty"`

	SyncCursor  string     `gorm:"type:text" json:"-"`
	SyncEnabled bool       `gorm:"default:true;index" json:"sync_enabled"`
	IsDefault   bool       `gorm:"default:false" json:"is_default"`
	LastSyncAt  *time.Time `json:"last_sync_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsOAuth reports whether the account authenticates with OAuth tokens
func (a *EmailAccount) IsOAuth() bool {
	return a.ConnectionMode == ConnectionOAuth2
}
