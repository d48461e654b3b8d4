package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/provider"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

var (
	// ErrAccountNotFound indicates the email account was not found
	ErrAccountNotFound = errors.New("email account not found")
	// ErrAccountAlreadyExists indicates the email account already exists for this user
	ErrAccountAlreadyExists = errors.New("email account already exists for this user")
	// ErrInvalidAccountData indicates invalid account data
	ErrInvalidAccountData = errors.New("invalid account data")
	// ErrNoDefaultAccount means the user has no enabled default account to send from
	ErrNoDefaultAccount = errors.New("no default email account")
)

// AccountService is the credential store: it owns connected accounts and
// their encrypted secrets.
type AccountService struct {
	db         *gorm.DB
	enc        provider.Encryptor
	logService *LogService
}

// NewAccountService creates a new AccountService instance
func NewAccountService(db *gorm.DB, enc provider.Encryptor, logService *LogService) *AccountService {
	return &AccountService{
		db:         db,
		enc:        enc,
		logService: logService,
	}
}

// CreateAccountInput represents the input for connecting an IMAP/SMTP account
type CreateAccountInput struct {
	UserID      uint
	Email       string
	DisplayName string
	IMAPHost    string
	IMAPPort    int
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	UseSSL      bool
}

// CreateAccount creates a password mode account for a user. The user's first
// account becomes the default.
func (s *AccountService) CreateAccount(input CreateAccountInput) (*models.EmailAccount, error) {
	if input.Email == "" || input.IMAPHost == "" || input.SMTPHost == "" || input.Password == "" {
		return nil, ErrInvalidAccountData
	}
	if input.Username == "" {
		input.Username = input.Email
	}
	if input.IMAPPort == 0 {
		input.IMAPPort = 993
	}
	if input.SMTPPort == 0 {
		input.SMTPPort = 465
	}

	email := strings.ToLower(strings.TrimSpace(input.Email))

	var existing models.EmailAccount
	if err := s.db.Where("user_id = ? AND email = ?", input.UserID, email).First(&existing).Error; err == nil {
		return nil, ErrAccountAlreadyExists
	}

	encryptedPassword, err := s.enc.Encrypt(input.Password)
	if err != nil {
		return nil, err
	}

	account := &models.EmailAccount{
		UserID:            input.UserID,
		Email:             email,
		DisplayName:       input.DisplayName,
		Provider:          models.ProviderIMAP,
		ConnectionMode:    models.ConnectionPassword,
		IMAPHost:          input.IMAPHost,
		IMAPPort:          input.IMAPPort,
		SMTPHost:          input.SMTPHost,
		SMTPPort:          input.SMTPPort,
		Username:          input.Username,
		UseSSL:            input.UseSSL,
		PasswordEncrypted: encryptedPassword,
		SyncEnabled:       true,
	}

	if err := s.create(account); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *AccountService) create(account *models.EmailAccount) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var defaults int64
		if err := tx.Model(&models.EmailAccount{}).
			Where("user_id = ? AND is_default = ? AND sync_enabled = ?", account.UserID, true, true).
			Count(&defaults).Error; err != nil {
			return err
		}
		account.IsDefault = defaults == 0
		return tx.Create(account).Error
	})
	if err != nil {
		return err
	}
	if s.logService != nil {
		s.logService.LogAccountCreated(account)
	}
	return nil
}

// UpsertOAuthAccount stores the outcome of an OAuth callback. An existing
// account for the same user, provider and address gets fresh tokens and is
// re-enabled.
func (s *AccountService) UpsertOAuthAccount(userID uint, kind models.ProviderKind, creds *provider.Credentials) (*models.EmailAccount, error) {
	if creds == nil || creds.Email == "" || creds.AccessToken == "" {
		return nil, ErrInvalidAccountData
	}
	email := strings.ToLower(strings.TrimSpace(creds.Email))

	access, err := s.enc.Encrypt(creds.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.enc.Encrypt(creds.RefreshToken)
	if err != nil {
		return nil, err
	}
	var expiry *time.Time
	if !creds.Expiry.IsZero() {
		e := creds.Expiry
		expiry = &e
	}

	var existing models.EmailAccount
	err = s.db.Where("user_id = ? AND email = ? AND provider = ?", userID, email, kind).First(&existing).Error
	if err == nil {
		existing.ConnectionMode = models.ConnectionOAuth2
		existing.OAuthAccessToken = access
		// re-consent may omit the refresh token
		if refresh != "" {
			existing.OAuthRefreshToken = refresh
		}
		existing.OAuthTokenExpiry = expiry
		existing.SyncEnabled = true
		if creds.DisplayName != "" {
			existing.DisplayName = creds.DisplayName
		}
		if err := s.db.Save(&existing).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	account := &models.EmailAccount{
		UserID:            userID,
		Email:             email,
		DisplayName:       creds.DisplayName,
		Provider:          kind,
		ConnectionMode:    models.ConnectionOAuth2,
		OAuthAccessToken:  access,
		OAuthRefreshToken: refresh,
		OAuthTokenExpiry:  expiry,
		SyncEnabled:       true,
	}
	if err := s.create(account); err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccountByID retrieves an email account by ID
func (s *AccountService) GetAccountByID(id uint) (*models.EmailAccount, error) {
	var account models.EmailAccount
	if err := s.db.First(&account, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetAccountByIDAndUserID retrieves an account only if userID owns it
func (s *AccountService) GetAccountByIDAndUserID(id, userID uint) (*models.EmailAccount, error) {
	var account models.EmailAccount
	if err := s.db.Where("id = ? AND user_id = ?", id, userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetAccountsByUserID retrieves all email accounts for a user
func (s *AccountService) GetAccountsByUserID(userID uint) ([]models.EmailAccount, error) {
	var accounts []models.EmailAccount
	if err := s.db.Where("user_id = ?", userID).Order("id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// ListAccounts returns every account, for operator tooling
func (s *AccountService) ListAccounts() ([]models.EmailAccount, error) {
	var accounts []models.EmailAccount
	if err := s.db.Order("id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// ListSyncEnabled returns every account the scheduler should sync
func (s *AccountService) ListSyncEnabled() ([]models.EmailAccount, error) {
	var accounts []models.EmailAccount
	if err := s.db.Where("sync_enabled = ?", true).Order("id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// DefaultAccount returns the user's enabled default account
func (s *AccountService) DefaultAccount(userID uint) (*models.EmailAccount, error) {
	var account models.EmailAccount
	err := s.db.Where("user_id = ? AND is_default = ? AND sync_enabled = ?", userID, true, true).
		Order("id").First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoDefaultAccount
		}
		return nil, err
	}
	return &account, nil
}

// SetDefault makes id the user's only default account
func (s *AccountService) SetDefault(id, userID uint) (*models.EmailAccount, error) {
	account, err := s.GetAccountByIDAndUserID(id, userID)
	if err != nil {
		return nil, err
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.EmailAccount{}).
			Where("user_id = ? AND id <> ?", userID, id).
			Update("is_default", false).Error; err != nil {
			return err
		}
		return tx.Model(account).Updates(map[string]interface{}{
			"is_default":   true,
			"sync_enabled": true,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	account.IsDefault = true
	account.SyncEnabled = true
	return account, nil
}

// SetSyncEnabled toggles syncing. A disabled account loses its default flag.
func (s *AccountService) SetSyncEnabled(id, userID uint, enabled bool) (*models.EmailAccount, error) {
	account, err := s.GetAccountByIDAndUserID(id, userID)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{"sync_enabled": enabled}
	if !enabled && account.IsDefault {
		updates["is_default"] = false
		account.IsDefault = false
	}
	if err := s.db.Model(account).Updates(updates).Error; err != nil {
		return nil, err
	}
	account.SyncEnabled = enabled
	return account, nil
}

// DeleteAccount removes an account together with its messages and threads
func (s *AccountService) DeleteAccount(id, userID uint) error {
	account, err := s.GetAccountByIDAndUserID(id, userID)
	if err != nil {
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", id).Delete(&models.Thread{}).Error; err != nil {
			return err
		}
		return tx.Delete(account).Error
	})
	if err != nil {
		return err
	}

	if s.logService != nil {
		s.logService.LogAccountDeleted(userID, id, account.Email)
	}
	return nil
}

// UpdateSyncState records a finished pass
func (s *AccountService) UpdateSyncState(id uint, cursor string, syncedAt time.Time) error {
	return s.db.Model(&models.EmailAccount{}).Where("id = ?", id).Updates(map[string]interface{}{
		"sync_cursor":  cursor,
		"last_sync_at": syncedAt,
	}).Error
}

// Token returns the decrypted OAuth token of an account
func (s *AccountService) Token(_ context.Context, accountID uint) (*oauth2.Token, error) {
	account, err := s.GetAccountByID(accountID)
	if err != nil {
		return nil, err
	}
	if !account.IsOAuth() {
		return nil, provider.ErrAuth
	}

	access, err := s.enc.Decrypt(account.OAuthAccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.enc.Decrypt(account.OAuthRefreshToken)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
	}
	if account.OAuthTokenExpiry != nil {
		tok.Expiry = *account.OAuthTokenExpiry
	}
	return tok, nil
}

// SaveToken encrypts and stores a refreshed token
func (s *AccountService) SaveToken(_ context.Context, accountID uint, tok *oauth2.Token) error {
	updates := make(map[string]interface{})

	access, err := s.enc.Encrypt(tok.AccessToken)
	if err != nil {
		return err
	}
	updates["oauth_access_token"] = access

	if tok.RefreshToken != "" {
		refresh, err := s.enc.Encrypt(tok.RefreshToken)
		if err != nil {
			return err
		}
		updates["oauth_refresh_token"] = refresh
	}

	if !tok.Expiry.IsZero() {
		updates["oauth_token_expiry"] = tok.Expiry
	}

	res := s.db.Model(&models.EmailAccount{}).Where("id = ?", accountID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
