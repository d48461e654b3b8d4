package services

import (
	"context"
	"fmt"

	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/provider"
)

// KindResolver picks the adapter for a provider before an account exists
type KindResolver interface {
	ForKind(kind models.ProviderKind) (provider.Adapter, error)
}

// OAuthService runs the connect flow for OAuth providers
type OAuthService struct {
	adapters   KindResolver
	accounts   *AccountService
	states     *OAuthStateCodec
	logService *LogService
}

// NewOAuthService creates an OAuthService
func NewOAuthService(adapters KindResolver, accounts *AccountService, states *OAuthStateCodec, logService *LogService) *OAuthService {
	return &OAuthService{
		adapters:   adapters,
		accounts:   accounts,
		states:     states,
		logService: logService,
	}
}

// AuthURL returns the consent URL for userID connecting kind
func (s *OAuthService) AuthURL(userID uint, kind models.ProviderKind) (string, error) {
	adapter, err := s.adapters.ForKind(kind)
	if err != nil {
		return "", err
	}
	state, err := s.states.Encode(userID, adapter.Kind())
	if err != nil {
		return "", err
	}
	return adapter.AuthURL(state)
}

// Complete verifies state, exchanges code and stores the account
func (s *OAuthService) Complete(ctx context.Context, kind models.ProviderKind, code, state string) (*models.EmailAccount, error) {
	adapter, err := s.adapters.ForKind(kind)
	if err != nil {
		return nil, err
	}
	claims, err := s.states.Decode(state, adapter.Kind())
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", provider.ErrAuth)
	}

	creds, err := adapter.ExchangeCode(ctx, code)
	if err != nil {
		if s.logService != nil {
			s.logService.LogWarn(claims.UserID, models.LogModuleOAuth, "exchange", "OAuth code exchange failed", map[string]interface{}{
				"provider": adapter.Kind(),
				"error":    err.Error(),
			})
		}
		return nil, err
	}

	account, err := s.accounts.UpsertOAuthAccount(claims.UserID, adapter.Kind(), creds)
	if err != nil {
		return nil, err
	}
	if s.logService != nil {
		s.logService.LogInfo(claims.UserID, models.LogModuleOAuth, "connect", "OAuth account connected", AccountChangeDetails{
			AccountID:    account.ID,
			AccountEmail: account.Email,
			Provider:     string(account.Provider),
		})
	}
	return account, nil
}
