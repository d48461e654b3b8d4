package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// CredentialStore persists decrypted OAuth tokens for an account
type CredentialStore interface {
	Token(ctx context.Context, accountID uint) (*oauth2.Token, error)
	SaveToken(ctx context.Context, accountID uint, tok *oauth2.Token) error
}

// RefreshFunc trades a stored token for a fresh one
type RefreshFunc func(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error)

// expirySkew refreshes slightly early so a call never starts with a dying token
const expirySkew = time.Minute

// TokenManager hands out valid access tokens, refreshing at most once at a
// time per account.
type TokenManager struct {
	store CredentialStore
	group singleflight.Group
	log   *logrus.Entry
	now   func() time.Time
}

// NewTokenManager creates a TokenManager over store
func NewTokenManager(store CredentialStore, log *logrus.Entry) *TokenManager {
	return &TokenManager{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

func (m *TokenManager) expired(tok *oauth2.Token) bool {
	if tok.AccessToken == "" {
		return true
	}
	if tok.Expiry.IsZero() {
		return false
	}
	return !tok.Expiry.After(m.now().Add(expirySkew))
}

// Valid returns a usable token for accountID, refreshing and persisting it
// first when the stored one has expired.
func (m *TokenManager) Valid(ctx context.Context, accountID uint, refresh RefreshFunc) (*oauth2.Token, error) {
	v, err, _ := m.group.Do(strconv.FormatUint(uint64(accountID), 10), func() (interface{}, error) {
		// re-read inside the flight so a caller that waited sees the fresh token
		tok, err := m.store.Token(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if !m.expired(tok) {
			return tok, nil
		}
		return m.refresh(ctx, accountID, tok, refresh)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// Force refreshes regardless of the stored expiry
func (m *TokenManager) Force(ctx context.Context, accountID uint, refresh RefreshFunc) (*oauth2.Token, error) {
	v, err, _ := m.group.Do(strconv.FormatUint(uint64(accountID), 10), func() (interface{}, error) {
		tok, err := m.store.Token(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return m.refresh(ctx, accountID, tok, refresh)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (m *TokenManager) refresh(ctx context.Context, accountID uint, tok *oauth2.Token, refresh RefreshFunc) (*oauth2.Token, error) {
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: account %d has no refresh token", ErrAuth, accountID)
	}

	fresh, err := refresh(ctx, tok)
	if err != nil {
		m.log.WithError(err).WithField("account_id", accountID).Warn("token refresh failed")
		if errors.Is(err, ErrAuth) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: refresh: %v", ErrAuth, err)
	}
	// providers may omit the refresh token on rotation
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	if err := m.store.SaveToken(ctx, accountID, fresh); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	m.log.WithField("account_id", accountID).Debug("token refreshed")
	return fresh, nil
}

// refreshWith builds a RefreshFunc from an oauth2 client registration
func refreshWith(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
		// without an access token the source always refreshes
		return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	}
}

func credentialsFromToken(tok *oauth2.Token) *Credentials {
	return &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}
