package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/luo-one/mailsync/internal/database/models"
)

// ErrInvalidState means an OAuth callback carried a forged, expired or
// mismatched state parameter
var ErrInvalidState = errors.New("invalid oauth state")

// OAuthStateClaims is the signed content of the OAuth state parameter
type OAuthStateClaims struct {
	UserID   uint   `json:"uid"`
	Provider string `json:"provider"`
	jwt.RegisteredClaims
}

// OAuthStateCodec signs and verifies OAuth state tokens
type OAuthStateCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewOAuthStateCodec creates a codec; ttl defaults to ten minutes
func NewOAuthStateCodec(secret string, ttl time.Duration) *OAuthStateCodec {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &OAuthStateCodec{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Encode returns the state for userID connecting kind
func (c *OAuthStateCodec) Encode(userID uint, kind models.ProviderKind) (string, error) {
	now := c.now()
	claims := &OAuthStateClaims{
		UserID:   userID,
		Provider: string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Decode verifies state and checks it was issued for kind
func (c *OAuthStateCodec) Decode(state string, kind models.ProviderKind) (*OAuthStateClaims, error) {
	token, err := jwt.ParseWithClaims(state, &OAuthStateClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidState
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now))
	if err != nil {
		return nil, ErrInvalidState
	}

	claims, ok := token.Claims.(*OAuthStateClaims)
	if !ok || !token.Valid || claims.UserID == 0 || claims.Provider != string(kind) {
		return nil, ErrInvalidState
	}
	return claims, nil
}
