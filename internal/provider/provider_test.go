package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/logging"
)

func TestRegistry_ForAccount(t *testing.T) {
	log := logging.Component(logging.Discard(), "test")
	tokens := testTokenManager(newMemoryStore())
	gmailAdapter := NewGmailAdapter(GmailConfig{}, tokens, log)
	imapAdapter := NewIMAPAdapter(nil, IMAPConfig{}, log)
	reg := NewRegistry(gmailAdapter, imapAdapter)

	a, err := reg.ForAccount(&models.EmailAccount{Provider: models.ProviderGmail, ConnectionMode: models.ConnectionOAuth2})
	require.NoError(t, err)
	assert.Same(t, gmailAdapter, a)

	a, err = reg.ForAccount(&models.EmailAccount{Provider: models.ProviderIMAP, ConnectionMode: models.ConnectionPassword})
	require.NoError(t, err)
	assert.Same(t, imapAdapter, a)

	_, err = reg.ForAccount(&models.EmailAccount{Provider: models.ProviderGmail, ConnectionMode: models.ConnectionPassword})
	assert.ErrorIs(t, err, ErrAuth)

	// registered kind list does not include outlook
	_, err = reg.ForAccount(&models.EmailAccount{Provider: models.ProviderOutlook, ConnectionMode: models.ConnectionOAuth2})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = reg.ForAccount(&models.EmailAccount{Provider: "yahoo"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	a, err = reg.ForKind("GMAIL")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderGmail, a.Kind())
}

func TestIMAPAdapter_OAuthOperationsNotSupported(t *testing.T) {
	a := NewIMAPAdapter(nil, IMAPConfig{}, logging.Component(logging.Discard(), "test"))
	_, err := a.AuthURL("state")
	assert.ErrorIs(t, err, ErrNotSupported)
	_, err = a.ExchangeCode(context.Background(), "code")
	assert.ErrorIs(t, err, ErrNotSupported)
	_, err = a.Refresh(context.Background(), &models.EmailAccount{})
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		code     int
		want     error
		isClient bool
	}{
		{401, ErrAuth, true},
		{403, ErrAuth, true},
		{429, ErrTransient, false},
		{503, ErrTransient, false},
		{0, ErrTransient, false},
	}
	for _, tc := range cases {
		err, isClient := classifyStatus(tc.code, assert.AnError)
		assert.ErrorIs(t, err, tc.want, "status %d", tc.code)
		assert.Equal(t, tc.isClient, isClient, "status %d", tc.code)
	}

	err, isClient := classifyStatus(404, assert.AnError)
	assert.Same(t, assert.AnError, err)
	assert.True(t, isClient)
}
