package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/luo-one/mailsync/internal/config"
	"github.com/luo-one/mailsync/internal/database"
	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/logging"
	"github.com/luo-one/mailsync/internal/provider"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testKey = []byte("test-encryption-key-32-bytes!!!!")

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	return db
}

func testLog() *logrus.Entry {
	return logging.Component(logging.Discard(), "test")
}

func newTestAccounts(db *gorm.DB) *AccountService {
	return NewAccountService(db, NewAESEncryptor(testKey), NewLogService(db, testLog()))
}

func createIMAPAccount(t *testing.T, accounts *AccountService, userID uint, email string) *models.EmailAccount {
	t.Helper()
	account, err := accounts.CreateAccount(CreateAccountInput{
		UserID:      userID,
		Email:       email,
		DisplayName: "Test Account",
		IMAPHost:    "imap.test.com",
		SMTPHost:    "smtp.test.com",
		Password:    "testpassword",
		UseSSL:      true,
	})
	require.NoError(t, err)
	return account
}

// fakeAdapter serves canned batches. Raw is the JSON of a CanonicalMessage,
// or "bad" to force a parse error.
type fakeAdapter struct {
	kind models.ProviderKind

	mu       sync.Mutex
	batch    *provider.Batch
	listErr  error
	windows  []provider.Window
	block    chan struct{}
	sent     []*provider.Envelope
	sendID   string
	sendErr  error
	exchange *provider.Credentials
}

func (f *fakeAdapter) Kind() models.ProviderKind { return f.kind }

func (f *fakeAdapter) AuthURL(state string) (string, error) {
	return "https://auth.example.com/?state=" + state, nil
}

func (f *fakeAdapter) ExchangeCode(_ context.Context, code string) (*provider.Credentials, error) {
	if code == "bad" {
		return nil, provider.ErrAuth
	}
	return f.exchange, nil
}

func (f *fakeAdapter) Refresh(context.Context, *models.EmailAccount) (*provider.Credentials, error) {
	return nil, provider.ErrNotSupported
}

func (f *fakeAdapter) ListMessages(_ context.Context, _ *models.EmailAccount, w provider.Window) (*provider.Batch, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, w)
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.batch == nil {
		return &provider.Batch{}, nil
	}
	return f.batch, nil
}

func (f *fakeAdapter) Send(_ context.Context, _ *models.EmailAccount, env *provider.Envelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, env)
	if f.sendID != "" {
		return f.sendID, nil
	}
	return env.MessageID, nil
}

func (f *fakeAdapter) Parse(native provider.NativeMessage) (*provider.CanonicalMessage, error) {
	if string(native.Raw) == "bad" {
		return nil, provider.ErrParse
	}
	var c provider.CanonicalMessage
	if err := json.Unmarshal(native.Raw, &c); err != nil {
		return nil, errors.Join(provider.ErrParse, err)
	}
	return &c, nil
}

func native(t *testing.T, c provider.CanonicalMessage) provider.NativeMessage {
	t.Helper()
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	return provider.NativeMessage{ID: c.ProviderMessageID, Raw: raw}
}

func canonical(id, from, subject string, at time.Time, to ...string) provider.CanonicalMessage {
	c := provider.CanonicalMessage{
		ProviderMessageID: id,
		InternetMessageID: id,
		From:              provider.Address{Email: from},
		Subject:           subject,
		BodyText:          "body of " + id,
		Folder:            models.FolderInbox,
		SentAt:            at,
		ReceivedAt:        at,
	}
	for _, a := range to {
		c.To = append(c.To, provider.Address{Email: a})
	}
	return c
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ uint, message, category string, _ uint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, category+": "+message)
}
