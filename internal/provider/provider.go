// Package provider normalizes the supported mail backends behind one Adapter
// contract: Gmail and Microsoft Graph over OAuth, and plain IMAP/SMTP with a
// stored password.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/luo-one/mailsync/internal/database/models"
)

var (
	// ErrAuth means the credentials are unusable and the account must be reconnected
	ErrAuth = errors.New("provider authentication failed")
	// ErrTransient covers network failures, throttling and provider outages
	ErrTransient = errors.New("provider temporarily unavailable")
	// ErrParse means a single message could not be normalized
	ErrParse = errors.New("message parse failed")
	// ErrNotSupported is returned for operations a variant does not offer
	ErrNotSupported = errors.New("operation not supported by provider")
	// ErrUnknownProvider is returned for an account whose kind has no adapter
	ErrUnknownProvider = errors.New("unknown provider")
)

// Address is a mailbox with an optional display name
type Address struct {
	Name  string
	Email string
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%q <%s>", a.Name, a.Email)
}

// CanonicalMessage is the provider independent form every adapter parses into
type CanonicalMessage struct {
	ProviderMessageID string
	InternetMessageID string
	InReplyTo         string
	References        []string
	From              Address
	To                []Address
	Cc                []Address
	Bcc               []Address
	Subject           string
	BodyText          string
	BodyHTML          string
	Snippet           string
	Folder            string
	Labels            []string
	IsRead            bool
	IsStarred         bool
	SentAt            time.Time
	ReceivedAt        time.Time
}

// NativeMessage is a message as fetched, before parsing
type NativeMessage struct {
	ID       string
	Folder   string
	Flags    []string
	Received time.Time
	Raw      []byte
}

// Window bounds one listing call
type Window struct {
	Since  time.Time
	Cursor string
	Limit  int
}

// Batch is the result of one listing call, newest first
type Batch struct {
	Messages []NativeMessage
	Cursor   string
}

// Envelope is an outgoing message
type Envelope struct {
	MessageID  string
	From       Address
	To         []Address
	Cc         []Address
	Bcc        []Address
	Subject    string
	TextBody   string
	HTMLBody   string
	InReplyTo  string
	References []string
}

// Recipients returns every envelope recipient address
func (e *Envelope) Recipients() []string {
	var out []string
	for _, list := range [][]Address{e.To, e.Cc, e.Bcc} {
		for _, a := range list {
			out = append(out, a.Email)
		}
	}
	return out
}

// Credentials is the outcome of an OAuth exchange or refresh
type Credentials struct {
	Email        string
	DisplayName  string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Adapter is implemented once per provider variant
type Adapter interface {
	Kind() models.ProviderKind
	AuthURL(state string) (string, error)
	ExchangeCode(ctx context.Context, code string) (*Credentials, error)
	Refresh(ctx context.Context, account *models.EmailAccount) (*Credentials, error)
	ListMessages(ctx context.Context, account *models.EmailAccount, w Window) (*Batch, error)
	Send(ctx context.Context, account *models.EmailAccount, env *Envelope) (string, error)
	Parse(native NativeMessage) (*CanonicalMessage, error)
}

// Registry resolves the adapter serving an account
type Registry struct {
	adapters map[models.ProviderKind]Adapter
}

// NewRegistry creates a registry over the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.ProviderKind]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// ForKind returns the adapter for a provider kind, used before an account exists
func (r *Registry) ForKind(kind models.ProviderKind) (Adapter, error) {
	a, ok := r.adapters[models.ProviderKind(strings.ToLower(string(kind)))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
	return a, nil
}

// ForAccount selects and checks the adapter for a loaded account
func (r *Registry) ForAccount(account *models.EmailAccount) (Adapter, error) {
	switch account.Provider {
	case models.ProviderGmail, models.ProviderOutlook:
		if account.ConnectionMode != models.ConnectionOAuth2 {
			return nil, fmt.Errorf("%w: %s account %d is not an oauth2 connection", ErrAuth, account.Provider, account.ID)
		}
	case models.ProviderIMAP:
		if account.ConnectionMode != models.ConnectionPassword {
			return nil, fmt.Errorf("%w: imap account %d has no password connection", ErrAuth, account.ID)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, account.Provider)
	}
	return r.ForKind(account.Provider)
}
