package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GmailConfig holds the Google OAuth client registration
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// GmailAdapter serves provider kind gmail over the Gmail REST API
type GmailAdapter struct {
	config *oauth2.Config
	tokens *TokenManager
	cb     *gobreaker.CircuitBreaker
	log    *logrus.Entry
	now    func() time.Time

	// serviceOptions builds the client options for one call; tests point it at httptest
	serviceOptions func(ctx context.Context, tok *oauth2.Token) []option.ClientOption
}

// NewGmailAdapter creates a new Gmail adapter
func NewGmailAdapter(cfg GmailConfig, tokens *TokenManager, log *logrus.Entry) *GmailAdapter {
	a := &GmailAdapter{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				gmail.GmailReadonlyScope,
				gmail.GmailSendScope,
				"openid",
				"email",
			},
			Endpoint: google.Endpoint,
		},
		tokens: tokens,
		cb:     newBreaker("gmail-api", log),
		log:    log,
		now:    time.Now,
	}
	a.serviceOptions = func(ctx context.Context, tok *oauth2.Token) []option.ClientOption {
		return []option.ClientOption{option.WithTokenSource(a.config.TokenSource(ctx, tok))}
	}
	return a
}

func (a *GmailAdapter) Kind() models.ProviderKind { return models.ProviderGmail }

func (a *GmailAdapter) AuthURL(state string) (string, error) {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// ExchangeCode trades an authorization code for tokens and the mailbox address
func (a *GmailAdapter) ExchangeCode(ctx context.Context, code string) (*Credentials, error) {
	tok, err := a.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange code: %v", ErrAuth, err)
	}

	svc, err := gmail.NewService(ctx, a.serviceOptions(ctx, tok)...)
	if err != nil {
		return nil, err
	}
	var profile *gmail.Profile
	err = a.call(func() error {
		var err error
		profile, err = svc.Users.GetProfile("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	creds := credentialsFromToken(tok)
	creds.Email = strings.ToLower(profile.EmailAddress)
	return creds, nil
}

// Refresh forces a token refresh for account and persists it
func (a *GmailAdapter) Refresh(ctx context.Context, account *models.EmailAccount) (*Credentials, error) {
	tok, err := a.tokens.Force(ctx, account.ID, refreshWith(a.config))
	if err != nil {
		return nil, err
	}
	return credentialsFromToken(tok), nil
}

func (a *GmailAdapter) service(ctx context.Context, account *models.EmailAccount) (*gmail.Service, error) {
	tok, err := a.tokens.Valid(ctx, account.ID, refreshWith(a.config))
	if err != nil {
		return nil, err
	}
	return gmail.NewService(ctx, a.serviceOptions(ctx, tok)...)
}

func (a *GmailAdapter) call(fn func() error) error {
	return guarded(a.cb, fn, classifyGoogle)
}

func classifyGoogle(err error) (error, bool) {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, err)
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: %v", ErrAuth, err), true
	}
	return classifyStatus(0, err)
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

// ListMessages uses the history cursor when one is stored and still valid,
// and a windowed listing otherwise.
func (a *GmailAdapter) ListMessages(ctx context.Context, account *models.EmailAccount, w Window) (*Batch, error) {
	svc, err := a.service(ctx, account)
	if err != nil {
		return nil, err
	}
	limit := w.Limit
	if limit <= 0 {
		limit = 50
	}

	// read before listing so nothing arriving meanwhile is skipped
	var profile *gmail.Profile
	if err := a.call(func() error {
		var err error
		profile, err = svc.Users.GetProfile("me").Context(ctx).Do()
		return err
	}); err != nil {
		return nil, err
	}
	cursor := strconv.FormatUint(profile.HistoryId, 10)

	var ids []string
	if w.Cursor != "" {
		var next string
		ids, next, err = a.historyIDs(ctx, svc, w.Cursor, limit)
		switch {
		case isNotFound(err):
			a.log.WithField("account_id", account.ID).Info("history cursor expired, falling back to window listing")
			ids, err = a.windowIDs(ctx, svc, w.Since, limit)
		case err == nil && next != "":
			cursor = next
		}
	} else {
		ids, err = a.windowIDs(ctx, svc, w.Since, limit)
	}
	if err != nil {
		return nil, err
	}

	batch := &Batch{Cursor: cursor}
	for _, id := range ids {
		var msg *gmail.Message
		err := a.call(func() error {
			var err error
			msg, err = svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
			return err
		})
		if isNotFound(err) {
			// deleted between listing and fetch
			continue
		}
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode gmail message %s: %w", id, err)
		}
		batch.Messages = append(batch.Messages, NativeMessage{
			ID:       msg.Id,
			Flags:    msg.LabelIds,
			Received: time.UnixMilli(msg.InternalDate),
			Raw:      raw,
		})
	}
	sort.SliceStable(batch.Messages, func(i, j int) bool {
		return batch.Messages[i].Received.After(batch.Messages[j].Received)
	})
	return batch, nil
}

func (a *GmailAdapter) windowIDs(ctx context.Context, svc *gmail.Service, since time.Time, limit int) ([]string, error) {
	req := svc.Users.Messages.List("me").MaxResults(int64(limit))
	if !since.IsZero() {
		req = req.Q(fmt.Sprintf("after:%s", since.Format("2006/01/02")))
	}
	var resp *gmail.ListMessagesResponse
	if err := a.call(func() error {
		var err error
		resp, err = req.Context(ctx).Do()
		return err
	}); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

// historyIDs walks history oldest first from cursor and stops at a record
// boundary once limit ids are collected. next is the id of the last record
// consumed when history remains, and empty once every page was drained.
func (a *GmailAdapter) historyIDs(ctx context.Context, svc *gmail.Service, cursor string, limit int) (ids []string, next string, err error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, "", &googleapi.Error{Code: 404, Message: "unparseable history cursor"}
	}

	seen := make(map[string]bool)
	var last uint64
	pageToken := ""
	for {
		req := svc.Users.History.List("me").StartHistoryId(start).HistoryTypes("messageAdded", "labelAdded", "labelRemoved")
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		var resp *gmail.ListHistoryResponse
		// 404 comes back raw so the caller can fall back
		err := a.call(func() error {
			var err error
			resp, err = req.Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, "", err
		}
		for _, h := range resp.History {
			var added []string
			for _, m := range h.Messages {
				if m == nil || seen[m.Id] {
					continue
				}
				seen[m.Id] = true
				added = append(added, m.Id)
			}
			// always consume one record so a pass makes progress
			if len(ids) > 0 && len(ids)+len(added) > limit {
				return ids, strconv.FormatUint(last, 10), nil
			}
			ids = append(ids, added...)
			last = h.Id
		}
		if resp.NextPageToken == "" {
			return ids, "", nil
		}
		if len(ids) >= limit {
			return ids, strconv.FormatUint(last, 10), nil
		}
		pageToken = resp.NextPageToken
	}
}

// Send delivers env through Messages.Send and returns the Gmail message id
func (a *GmailAdapter) Send(ctx context.Context, account *models.EmailAccount, env *Envelope) (string, error) {
	svc, err := a.service(ctx, account)
	if err != nil {
		return "", err
	}
	raw, _, err := BuildMessage(env, a.now())
	if err != nil {
		return "", err
	}
	var sent *gmail.Message
	err = a.call(func() error {
		var err error
		sent, err = svc.Users.Messages.Send("me", &gmail.Message{
			Raw: base64.URLEncoding.EncodeToString(raw),
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return sent.Id, nil
}

// Parse decodes a fetched gmail.Message in full format
func (a *GmailAdapter) Parse(native NativeMessage) (*CanonicalMessage, error) {
	var msg gmail.Message
	if err := json.Unmarshal(native.Raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if msg.Payload == nil {
		return nil, fmt.Errorf("%w: gmail message %s has no payload", ErrParse, msg.Id)
	}

	out := &CanonicalMessage{
		ProviderMessageID: msg.Id,
		Labels:            msg.LabelIds,
		ReceivedAt:        time.UnixMilli(msg.InternalDate),
		IsRead:            !hasLabel(msg.LabelIds, "UNREAD"),
		IsStarred:         hasLabel(msg.LabelIds, "STARRED"),
		Folder:            gmailFolder(msg.LabelIds),
	}
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			out.Subject = h.Value
		case "from":
			if list := parseAddressList(h.Value); len(list) > 0 {
				out.From = list[0]
			}
		case "to":
			out.To = parseAddressList(h.Value)
		case "cc":
			out.Cc = parseAddressList(h.Value)
		case "bcc":
			out.Bcc = parseAddressList(h.Value)
		case "message-id":
			out.InternetMessageID = strings.TrimSpace(h.Value)
		case "in-reply-to":
			out.InReplyTo = strings.TrimSpace(h.Value)
		case "references":
			out.References = strings.Fields(h.Value)
		case "date":
			if t, err := parseDate(h.Value); err == nil {
				out.SentAt = t
			}
		}
	}
	extractGmailBody(msg.Payload, out)
	out.Snippet = Snippet(out.BodyText, out.BodyHTML)
	if out.Snippet == "" {
		out.Snippet = msg.Snippet
	}
	if out.SentAt.IsZero() {
		out.SentAt = out.ReceivedAt
	}
	return out, nil
}

func extractGmailBody(part *gmail.MessagePart, out *CanonicalMessage) {
	if part == nil {
		return
	}
	if part.Body != nil && part.Body.Data != "" && part.Filename == "" {
		data, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err != nil {
			data, err = base64.RawURLEncoding.DecodeString(part.Body.Data)
		}
		if err == nil {
			switch part.MimeType {
			case "text/plain":
				if out.BodyText == "" {
					out.BodyText = string(data)
				}
			case "text/html":
				if out.BodyHTML == "" {
					out.BodyHTML = string(data)
				}
			}
		}
	}
	for _, p := range part.Parts {
		extractGmailBody(p, out)
	}
}

// gmailFolder maps system labels to a folder class
func gmailFolder(labels []string) string {
	switch {
	case hasLabel(labels, "TRASH"):
		return models.FolderTrash
	case hasLabel(labels, "DRAFT"):
		return models.FolderDraft
	case hasLabel(labels, "SENT"):
		return models.FolderSent
	case hasLabel(labels, "INBOX"):
		return models.FolderInbox
	}
	return models.FolderArchive
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
