package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// OutlookConfig holds the Microsoft identity platform registration
type OutlookConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Tenant       string
}

// OutlookAdapter serves provider kind outlook over Microsoft Graph
type OutlookAdapter struct {
	config  *oauth2.Config
	tokens  *TokenManager
	cb      *gobreaker.CircuitBreaker
	log     *logrus.Entry
	baseURL string

	// account id -> folder id -> folder class
	folders sync.Map
}

// well-known Graph folder names per folder class
var graphWellKnownFolders = map[string]string{
	"inbox":        models.FolderInbox,
	"sentitems":    models.FolderSent,
	"drafts":       models.FolderDraft,
	"deleteditems": models.FolderTrash,
	"archive":      models.FolderArchive,
	"outbox":       models.FolderOutbox,
}

// NewOutlookAdapter creates a new Graph adapter
func NewOutlookAdapter(cfg OutlookConfig, tokens *TokenManager, log *logrus.Entry) *OutlookAdapter {
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = "common"
	}
	return &OutlookAdapter{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				"offline_access",
				"https://graph.microsoft.com/User.Read",
				"https://graph.microsoft.com/Mail.ReadWrite",
				"https://graph.microsoft.com/Mail.Send",
			},
			Endpoint: microsoft.AzureADEndpoint(tenant),
		},
		tokens:  tokens,
		cb:      newBreaker("graph-api", log),
		log:     log,
		baseURL: graphBaseURL,
	}
}

func (a *OutlookAdapter) Kind() models.ProviderKind { return models.ProviderOutlook }

func (a *OutlookAdapter) AuthURL(state string) (string, error) {
	return a.config.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account")), nil
}

type graphRecipient struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphMessage struct {
	ID                     string           `json:"id,omitempty"`
	InternetMessageID      string           `json:"internetMessageId,omitempty"`
	Subject                string           `json:"subject"`
	From                   *graphRecipient  `json:"from,omitempty"`
	ToRecipients           []graphRecipient `json:"toRecipients"`
	CcRecipients           []graphRecipient `json:"ccRecipients,omitempty"`
	BccRecipients          []graphRecipient `json:"bccRecipients,omitempty"`
	Body                   graphBody        `json:"body"`
	BodyPreview            string           `json:"bodyPreview,omitempty"`
	ReceivedDateTime       *time.Time       `json:"receivedDateTime,omitempty"`
	SentDateTime           *time.Time       `json:"sentDateTime,omitempty"`
	IsRead                 bool             `json:"isRead,omitempty"`
	Categories             []string         `json:"categories,omitempty"`
	ParentFolderID         string           `json:"parentFolderId,omitempty"`
	InternetMessageHeaders []graphHeader    `json:"internetMessageHeaders,omitempty"`
	Flag                   *struct {
		FlagStatus string `json:"flagStatus"`
	} `json:"flag,omitempty"`
}

type graphList struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

type graphError struct {
	Status int
	Body   string
}

func (e *graphError) Error() string {
	return fmt.Sprintf("graph api status %d: %s", e.Status, e.Body)
}

func (a *OutlookAdapter) client(ctx context.Context, tok *oauth2.Token) *http.Client {
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))
}

// do performs one Graph request under the breaker, decoding JSON into out
func (a *OutlookAdapter) do(ctx context.Context, hc *http.Client, method, rawURL string, body interface{}, out interface{}) error {
	return guarded(a.cb, func() error {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Prefer", `IdType="ImmutableId"`)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &graphError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}, classifyGraph)
}

func classifyGraph(err error) (error, bool) {
	var ge *graphError
	if errors.As(err, &ge) {
		return classifyStatus(ge.Status, err)
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: %v", ErrAuth, err), true
	}
	return classifyStatus(0, err)
}

// ExchangeCode trades an authorization code for tokens and reads the profile
func (a *OutlookAdapter) ExchangeCode(ctx context.Context, code string) (*Credentials, error) {
	tok, err := a.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange code: %v", ErrAuth, err)
	}
	var me struct {
		DisplayName       string `json:"displayName"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := a.do(ctx, a.client(ctx, tok), http.MethodGet, a.baseURL+"/me?$select=displayName,mail,userPrincipalName", nil, &me); err != nil {
		return nil, err
	}
	creds := credentialsFromToken(tok)
	creds.DisplayName = me.DisplayName
	creds.Email = strings.ToLower(me.Mail)
	if creds.Email == "" {
		creds.Email = strings.ToLower(me.UserPrincipalName)
	}
	return creds, nil
}

// Refresh forces a token refresh for account and persists it
func (a *OutlookAdapter) Refresh(ctx context.Context, account *models.EmailAccount) (*Credentials, error) {
	tok, err := a.tokens.Force(ctx, account.ID, refreshWith(a.config))
	if err != nil {
		return nil, err
	}
	return credentialsFromToken(tok), nil
}

// folderClasses resolves the well-known folder ids of an account. The map is
// cached only when every lookup gave a definite answer; a folder missing on
// the tenant (404) counts as one.
func (a *OutlookAdapter) folderClasses(ctx context.Context, hc *http.Client, accountID uint) map[string]string {
	if cached, ok := a.folders.Load(accountID); ok {
		return cached.(map[string]string)
	}
	classes := make(map[string]string, len(graphWellKnownFolders))
	complete := true
	for name, class := range graphWellKnownFolders {
		var folder struct {
			ID string `json:"id"`
		}
		if err := a.do(ctx, hc, http.MethodGet, a.baseURL+"/me/mailFolders/"+name+"?$select=id", nil, &folder); err != nil {
			var ge *graphError
			if !errors.As(err, &ge) || ge.Status != http.StatusNotFound {
				complete = false
			}
			a.log.WithError(err).WithField("folder", name).Debug("well-known folder unavailable")
			continue
		}
		classes[folder.ID] = class
	}
	if complete {
		a.folders.Store(accountID, classes)
	}
	return classes
}

// ListMessages lists /me/messages received since max(window, cursor). The
// first pass takes the newest messages of the window. Once a cursor is in
// effect it pages oldest first, so a backlog larger than one batch is worked
// through over several passes instead of skipped.
func (a *OutlookAdapter) ListMessages(ctx context.Context, account *models.EmailAccount, w Window) (*Batch, error) {
	tok, err := a.tokens.Valid(ctx, account.ID, refreshWith(a.config))
	if err != nil {
		return nil, err
	}
	hc := a.client(ctx, tok)
	limit := w.Limit
	if limit <= 0 {
		limit = 50
	}

	since := w.Since
	order := "receivedDateTime desc"
	if w.Cursor != "" {
		if c, err := time.Parse(time.RFC3339Nano, w.Cursor); err == nil && c.After(since) {
			since = c
			order = "receivedDateTime asc"
		}
	}

	q := url.Values{}
	q.Set("$top", fmt.Sprint(limit))
	q.Set("$orderby", order)
	q.Set("$select", "id,internetMessageId,subject,from,toRecipients,ccRecipients,bccRecipients,body,bodyPreview,receivedDateTime,sentDateTime,isRead,flag,categories,parentFolderId,internetMessageHeaders")
	if !since.IsZero() {
		q.Set("$filter", "receivedDateTime ge "+since.UTC().Format(time.RFC3339))
	}
	next := a.baseURL + "/me/messages?" + q.Encode()

	classes := a.folderClasses(ctx, hc, account.ID)
	batch := &Batch{Cursor: w.Cursor}
	newest := since
	for next != "" && len(batch.Messages) < limit {
		var page graphList
		if err := a.do(ctx, hc, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Value {
			var head struct {
				ID               string     `json:"id"`
				ParentFolderID   string     `json:"parentFolderId"`
				IsRead           bool       `json:"isRead"`
				ReceivedDateTime *time.Time `json:"receivedDateTime"`
			}
			if err := json.Unmarshal(raw, &head); err != nil {
				continue
			}
			native := NativeMessage{ID: head.ID, Folder: classes[head.ParentFolderID], Raw: raw}
			if head.ReceivedDateTime != nil {
				native.Received = *head.ReceivedDateTime
				if native.Received.After(newest) {
					newest = native.Received
				}
			}
			batch.Messages = append(batch.Messages, native)
			if len(batch.Messages) >= limit {
				break
			}
		}
		next = page.NextLink
	}
	if !newest.IsZero() {
		batch.Cursor = newest.UTC().Format(time.RFC3339Nano)
	}
	sort.SliceStable(batch.Messages, func(i, j int) bool {
		return batch.Messages[i].Received.After(batch.Messages[j].Received)
	})
	return batch, nil
}

func toGraphRecipients(list []Address) []graphRecipient {
	out := make([]graphRecipient, 0, len(list))
	for _, a := range list {
		var r graphRecipient
		r.EmailAddress.Name = a.Name
		r.EmailAddress.Address = a.Email
		out = append(out, r)
	}
	return out
}

// Send creates a draft and sends it, so the immutable id of the sent item is known
func (a *OutlookAdapter) Send(ctx context.Context, account *models.EmailAccount, env *Envelope) (string, error) {
	tok, err := a.tokens.Valid(ctx, account.ID, refreshWith(a.config))
	if err != nil {
		return "", err
	}
	hc := a.client(ctx, tok)

	draft := graphMessage{
		Subject:       env.Subject,
		ToRecipients:  toGraphRecipients(env.To),
		CcRecipients:  toGraphRecipients(env.Cc),
		BccRecipients: toGraphRecipients(env.Bcc),
		Body:          graphBody{ContentType: "text", Content: env.TextBody},
	}
	if env.HTMLBody != "" {
		draft.Body = graphBody{ContentType: "html", Content: env.HTMLBody}
	}
	// Graph only accepts custom headers prefixed with x-
	if env.InReplyTo != "" {
		draft.InternetMessageHeaders = append(draft.InternetMessageHeaders, graphHeader{Name: "x-in-reply-to", Value: env.InReplyTo})
	}

	var created graphMessage
	if err := a.do(ctx, hc, http.MethodPost, a.baseURL+"/me/messages", draft, &created); err != nil {
		return "", err
	}
	if err := a.do(ctx, hc, http.MethodPost, a.baseURL+"/me/messages/"+url.PathEscape(created.ID)+"/send", nil, nil); err != nil {
		return "", err
	}
	return created.ID, nil
}

// Parse decodes one Graph message resource
func (a *OutlookAdapter) Parse(native NativeMessage) (*CanonicalMessage, error) {
	var msg graphMessage
	if err := json.Unmarshal(native.Raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("%w: graph message without id", ErrParse)
	}

	out := &CanonicalMessage{
		ProviderMessageID: msg.ID,
		InternetMessageID: msg.InternetMessageID,
		Subject:           msg.Subject,
		To:                fromGraph(msg.ToRecipients),
		Cc:                fromGraph(msg.CcRecipients),
		Bcc:               fromGraph(msg.BccRecipients),
		Labels:            msg.Categories,
		IsRead:            msg.IsRead,
		IsStarred:         msg.Flag != nil && msg.Flag.FlagStatus == "flagged",
		Folder:            native.Folder,
	}
	if out.Folder == "" {
		out.Folder = models.FolderArchive
	}
	if msg.From != nil {
		if from := fromGraph([]graphRecipient{*msg.From}); len(from) > 0 {
			out.From = from[0]
		}
	}
	if strings.EqualFold(msg.Body.ContentType, "html") {
		out.BodyHTML = msg.Body.Content
	} else {
		out.BodyText = msg.Body.Content
	}
	for _, h := range msg.InternetMessageHeaders {
		switch strings.ToLower(h.Name) {
		case "in-reply-to":
			out.InReplyTo = strings.TrimSpace(h.Value)
		case "references":
			out.References = strings.Fields(h.Value)
		}
	}
	if msg.ReceivedDateTime != nil {
		out.ReceivedAt = *msg.ReceivedDateTime
	}
	if msg.SentDateTime != nil {
		out.SentAt = *msg.SentDateTime
	} else {
		out.SentAt = out.ReceivedAt
	}
	out.Snippet = msg.BodyPreview
	if out.Snippet == "" {
		out.Snippet = Snippet(out.BodyText, out.BodyHTML)
	}
	return out, nil
}

func fromGraph(list []graphRecipient) []Address {
	out := make([]Address, 0, len(list))
	for _, r := range list {
		if r.EmailAddress.Address == "" {
			continue
		}
		out = append(out, Address{Name: r.EmailAddress.Name, Email: strings.ToLower(r.EmailAddress.Address)})
	}
	return out
}
