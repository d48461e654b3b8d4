package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	id "github.com/emersion/go-imap-id"
	"github.com/emersion/go-imap/client"
	"github.com/goccy/go-json"
	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/sirupsen/logrus"
)

// Encryptor protects credentials at rest
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// mailbox is the part of *client.Client the adapter drives
type mailbox interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
}

// folder classes synced over IMAP, each with its candidate names most specific
// first. Optional classes are absent on many servers and skip quietly.
var imapFolderCandidates = []struct {
	class    string
	names    []string
	optional bool
}{
	{models.FolderInbox, []string{"INBOX"}, false},
	{models.FolderSent, []string{"Sent Items", "Sent", "Sent Messages", "[Gmail]/Sent Mail", "INBOX.Sent"}, false},
	{models.FolderDraft, []string{"Drafts", "[Gmail]/Drafts", "INBOX.Drafts", "Draft"}, true},
	{models.FolderTrash, []string{"Deleted Items", "Deleted Messages", "[Gmail]/Trash", "Trash", "INBOX.Trash"}, true},
	{models.FolderArchive, []string{"Archive", "Archives", "INBOX.Archive"}, true},
}

// imapMark is the per folder position stored in the sync cursor
type imapMark struct {
	Validity uint32 `json:"v"`
	UID      uint32 `json:"u"`
}

// IMAPConfig tunes the password variant
type IMAPConfig struct {
	Timeout       time.Duration
	ClientName    string
	ClientVersion string
}

// IMAPAdapter serves provider kind imap: IMAP for reading, SMTP for sending
type IMAPAdapter struct {
	enc Encryptor
	cfg IMAPConfig
	log *logrus.Entry
	now func() time.Time

	dial     func(ctx context.Context, account *models.EmailAccount, password string) (mailbox, error)
	sendMail func(account *models.EmailAccount, password, from string, to []string, raw []byte) error
}

// NewIMAPAdapter creates a new IMAP/SMTP adapter
func NewIMAPAdapter(enc Encryptor, cfg IMAPConfig, log *logrus.Entry) *IMAPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "mailsync"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "1.0.0"
	}
	a := &IMAPAdapter{enc: enc, cfg: cfg, log: log, now: time.Now}
	a.dial = a.connectIMAP
	a.sendMail = sendSMTP
	return a
}

func (a *IMAPAdapter) Kind() models.ProviderKind { return models.ProviderIMAP }

func (a *IMAPAdapter) AuthURL(string) (string, error) {
	return "", fmt.Errorf("%w: imap accounts use a password", ErrNotSupported)
}

func (a *IMAPAdapter) ExchangeCode(context.Context, string) (*Credentials, error) {
	return nil, fmt.Errorf("%w: imap accounts use a password", ErrNotSupported)
}

func (a *IMAPAdapter) Refresh(context.Context, *models.EmailAccount) (*Credentials, error) {
	return nil, fmt.Errorf("%w: imap accounts have no token", ErrNotSupported)
}

// connectIMAP establishes an authenticated IMAP session
func (a *IMAPAdapter) connectIMAP(ctx context.Context, account *models.EmailAccount, password string) (mailbox, error) {
	addr := net.JoinHostPort(account.IMAPHost, strconv.Itoa(account.IMAPPort))
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var (
		c   *client.Client
		err error
	)
	if account.UseSSL {
		c, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: account.IMAPHost})
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: imap dial %s: %v", ErrTransient, addr, err)
	}
	c.Timeout = a.cfg.Timeout

	if !account.UseSSL {
		if ok, _ := c.SupportStartTLS(); ok {
			if err := c.StartTLS(&tls.Config{ServerName: account.IMAPHost}); err != nil {
				c.Logout()
				return nil, fmt.Errorf("%w: imap starttls: %v", ErrTransient, err)
			}
		}
	}

	// some providers refuse LOGIN until the client identifies itself
	if ok, _ := c.Support(id.Capability); ok {
		if _, err := id.NewClient(c).ID(id.ID{
			id.FieldName:    a.cfg.ClientName,
			id.FieldVersion: a.cfg.ClientVersion,
		}); err != nil {
			a.log.WithError(err).Debug("imap ID command rejected")
		}
	}

	if err := c.Login(account.Username, password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("%w: imap login: %v", ErrAuth, err)
	}
	return c, nil
}

func (a *IMAPAdapter) password(account *models.EmailAccount) (string, error) {
	password, err := a.enc.Decrypt(account.PasswordEncrypted)
	if err != nil {
		return "", fmt.Errorf("%w: decrypt password: %v", ErrAuth, err)
	}
	return password, nil
}

func decodeIMAPCursor(cursor string) map[string]imapMark {
	marks := make(map[string]imapMark)
	if cursor != "" {
		// an unreadable cursor means a windowed resync
		_ = json.Unmarshal([]byte(cursor), &marks)
	}
	return marks
}

// ListMessages walks every folder class, resolving each to the first
// candidate mailbox the server accepts.
func (a *IMAPAdapter) ListMessages(ctx context.Context, account *models.EmailAccount, w Window) (*Batch, error) {
	password, err := a.password(account)
	if err != nil {
		return nil, err
	}
	mb, err := a.dial(ctx, account, password)
	if err != nil {
		return nil, err
	}
	defer mb.Logout()

	limit := w.Limit
	if limit <= 0 {
		limit = 50
	}
	marks := decodeIMAPCursor(w.Cursor)
	batch := &Batch{}

	for _, fc := range imapFolderCandidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, status, ok := selectFirst(mb, fc.names)
		if !ok {
			entry := a.log.WithFields(logrus.Fields{"account_id": account.ID, "folder": fc.class})
			if fc.optional {
				entry.Debug("no candidate mailbox could be selected, skipping folder")
			} else {
				entry.Warn("no candidate mailbox could be selected, skipping folder")
			}
			continue
		}

		var prev *imapMark
		if m, found := marks[fc.class]; found {
			prev = &m
		}
		msgs, mark, err := a.fetchFolder(mb, fc.class, name, status, prev, w.Since, limit)
		if err != nil {
			return nil, fmt.Errorf("%w: imap fetch %s: %v", ErrTransient, name, err)
		}
		marks[fc.class] = mark
		batch.Messages = append(batch.Messages, msgs...)
	}

	sort.SliceStable(batch.Messages, func(i, j int) bool {
		return batch.Messages[i].Received.After(batch.Messages[j].Received)
	})
	cursor, err := json.Marshal(marks)
	if err != nil {
		return nil, err
	}
	batch.Cursor = string(cursor)
	return batch, nil
}

func selectFirst(mb mailbox, names []string) (string, *imap.MailboxStatus, bool) {
	for _, name := range names {
		status, err := mb.Select(name, true)
		if err == nil {
			return name, status, true
		}
	}
	return "", nil, false
}

// fetchFolder returns the messages of one selected mailbox. With a valid mark
// it continues after the last seen UID, oldest first, so the mark never skips
// mail; otherwise it takes the newest messages inside the window.
func (a *IMAPAdapter) fetchFolder(mb mailbox, class, name string, status *imap.MailboxStatus, prev *imapMark, since time.Time, limit int) ([]NativeMessage, imapMark, error) {
	mark := imapMark{Validity: status.UidValidity}
	incremental := prev != nil && prev.Validity == status.UidValidity && prev.UID > 0
	if incremental {
		mark.UID = prev.UID
	}
	if status.Messages == 0 {
		return nil, mark, nil
	}

	criteria := imap.NewSearchCriteria()
	if incremental {
		set := new(imap.SeqSet)
		set.AddRange(prev.UID+1, 0)
		criteria.Uid = set
	} else if !since.IsZero() {
		criteria.Since = since
	}
	found, err := mb.UidSearch(criteria)
	if err != nil {
		return nil, mark, err
	}

	uids := found[:0]
	for _, uid := range found {
		// "n:*" always matches the highest UID, even below n
		if !incremental || uid > prev.UID {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if len(uids) > limit {
		if incremental {
			uids = uids[:limit]
		} else {
			uids = uids[len(uids)-limit:]
		}
	}
	if len(uids) == 0 {
		return nil, mark, nil
	}

	set := new(imap.SeqSet)
	set.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- mb.UidFetch(set, items, ch)
	}()

	var out []NativeMessage
	for msg := range ch {
		if msg == nil {
			continue
		}
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		raw, err := io.ReadAll(literal)
		if err != nil {
			continue
		}
		out = append(out, NativeMessage{
			ID:       fmt.Sprintf("uid:%s:%d:%d", name, status.UidValidity, msg.Uid),
			Folder:   class,
			Flags:    msg.Flags,
			Received: msg.InternalDate,
			Raw:      raw,
		})
		if msg.Uid > mark.UID {
			mark.UID = msg.Uid
		}
	}
	if err := <-done; err != nil {
		return nil, imapMark{Validity: status.UidValidity, UID: 0}, err
	}
	return out, mark, nil
}

// Parse decodes an RFC 822 message. The provider id is the Message-ID, or
// the folder UID when the header is missing.
func (a *IMAPAdapter) Parse(native NativeMessage) (*CanonicalMessage, error) {
	msg, err := ParseRFC822(native.Raw)
	if err != nil {
		return nil, err
	}
	msg.ProviderMessageID = msg.InternetMessageID
	if msg.ProviderMessageID == "" {
		msg.ProviderMessageID = native.ID
	}
	msg.Folder = native.Folder
	msg.ReceivedAt = native.Received
	if msg.SentAt.IsZero() {
		msg.SentAt = native.Received
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = msg.SentAt
	}
	for _, f := range native.Flags {
		switch f {
		case imap.SeenFlag:
			msg.IsRead = true
		case imap.FlaggedFlag:
			msg.IsStarred = true
		default:
			if !strings.HasPrefix(f, "\\") {
				msg.Labels = append(msg.Labels, f)
			}
		}
	}
	return msg, nil
}

// Send submits env over SMTP and returns its Message-ID
func (a *IMAPAdapter) Send(ctx context.Context, account *models.EmailAccount, env *Envelope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	password, err := a.password(account)
	if err != nil {
		return "", err
	}
	raw, msgID, err := BuildMessage(env, a.now())
	if err != nil {
		return "", err
	}
	if err := a.sendMail(account, password, env.From.Email, env.Recipients(), raw); err != nil {
		return "", err
	}
	return msgID, nil
}
