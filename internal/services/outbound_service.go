package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/provider"
	"github.com/luo-one/mailsync/internal/tracking"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrNoRecipients is returned for a send request without any recipient
var ErrNoRecipients = errors.New("at least one recipient is required")

// SendRequest is an outbound message composed in the CRM
type SendRequest struct {
	AccountID       uint     `json:"account_id"` // 0 sends from the default account
	To              []string `json:"to"`
	Cc              []string `json:"cc"`
	Bcc             []string `json:"bcc"`
	Subject         string   `json:"subject"`
	Text            string   `json:"text"`
	HTML            string   `json:"html"`
	InReplyTo       string   `json:"in_reply_to"`
	References      []string `json:"references"`
	DisableTracking bool     `json:"disable_tracking"`
}

// SendResult is the stored sent copy and what it was linked to
type SendResult struct {
	Message    *models.Message `json:"message"`
	TrackingID string          `json:"tracking_id,omitempty"`
	Link       *LinkResult     `json:"link,omitempty"`
}

// OutboundService sends CRM mail through the account's provider and keeps a
// threaded, linked copy.
type OutboundService struct {
	db              *gorm.DB
	accounts        *AccountService
	adapters        AdapterResolver
	injector        *tracking.Injector
	resolver        *ThreadResolver
	linker          *EntityLinker
	logService      *LogService
	trackingEnabled bool
	log             *logrus.Entry
	now             func() time.Time
}

// NewOutboundService creates an OutboundService. A nil injector disables tracking.
func NewOutboundService(db *gorm.DB, accounts *AccountService, adapters AdapterResolver, injector *tracking.Injector,
	resolver *ThreadResolver, linker *EntityLinker, logService *LogService, log *logrus.Entry) *OutboundService {
	return &OutboundService{
		db:              db,
		accounts:        accounts,
		adapters:        adapters,
		injector:        injector,
		resolver:        resolver,
		linker:          linker,
		logService:      logService,
		trackingEnabled: injector != nil,
		log:             log,
		now:             time.Now,
	}
}

func parseRecipients(list []string) ([]provider.Address, error) {
	var out []provider.Address
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		addrs, err := mail.ParseAddressList(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAccountData, raw)
		}
		for _, a := range addrs {
			out = append(out, provider.Address{Name: a.Name, Email: strings.ToLower(a.Address)})
		}
	}
	return out, nil
}

func (s *OutboundService) account(userID, accountID uint) (*models.EmailAccount, error) {
	if accountID == 0 {
		return s.accounts.DefaultAccount(userID)
	}
	return s.accounts.GetAccountByIDAndUserID(accountID, userID)
}

// Send delivers req from one of userID's accounts
func (s *OutboundService) Send(ctx context.Context, userID uint, req SendRequest) (*SendResult, error) {
	account, err := s.account(userID, req.AccountID)
	if err != nil {
		return nil, err
	}

	to, err := parseRecipients(req.To)
	if err != nil {
		return nil, err
	}
	cc, err := parseRecipients(req.Cc)
	if err != nil {
		return nil, err
	}
	bcc, err := parseRecipients(req.Bcc)
	if err != nil {
		return nil, err
	}
	if len(to)+len(cc)+len(bcc) == 0 {
		return nil, ErrNoRecipients
	}

	adapter, err := s.adapters.ForAccount(account)
	if err != nil {
		return nil, err
	}

	htmlBody := req.HTML
	var trackingID string
	if s.trackingEnabled && !req.DisableTracking && strings.TrimSpace(htmlBody) != "" {
		trackingID = uuid.NewString()
		htmlBody = s.injector.Inject(htmlBody, trackingID)
	}
	textBody := req.Text
	if textBody == "" && req.HTML != "" {
		textBody = provider.HTMLToText(req.HTML)
	}

	env := &provider.Envelope{
		MessageID:  provider.NewMessageID(account.Email),
		From:       provider.Address{Name: account.DisplayName, Email: account.Email},
		To:         to,
		Cc:         cc,
		Bcc:        bcc,
		Subject:    req.Subject,
		TextBody:   textBody,
		HTMLBody:   htmlBody,
		InReplyTo:  req.InReplyTo,
		References: req.References,
	}

	details := SendDetails{AccountID: account.ID, To: env.Recipients(), Subject: req.Subject, TrackingID: trackingID}

	providerID, err := adapter.Send(ctx, account, env)
	if err != nil {
		if s.logService != nil {
			s.logService.LogSend(userID, details, err)
		}
		return nil, fmt.Errorf("send: %w", err)
	}

	now := s.now()
	msg := &models.Message{
		AccountID:         account.ID,
		ProviderMessageID: providerID,
		InternetMessageID: env.MessageID,
		InReplyTo:         req.InReplyTo,
		References:        strings.Join(req.References, " "),
		FromAddr:          strings.ToLower(account.Email),
		FromName:          account.DisplayName,
		To:                lowerEmails(to),
		Cc:                lowerEmails(cc),
		Bcc:               lowerEmails(bcc),
		Subject:           req.Subject,
		BodyText:          textBody,
		BodyHTML:          htmlBody,
		Snippet:           provider.Snippet(textBody, req.HTML),
		Folder:            models.FolderSent,
		Labels:            []string{},
		IsRead:            true,
		SentAt:            now,
		ReceivedAt:        now,
		FlagsObservedAt:   now,
		TrackingID:        trackingID,
	}

	if err := insertThreaded(ctx, s.db, s.resolver, msg); err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("store sent copy: %w", err)
		}
		// a sync pass already pulled the sent copy
		var existing models.Message
		if err := s.db.WithContext(ctx).
			Where("account_id = ? AND provider_message_id = ?", account.ID, providerID).
			First(&existing).Error; err != nil {
			return nil, err
		}
		if trackingID != "" {
			// the mail is out, so a failed update only loses the open/click link
			if err := s.db.WithContext(ctx).Model(&existing).Update("tracking_id", trackingID).Error; err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"message_id":  existing.ID,
					"tracking_id": trackingID,
				}).Warn("Failed to attach tracking id to synced sent copy")
			} else {
				existing.TrackingID = trackingID
			}
		}
		msg = &existing
	}

	result := &SendResult{Message: msg, TrackingID: trackingID}
	if s.linker != nil {
		link, err := s.linker.AutoLink(ctx, msg.ID)
		if err != nil {
			s.log.WithError(err).WithField("message_id", msg.ID).Warn("Auto link failed")
		} else {
			result.Link = link
			applyLinks(msg, link)
		}
	}

	details.MessageID = msg.ID
	if s.logService != nil {
		s.logService.LogSend(userID, details, nil)
	}
	return result, nil
}

func applyLinks(msg *models.Message, link *LinkResult) {
	msg.PersonID = link.PersonID
	msg.LeadID = link.LeadID
	msg.OrganizationID = link.OrganizationID
	msg.DealID = link.DealID
}
