package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrMessageNotFound indicates the message was not found
var ErrMessageNotFound = errors.New("message not found")

// Notifier tells a user about something that happened to their data
type Notifier interface {
	Notify(ctx context.Context, userID uint, message, category string, relatedID uint)
}

// LogNotifier is the default Notifier; it only writes a log line
type LogNotifier struct {
	log *logrus.Entry
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(log *logrus.Entry) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, userID uint, message, category string, relatedID uint) {
	n.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"category":   category,
		"related_id": relatedID,
	}).Info(message)
}

// LinkResult reports what a message is linked to after AutoLink
type LinkResult struct {
	MessageID      uint     `json:"message_id"`
	PersonID       *uint    `json:"person_id"`
	LeadID         *uint    `json:"lead_id"`
	OrganizationID *uint    `json:"organization_id"`
	DealID         *uint    `json:"deal_id"`
	Unknown        bool     `json:"unknown"`
	NewLinks       []string `json:"new_links,omitempty"`
}

// EntityLinker attaches messages to CRM records by address
type EntityLinker struct {
	db       *gorm.DB
	notifier Notifier
}

// NewEntityLinker creates an EntityLinker. A nil notifier disables notifications.
func NewEntityLinker(db *gorm.DB, notifier Notifier) *EntityLinker {
	return &EntityLinker{db: db, notifier: notifier}
}

// linkAddresses returns the distinct lowercase participants without own
func linkAddresses(msg *models.Message, own string) []string {
	own = strings.ToLower(strings.TrimSpace(own))
	var out []string
	for _, a := range mergeAddresses(nil, msg.Participants()) {
		if a != own {
			out = append(out, a)
		}
	}
	return out
}

type linkMatch struct {
	personIDs []uint
	leadIDs   []uint
	orgID     *uint
}

func (l *EntityLinker) match(ctx context.Context, addrs []string) (*linkMatch, error) {
	db := l.db.WithContext(ctx)
	m := &linkMatch{}

	if err := db.Model(&models.PersonEmail{}).
		Where("LOWER(address) IN ?", addrs).
		Distinct().Order("person_id").
		Pluck("person_id", &m.personIDs).Error; err != nil {
		return nil, fmt.Errorf("match persons: %w", err)
	}

	if err := db.Model(&models.Lead{}).
		Where("LOWER(email) IN ? OR LOWER(secondary_email) IN ?", addrs, addrs).
		Order("id").
		Pluck("id", &m.leadIDs).Error; err != nil {
		return nil, fmt.Errorf("match leads: %w", err)
	}

	var orgs []uint
	if err := db.Model(&models.Organization{}).
		Where("LOWER(email) IN ?", addrs).
		Order("id").Limit(1).
		Pluck("id", &orgs).Error; err != nil {
		return nil, fmt.Errorf("match organizations: %w", err)
	}
	if len(orgs) > 0 {
		m.orgID = &orgs[0]
	}
	return m, nil
}

func (l *EntityLinker) matchDeal(ctx context.Context, m *linkMatch) (*uint, error) {
	if len(m.personIDs) == 0 && len(m.leadIDs) == 0 {
		return nil, nil
	}
	q := l.db.WithContext(ctx).Model(&models.Deal{})
	switch {
	case len(m.personIDs) > 0 && len(m.leadIDs) > 0:
		q = q.Where("person_id IN ? OR lead_id IN ?", m.personIDs, m.leadIDs)
	case len(m.personIDs) > 0:
		q = q.Where("person_id IN ?", m.personIDs)
	default:
		q = q.Where("lead_id IN ?", m.leadIDs)
	}
	var ids []uint
	if err := q.Order("id").Limit(1).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("match deals: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return &ids[0], nil
}

// AutoLink matches the participants of a stored message against persons,
// leads, organizations and deals, lowest id first in each category. Links
// already present on the message are kept.
func (l *EntityLinker) AutoLink(ctx context.Context, messageID uint) (*LinkResult, error) {
	var msg models.Message
	if err := l.db.WithContext(ctx).First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	var account models.EmailAccount
	if err := l.db.WithContext(ctx).First(&account, msg.AccountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	result := &LinkResult{
		MessageID:      msg.ID,
		PersonID:       msg.PersonID,
		LeadID:         msg.LeadID,
		OrganizationID: msg.OrganizationID,
		DealID:         msg.DealID,
	}

	addrs := linkAddresses(&msg, account.Email)
	if len(addrs) == 0 {
		result.Unknown = true
		return result, nil
	}

	m, err := l.match(ctx, addrs)
	if err != nil {
		return nil, err
	}
	if len(m.personIDs) == 0 && len(m.leadIDs) == 0 && m.orgID == nil {
		result.Unknown = true
		return result, nil
	}
	dealID, err := l.matchDeal(ctx, m)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	set := func(name, column string, current **uint, found *uint) {
		if *current != nil || found == nil {
			return
		}
		*current = found
		updates[column] = *found
		result.NewLinks = append(result.NewLinks, name)
	}
	if len(m.personIDs) > 0 {
		set("person", "person_id", &result.PersonID, &m.personIDs[0])
	}
	if len(m.leadIDs) > 0 {
		set("lead", "lead_id", &result.LeadID, &m.leadIDs[0])
	}
	set("organization", "organization_id", &result.OrganizationID, m.orgID)
	set("deal", "deal_id", &result.DealID, dealID)

	if len(updates) == 0 {
		return result, nil
	}
	if err := l.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", msg.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("store links: %w", err)
	}

	if l.notifier != nil {
		l.notifier.Notify(ctx, account.UserID,
			fmt.Sprintf("Email %q linked to %s", msg.Subject, strings.Join(result.NewLinks, ", ")),
			"email_linked", msg.ID)
	}
	return result, nil
}

// LinkInput sets links by hand; nil fields are left unchanged
type LinkInput struct {
	PersonID       *uint `json:"person_id"`
	LeadID         *uint `json:"lead_id"`
	OrganizationID *uint `json:"organization_id"`
	DealID         *uint `json:"deal_id"`
}

// SetLinks stores explicit links on a message owned by userID
func (l *EntityLinker) SetLinks(ctx context.Context, userID, messageID uint, input LinkInput) (*models.Message, error) {
	var msg models.Message
	err := l.db.WithContext(ctx).
		Joins("JOIN email_accounts ON email_accounts.id = messages.account_id").
		Where("messages.id = ? AND email_accounts.user_id = ?", messageID, userID).
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}

	updates := map[string]interface{}{}
	if input.PersonID != nil {
		updates["person_id"] = *input.PersonID
		msg.PersonID = input.PersonID
	}
	if input.LeadID != nil {
		updates["lead_id"] = *input.LeadID
		msg.LeadID = input.LeadID
	}
	if input.OrganizationID != nil {
		updates["organization_id"] = *input.OrganizationID
		msg.OrganizationID = input.OrganizationID
	}
	if input.DealID != nil {
		updates["deal_id"] = *input.DealID
		msg.DealID = input.DealID
	}
	if len(updates) == 0 {
		return &msg, nil
	}
	if err := l.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", msg.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}
