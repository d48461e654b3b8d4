package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/provider"
	"gorm.io/gorm"
)

// ingestOutcome says what happened to one observed message
type ingestOutcome int

const (
	ingestInserted ingestOutcome = iota
	ingestUpdated
	ingestStale
)

// messageFromCanonical converts an adapter message into a row for account
func messageFromCanonical(accountID uint, c *provider.CanonicalMessage, observedAt time.Time) *models.Message {
	msg := &models.Message{
		AccountID:         accountID,
		ProviderMessageID: c.ProviderMessageID,
		InternetMessageID: c.InternetMessageID,
		InReplyTo:         c.InReplyTo,
		References:        strings.Join(c.References, " "),
		FromAddr:          strings.ToLower(strings.TrimSpace(c.From.Email)),
		FromName:          c.From.Name,
		To:                lowerEmails(c.To),
		Cc:                lowerEmails(c.Cc),
		Bcc:               lowerEmails(c.Bcc),
		Subject:           c.Subject,
		BodyText:          c.BodyText,
		BodyHTML:          c.BodyHTML,
		Snippet:           c.Snippet,
		Folder:            c.Folder,
		Labels:            c.Labels,
		IsRead:            c.IsRead,
		IsStarred:         c.IsStarred,
		SentAt:            c.SentAt,
		ReceivedAt:        c.ReceivedAt,
		FlagsObservedAt:   observedAt,
	}
	if msg.Folder == "" {
		msg.Folder = models.FolderInbox
	}
	if msg.Snippet == "" {
		msg.Snippet = provider.Snippet(c.BodyText, c.BodyHTML)
	}
	if msg.Labels == nil {
		msg.Labels = []string{}
	}
	return msg
}

func lowerEmails(list []provider.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if e := strings.ToLower(strings.TrimSpace(a.Email)); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// insertThreaded resolves the thread and inserts msg in one transaction.
// A thread update is rolled back with a failed insert.
func insertThreaded(ctx context.Context, db *gorm.DB, resolver *ThreadResolver, msg *models.Message) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := resolver.Resolve(tx, msg); err != nil {
			return err
		}
		return tx.Create(msg).Error
	})
}

// updateFlags applies the mutable state of an observed message unless a newer
// observation has already been stored.
func updateFlags(ctx context.Context, db *gorm.DB, observed *models.Message) (ingestOutcome, error) {
	res := db.WithContext(ctx).Model(&models.Message{}).
		Where("account_id = ? AND provider_message_id = ? AND flags_observed_at <= ?",
			observed.AccountID, observed.ProviderMessageID, observed.FlagsObservedAt).
		Select("is_read", "is_starred", "labels", "flags_observed_at").
		Updates(&models.Message{
			IsRead:          observed.IsRead,
			IsStarred:       observed.IsStarred,
			Labels:          observed.Labels,
			FlagsObservedAt: observed.FlagsObservedAt,
		})
	if res.Error != nil {
		return ingestStale, res.Error
	}
	if res.RowsAffected == 0 {
		return ingestStale, nil
	}
	return ingestUpdated, nil
}

// ingestMessage stores one observation idempotently on the dedup key
func ingestMessage(ctx context.Context, db *gorm.DB, resolver *ThreadResolver, msg *models.Message) (ingestOutcome, error) {
	var existing models.Message
	err := db.WithContext(ctx).Select("id").
		Where("account_id = ? AND provider_message_id = ?", msg.AccountID, msg.ProviderMessageID).
		First(&existing).Error
	switch {
	case err == nil:
		msg.ID = existing.ID
		return updateFlags(ctx, db, msg)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return ingestStale, err
	}

	if err := insertThreaded(ctx, db, resolver, msg); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// a concurrent pass inserted it first
			msg.ID = 0
			msg.ThreadID = nil
			return updateFlags(ctx, db, msg)
		}
		return ingestStale, err
	}
	return ingestInserted, nil
}
