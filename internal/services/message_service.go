package services

import (
	"context"
	"errors"

	"github.com/luo-one/mailsync/internal/database/models"
	"gorm.io/gorm"
)

// MessageQuery filters stored messages of one user
type MessageQuery struct {
	AccountID uint
	Folder    string
	ThreadID  uint
	PersonID  uint
	LeadID    uint
	Unlinked  bool
	Page      int
	Limit     int
}

// MessageList is one page of messages
type MessageList struct {
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	Limit    int              `json:"limit"`
	Messages []models.Message `json:"messages"`
}

// MessageService reads the canonical store
type MessageService struct {
	db *gorm.DB
}

// NewMessageService creates a MessageService
func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

func (s *MessageService) scoped(ctx context.Context, userID uint) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.Message{}).
		Joins("JOIN email_accounts ON email_accounts.id = messages.account_id").
		Where("email_accounts.user_id = ?", userID)
}

// List returns messages newest first
func (s *MessageService) List(ctx context.Context, userID uint, q MessageQuery) (*MessageList, error) {
	db := s.scoped(ctx, userID)
	if q.AccountID > 0 {
		db = db.Where("messages.account_id = ?", q.AccountID)
	}
	if q.Folder != "" {
		db = db.Where("messages.folder = ?", q.Folder)
	}
	if q.ThreadID > 0 {
		db = db.Where("messages.thread_id = ?", q.ThreadID)
	}
	if q.PersonID > 0 {
		db = db.Where("messages.person_id = ?", q.PersonID)
	}
	if q.LeadID > 0 {
		db = db.Where("messages.lead_id = ?", q.LeadID)
	}
	if q.Unlinked {
		db = db.Where("messages.person_id IS NULL AND messages.lead_id IS NULL AND messages.organization_id IS NULL")
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, err
	}

	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 50
	}

	var messages []models.Message
	if err := db.Order("messages.received_at DESC, messages.id DESC").
		Offset((q.Page - 1) * q.Limit).Limit(q.Limit).
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return &MessageList{Total: total, Page: q.Page, Limit: q.Limit, Messages: messages}, nil
}

// Get returns one message owned by userID
func (s *MessageService) Get(ctx context.Context, userID, id uint) (*models.Message, error) {
	var msg models.Message
	if err := s.scoped(ctx, userID).Where("messages.id = ?", id).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}
