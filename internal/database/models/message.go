package models

import (
	"time"
)

// Folder classes shared by every provider
const (
	FolderInbox   = "inbox"
	FolderSent    = "sent"
	FolderDraft   = "draft"
	FolderTrash   = "trash"
	FolderArchive = "archive"
	FolderOutbox  = "outbox"
)

// Message is the canonical stored copy of a provider message.
// (AccountID, ProviderMessageID) is the ingestion dedup key.
type Message struct {
	ID                uint   `gorm:"primaryKey" json:"id"`
	AccountID         uint   `gorm:"not null;uniqueIndex:idx_account_provider_msg,priority:1" json:"account_id"`
	ProviderMessageID string `gorm:"size:512;not null;uniqueIndex:idx_account_provider_msg,priority:2" json:"provider_message_id"`
	ThreadID          *uint  `gorm:"index" json:"thread_id"`

	InternetMessageID string `gorm:"size:512;index" json:"message_id"`
	InReplyTo         string `gorm:"size:512" json:"in_reply_to,omitempty"`
	References        string `gorm:"type:text" json:"references,omitempty"`

	FromAddr string   `gorm:"size:255;index" json:"from"`
	FromName string   `gorm:"size:255" json:"from_name,omitempty"`
	To       []string `gorm:"serializer:json;type:text" json:"to"`
	Cc       []string `gorm:"serializer:json;type:text" json:"cc"`
	Bcc      []string `gorm:"serializer:json;type:text" json:"bcc"`
	Subject  string   `gorm:"size:998" json:"subject"`
	BodyText string   `gorm:"type:text" json:"body_text,omitempty"`
	BodyHTML string   `gorm:"type:text" json:"body_html,omitempty"`
	Snippet  string   `gorm:"size:500" json:"snippet"`

	Folder          string    `gorm:"size:20;index;default:inbox" json:"folder"`
	Labels          []string  `gorm:"serializer:json;type:text" json:"labels"`
	IsRead          bool      `gorm:"default:false" json:"is_read"`
	IsStarred       bool      `gorm:"default:false" json:"is_starred"`
	SentAt          time.Time `json:"sent_at"`
	ReceivedAt      time.Time `gorm:"index" json:"received_at"`
	FlagsObservedAt time.Time `json:"-"`

	// Weak references into the CRM, never owned
	PersonID       *uint `gorm:"index" json:"person_id"`
	LeadID         *uint `gorm:"index" json:"lead_id"`
	OrganizationID *uint `gorm:"index" json:"organization_id"`
	DealID         *uint `gorm:"index" json:"deal_id"`

	TrackingID string    `gorm:"size:64;index" json:"tracking_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Participants returns every address on the message, sender first
func (m *Message) Participants() []string {
	out := make([]string, 0, 1+len(m.To)+len(m.Cc)+len(m.Bcc))
	if m.FromAddr != "" {
		out = append(out, m.FromAddr)
	}
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}

// ActivityAt is the timestamp threads order by
func (m *Message) ActivityAt() time.Time {
	if m.ReceivedAt.IsZero() {
		return m.SentAt
	}
	return m.ReceivedAt
}

// Thread groups messages of one conversation within an account
type Thread struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	AccountID         uint      `gorm:"not null;index:idx_thread_account_subject,priority:1" json:"account_id"`
	Subject           string    `gorm:"size:998" json:"subject"`
	NormalizedSubject string    `gorm:"size:998;index:idx_thread_account_subject,priority:2" json:"normalized_subject"`
	Participants      []string  `gorm:"serializer:json;type:text" json:"participants"`
	LastActivityAt    time.Time `gorm:"index" json:"last_activity_at"`
	MessageCount      int       `gorm:"default:0" json:"message_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// HasParticipant reports whether addr (already lowercased) is in the set
func (t *Thread) HasParticipant(addr string) bool {
	for _, p := range t.Participants {
		if p == addr {
			return true
		}
	}
	return false
}
