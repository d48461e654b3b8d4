package models

import (
	"time"
)

const (
	TrackingOpen  = "open"
	TrackingClick = "click"
)

// TrackingEvent records an open or click on outbound mail
type TrackingEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TrackingID string    `gorm:"size:64;not null;index" json:"tracking_id"`
	MessageID  *uint     `gorm:"index" json:"message_id,omitempty"`
	Kind       string    `gorm:"size:10;not null" json:"kind"`
	URL        string    `gorm:"type:text" json:"url,omitempty"`
	RemoteIP   string    `gorm:"size:64" json:"remote_ip"`
	UserAgent  string    `gorm:"size:500" json:"user_agent"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}
