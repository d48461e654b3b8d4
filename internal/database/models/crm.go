package models

import (
	"time"
)

// The CRM owns these tables; the linker only reads them.

type Person struct {
	ID        uint          `gorm:"primaryKey" json:"id"`
	Name      string        `gorm:"size:255" json:"name"`
	Emails    []PersonEmail `gorm:"foreignKey:PersonID" json:"emails,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type PersonEmail struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	PersonID uint   `gorm:"not null;index" json:"person_id"`
	Address  string `gorm:"size:255;not null;index" json:"address"`
}

type Lead struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Title          string    `gorm:"size:255" json:"title"`
	Email          string    `gorm:"size:255;index" json:"email"`
	SecondaryEmail string    `gorm:"size:255;index" json:"secondary_email"`
	PersonID       *uint     `gorm:"index" json:"person_id"`
	CreatedAt      time.Time `json:"created_at"`
}

type Organization struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255" json:"name"`
	Email     string    `gorm:"size:255;index" json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type Deal struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Title          string    `gorm:"size:255" json:"title"`
	PersonID       *uint     `gorm:"index" json:"person_id"`
	LeadID         *uint     `gorm:"index" json:"lead_id"`
	OrganizationID *uint     `gorm:"index" json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
}
