package models

import (
	"time"
)

// JobStatus is a job's position in the queue state machine
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job types
const (
	JobTypeSyncAccount  = "sync_account"
	JobTypeSyncAll      = "sync_all"
	JobTypePeriodicSync = "periodic_sync"
)

// JobPayload is the JSON body of a job
type JobPayload map[string]interface{}

// Job is one durable unit of background work
type Job struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Type        string     `gorm:"size:50;not null;index" json:"type"`
	Payload     JobPayload `gorm:"serializer:json;type:text" json:"payload"`
	AccountID   *uint      `gorm:"index" json:"account_id,omitempty"`
	Status      JobStatus  `gorm:"size:20;not null;index:idx_job_status_run,priority:1" json:"status"`
	Attempts    int        `gorm:"default:0" json:"attempts"`
	MaxAttempts int        `gorm:"default:3" json:"max_attempts"`
	RunAt       time.Time  `gorm:"index:idx_job_status_run,priority:2" json:"run_at"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
	WorkerID    string     `gorm:"size:64" json:"worker_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobSchedule registers a recurring trigger. Names are unique.
type JobSchedule struct {
	ID        uint          `gorm:"primaryKey" json:"id"`
	Name      string        `gorm:"size:100;not null;uniqueIndex:idx_job_schedule_name_unique" json:"name"`
	JobType   string        `gorm:"size:50;not null" json:"job_type"`
	Interval  time.Duration `json:"interval"`
	NextRunAt time.Time     `json:"next_run_at"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
