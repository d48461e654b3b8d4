package services

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LogService persists the user visible activity log and mirrors each entry
// to the process logger.
type LogService struct {
	db       *gorm.DB
	logLevel models.LogLevel
	log      *logrus.Entry
}

// NewLogService creates a new LogService instance
func NewLogService(db *gorm.DB, log *logrus.Entry) *LogService {
	return &LogService{
		db:       db,
		logLevel: models.LogLevelInfo,
		log:      log,
	}
}

// parseLogLevel converts a string to LogLevel
func parseLogLevel(level string) models.LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return models.LogLevelDebug
	case "WARN", "WARNING":
		return models.LogLevelWarn
	case "ERROR":
		return models.LogLevelError
	default:
		return models.LogLevelInfo
	}
}

// SetLogLevel sets the minimum persisted level
func (s *LogService) SetLogLevel(level string) {
	s.logLevel = parseLogLevel(level)
}

var levelPriority = map[models.LogLevel]int{
	models.LogLevelDebug: 0,
	models.LogLevelInfo:  1,
	models.LogLevelWarn:  2,
	models.LogLevelError: 3,
}

func (s *LogService) shouldLog(level models.LogLevel) bool {
	return levelPriority[level] >= levelPriority[s.logLevel]
}

// LogEntry represents a log entry to be created
type LogEntry struct {
	UserID  uint
	Level   models.LogLevel
	Module  models.LogModule
	Action  string
	Message string
	Details interface{} // serialized to JSON
}

// Log creates a new log entry
func (s *LogService) Log(entry LogEntry) error {
	s.mirror(entry)
	if !s.shouldLog(entry.Level) {
		return nil
	}

	var detailsJSON string
	if entry.Details != nil {
		bytes, err := json.Marshal(entry.Details)
		if err != nil {
			detailsJSON = "{}"
		} else {
			detailsJSON = string(bytes)
		}
	}

	return s.db.Create(&models.Log{
		UserID:  entry.UserID,
		Level:   string(entry.Level),
		Module:  string(entry.Module),
		Action:  entry.Action,
		Message: entry.Message,
		Details: detailsJSON,
	}).Error
}

func (s *LogService) mirror(entry LogEntry) {
	if s.log == nil {
		return
	}
	e := s.log.WithFields(logrus.Fields{
		"user_id": entry.UserID,
		"module":  entry.Module,
		"action":  entry.Action,
	})
	switch entry.Level {
	case models.LogLevelDebug:
		e.Debug(entry.Message)
	case models.LogLevelWarn:
		e.Warn(entry.Message)
	case models.LogLevelError:
		e.Error(entry.Message)
	default:
		e.Info(entry.Message)
	}
}

// LogInfo creates an INFO level log entry
func (s *LogService) LogInfo(userID uint, module models.LogModule, action, message string, details interface{}) error {
	return s.Log(LogEntry{UserID: userID, Level: models.LogLevelInfo, Module: module, Action: action, Message: message, Details: details})
}

// LogWarn creates a WARN level log entry
func (s *LogService) LogWarn(userID uint, module models.LogModule, action, message string, details interface{}) error {
	return s.Log(LogEntry{UserID: userID, Level: models.LogLevelWarn, Module: module, Action: action, Message: message, Details: details})
}

// LogError creates an ERROR level log entry
func (s *LogService) LogError(userID uint, module models.LogModule, action, message string, details interface{}) error {
	return s.Log(LogEntry{UserID: userID, Level: models.LogLevelError, Module: module, Action: action, Message: message, Details: details})
}

// AccountChangeDetails represents details for account changes
type AccountChangeDetails struct {
	AccountID    uint   `json:"account_id"`
	AccountEmail string `json:"account_email"`
	Provider     string `json:"provider,omitempty"`
}

// LogAccountCreated logs an account connection
func (s *LogService) LogAccountCreated(account *models.EmailAccount) error {
	return s.LogInfo(account.UserID, models.LogModuleAccount, "create", "Email account connected", AccountChangeDetails{
		AccountID:    account.ID,
		AccountEmail: account.Email,
		Provider:     string(account.Provider),
	})
}

// LogAccountDeleted logs an account removal
func (s *LogService) LogAccountDeleted(userID, accountID uint, email string) error {
	return s.LogInfo(userID, models.LogModuleAccount, "delete", "Email account deleted", AccountChangeDetails{
		AccountID:    accountID,
		AccountEmail: email,
	})
}

// SyncDetails is attached to every sync pass entry
type SyncDetails struct {
	AccountID   uint   `json:"account_id"`
	Fetched     int    `json:"fetched"`
	Inserted    int    `json:"inserted"`
	Updated     int    `json:"updated"`
	ParseErrors int    `json:"parse_errors"`
	DurationMs  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
}

// LogSync records the outcome of one sync pass
func (s *LogService) LogSync(userID uint, result *SyncResult, duration time.Duration, err error) error {
	details := SyncDetails{
		AccountID:   result.AccountID,
		Fetched:     result.Fetched,
		Inserted:    result.Inserted,
		Updated:     result.Updated,
		ParseErrors: result.ParseErrors,
		DurationMs:  duration.Milliseconds(),
	}
	if err != nil {
		details.Error = err.Error()
		return s.LogWarn(userID, models.LogModuleSync, "sync", "Mailbox sync failed", details)
	}
	return s.LogInfo(userID, models.LogModuleSync, "sync", "Mailbox sync completed", details)
}

// SendDetails is attached to outbound entries
type SendDetails struct {
	AccountID  uint     `json:"account_id"`
	MessageID  uint     `json:"message_id,omitempty"`
	To         []string `json:"to"`
	Subject    string   `json:"subject"`
	TrackingID string   `json:"tracking_id,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// LogSend records an outbound message attempt
func (s *LogService) LogSend(userID uint, details SendDetails, err error) error {
	if err != nil {
		details.Error = err.Error()
		return s.LogError(userID, models.LogModuleSend, "send", "Email send failed", details)
	}
	return s.LogInfo(userID, models.LogModuleSend, "send", "Email sent", details)
}

// LogQuery represents query parameters for log retrieval
type LogQuery struct {
	UserID    uint
	Level     string
	Module    string
	Action    string
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	Limit     int
}

// LogQueryResult represents the result of a log query
type LogQueryResult struct {
	Total int64
	Logs  []models.Log
}

// QueryLogs retrieves logs based on query parameters, newest first
func (s *LogService) QueryLogs(query LogQuery) (*LogQueryResult, error) {
	db := s.db.Model(&models.Log{})

	if query.UserID > 0 {
		db = db.Where("user_id = ?", query.UserID)
	}
	if query.Level != "" {
		db = db.Where("level = ?", strings.ToUpper(query.Level))
	}
	if query.Module != "" {
		db = db.Where("module = ?", query.Module)
	}
	if query.Action != "" {
		db = db.Where("action = ?", query.Action)
	}
	if query.StartTime != nil {
		db = db.Where("created_at >= ?", query.StartTime)
	}
	if query.EndTime != nil {
		db = db.Where("created_at <= ?", query.EndTime)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, err
	}

	if query.Page <= 0 {
		query.Page = 1
	}
	if query.Limit <= 0 || query.Limit > 500 {
		query.Limit = 50
	}
	offset := (query.Page - 1) * query.Limit

	var logs []models.Log
	if err := db.Order("created_at DESC, id DESC").Offset(offset).Limit(query.Limit).Find(&logs).Error; err != nil {
		return nil, err
	}
	return &LogQueryResult{Total: total, Logs: logs}, nil
}

// CleanupBefore deletes entries older than cutoff
func (s *LogService) CleanupBefore(cutoff time.Time) (int64, error) {
	res := s.db.Where("created_at < ?", cutoff).Delete(&models.Log{})
	return res.RowsAffected, res.Error
}
