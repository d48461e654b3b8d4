package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/provider"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AdapterResolver picks the adapter for a loaded account
type AdapterResolver interface {
	ForAccount(account *models.EmailAccount) (provider.Adapter, error)
}

// SyncOptions bounds a single pass
type SyncOptions struct {
	BatchSize   int
	InitialDays int
}

// SyncResult summarizes one pass over one account
type SyncResult struct {
	AccountID   uint      `json:"account_id"`
	Skipped     bool      `json:"skipped,omitempty"`  // another pass held the account
	Disabled    bool      `json:"disabled,omitempty"` // sync is turned off
	Fetched     int       `json:"fetched"`
	Inserted    int       `json:"inserted"`
	Updated     int       `json:"updated"`
	Stale       int       `json:"stale"`
	ParseErrors int       `json:"parse_errors"`
	StartedAt   time.Time `json:"started_at"`
}

// SyncSummary aggregates SyncAllAccounts
type SyncSummary struct {
	Accounts  int             `json:"accounts"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
	Results   []*SyncResult   `json:"results"`
	Errors    map[uint]string `json:"errors,omitempty"`
}

// SyncService pulls mail from providers into the canonical store
type SyncService struct {
	db         *gorm.DB
	accounts   *AccountService
	adapters   AdapterResolver
	resolver   *ThreadResolver
	linker     *EntityLinker
	logService *LogService
	opts       SyncOptions
	log        *logrus.Entry
	now        func() time.Time

	accountLocks sync.Map // account id -> struct{}, one pass per account
}

// NewSyncService creates a SyncService
func NewSyncService(db *gorm.DB, accounts *AccountService, adapters AdapterResolver, resolver *ThreadResolver,
	linker *EntityLinker, logService *LogService, opts SyncOptions, log *logrus.Entry) *SyncService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.InitialDays <= 0 {
		opts.InitialDays = 30
	}
	return &SyncService{
		db:         db,
		accounts:   accounts,
		adapters:   adapters,
		resolver:   resolver,
		linker:     linker,
		logService: logService,
		opts:       opts,
		log:        log,
		now:        time.Now,
	}
}

// TryLockAccount claims the account for a pass
func (s *SyncService) TryLockAccount(accountID uint) bool {
	_, loaded := s.accountLocks.LoadOrStore(accountID, struct{}{})
	return !loaded
}

// UnlockAccount releases the account
func (s *SyncService) UnlockAccount(accountID uint) {
	s.accountLocks.Delete(accountID)
}

// IsAccountSyncing reports whether a pass is running for the account
func (s *SyncService) IsAccountSyncing(accountID uint) bool {
	_, loaded := s.accountLocks.Load(accountID)
	return loaded
}

func (s *SyncService) window(account *models.EmailAccount, start time.Time) provider.Window {
	since := start.AddDate(0, 0, -s.opts.InitialDays)
	if account.LastSyncAt != nil && account.LastSyncAt.After(since) {
		since = *account.LastSyncAt
	}
	return provider.Window{
		Since:  since,
		Cursor: account.SyncCursor,
		Limit:  s.opts.BatchSize,
	}
}

// SyncAccount runs one incremental pass. Provider errors abort the pass and
// are returned unchanged so callers can branch on provider.ErrAuth.
func (s *SyncService) SyncAccount(ctx context.Context, accountID uint) (*SyncResult, error) {
	start := s.now()
	result := &SyncResult{AccountID: accountID, StartedAt: start}

	if !s.TryLockAccount(accountID) {
		s.log.WithField("account_id", accountID).Info("Account is already syncing, skipping")
		result.Skipped = true
		return result, nil
	}
	defer s.UnlockAccount(accountID)

	account, err := s.accounts.GetAccountByID(accountID)
	if err != nil {
		return result, err
	}
	if !account.SyncEnabled {
		result.Disabled = true
		return result, nil
	}

	log := s.log.WithFields(logrus.Fields{"account_id": account.ID, "provider": account.Provider})

	err = s.pass(ctx, account, start, result, log)
	if s.logService != nil {
		s.logService.LogSync(account.UserID, result, s.now().Sub(start), err)
	}
	if err != nil {
		log.WithError(err).Warn("Sync pass failed")
		return result, err
	}

	log.WithFields(logrus.Fields{
		"fetched":  result.Fetched,
		"inserted": result.Inserted,
		"updated":  result.Updated,
	}).Info("Sync pass completed")
	return result, nil
}

func (s *SyncService) pass(ctx context.Context, account *models.EmailAccount, start time.Time, result *SyncResult, log *logrus.Entry) error {
	adapter, err := s.adapters.ForAccount(account)
	if err != nil {
		return err
	}

	batch, err := adapter.ListMessages(ctx, account, s.window(account, start))
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	result.Fetched = len(batch.Messages)

	for _, native := range batch.Messages {
		if err := ctx.Err(); err != nil {
			return err
		}

		canonical, err := adapter.Parse(native)
		if err != nil {
			result.ParseErrors++
			log.WithError(err).WithField("native_id", native.ID).Warn("Skipping unparseable message")
			continue
		}

		msg := messageFromCanonical(account.ID, canonical, start)
		outcome, err := ingestMessage(ctx, s.db, s.resolver, msg)
		if err != nil {
			return fmt.Errorf("store message %s: %w", canonical.ProviderMessageID, err)
		}

		switch outcome {
		case ingestInserted:
			result.Inserted++
			if s.linker != nil {
				if _, err := s.linker.AutoLink(ctx, msg.ID); err != nil {
					log.WithError(err).WithField("message_id", msg.ID).Warn("Auto link failed")
				}
			}
		case ingestUpdated:
			result.Updated++
		case ingestStale:
			result.Stale++
		}
	}

	cursor := batch.Cursor
	if cursor == "" {
		cursor = account.SyncCursor
	}
	return s.accounts.UpdateSyncState(account.ID, cursor, start)
}

// SyncAllAccounts runs a pass for every sync-enabled account. A failing
// account does not stop the others.
func (s *SyncService) SyncAllAccounts(ctx context.Context) (*SyncSummary, error) {
	accounts, err := s.accounts.ListSyncEnabled()
	if err != nil {
		return nil, err
	}

	summary := &SyncSummary{Accounts: len(accounts), Errors: map[uint]string{}}
	for _, account := range accounts {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		result, err := s.SyncAccount(ctx, account.ID)
		if result != nil {
			summary.Results = append(summary.Results, result)
		}
		switch {
		case err != nil:
			summary.Failed++
			summary.Errors[account.ID] = err.Error()
		case result.Skipped:
			summary.Skipped++
		default:
			summary.Succeeded++
		}
	}
	return summary, nil
}

// IsAuthError reports whether err needs the user to reconnect the account
func IsAuthError(err error) bool {
	return errors.Is(err, provider.ErrAuth)
}
