package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/provider"
	"github.com/luo-one/mailsync/internal/services"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Syncer runs one account pass
type Syncer interface {
	SyncAccount(ctx context.Context, accountID uint) (*services.SyncResult, error)
}

// AccountLister enumerates the accounts a fan-out covers
type AccountLister interface {
	ListSyncEnabled() ([]models.EmailAccount, error)
}

// Options tunes the scheduler
type Options struct {
	Workers         int
	PollInterval    time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	SyncInterval    time.Duration // zero disables the periodic registration
	RetainCompleted time.Duration
	RetainFailed    time.Duration
}

// Scheduler executes queued jobs with a fixed worker pool
type Scheduler struct {
	store    *Store
	syncer   Syncer
	accounts AccountLister
	opts     Options
	log      *logrus.Entry
	id       string
}

// NewScheduler creates a Scheduler
func NewScheduler(store *Store, syncer Syncer, accounts AccountLister, opts Options, log *logrus.Entry) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Minute
	}
	return &Scheduler{
		store:    store,
		syncer:   syncer,
		accounts: accounts,
		opts:     opts,
		log:      log,
		id:       uuid.NewString()[:8],
	}
}

// RetryDelay is the wait before the next attempt after attempt failures:
// base, 2*base, 4*base, ... capped at the maximum.
func (s *Scheduler) RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// permanent errors fail a job without using up its retries
func permanent(err error) bool {
	return errors.Is(err, provider.ErrAuth) ||
		errors.Is(err, ErrUnknownJobType) ||
		errors.Is(err, services.ErrAccountNotFound)
}

func jobAccountID(job *models.Job) (uint, error) {
	if job.AccountID != nil {
		return *job.AccountID, nil
	}
	switch v := job.Payload["account_id"].(type) {
	case float64:
		return uint(v), nil
	case uint:
		return v, nil
	case int:
		return uint(v), nil
	}
	return 0, fmt.Errorf("job %d has no account id", job.ID)
}

func (s *Scheduler) dispatch(ctx context.Context, job *models.Job) error {
	switch job.Type {
	case models.JobTypeSyncAccount:
		accountID, err := jobAccountID(job)
		if err != nil {
			return err
		}
		_, err = s.syncer.SyncAccount(ctx, accountID)
		return err
	case models.JobTypeSyncAll, models.JobTypePeriodicSync:
		return s.fanOut(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}
}

// fanOut enqueues one sync_account job per sync-enabled account
func (s *Scheduler) fanOut(ctx context.Context) error {
	accounts, err := s.accounts.ListSyncEnabled()
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if _, _, err := s.store.EnqueueSyncAccount(ctx, account.ID); err != nil {
			return err
		}
	}
	return nil
}

// ProcessNext claims and runs one due job. It reports whether a job ran.
func (s *Scheduler) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	job, err := s.store.ClaimNext(ctx, workerID)
	if err != nil || job == nil {
		return false, err
	}

	log := s.log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"type":    job.Type,
		"attempt": job.Attempts,
		"worker":  workerID,
	})

	runErr := s.dispatch(ctx, job)

	// the outcome is recorded even when shutdown cancelled the run
	done := context.WithoutCancel(ctx)
	switch {
	case runErr == nil:
		log.Debug("Job completed")
		return true, s.store.Complete(done, job)
	case ctx.Err() != nil:
		log.WithError(runErr).Info("Job interrupted by shutdown, released")
		return true, s.store.Release(done, job)
	case permanent(runErr):
		log.WithError(runErr).Warn("Job failed permanently")
		return true, s.store.Fail(done, job, runErr)
	case job.Attempts >= job.MaxAttempts:
		log.WithError(runErr).Warn("Job failed after final attempt")
		return true, s.store.Fail(done, job, runErr)
	default:
		delay := s.RetryDelay(job.Attempts)
		log.WithError(runErr).WithField("retry_in", delay).Info("Job failed, retrying")
		return true, s.store.Retry(done, job, runErr, delay)
	}
}

func (s *Scheduler) recoverStale(ctx context.Context) error {
	requeued, failed, err := s.store.RequeueStale(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 || failed > 0 {
		s.log.WithFields(logrus.Fields{
			"requeued": requeued,
			"failed":   failed,
		}).Warn("Recovered jobs abandoned by a worker")
	}
	return nil
}

// Tick recovers abandoned jobs, fires due registrations and applies retention
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.recoverStale(ctx); err != nil {
		return err
	}
	fired, err := s.store.FireDue(ctx)
	if err != nil {
		return err
	}
	for _, job := range fired {
		s.log.WithField("job_id", job.ID).Debug("Schedule fired")
	}
	removed, err := s.store.Cleanup(ctx, s.opts.RetainCompleted, s.opts.RetainFailed)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Info("Old jobs cleaned up")
	}
	return nil
}

func (s *Scheduler) worker(ctx context.Context, n int) error {
	workerID := fmt.Sprintf("%s-%d", s.id, n)
	for {
		ran, err := s.ProcessNext(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			s.log.WithError(err).WithField("worker", workerID).Error("Job processing error")
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.opts.PollInterval):
		}
	}
}

// Run recovers abandoned jobs, installs the periodic registration and serves
// the queue until ctx ends
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recoverStale(ctx); err != nil {
		return fmt.Errorf("recover abandoned jobs: %w", err)
	}
	if s.opts.SyncInterval > 0 {
		if _, err := s.store.InstallPeriodic(ctx, PeriodicSyncSchedule, models.JobTypePeriodicSync, s.opts.SyncInterval); err != nil {
			return fmt.Errorf("install periodic sync: %w", err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"workers":       s.opts.Workers,
		"sync_interval": s.opts.SyncInterval,
	}).Info("Job scheduler started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		n := i
		g.Go(func() error { return s.worker(ctx, n) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		for {
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Error("Schedule tick failed")
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()
	s.log.Info("Job scheduler stopped")
	return err
}
