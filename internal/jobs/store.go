// Package jobs is the durable background queue: a jobs table claimed
// optimistically by a fixed pool of workers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luo-one/mailsync/internal/database/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUnknownJobType is returned for a job no handler exists for
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrJobNotFound indicates the job was not found
	ErrJobNotFound = errors.New("job not found")

	errLeaseExpired = errors.New("lease expired: worker stopped without finishing")
)

// PeriodicSyncSchedule is the registration name of the recurring sync trigger
const PeriodicSyncSchedule = "periodic-sync"

// DefaultLease is how long a job may stay active before it is presumed
// abandoned by its worker
const DefaultLease = 30 * time.Minute

// EnqueueRequest describes a job to add
type EnqueueRequest struct {
	Type        string
	Payload     models.JobPayload
	AccountID   *uint
	RunAt       time.Time // zero means now
	MaxAttempts int       // zero means the store default
}

// Filter narrows List
type Filter struct {
	Status models.JobStatus
	Type   string
	Limit  int
}

// Store persists jobs and schedules
type Store struct {
	db          *gorm.DB
	maxAttempts int
	lease       time.Duration
	now         func() time.Time
}

// NewStore creates a Store. maxAttempts applies to jobs enqueued without one.
func NewStore(db *gorm.DB, maxAttempts int) *Store {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Store{db: db, maxAttempts: maxAttempts, lease: DefaultLease, now: time.Now}
}

// SetLease changes how long an active job is trusted to its worker.
// It must exceed the longest expected run.
func (s *Store) SetLease(d time.Duration) {
	if d > 0 {
		s.lease = d
	}
}

// requeueStale puts active jobs whose lease ran out back in the queue, or
// fails them when the abandoned run was their last attempt.
func (s *Store) requeueStale(tx *gorm.DB, scope func(*gorm.DB) *gorm.DB) (requeued, failed int64, err error) {
	now := s.now()
	stale := func() *gorm.DB {
		return scope(tx.Model(&models.Job{}).
			Where("status = ? AND started_at < ?", models.JobActive, now.Add(-s.lease)))
	}

	res := stale().Where("attempts >= max_attempts").Updates(map[string]interface{}{
		"status":      models.JobFailed,
		"finished_at": now,
		"last_error":  errLeaseExpired.Error(),
	})
	if res.Error != nil {
		return 0, 0, res.Error
	}
	failed = res.RowsAffected

	res = stale().Updates(map[string]interface{}{
		"status":     models.JobQueued,
		"run_at":     now,
		"worker_id":  "",
		"last_error": errLeaseExpired.Error(),
	})
	if res.Error != nil {
		return 0, failed, res.Error
	}
	return res.RowsAffected, failed, nil
}

// RequeueStale recovers every job abandoned by a crashed or stopped worker
func (s *Store) RequeueStale(ctx context.Context) (requeued, failed int64, err error) {
	return s.requeueStale(s.db.WithContext(ctx), func(q *gorm.DB) *gorm.DB { return q })
}

func knownType(t string) bool {
	switch t {
	case models.JobTypeSyncAccount, models.JobTypeSyncAll, models.JobTypePeriodicSync:
		return true
	}
	return false
}

// Enqueue adds a job. When a queued or active job of the same type and
// account exists, that job is returned instead and created is false. An
// active job past its lease does not count; it is requeued first.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (job *models.Job, created bool, err error) {
	if !knownType(req.Type) {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownJobType, req.Type)
	}
	if req.Type == models.JobTypeSyncAccount && req.AccountID == nil {
		return nil, false, fmt.Errorf("sync_account job needs an account id")
	}

	now := s.now()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}
	payload := req.Payload
	if payload == nil {
		payload = models.JobPayload{}
	}
	if req.AccountID != nil {
		payload["account_id"] = *req.AccountID
	}

	sameKey := func(q *gorm.DB) *gorm.DB {
		q = q.Where("type = ?", req.Type)
		if req.AccountID != nil {
			return q.Where("account_id = ?", *req.AccountID)
		}
		return q.Where("account_id IS NULL")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := s.requeueStale(tx, sameKey); err != nil {
			return err
		}

		var existing models.Job
		err := sameKey(tx.Where("status IN ?", []models.JobStatus{models.JobQueued, models.JobActive})).
			Order("id").First(&existing).Error
		if err == nil {
			job = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		job = &models.Job{
			Type:        req.Type,
			Payload:     payload,
			AccountID:   req.AccountID,
			Status:      models.JobQueued,
			MaxAttempts: maxAttempts,
			RunAt:       runAt,
		}
		created = true
		return tx.Create(job).Error
	})
	if err != nil {
		return nil, false, err
	}
	return job, created, nil
}

// EnqueueSyncAccount queues a pass for one account
func (s *Store) EnqueueSyncAccount(ctx context.Context, accountID uint) (*models.Job, bool, error) {
	return s.Enqueue(ctx, EnqueueRequest{Type: models.JobTypeSyncAccount, AccountID: &accountID})
}

// EnqueueSyncAll queues a fan-out over every sync-enabled account
func (s *Store) EnqueueSyncAll(ctx context.Context) (*models.Job, bool, error) {
	return s.Enqueue(ctx, EnqueueRequest{Type: models.JobTypeSyncAll})
}

// ClaimNext moves the oldest due queued job to active for workerID. It
// returns nil when nothing is due. Losing a race to another worker moves on
// to the next candidate.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	db := s.db.WithContext(ctx)
	for i := 0; i < 5; i++ {
		now := s.now()
		var candidate models.Job
		err := db.Where("status = ? AND run_at <= ?", models.JobQueued, now).
			Order("run_at, id").First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res := db.Model(&models.Job{}).
			Where("id = ? AND status = ?", candidate.ID, models.JobQueued).
			Updates(map[string]interface{}{
				"status":     models.JobActive,
				"worker_id":  workerID,
				"started_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			candidate.Status = models.JobActive
			candidate.WorkerID = workerID
			candidate.StartedAt = &now
			candidate.Attempts++
			return &candidate, nil
		}
	}
	return nil, nil
}

// finish only touches the job while workerID still holds it; a run that
// outlived its lease has lost it.
func (s *Store) finish(ctx context.Context, job *models.Job, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND worker_id = ?", job.ID, models.JobActive, job.WorkerID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d is not active", ErrJobNotFound, job.ID)
	}
	return nil
}

// Complete marks an active job done
func (s *Store) Complete(ctx context.Context, job *models.Job) error {
	now := s.now()
	if err := s.finish(ctx, job, map[string]interface{}{
		"status":      models.JobCompleted,
		"finished_at": now,
		"last_error":  "",
	}); err != nil {
		return err
	}
	job.Status = models.JobCompleted
	job.FinishedAt = &now
	return nil
}

// Retry puts an active job back in the queue after delay
func (s *Store) Retry(ctx context.Context, job *models.Job, cause error, delay time.Duration) error {
	runAt := s.now().Add(delay)
	if err := s.finish(ctx, job, map[string]interface{}{
		"status":     models.JobQueued,
		"run_at":     runAt,
		"last_error": cause.Error(),
		"worker_id":  "",
	}); err != nil {
		return err
	}
	job.Status = models.JobQueued
	job.RunAt = runAt
	job.LastError = cause.Error()
	return nil
}

// Release returns an interrupted job to the queue at once without charging
// the attempt
func (s *Store) Release(ctx context.Context, job *models.Job) error {
	runAt := s.now()
	if err := s.finish(ctx, job, map[string]interface{}{
		"status":    models.JobQueued,
		"run_at":    runAt,
		"worker_id": "",
		"attempts":  gorm.Expr("attempts - 1"),
	}); err != nil {
		return err
	}
	job.Status = models.JobQueued
	job.RunAt = runAt
	job.Attempts--
	return nil
}

// Fail marks an active job terminally failed
func (s *Store) Fail(ctx context.Context, job *models.Job, cause error) error {
	now := s.now()
	if err := s.finish(ctx, job, map[string]interface{}{
		"status":      models.JobFailed,
		"finished_at": now,
		"last_error":  cause.Error(),
	}); err != nil {
		return err
	}
	job.Status = models.JobFailed
	job.FinishedAt = &now
	job.LastError = cause.Error()
	return nil
}

// Get returns one job
func (s *Store) Get(ctx context.Context, id uint) (*models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// List returns jobs newest first
func (s *Store) List(ctx context.Context, f Filter) ([]models.Job, error) {
	q := s.db.WithContext(ctx).Model(&models.Job{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	var jobs []models.Job
	if err := q.Order("id DESC").Limit(f.Limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Stats counts jobs per status; every status is present. Active jobs past
// their lease are left out until they are requeued.
func (s *Store) Stats(ctx context.Context) (map[models.JobStatus]int64, error) {
	type row struct {
		Status models.JobStatus
		Count  int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("status <> ? OR started_at >= ?", models.JobActive, s.now().Add(-s.lease)).
		Select("status, COUNT(*) AS count").Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	stats := map[models.JobStatus]int64{
		models.JobQueued:    0,
		models.JobActive:    0,
		models.JobCompleted: 0,
		models.JobFailed:    0,
	}
	for _, r := range rows {
		stats[r.Status] = r.Count
	}
	return stats, nil
}

// InstallPeriodic replaces the registration named name. The first occurrence
// fires at once. The unique name index keeps it a singleton across processes.
func (s *Store) InstallPeriodic(ctx context.Context, name, jobType string, interval time.Duration) (*models.JobSchedule, error) {
	if !knownType(jobType) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	schedule := &models.JobSchedule{
		Name:      name,
		JobType:   jobType,
		Interval:  interval,
		NextRunAt: s.now(),
	}
	// a concurrent install that wins the insert is overwritten, not an error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("name = ?", name).Delete(&models.JobSchedule{}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"job_type", "interval", "next_run_at", "updated_at"}),
		}).Create(schedule).Error
	})
	if err != nil {
		return nil, err
	}
	return schedule, nil
}

// Schedules lists the registrations
func (s *Store) Schedules(ctx context.Context) ([]models.JobSchedule, error) {
	var out []models.JobSchedule
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FireDue enqueues one job per due registration and advances it. Advancing
// is conditional on the old next-run time, so concurrent processes fire a
// registration once.
func (s *Store) FireDue(ctx context.Context) ([]*models.Job, error) {
	now := s.now()
	var due []models.JobSchedule
	if err := s.db.WithContext(ctx).Where("next_run_at <= ?", now).Order("id").Find(&due).Error; err != nil {
		return nil, err
	}

	var fired []*models.Job
	for _, sch := range due {
		interval := sch.Interval
		if interval <= 0 {
			interval = time.Minute
		}
		res := s.db.WithContext(ctx).Model(&models.JobSchedule{}).
			Where("id = ? AND next_run_at <= ?", sch.ID, now).
			Update("next_run_at", now.Add(interval))
		if res.Error != nil {
			return fired, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		job, _, err := s.Enqueue(ctx, EnqueueRequest{
			Type:    sch.JobType,
			Payload: models.JobPayload{"schedule": sch.Name},
		})
		if err != nil {
			return fired, err
		}
		fired = append(fired, job)
	}
	return fired, nil
}

// Cleanup deletes finished jobs past their retention
func (s *Store) Cleanup(ctx context.Context, retainCompleted, retainFailed time.Duration) (int64, error) {
	now := s.now()
	var removed int64
	for status, keep := range map[models.JobStatus]time.Duration{
		models.JobCompleted: retainCompleted,
		models.JobFailed:    retainFailed,
	} {
		if keep <= 0 {
			continue
		}
		res := s.db.WithContext(ctx).
			Where("status = ? AND finished_at < ?", status, now.Add(-keep)).
			Delete(&models.Job{})
		if res.Error != nil {
			return removed, res.Error
		}
		removed += res.RowsAffected
	}
	return removed, nil
}
