package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/luo-one/mailsync/internal/config"
	"github.com/luo-one/mailsync/internal/database"
	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/logging"
	"github.com/luo-one/mailsync/internal/provider"
	"github.com/luo-one/mailsync/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "jobs.db"),
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	return db
}

type fakeSyncer struct {
	mu    sync.Mutex
	errs  []error // returned in order, then nil
	calls []uint
}

func (f *fakeSyncer) SyncAccount(_ context.Context, accountID uint) (*services.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, accountID)
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	return &services.SyncResult{AccountID: accountID}, err
}

type fakeLister struct {
	ids []uint
}

func (f fakeLister) ListSyncEnabled() ([]models.EmailAccount, error) {
	out := make([]models.EmailAccount, len(f.ids))
	for i, id := range f.ids {
		out[i] = models.EmailAccount{ID: id}
	}
	return out, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newScheduler(t *testing.T, syncer Syncer, lister AccountLister) (*Scheduler, *Store, *clock) {
	db := setupTestDB(t)
	store := NewStore(db, 3)
	c := &clock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	store.now = c.now
	s := NewScheduler(store, syncer, lister, Options{BackoffBase: 30 * time.Second, BackoffMax: time.Hour},
		logging.Component(logging.Discard(), "jobs"))
	return s, store, c
}

func TestRetryDelay_Exponential(t *testing.T) {
	s, _, _ := newScheduler(t, &fakeSyncer{}, fakeLister{})
	assert.Equal(t, 30*time.Second, s.RetryDelay(1))
	assert.Equal(t, 60*time.Second, s.RetryDelay(2))
	assert.Equal(t, 120*time.Second, s.RetryDelay(3))
	// capped
	assert.Equal(t, time.Hour, s.RetryDelay(20))
}

func TestSyncJob_RetriesThenSucceeds(t *testing.T) {
	syncer := &fakeSyncer{errs: []error{provider.ErrTransient}}
	s, store, c := newScheduler(t, syncer, fakeLister{})
	ctx := context.Background()

	job, created, err := store.EnqueueSyncAccount(ctx, 7)
	require.NoError(t, err)
	require.True(t, created)

	ran, err := s.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ran)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.RunAt.Equal(c.t.Add(30*time.Second)))

	// not yet due
	ran, err = s.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ran)

	c.advance(30 * time.Second)
	ran, err = s.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, ran)

	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, []uint{7, 7}, syncer.calls)
}

func TestSyncJob_FailsAfterThreeAttempts(t *testing.T) {
	boom := errors.New("imap timeout")
	syncer := &fakeSyncer{errs: []error{boom, boom, boom, boom}}
	s, store, c := newScheduler(t, syncer, fakeLister{})
	ctx := context.Background()

	job, _, err := store.EnqueueSyncAccount(ctx, 1)
	require.NoError(t, err)

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		before := c.t
		ran, err := s.ProcessNext(ctx, "w")
		require.NoError(t, err)
		require.True(t, ran)
		got, _ := store.Get(ctx, job.ID)
		if got.Status == models.JobQueued {
			delays = append(delays, got.RunAt.Sub(before))
			c.t = got.RunAt
		}
	}

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "imap timeout", got.LastError)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, delays)

	ran, err := s.ProcessNext(ctx, "w")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Len(t, syncer.calls, 3)
}

func TestSyncJob_AuthErrorFailsAtOnce(t *testing.T) {
	syncer := &fakeSyncer{errs: []error{fmt.Errorf("refresh: %w", provider.ErrAuth)}}
	s, store, _ := newScheduler(t, syncer, fakeLister{})
	ctx := context.Background()

	job, _, err := store.EnqueueSyncAccount(ctx, 1)
	require.NoError(t, err)
	_, err = s.ProcessNext(ctx, "w")
	require.NoError(t, err)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestFanOut_EnqueuesPerAccountWithoutSyncing(t *testing.T) {
	syncer := &fakeSyncer{}
	s, store, _ := newScheduler(t, syncer, fakeLister{ids: []uint{1, 2, 3}})
	ctx := context.Background()

	// account 2 already has a pending pass
	existing, _, err := store.EnqueueSyncAccount(ctx, 2)
	require.NoError(t, err)

	all, _, err := store.EnqueueSyncAll(ctx)
	require.NoError(t, err)
	require.NoError(t, store.db.Model(all).Update("run_at", store.now().Add(-time.Minute)).Error)

	ran, err := s.ProcessNext(ctx, "w")
	require.NoError(t, err)
	require.True(t, ran)
	assert.Empty(t, syncer.calls)

	queued, err := store.List(ctx, Filter{Status: models.JobQueued, Type: models.JobTypeSyncAccount})
	require.NoError(t, err)
	assert.Len(t, queued, 3)
	var ids []uint
	for _, j := range queued {
		ids = append(ids, *j.AccountID)
	}
	assert.ElementsMatch(t, []uint{1, 2, 3}, ids)

	again, created, err := store.EnqueueSyncAccount(ctx, 2)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing.ID, again.ID)
}

func TestEnqueue_DedupOnlyWhilePending(t *testing.T) {
	s, store, _ := newScheduler(t, &fakeSyncer{}, fakeLister{})
	ctx := context.Background()

	first, created, err := store.EnqueueSyncAccount(ctx, 5)
	require.NoError(t, err)
	require.True(t, created)

	// active still dedups
	claimed, err := store.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)
	dup, created, err := store.EnqueueSyncAccount(ctx, 5)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	require.NoError(t, store.Complete(ctx, claimed))
	next, created, err := store.EnqueueSyncAccount(ctx, 5)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, next.ID)

	_, _, err = store.Enqueue(ctx, EnqueueRequest{Type: "rebuild_index"})
	assert.ErrorIs(t, err, ErrUnknownJobType)
	_ = s
}

func TestClaim_ConcurrentWorkersNeverShareAJob(t *testing.T) {
	_, store, _ := newScheduler(t, &fakeSyncer{}, fakeLister{})
	ctx := context.Background()
	for i := uint(1); i <= 10; i++ {
		_, _, err := store.EnqueueSyncAccount(ctx, i)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[uint]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				job, err := store.ClaimNext(ctx, fmt.Sprintf("w%d", w))
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	for id, n := range seen {
		assert.Equal(t, 1, n, "job %d claimed %d times", id, n)
	}
}

func TestInstallPeriodic_Singleton(t *testing.T) {
	_, store, _ := newScheduler(t, &fakeSyncer{}, fakeLister{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.InstallPeriodic(ctx, PeriodicSyncSchedule, models.JobTypePeriodicSync, 5*time.Minute)
		require.NoError(t, err)
	}
	// the database itself refuses a second row with the name
	err := store.db.Create(&models.JobSchedule{Name: PeriodicSyncSchedule, JobType: models.JobTypePeriodicSync}).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	schedules, err := store.Schedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, 5*time.Minute, schedules[0].Interval)
}

func TestFireDue_OncePerInterval(t *testing.T) {
	s, store, c := newScheduler(t, &fakeSyncer{}, fakeLister{ids: []uint{1}})
	ctx := context.Background()
	_, err := store.InstallPeriodic(ctx, PeriodicSyncSchedule, models.JobTypePeriodicSync, 5*time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Tick(ctx))
	require.NoError(t, s.Tick(ctx))
	periodic, err := store.List(ctx, Filter{Type: models.JobTypePeriodicSync})
	require.NoError(t, err)
	assert.Len(t, periodic, 1)

	// run it, then the next interval fires again
	ran, err := s.ProcessNext(ctx, "w")
	require.NoError(t, err)
	require.True(t, ran)
	c.advance(5 * time.Minute)
	require.NoError(t, s.Tick(ctx))
	periodic, err = store.List(ctx, Filter{Type: models.JobTypePeriodicSync})
	require.NoError(t, err)
	assert.Len(t, periodic, 2)
}

func TestCleanup_Retention(t *testing.T) {
	_, store, c := newScheduler(t, &fakeSyncer{}, fakeLister{})
	ctx := context.Background()

	old := c.t.Add(-48 * time.Hour)
	recent := c.t.Add(-time.Hour)
	for _, j := range []models.Job{
		{Type: models.JobTypeSyncAll, Status: models.JobCompleted, FinishedAt: &old},
		{Type: models.JobTypeSyncAll, Status: models.JobCompleted, FinishedAt: &recent},
		{Type: models.JobTypeSyncAll, Status: models.JobFailed, FinishedAt: &old},
		{Type: models.JobTypeSyncAll, Status: models.JobQueued},
	} {
		job := j
		require.NoError(t, store.db.Create(&job).Error)
	}

	removed, err := store.Cleanup(ctx, 24*time.Hour, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[models.JobCompleted])
	assert.Equal(t, int64(1), stats[models.JobFailed])
	assert.Equal(t, int64(1), stats[models.JobQueued])
	assert.Equal(t, int64(0), stats[models.JobActive])
}

func TestRun_StopsOnCancel(t *testing.T) {
	syncer := &fakeSyncer{}
	s, store, _ := newScheduler(t, syncer, fakeLister{ids: []uint{1}})
	store.now = time.Now
	s.opts.Workers = 2
	s.opts.PollInterval = 10 * time.Millisecond
	s.opts.SyncInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// periodic fires at once and fans out to account 1
	require.Eventually(t, func() bool {
		syncer.mu.Lock()
		defer syncer.mu.Unlock()
		return len(syncer.calls) > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

// Property: a job that always fails runs exactly MaxAttempts times and ends failed
func TestProperty_AttemptsNeverExceedMax(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 10
	properties := gopter.NewProperties(parameters)

	properties.Property("bounded attempts", prop.ForAll(
		func(max int) bool {
			errs := make([]error, 10)
			for i := range errs {
				errs[i] = errors.New("down")
			}
			syncer := &fakeSyncer{errs: errs}
			s, store, c := newScheduler(t, syncer, fakeLister{})
			ctx := context.Background()
			job, _, err := store.Enqueue(ctx, EnqueueRequest{Type: models.JobTypeSyncAccount, AccountID: uintPtr(1), MaxAttempts: max})
			if err != nil {
				return false
			}
			for i := 0; i < 10; i++ {
				c.advance(24 * time.Hour)
				if _, err := s.ProcessNext(ctx, "w"); err != nil {
					return false
				}
			}
			got, err := store.Get(ctx, job.ID)
			return err == nil && got.Status == models.JobFailed && got.Attempts == max && len(syncer.calls) == max
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func uintPtr(v uint) *uint { return &v }

// cancellingSyncer simulates a shutdown arriving mid-pass
type cancellingSyncer struct {
	cancel context.CancelFunc
}

func (c cancellingSyncer) SyncAccount(ctx context.Context, accountID uint) (*services.SyncResult, error) {
	c.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestShutdown_ReleasesInterruptedJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, store, _ := newScheduler(t, cancellingSyncer{cancel: cancel}, fakeLister{})

	job, _, err := store.EnqueueSyncAccount(context.Background(), 4)
	require.NoError(t, err)

	ran, err := s.ProcessNext(ctx, "w")
	require.NoError(t, err)
	assert.True(t, ran)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.WorkerID)

	// the next process picks it up again
	again, created, err := store.EnqueueSyncAccount(context.Background(), 4)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, again.ID)
	claimed, err := store.ClaimNext(context.Background(), "w2")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestLease_AbandonedJobIsRequeued(t *testing.T) {
	syncer := &fakeSyncer{}
	s, store, c := newScheduler(t, syncer, fakeLister{})
	store.SetLease(10 * time.Minute)
	ctx := context.Background()

	job, _, err := store.EnqueueSyncAccount(ctx, 8)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx, "crashed-worker")
	require.NoError(t, err)

	// inside the lease the job still belongs to its worker
	c.advance(5 * time.Minute)
	dup, created, err := store.EnqueueSyncAccount(ctx, 8)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.JobActive, dup.Status)
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[models.JobActive])

	c.advance(10 * time.Minute)
	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats[models.JobActive])

	requeued, failed, err := store.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)
	assert.Equal(t, int64(0), failed)

	ran, err := s.ProcessNext(ctx, "w")
	require.NoError(t, err)
	require.True(t, ran)
	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, []uint{8}, syncer.calls)
}

func TestLease_LateWorkerCannotFinishReclaimedJob(t *testing.T) {
	_, store, c := newScheduler(t, &fakeSyncer{}, fakeLister{})
	store.SetLease(time.Minute)
	ctx := context.Background()

	_, _, err := store.EnqueueSyncAccount(ctx, 2)
	require.NoError(t, err)
	slow, err := store.ClaimNext(ctx, "slow")
	require.NoError(t, err)

	c.advance(2 * time.Minute)
	_, _, err = store.RequeueStale(ctx)
	require.NoError(t, err)
	fresh, err := store.ClaimNext(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, slow.ID, fresh.ID)

	assert.ErrorIs(t, store.Complete(ctx, slow), ErrJobNotFound)
	require.NoError(t, store.Complete(ctx, fresh))
}

func TestLease_ExhaustedAbandonedJobFails(t *testing.T) {
	_, store, c := newScheduler(t, &fakeSyncer{}, fakeLister{})
	store.SetLease(time.Minute)
	ctx := context.Background()

	job, _, err := store.Enqueue(ctx, EnqueueRequest{Type: models.JobTypeSyncAccount, AccountID: uintPtr(3), MaxAttempts: 1})
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx, "gone")
	require.NoError(t, err)

	c.advance(2 * time.Minute)
	// enqueueing for the account recovers the row first, so a fresh job is created
	next, created, err := store.EnqueueSyncAccount(ctx, 3)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, job.ID, next.ID)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.LastError, "lease expired")
}

func TestLease_PeriodicTriggerSurvivesDeadWorker(t *testing.T) {
	s, store, c := newScheduler(t, &fakeSyncer{}, fakeLister{ids: []uint{1}})
	store.SetLease(10 * time.Minute)
	ctx := context.Background()

	_, err := store.InstallPeriodic(ctx, PeriodicSyncSchedule, models.JobTypePeriodicSync, 5*time.Minute)
	require.NoError(t, err)
	fired, err := store.FireDue(ctx)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	_, err = store.ClaimNext(ctx, "dead")
	require.NoError(t, err)

	// a restart reinstalls the registration; later ticks must fire a runnable job
	_, err = store.InstallPeriodic(ctx, PeriodicSyncSchedule, models.JobTypePeriodicSync, 5*time.Minute)
	require.NoError(t, err)
	c.advance(15 * time.Minute)
	require.NoError(t, s.Tick(ctx))

	claimed, err := store.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, models.JobTypePeriodicSync, claimed.Type)
}
