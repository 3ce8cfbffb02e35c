package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaydist/relay/internal/models"
	"github.com/relaydist/relay/internal/testutil"
	"github.com/relaydist/relay/internal/trigger"
)

// recordingRunner captures job runs and fails on demand.
type recordingRunner struct {
	mu   sync.Mutex
	runs []uint
	err  error
}

func (r *recordingRunner) Run(ctx context.Context, job *models.CronJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, job.ID)
	return r.err
}

func setupCron(t *testing.T) (*gorm.DB, *CronService, *trigger.FakeClock, *trigger.MemoryBus, *recordingRunner) {
	t.Helper()
	db := testutil.OpenDB(t)
	require.NoError(t, db.Create(&models.Project{Name: "test", OwnerID: "admin"}).Error)

	clock := trigger.NewFakeClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	bus := trigger.NewMemoryBus()
	svc := NewCronService(db, zap.NewNop(), clock, bus, time.Minute)
	runner := &recordingRunner{}
	svc.SetRunner(runner)
	return db, svc, clock, bus, runner
}

func dailyJob(name string, hour int) JobInput {
	return JobInput{
		Name:      name,
		JobType:   "queue_sweep",
		Frequency: models.FrequencyDaily,
		Hour:      hour,
		Minute:    0,
	}
}

func TestCronCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("Applies Defaults And Computes Next Run", func(t *testing.T) {
		_, svc, clock, _, _ := setupCron(t)

		job, err := svc.Create(ctx, 1, dailyJob("digest", 9))
		require.NoError(t, err)
		assert.Equal(t, "UTC", job.Timezone)
		assert.Equal(t, 3, job.MaxRetries)
		assert.Equal(t, "5m", job.RetryDelay)
		assert.True(t, job.IsEnabled)
		assert.False(t, job.IsRunning)

		// Created at 12:00, so 09:00 lands tomorrow.
		require.NotNil(t, job.NextRunAt)
		assert.Equal(t, clock.Now().AddDate(0, 0, 1).Truncate(24*time.Hour).Add(9*time.Hour), job.NextRunAt.UTC())
	})

	t.Run("Rejects Invalid Time Config", func(t *testing.T) {
		_, svc, _, _, _ := setupCron(t)
		_, err := svc.Create(ctx, 1, dailyJob("bad", 25))
		assert.True(t, IsKind(err, KindValidation))
	})
}

func TestCronUpdate(t *testing.T) {
	ctx := context.Background()
	_, svc, _, _, _ := setupCron(t)

	job, err := svc.Create(ctx, 1, dailyJob("digest", 9))
	require.NoError(t, err)
	originalNext := *job.NextRunAt

	t.Run("Name Change Keeps The Schedule", func(t *testing.T) {
		name := "evening digest"
		updated, err := svc.Update(ctx, 1, job.ID, JobPatch{Name: &name})
		require.NoError(t, err)
		assert.Equal(t, "evening digest", updated.Name)
		assert.True(t, updated.NextRunAt.Equal(originalNext))
	})

	t.Run("Time Change Recomputes Next Run", func(t *testing.T) {
		hour := 18
		updated, err := svc.Update(ctx, 1, job.ID, JobPatch{Hour: &hour})
		require.NoError(t, err)
		assert.Equal(t, 18, updated.NextRunAt.UTC().Hour())
	})

	t.Run("Invalid Patch Is Rejected", func(t *testing.T) {
		hour := -1
		_, err := svc.Update(ctx, 1, job.ID, JobPatch{Hour: &hour})
		assert.True(t, IsKind(err, KindValidation))
	})
}

func TestCronUpdateKeepsRunningFlag(t *testing.T) {
	ctx := context.Background()
	db, svc, _, _, _ := setupCron(t)

	job, err := svc.Create(ctx, 1, dailyJob("digest", 9))
	require.NoError(t, err)

	// Simulate an execution in flight between the update's read and write.
	require.NoError(t, db.Model(&models.CronJob{}).
		Where("id = ?", job.ID).
		Update("is_running", true).Error)

	name := "renamed digest"
	_, err = svc.Update(ctx, 1, job.ID, JobPatch{Name: &name})
	require.NoError(t, err)

	var reloaded models.CronJob
	require.NoError(t, db.First(&reloaded, job.ID).Error)
	assert.Equal(t, "renamed digest", reloaded.Name)
	assert.True(t, reloaded.IsRunning)
}

func TestCronOwnership(t *testing.T) {
	ctx := context.Background()
	_, svc, _, _, _ := setupCron(t)

	job, err := svc.Create(ctx, 1, dailyJob("digest", 9))
	require.NoError(t, err)

	_, err = svc.Get(ctx, 2, job.ID)
	assert.True(t, IsKind(err, KindForbidden))

	_, err = svc.Get(ctx, 1, 999)
	assert.True(t, IsKind(err, KindNotFound))
}

func TestTriggerManually(t *testing.T) {
	ctx := context.Background()

	t.Run("Runs And Records The Execution", func(t *testing.T) {
		db, svc, clock, _, runner := setupCron(t)
		job, err := svc.Create(ctx, 1, dailyJob("digest", 9))
		require.NoError(t, err)

		execution, err := svc.TriggerManually(ctx, 1, job.ID, "alex")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionSuccess, execution.Status)
		assert.Equal(t, "manual:alex", execution.TriggeredBy)
		assert.NotNil(t, execution.CompletedAt)
		assert.Equal(t, []uint{job.ID}, runner.runs)

		var reloaded models.CronJob
		require.NoError(t, db.First(&reloaded, job.ID).Error)
		assert.False(t, reloaded.IsRunning)
		require.NotNil(t, reloaded.LastRunAt)
		assert.True(t, reloaded.LastRunAt.Equal(clock.Now()))
	})

	t.Run("Running Job Conflicts Without A Second Execution", func(t *testing.T) {
		db, svc, _, _, runner := setupCron(t)
		job, err := svc.Create(ctx, 1, dailyJob("digest", 9))
		require.NoError(t, err)

		require.NoError(t, db.Model(&models.CronJob{}).
			Where("id = ?", job.ID).
			Update("is_running", true).Error)

		_, err = svc.TriggerManually(ctx, 1, job.ID, "alex")
		assert.True(t, IsKind(err, KindConflict))
		assert.Empty(t, runner.runs)

		var executions int64
		require.NoError(t, db.Model(&models.CronExecution{}).Count(&executions).Error)
		assert.Zero(t, executions)
	})

	t.Run("Handler Failure Is Recorded, Job Stays Enabled", func(t *testing.T) {
		db, svc, _, _, runner := setupCron(t)
		runner.err = errors.New("downstream broke")
		job, err := svc.Create(ctx, 1, dailyJob("digest", 9))
		require.NoError(t, err)

		execution, err := svc.TriggerManually(ctx, 1, job.ID, "alex")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionFailure, execution.Status)
		assert.Equal(t, "downstream broke", execution.Error)

		var reloaded models.CronJob
		require.NoError(t, db.First(&reloaded, job.ID).Error)
		assert.True(t, reloaded.IsEnabled)
		assert.False(t, reloaded.IsRunning)
	})
}

func TestHandleTrigger(t *testing.T) {
	ctx := context.Background()

	t.Run("Disabled Job Is Skipped", func(t *testing.T) {
		db, svc, _, _, runner := setupCron(t)
		job, err := svc.Create(ctx, 1, dailyJob("digest", 9))
		require.NoError(t, err)
		_, err = svc.Toggle(ctx, 1, job.ID, false)
		require.NoError(t, err)

		evt := trigger.NewEvent(trigger.SubjectJobExecute)
		evt.JobID = job.ID
		svc.HandleTrigger(ctx, evt)

		assert.Empty(t, runner.runs)
		var executions int64
		require.NoError(t, db.Model(&models.CronExecution{}).Count(&executions).Error)
		assert.Zero(t, executions)
	})

	t.Run("Unknown Job Is Ignored", func(t *testing.T) {
		_, svc, _, _, runner := setupCron(t)
		evt := trigger.NewEvent(trigger.SubjectJobExecute)
		evt.JobID = 404
		svc.HandleTrigger(ctx, evt)
		assert.Empty(t, runner.runs)
	})

	t.Run("Defaults The Actor To Scheduler", func(t *testing.T) {
		db, svc, _, _, _ := setupCron(t)
		job, err := svc.Create(ctx, 1, dailyJob("digest", 9))
		require.NoError(t, err)

		evt := trigger.NewEvent(trigger.SubjectJobExecute)
		evt.JobID = job.ID
		svc.HandleTrigger(ctx, evt)

		var execution models.CronExecution
		require.NoError(t, db.Where("job_id = ?", job.ID).First(&execution).Error)
		assert.Equal(t, "scheduler", execution.TriggeredBy)
	})
}

func TestToggle(t *testing.T) {
	ctx := context.Background()
	db, svc, clock, _, _ := setupCron(t)

	job, err := svc.Create(ctx, 1, dailyJob("digest", 9))
	require.NoError(t, err)

	_, err = svc.Toggle(ctx, 1, job.ID, false)
	require.NoError(t, err)

	// While disabled, several occurrences pass.
	clock.Advance(72 * time.Hour)

	enabled, err := svc.Toggle(ctx, 1, job.ID, true)
	require.NoError(t, err)
	require.NotNil(t, enabled.NextRunAt)
	// Re-anchored: strictly in the future, not a backlog of missed firings.
	assert.True(t, enabled.NextRunAt.After(clock.Now()))

	var reloaded models.CronJob
	require.NoError(t, db.First(&reloaded, job.ID).Error)
	assert.True(t, reloaded.IsEnabled)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	db, svc, clock, bus, _ := setupCron(t)

	var mu sync.Mutex
	var fired []uint
	require.NoError(t, bus.Subscribe(trigger.SubjectJobExecute, func(ctx context.Context, evt trigger.Event) {
		mu.Lock()
		fired = append(fired, evt.JobID)
		mu.Unlock()
	}))

	job, err := svc.Create(ctx, 1, dailyJob("digest", 9))
	require.NoError(t, err)

	disabled, err := svc.Create(ctx, 1, dailyJob("muted", 9))
	require.NoError(t, err)
	_, err = svc.Toggle(ctx, 1, disabled.ID, false)
	require.NoError(t, err)

	t.Run("Nothing Due Yet", func(t *testing.T) {
		svc.Sweep(ctx)
		assert.Empty(t, fired)
	})

	t.Run("Due Job Fires Once", func(t *testing.T) {
		clock.Advance(24 * time.Hour)
		svc.Sweep(ctx)
		assert.Equal(t, []uint{job.ID}, fired)

		// The next-run CAS already advanced, so a second sweep at the
		// same instant emits nothing.
		svc.Sweep(ctx)
		assert.Equal(t, []uint{job.ID}, fired)

		var reloaded models.CronJob
		require.NoError(t, db.First(&reloaded, job.ID).Error)
		require.NotNil(t, reloaded.NextRunAt)
		assert.True(t, reloaded.NextRunAt.After(clock.Now()))
	})
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	_, svc, _, _, runner := setupCron(t)

	job, err := svc.Create(ctx, 1, dailyJob("digest", 9))
	require.NoError(t, err)

	_, err = svc.TriggerManually(ctx, 1, job.ID, "alex")
	require.NoError(t, err)

	runner.err = errors.New("boom")
	_, err = svc.TriggerManually(ctx, 1, job.ID, "alex")
	require.NoError(t, err)

	stats, err := svc.Statistics(ctx, 1, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalRuns)
	assert.EqualValues(t, 1, stats.SuccessRuns)
	assert.EqualValues(t, 1, stats.FailureRuns)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.001)
	assert.Len(t, stats.LastRuns, 2)

	history, err := svc.ExecutionHistory(ctx, 1, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.ExecutionFailure, history[0].Status)
}
