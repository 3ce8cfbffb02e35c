package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaydist/relay/internal/models"
	"github.com/relaydist/relay/internal/trigger"
)

// Runner executes the work behind one cron job firing. The handler
// registry implements it.
type Runner interface {
	Run(ctx context.Context, job *models.CronJob) error
}

// CronService owns recurring job definitions, computes next-fire times,
// and turns due jobs into trigger events. The single-flight guard is the
// persisted is_running flag, flipped only through a compare-and-swap, so
// it holds across multiple worker processes.
type CronService struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  trigger.Clock
	bus    trigger.Bus
	runner Runner

	sweepInterval time.Duration
	ticker        *time.Ticker
	stopCh        chan struct{}
}

func NewCronService(db *gorm.DB, logger *zap.Logger, clock trigger.Clock, bus trigger.Bus, sweepInterval time.Duration) *CronService {
	return &CronService{
		db:            db,
		logger:        logger.Named("cron"),
		clock:         clock,
		bus:           bus,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// SetRunner wires the handler registry in after construction; handlers
// need the other services, which need this one.
func (s *CronService) SetRunner(r Runner) { s.runner = r }

type JobInput struct {
	Name       string              `json:"name" binding:"required"`
	JobType    string              `json:"job_type" binding:"required"`
	Frequency  models.JobFrequency `json:"frequency" binding:"required"`
	Hour       int                 `json:"hour"`
	Minute     int                 `json:"minute"`
	DayOfWeek  int                 `json:"day_of_week"`
	DayOfMonth int                 `json:"day_of_month"`
	Timezone   string              `json:"timezone"`
	CronExpr   string              `json:"cron_expr"`
	MaxRetries int                 `json:"max_retries"`
	RetryDelay string              `json:"retry_delay"`
	JobConfig  string              `json:"job_config"`
}

type JobPatch struct {
	Name       *string              `json:"name"`
	JobType    *string              `json:"job_type"`
	Frequency  *models.JobFrequency `json:"frequency"`
	Hour       *int                 `json:"hour"`
	Minute     *int                 `json:"minute"`
	DayOfWeek  *int                 `json:"day_of_week"`
	DayOfMonth *int                 `json:"day_of_month"`
	Timezone   *string              `json:"timezone"`
	CronExpr   *string              `json:"cron_expr"`
	MaxRetries *int                 `json:"max_retries"`
	RetryDelay *string              `json:"retry_delay"`
	JobConfig  *string              `json:"job_config"`
}

func (s *CronService) Create(ctx context.Context, projectID uint, in JobInput) (*models.CronJob, error) {
	job := &models.CronJob{
		ProjectID:  projectID,
		Name:       in.Name,
		JobType:    in.JobType,
		Frequency:  in.Frequency,
		Hour:       in.Hour,
		Minute:     in.Minute,
		DayOfWeek:  in.DayOfWeek,
		DayOfMonth: in.DayOfMonth,
		Timezone:   in.Timezone,
		CronExpr:   in.CronExpr,
		IsEnabled:  true,
		MaxRetries: in.MaxRetries,
		RetryDelay: in.RetryDelay,
		JobConfig:  in.JobConfig,
	}
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}
	if job.RetryDelay == "" {
		job.RetryDelay = "5m"
	}
	if job.DayOfMonth == 0 {
		job.DayOfMonth = 1
	}

	if err := ValidateTimeConfig(job); err != nil {
		return nil, err
	}

	next, err := NextRun(job, s.clock.Now())
	if err != nil {
		return nil, err
	}
	job.NextRunAt = &next

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create cron job: %w", err)
	}

	s.logger.Info("Cron job created",
		zap.Uint("job_id", job.ID),
		zap.String("name", job.Name),
		zap.String("frequency", string(job.Frequency)),
		zap.Time("next_run", next))
	return job, nil
}

func (s *CronService) Update(ctx context.Context, projectID, jobID uint, patch JobPatch) (*models.CronJob, error) {
	job, err := s.Get(ctx, projectID, jobID)
	if err != nil {
		return nil, err
	}

	timeChanged := false
	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.JobType != nil {
		job.JobType = *patch.JobType
	}
	if patch.Frequency != nil {
		job.Frequency = *patch.Frequency
		timeChanged = true
	}
	if patch.Hour != nil {
		job.Hour = *patch.Hour
		timeChanged = true
	}
	if patch.Minute != nil {
		job.Minute = *patch.Minute
		timeChanged = true
	}
	if patch.DayOfWeek != nil {
		job.DayOfWeek = *patch.DayOfWeek
		timeChanged = true
	}
	if patch.DayOfMonth != nil {
		job.DayOfMonth = *patch.DayOfMonth
		timeChanged = true
	}
	if patch.Timezone != nil {
		job.Timezone = *patch.Timezone
		timeChanged = true
	}
	if patch.CronExpr != nil {
		job.CronExpr = *patch.CronExpr
		timeChanged = true
	}
	if patch.MaxRetries != nil {
		job.MaxRetries = *patch.MaxRetries
	}
	if patch.RetryDelay != nil {
		job.RetryDelay = *patch.RetryDelay
	}
	if patch.JobConfig != nil {
		job.JobConfig = *patch.JobConfig
	}

	if err := ValidateTimeConfig(job); err != nil {
		return nil, err
	}

	// Only the definition columns are written. is_running, is_enabled and
	// last_run_at stay untouched so an update cannot release the
	// single-flight flag of an execution in progress.
	updates := map[string]interface{}{
		"name":         job.Name,
		"job_type":     job.JobType,
		"frequency":    job.Frequency,
		"hour":         job.Hour,
		"minute":       job.Minute,
		"day_of_week":  job.DayOfWeek,
		"day_of_month": job.DayOfMonth,
		"timezone":     job.Timezone,
		"cron_expr":    job.CronExpr,
		"max_retries":  job.MaxRetries,
		"retry_delay":  job.RetryDelay,
		"job_config":   job.JobConfig,
	}
	if timeChanged {
		next, err := NextRun(job, s.clock.Now())
		if err != nil {
			return nil, err
		}
		job.NextRunAt = &next
		updates["next_run_at"] = next
	}

	if err := s.db.WithContext(ctx).Model(job).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update cron job: %w", err)
	}
	return job, nil
}

// Toggle flips the enabled flag. Disabled jobs are skipped by the sweep;
// their execution history stays.
func (s *CronService) Toggle(ctx context.Context, projectID, jobID uint, enabled bool) (*models.CronJob, error) {
	job, err := s.Get(ctx, projectID, jobID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"is_enabled": enabled}
	if enabled {
		// Re-anchor the schedule so a long-disabled job does not fire
		// immediately for every missed occurrence.
		next, err := NextRun(job, s.clock.Now())
		if err != nil {
			return nil, err
		}
		updates["next_run_at"] = next
		job.NextRunAt = &next
	}
	if err := s.db.WithContext(ctx).Model(job).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to toggle cron job: %w", err)
	}
	job.IsEnabled = enabled
	return job, nil
}

// Delete removes the definition. Executions already recorded (or already
// dispatched) are untouched.
func (s *CronService) Delete(ctx context.Context, projectID, jobID uint) error {
	job, err := s.Get(ctx, projectID, jobID)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(job).Error; err != nil {
		return fmt.Errorf("failed to delete cron job: %w", err)
	}
	return nil
}

func (s *CronService) Get(ctx context.Context, projectID, jobID uint) (*models.CronJob, error) {
	var job models.CronJob
	err := s.db.WithContext(ctx).First(&job, jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundErr("cron job %d not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cron job: %w", err)
	}
	if job.ProjectID != projectID {
		return nil, forbiddenErr("cron job %d belongs to another project", jobID)
	}
	return &job, nil
}

func (s *CronService) List(ctx context.Context, projectID uint) ([]models.CronJob, error) {
	var jobs []models.CronJob
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list cron jobs: %w", err)
	}
	return jobs, nil
}

// TriggerManually bypasses the schedule. It claims the run flag up front
// so a job with a RUNNING execution rejects with a conflict instead of
// queueing a duplicate behind it.
func (s *CronService) TriggerManually(ctx context.Context, projectID, jobID uint, actor string) (*models.CronExecution, error) {
	job, err := s.Get(ctx, projectID, jobID)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, job, "manual:"+actor)
}

// HandleTrigger consumes a job.execute event from the bus. A lost claim
// race here means another worker took the firing; that is a skip, not an
// error.
func (s *CronService) HandleTrigger(ctx context.Context, evt trigger.Event) {
	var job models.CronJob
	err := s.db.WithContext(ctx).First(&job, evt.JobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("Trigger event for unknown job", zap.Uint("job_id", evt.JobID))
		return
	}
	if err != nil {
		s.logger.Error("Failed to load job for trigger event", zap.Error(err))
		return
	}
	if !job.IsEnabled {
		s.logger.Debug("Skipping trigger for disabled job", zap.Uint("job_id", job.ID))
		return
	}

	actor := evt.Actor
	if actor == "" {
		actor = "scheduler"
	}
	if _, err := s.execute(ctx, &job, actor); err != nil {
		if IsKind(err, KindConflict) {
			s.logger.Debug("Job already running, skipping firing", zap.Uint("job_id", job.ID))
			return
		}
		s.logger.Error("Job execution failed",
			zap.Uint("job_id", job.ID),
			zap.Error(err))
	}
}

// execute claims the job's run flag, records one execution, runs the
// handler, and records the outcome. A failed execution never disables
// the job.
func (s *CronService) execute(ctx context.Context, job *models.CronJob, actor string) (*models.CronExecution, error) {
	res := s.db.WithContext(ctx).Model(&models.CronJob{}).
		Where("id = ? AND is_running = ?", job.ID, false).
		Update("is_running", true)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim job run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, conflictErr("job %d already has a running execution", job.ID)
	}

	started := s.clock.Now()
	execution := &models.CronExecution{
		JobID:       job.ID,
		Status:      models.ExecutionRunning,
		TriggeredBy: actor,
		StartedAt:   started,
	}
	if err := s.db.WithContext(ctx).Create(execution).Error; err != nil {
		s.releaseRunFlag(ctx, job.ID)
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	s.logger.Info("Executing job",
		zap.Uint("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.String("triggered_by", actor))

	var runErr error
	if s.runner != nil {
		runErr = s.runner.Run(ctx, job)
	}

	completed := s.clock.Now()
	status := models.ExecutionSuccess
	errMsg := ""
	if runErr != nil {
		status = models.ExecutionFailure
		errMsg = runErr.Error()
	}

	if err := s.db.WithContext(ctx).Model(execution).Updates(map[string]interface{}{
		"status":       status,
		"completed_at": completed,
		"duration_ms":  completed.Sub(started).Milliseconds(),
		"error":        errMsg,
	}).Error; err != nil {
		s.logger.Error("Failed to record execution outcome", zap.Error(err))
	}
	execution.Status = status
	execution.CompletedAt = &completed
	execution.Error = errMsg
	metricJobExecutions.WithLabelValues(string(status)).Inc()

	updates := map[string]interface{}{
		"is_running":  false,
		"last_run_at": started,
	}
	if next, err := NextRun(job, completed); err == nil {
		updates["next_run_at"] = next
	}
	if err := s.db.WithContext(ctx).Model(&models.CronJob{}).
		Where("id = ?", job.ID).
		Updates(updates).Error; err != nil {
		s.logger.Error("Failed to release job run flag", zap.Error(err))
	}

	if runErr != nil {
		s.logger.Warn("Job execution failed",
			zap.Uint("job_id", job.ID),
			zap.Uint("execution_id", execution.ID),
			zap.Error(runErr))
	}
	return execution, nil
}

func (s *CronService) releaseRunFlag(ctx context.Context, jobID uint) {
	if err := s.db.WithContext(ctx).Model(&models.CronJob{}).
		Where("id = ?", jobID).
		Update("is_running", false).Error; err != nil {
		s.logger.Error("Failed to release job run flag", zap.Error(err))
	}
}

// ExecutionHistory returns the most recent firings, newest first.
func (s *CronService) ExecutionHistory(ctx context.Context, projectID, jobID uint, limit int) ([]models.CronExecution, error) {
	if _, err := s.Get(ctx, projectID, jobID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var executions []models.CronExecution
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&executions).Error; err != nil {
		return nil, fmt.Errorf("failed to load execution history: %w", err)
	}
	return executions, nil
}

type JobStatistics struct {
	JobID         uint                   `json:"job_id"`
	TotalRuns     int64                  `json:"total_runs"`
	SuccessRuns   int64                  `json:"success_runs"`
	FailureRuns   int64                  `json:"failure_runs"`
	SuccessRate   float64                `json:"success_rate"`
	AvgDurationMS float64                `json:"avg_duration_ms"`
	LastRuns      []models.CronExecution `json:"last_runs"`
}

func (s *CronService) Statistics(ctx context.Context, projectID, jobID uint) (*JobStatistics, error) {
	if _, err := s.Get(ctx, projectID, jobID); err != nil {
		return nil, err
	}

	stats := &JobStatistics{JobID: jobID}
	base := s.db.WithContext(ctx).Model(&models.CronExecution{}).Where("job_id = ?", jobID)
	if err := base.Count(&stats.TotalRuns).Error; err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.CronExecution{}).
		Where("job_id = ? AND status = ?", jobID, models.ExecutionSuccess).
		Count(&stats.SuccessRuns).Error; err != nil {
		return nil, fmt.Errorf("failed to count successes: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.CronExecution{}).
		Where("job_id = ? AND status = ?", jobID, models.ExecutionFailure).
		Count(&stats.FailureRuns).Error; err != nil {
		return nil, fmt.Errorf("failed to count failures: %w", err)
	}
	if stats.TotalRuns > 0 {
		stats.SuccessRate = float64(stats.SuccessRuns) / float64(stats.TotalRuns)
	}

	var avg *float64
	if err := s.db.WithContext(ctx).Model(&models.CronExecution{}).
		Where("job_id = ? AND status <> ?", jobID, models.ExecutionRunning).
		Select("AVG(duration_ms)").
		Scan(&avg).Error; err != nil {
		return nil, fmt.Errorf("failed to average durations: %w", err)
	}
	if avg != nil {
		stats.AvgDurationMS = *avg
	}

	var recent []models.CronExecution
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("started_at DESC, id DESC").
		Limit(10).
		Find(&recent).Error; err != nil {
		return nil, fmt.Errorf("failed to load recent executions: %w", err)
	}
	stats.LastRuns = recent
	return stats, nil
}

// Sweep finds enabled jobs that are due, advances their next-run time,
// and emits one job.execute event per winner. The next_run_at update is
// a compare-and-swap so concurrent sweeps across processes emit each
// firing once.
func (s *CronService) Sweep(ctx context.Context) {
	now := s.clock.Now()

	var due []models.CronJob
	if err := s.db.WithContext(ctx).
		Where("is_enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Find(&due).Error; err != nil {
		s.logger.Error("Cron sweep query failed", zap.Error(err))
		return
	}

	for i := range due {
		job := &due[i]
		next, err := NextRun(job, now)
		if err != nil {
			s.logger.Error("Failed to compute next run",
				zap.Uint("job_id", job.ID),
				zap.Error(err))
			continue
		}

		res := s.db.WithContext(ctx).Model(&models.CronJob{}).
			Where("id = ? AND next_run_at = ?", job.ID, job.NextRunAt).
			Update("next_run_at", next)
		if res.Error != nil {
			s.logger.Error("Failed to advance next run",
				zap.Uint("job_id", job.ID),
				zap.Error(res.Error))
			continue
		}
		if res.RowsAffected == 0 {
			// Another sweeper already took this firing.
			continue
		}

		evt := trigger.NewEvent(trigger.SubjectJobExecute)
		evt.JobID = job.ID
		evt.Actor = "scheduler"
		if err := s.bus.Enqueue(ctx, evt); err != nil {
			s.logger.Error("Failed to enqueue job trigger",
				zap.Uint("job_id", job.ID),
				zap.Error(err))
		}
	}
}

// Start runs the periodic sweep loop until Stop or context cancellation.
func (s *CronService) Start(ctx context.Context) {
	s.ticker = time.NewTicker(s.sweepInterval)
	go func() {
		s.logger.Info("Starting cron sweep loop",
			zap.Duration("interval", s.sweepInterval))
		for {
			select {
			case <-s.ticker.C:
				s.Sweep(ctx)
			case <-s.stopCh:
				s.logger.Info("Cron sweep loop stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Cron sweep loop cancelled")
				return
			}
		}
	}()
}

func (s *CronService) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
}
