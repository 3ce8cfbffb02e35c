package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaydist/relay/internal/models"
	"github.com/relaydist/relay/internal/trigger"
)

// QueueService holds content-to-platform work items until due and hands
// them out through an atomic claim. Dispatch order among eligible items
// is priority DESC, scheduledFor ASC, id ASC.
type QueueService struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  trigger.Clock
	bus    trigger.Bus
}

func NewQueueService(db *gorm.DB, logger *zap.Logger, clock trigger.Clock, bus trigger.Bus) *QueueService {
	return &QueueService{
		db:     db,
		logger: logger.Named("queue"),
		clock:  clock,
		bus:    bus,
	}
}

type EnqueueInput struct {
	ContentID    uint      `json:"content_id" binding:"required"`
	Platforms    []string  `json:"platforms" binding:"required"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Priority     int       `json:"priority"`
	MaxRetries   int       `json:"max_retries"`
}

// platformKey is the canonical identity of a platform set.
func platformKey(platforms []string) string {
	sorted := append([]string(nil), platforms...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// Enqueue admits approved content into the queue. Rejected or
// still-pending content is refused, and at most one non-terminal item may
// exist per (content, platform set); the unique index on active_key backs
// the in-transaction check under concurrent enqueues.
func (s *QueueService) Enqueue(ctx context.Context, projectID uint, in EnqueueInput) (*models.QueueItem, error) {
	if len(in.Platforms) == 0 {
		return nil, validationErr("platforms must not be empty")
	}

	var content models.ContentItem
	err := s.db.WithContext(ctx).First(&content, in.ContentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundErr("content %d not found", in.ContentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load content: %w", err)
	}
	if content.ProjectID != projectID {
		return nil, forbiddenErr("content %d belongs to another project", in.ContentID)
	}

	var approval models.ContentApproval
	err = s.db.WithContext(ctx).Where("content_id = ?", in.ContentID).First(&approval).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, conflictErr("content %d has not entered the approval pipeline", in.ContentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval: %w", err)
	}
	if approval.Status != models.ApprovalApproved {
		return nil, conflictErr("content %d is %s, only approved content may be queued", in.ContentID, approval.Status)
	}

	scheduledFor := in.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = s.clock.Now()
	}
	maxRetries := in.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	key := platformKey(in.Platforms)
	activeKey := fmt.Sprintf("%d|%s", in.ContentID, key)
	item := &models.QueueItem{
		ProjectID:    projectID,
		ContentID:    in.ContentID,
		Platforms:    in.Platforms,
		PlatformKey:  key,
		ActiveKey:    &activeKey,
		ScheduledFor: scheduledFor,
		Priority:     in.Priority,
		Status:       models.QueuePending,
		MaxRetries:   maxRetries,
	}

	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, conflictErr("content %d already has an active queue item for platforms %s", in.ContentID, key)
		}
		return nil, fmt.Errorf("failed to enqueue item: %w", err)
	}

	s.logger.Info("Item enqueued",
		zap.Uint("item_id", item.ID),
		zap.Uint("content_id", in.ContentID),
		zap.String("platforms", key),
		zap.Time("scheduled_for", scheduledFor))
	return item, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}

// Claim transitions PENDING -> PROCESSING through a three-way
// compare-and-swap on the current status. Exactly one of any number of
// concurrent claims succeeds; the rest observe a lost race and report
// claimed=false without error. The precondition is "status is exactly
// PENDING", so a racing cancel can never be resurrected.
func (s *QueueService) Claim(ctx context.Context, itemID uint) (*models.QueueItem, bool, error) {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("id = ? AND status = ?", itemID, models.QueuePending).
		Updates(map[string]interface{}{
			"status":     models.QueueProcessing,
			"claimed_at": now,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to claim item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		metricQueueClaims.WithLabelValues("lost").Inc()
		return nil, false, nil
	}
	metricQueueClaims.WithLabelValues("won").Inc()

	var item models.QueueItem
	if err := s.db.WithContext(ctx).Preload("Content").First(&item, itemID).Error; err != nil {
		return nil, false, fmt.Errorf("failed to reload claimed item: %w", err)
	}
	return &item, true, nil
}

// Complete marks a claimed item done and releases its active key.
func (s *QueueService) Complete(ctx context.Context, itemID uint) error {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("id = ? AND status = ?", itemID, models.QueueProcessing).
		Updates(map[string]interface{}{
			"status":       models.QueueCompleted,
			"active_key":   nil,
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return conflictErr("item %d is not processing", itemID)
	}
	return nil
}

// Fail records a failed attempt. The item stays visible in FAILED, which
// is retryable; only Retry can put it back to PENDING.
func (s *QueueService) Fail(ctx context.Context, itemID uint, cause string) error {
	res := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("id = ? AND status = ?", itemID, models.QueueProcessing).
		Updates(map[string]interface{}{
			"status":     models.QueueFailed,
			"last_error": cause,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark item failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return conflictErr("item %d is not processing", itemID)
	}
	return nil
}

// Retry puts a PROCESSING or FAILED item back to PENDING and increments
// its retry count. Once the budget is spent, the item stays put and the
// caller gets an exhausted-retries error.
func (s *QueueService) Retry(ctx context.Context, projectID, itemID uint) (*models.QueueItem, error) {
	item, err := s.get(ctx, projectID, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != models.QueueProcessing && item.Status != models.QueueFailed {
		return nil, conflictErr("item %d is %s, cannot retry", itemID, item.Status)
	}
	if item.RetryCount >= item.MaxRetries {
		return nil, exhaustedErr("item %d spent its retry budget (%d/%d)", itemID, item.RetryCount, item.MaxRetries)
	}

	res := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("id = ? AND status = ?", itemID, item.Status).
		Updates(map[string]interface{}{
			"status":      models.QueuePending,
			"retry_count": gorm.Expr("retry_count + 1"),
			"claimed_at":  nil,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to retry item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, conflictErr("item %d changed state during retry", itemID)
	}
	return s.get(ctx, projectID, itemID)
}

// Cancel is terminal and only reachable from PENDING or PROCESSING. The
// status precondition makes a cancel racing a claim safe in either order.
func (s *QueueService) Cancel(ctx context.Context, projectID, itemID uint) error {
	if _, err := s.get(ctx, projectID, itemID); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("id = ? AND status IN ?", itemID,
			[]models.QueueStatus{models.QueuePending, models.QueueProcessing}).
		Updates(map[string]interface{}{
			"status":     models.QueueCancelled,
			"active_key": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to cancel item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return conflictErr("item %d is not cancellable", itemID)
	}
	return nil
}

func (s *QueueService) get(ctx context.Context, projectID, itemID uint) (*models.QueueItem, error) {
	var item models.QueueItem
	err := s.db.WithContext(ctx).First(&item, itemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundErr("queue item %d not found", itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue item: %w", err)
	}
	if item.ProjectID != projectID {
		return nil, forbiddenErr("queue item %d belongs to another project", itemID)
	}
	return &item, nil
}

// DueItems lists eligible PENDING items in dispatch order.
func (s *QueueService) DueItems(ctx context.Context, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []models.QueueItem
	if err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", models.QueuePending, s.clock.Now()).
		Order("priority DESC, scheduled_for ASC, id ASC").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list due items: %w", err)
	}
	return items, nil
}

// Dispatch emits one queue.process event per due item. Claiming happens
// at the consumer, so emitting the same item twice is harmless.
func (s *QueueService) Dispatch(ctx context.Context, limit int) error {
	items, err := s.DueItems(ctx, limit)
	if err != nil {
		return err
	}
	for i := range items {
		evt := trigger.NewEvent(trigger.SubjectQueueProcess)
		evt.ItemID = items[i].ID
		if err := s.bus.Enqueue(ctx, evt); err != nil {
			return fmt.Errorf("failed to enqueue process event: %w", err)
		}
	}
	if len(items) > 0 {
		s.logger.Info("Dispatched due items", zap.Int("count", len(items)))
	}
	return nil
}

type QueueStats struct {
	ProjectID       uint      `json:"project_id"`
	PendingCount    int       `json:"pending_count"`
	ProcessingCount int       `json:"processing_count"`
	CompletedCount  int       `json:"completed_count"`
	FailedCount     int       `json:"failed_count"`
	CancelledCount  int       `json:"cancelled_count"`
	AvgWaitSeconds  float64   `json:"avg_wait_seconds"`
	ThroughputHour  int       `json:"throughput_hour"`
	CapturedAt      time.Time `json:"captured_at"`
}

// Stats serves the latest materialized snapshot; it never recomputes
// from full history per call. A project with no snapshot yet gets one
// materialized on first read.
func (s *QueueService) Stats(ctx context.Context, projectID uint) (*QueueStats, error) {
	var snap models.QueueMetricsSnapshot
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("captured_at DESC, id DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := s.MaterializeStats(ctx, projectID); err != nil {
			return nil, err
		}
		if err := s.db.WithContext(ctx).
			Where("project_id = ?", projectID).
			Order("captured_at DESC, id DESC").
			First(&snap).Error; err != nil {
			return nil, fmt.Errorf("failed to load stats snapshot: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load stats snapshot: %w", err)
	}

	return &QueueStats{
		ProjectID:       projectID,
		PendingCount:    snap.PendingCount,
		ProcessingCount: snap.ProcessingCount,
		CompletedCount:  snap.CompletedCount,
		FailedCount:     snap.FailedCount,
		CancelledCount:  snap.CancelledCount,
		AvgWaitSeconds:  snap.AvgWaitSeconds,
		ThroughputHour:  snap.ThroughputHour,
		CapturedAt:      snap.CapturedAt,
	}, nil
}

// MaterializeStats rolls current queue state into a snapshot row.
func (s *QueueService) MaterializeStats(ctx context.Context, projectID uint) error {
	now := s.clock.Now()
	snap := models.QueueMetricsSnapshot{
		ProjectID:  projectID,
		CapturedAt: now,
	}

	counts := map[models.QueueStatus]*int{
		models.QueuePending:    &snap.PendingCount,
		models.QueueProcessing: &snap.ProcessingCount,
		models.QueueCompleted:  &snap.CompletedCount,
		models.QueueFailed:     &snap.FailedCount,
		models.QueueCancelled:  &snap.CancelledCount,
	}
	for status, dst := range counts {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.QueueItem{}).
			Where("project_id = ? AND status = ?", projectID, status).
			Count(&n).Error; err != nil {
			return fmt.Errorf("failed to count %s items: %w", status, err)
		}
		*dst = int(n)
	}

	// Average wait of recently claimed items, in seconds.
	var claimed []models.QueueItem
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND claimed_at IS NOT NULL AND claimed_at >= ?", projectID, now.Add(-24*time.Hour)).
		Find(&claimed).Error; err != nil {
		return fmt.Errorf("failed to load claimed items: %w", err)
	}
	if len(claimed) > 0 {
		var total float64
		for _, item := range claimed {
			wait := item.ClaimedAt.Sub(item.ScheduledFor).Seconds()
			if wait > 0 {
				total += wait
			}
		}
		snap.AvgWaitSeconds = total / float64(len(claimed))
	}

	var throughput int64
	if err := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("project_id = ? AND status = ? AND completed_at >= ?", projectID, models.QueueCompleted, now.Add(-time.Hour)).
		Count(&throughput).Error; err != nil {
		return fmt.Errorf("failed to count throughput: %w", err)
	}
	snap.ThroughputHour = int(throughput)

	if err := s.db.WithContext(ctx).Create(&snap).Error; err != nil {
		return fmt.Errorf("failed to store stats snapshot: %w", err)
	}
	return nil
}
