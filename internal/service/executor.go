package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaydist/relay/internal/models"
	"github.com/relaydist/relay/internal/service/publisher"
	"github.com/relaydist/relay/internal/trigger"
)

// ExecutorService performs publish attempts through registered platform
// clients and owns the retry/dead-letter lifecycle of publications.
type ExecutorService struct {
	db      *gorm.DB
	logger  *zap.Logger
	clock   trigger.Clock
	manager *publisher.Manager
	queue   *QueueService

	publishTimeout    time.Duration
	defaultMaxRetries int
}

func NewExecutorService(db *gorm.DB, logger *zap.Logger, clock trigger.Clock, manager *publisher.Manager, queue *QueueService, publishTimeout time.Duration, defaultMaxRetries int) *ExecutorService {
	return &ExecutorService{
		db:                db,
		logger:            logger.Named("executor"),
		clock:             clock,
		manager:           manager,
		queue:             queue,
		publishTimeout:    publishTimeout,
		defaultMaxRetries: defaultMaxRetries,
	}
}

type PublishOptions struct {
	Metadata    map[string]string
	QueueItemID *uint
	MaxRetries  int
}

// Publish performs one publish attempt of content to a named platform and
// records the outcome as a Publication. Platform failures come back as
// platform-kind errors alongside the recorded row: counted against the
// retry budget, never escalated as a crash.
func (s *ExecutorService) Publish(ctx context.Context, projectID, contentID uint, platformName string, opts PublishOptions) (*models.Publication, error) {
	content, err := s.loadContent(ctx, projectID, contentID)
	if err != nil {
		return nil, err
	}
	platform, err := s.loadPlatform(ctx, projectID, platformName)
	if err != nil {
		return nil, err
	}

	pub, cfg, err := s.manager.Get(platform.Name)
	if err != nil {
		return nil, notFoundErr("no publisher registered for platform %s", platform.Name)
	}

	publication, err := s.findOrCreatePublication(ctx, content, platform, opts)
	if err != nil {
		return nil, err
	}

	// A spent budget dead-letters before the platform is called, so
	// retry_count can never climb past max_retries no matter how often the
	// queue re-fires the item.
	if publication.Status == models.PublicationFailed && publication.RetryCount >= publication.MaxRetries {
		if err := s.moveToDeadLetter(ctx, publication); err != nil {
			return nil, err
		}
		return publication, exhaustedErr("publication %d spent its retry budget (%d/%d)",
			publication.ID, publication.RetryCount, publication.MaxRetries)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()

	started := s.clock.Now()
	result, callErr := pub.Publish(attemptCtx, *publisher.FromContentItem(content), cfg, publisher.Options{
		Metadata: opts.Metadata,
	})
	metricPublishDuration.WithLabelValues(platform.Name).Observe(time.Since(started).Seconds())

	if callErr != nil || result == nil || !result.Success {
		if callErr == nil {
			if result != nil && result.Error != nil {
				callErr = result.Error
			} else {
				callErr = errors.New("platform reported failure")
			}
		}
		metricPublishAttempts.WithLabelValues(platform.Name, "failure").Inc()

		if err := s.db.WithContext(ctx).Model(publication).Updates(map[string]interface{}{
			"status":      models.PublicationFailed,
			"error":       callErr.Error(),
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error; err != nil {
			return nil, fmt.Errorf("failed to record publish failure: %w", err)
		}
		publication.Status = models.PublicationFailed
		publication.Error = callErr.Error()
		publication.RetryCount++

		s.logger.Warn("Publish attempt failed",
			zap.Uint("publication_id", publication.ID),
			zap.String("platform", platform.Name),
			zap.Int("retry_count", publication.RetryCount),
			zap.Error(callErr))
		return publication, platformErr(fmt.Sprintf("publish to %s failed", platform.Name), callErr)
	}

	metricPublishAttempts.WithLabelValues(platform.Name, "success").Inc()

	publishedAt := result.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = s.clock.Now()
	}
	if err := s.db.WithContext(ctx).Model(publication).Updates(map[string]interface{}{
		"status":           models.PublicationPublished,
		"platform_post_id": result.PlatformPostID,
		"platform_url":     result.PlatformURL,
		"error":            "",
		"published_at":     publishedAt,
	}).Error; err != nil {
		return nil, fmt.Errorf("failed to record publish success: %w", err)
	}
	publication.Status = models.PublicationPublished
	publication.PlatformPostID = result.PlatformPostID
	publication.PlatformURL = result.PlatformURL
	publication.Error = ""
	publication.PublishedAt = &publishedAt

	s.logger.Info("Published",
		zap.Uint("publication_id", publication.ID),
		zap.String("platform", platform.Name),
		zap.String("post_id", result.PlatformPostID))
	return publication, nil
}

// Retry re-invokes publish for a previously failed publication. With
// resetRetryCount the budget restarts at zero, which is also the manual
// escape hatch out of dead-letter. Without it, a spent budget moves the
// publication to dead-letter instead of attempting again.
func (s *ExecutorService) Retry(ctx context.Context, projectID, publicationID uint, resetRetryCount bool) (*models.Publication, error) {
	var publication models.Publication
	err := s.db.WithContext(ctx).Preload("Platform").First(&publication, publicationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundErr("publication %d not found", publicationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load publication: %w", err)
	}
	if publication.ProjectID != projectID {
		return nil, forbiddenErr("publication %d belongs to another project", publicationID)
	}

	switch publication.Status {
	case models.PublicationFailed:
	case models.PublicationDeadLetter:
		if !resetRetryCount {
			return nil, conflictErr("publication %d is dead-lettered; retry requires a retry-count reset", publicationID)
		}
	default:
		return nil, conflictErr("publication %d is %s, cannot retry", publicationID, publication.Status)
	}

	if resetRetryCount {
		if err := s.db.WithContext(ctx).Model(&publication).Updates(map[string]interface{}{
			"retry_count": 0,
			"status":      models.PublicationFailed,
		}).Error; err != nil {
			return nil, fmt.Errorf("failed to reset retry count: %w", err)
		}
		publication.RetryCount = 0
		publication.Status = models.PublicationFailed
	} else if publication.RetryCount >= publication.MaxRetries {
		if err := s.moveToDeadLetter(ctx, &publication); err != nil {
			return nil, err
		}
		return &publication, exhaustedErr("publication %d spent its retry budget (%d/%d)",
			publicationID, publication.RetryCount, publication.MaxRetries)
	}

	return s.Publish(ctx, projectID, publication.ContentID, publication.Platform.Name, PublishOptions{
		QueueItemID: publication.QueueItemID,
		MaxRetries:  publication.MaxRetries,
	})
}

// moveToDeadLetter parks a publication for operator attention. Items in
// dead-letter are surfaced by the sweep, never dropped.
func (s *ExecutorService) moveToDeadLetter(ctx context.Context, publication *models.Publication) error {
	if err := s.db.WithContext(ctx).Model(publication).
		Update("status", models.PublicationDeadLetter).Error; err != nil {
		return fmt.Errorf("failed to dead-letter publication: %w", err)
	}
	publication.Status = models.PublicationDeadLetter
	metricDeadLetters.Inc()

	s.logger.Warn("Publication moved to dead letter",
		zap.Uint("publication_id", publication.ID),
		zap.Int("retry_count", publication.RetryCount))
	return nil
}

// SweepDeadLetters raises one unresolved operator alert per dead-lettered
// publication that does not have one yet.
func (s *ExecutorService) SweepDeadLetters(ctx context.Context) (int, error) {
	var stranded []models.Publication
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.PublicationDeadLetter).
		Find(&stranded).Error; err != nil {
		return 0, fmt.Errorf("failed to list dead-lettered publications: %w", err)
	}

	raised := 0
	for i := range stranded {
		p := &stranded[i]

		var existing int64
		if err := s.db.WithContext(ctx).Model(&models.OperatorAlert{}).
			Where("publication_id = ? AND resolved = ?", p.ID, false).
			Count(&existing).Error; err != nil {
			return raised, fmt.Errorf("failed to check existing alerts: %w", err)
		}
		if existing > 0 {
			continue
		}

		alert := &models.OperatorAlert{
			Level:         "ERROR",
			Source:        "executor",
			ProjectID:     &p.ProjectID,
			PublicationID: &p.ID,
			Title:         fmt.Sprintf("Publication %d exhausted its retry budget", p.ID),
			Message:       fmt.Sprintf("last error: %s (retries %d/%d); manual reset required", p.Error, p.RetryCount, p.MaxRetries),
		}
		if err := s.db.WithContext(ctx).Create(alert).Error; err != nil {
			return raised, fmt.Errorf("failed to create dead-letter alert: %w", err)
		}
		raised++
	}

	if raised > 0 {
		s.logger.Warn("Dead-letter sweep raised alerts", zap.Int("count", raised))
	}
	return raised, nil
}

// ProcessQueueItem claims a due item and publishes its content to every
// platform in the item's set. A lost claim is a silent no-op, which is
// what makes concurrent sweeps and duplicate trigger deliveries safe.
func (s *ExecutorService) ProcessQueueItem(ctx context.Context, itemID uint) error {
	item, claimed, err := s.queue.Claim(ctx, itemID)
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.Debug("Lost claim race, skipping item", zap.Uint("item_id", itemID))
		return nil
	}

	var lastErr error
	for _, platformName := range item.Platforms {
		// Partial failures come back through the queue's retry path, so
		// platforms that already went out must not be published twice.
		done, err := s.alreadyPublished(ctx, item.ContentID, platformName)
		if err != nil {
			lastErr = err
			continue
		}
		if done {
			s.logger.Debug("Platform already published, skipping",
				zap.Uint("item_id", item.ID),
				zap.String("platform", platformName))
			continue
		}

		_, err = s.Publish(ctx, item.ProjectID, item.ContentID, platformName, PublishOptions{
			QueueItemID: &item.ID,
			MaxRetries:  item.MaxRetries,
		})
		if err != nil {
			lastErr = err
		}
	}

	if lastErr != nil {
		if err := s.queue.Fail(ctx, item.ID, lastErr.Error()); err != nil {
			return err
		}
		return nil
	}
	return s.queue.Complete(ctx, item.ID)
}

// HandleQueueEvent consumes a queue.process trigger event.
func (s *ExecutorService) HandleQueueEvent(ctx context.Context, evt trigger.Event) {
	if err := s.ProcessQueueItem(ctx, evt.ItemID); err != nil {
		s.logger.Error("Failed to process queue item",
			zap.Uint("item_id", evt.ItemID),
			zap.Error(err))
	}
}

// HandleDeadLetterEvent consumes a deadletter.sweep trigger event.
func (s *ExecutorService) HandleDeadLetterEvent(ctx context.Context, evt trigger.Event) {
	if _, err := s.SweepDeadLetters(ctx); err != nil {
		s.logger.Error("Dead-letter sweep failed", zap.Error(err))
	}
}

// History lists publications for one content item, newest first.
func (s *ExecutorService) History(ctx context.Context, projectID, contentID uint) ([]models.Publication, error) {
	if _, err := s.loadContent(ctx, projectID, contentID); err != nil {
		return nil, err
	}

	var publications []models.Publication
	if err := s.db.WithContext(ctx).
		Preload("Platform").
		Where("content_id = ?", contentID).
		Order("created_at DESC, id DESC").
		Find(&publications).Error; err != nil {
		return nil, fmt.Errorf("failed to load publication history: %w", err)
	}
	return publications, nil
}

func (s *ExecutorService) loadContent(ctx context.Context, projectID, contentID uint) (*models.ContentItem, error) {
	var content models.ContentItem
	err := s.db.WithContext(ctx).First(&content, contentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundErr("content %d not found", contentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load content: %w", err)
	}
	if content.ProjectID != projectID {
		return nil, forbiddenErr("content %d belongs to another project", contentID)
	}
	return &content, nil
}

func (s *ExecutorService) loadPlatform(ctx context.Context, projectID uint, name string) (*models.Platform, error) {
	var platform models.Platform
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&platform).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundErr("platform %s not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load platform: %w", err)
	}
	if platform.ProjectID != projectID {
		return nil, forbiddenErr("platform %s belongs to another project", name)
	}
	return &platform, nil
}

func (s *ExecutorService) alreadyPublished(ctx context.Context, contentID uint, platformName string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Publication{}).
		Joins("JOIN platforms ON platforms.id = publications.platform_id").
		Where("publications.content_id = ? AND platforms.name = ? AND publications.status = ?",
			contentID, platformName, models.PublicationPublished).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check published state: %w", err)
	}
	return count > 0, nil
}

// findOrCreatePublication reuses the non-terminal publication for a
// (content, platform) pair so retry accounting survives across attempts.
func (s *ExecutorService) findOrCreatePublication(ctx context.Context, content *models.ContentItem, platform *models.Platform, opts PublishOptions) (*models.Publication, error) {
	var publication models.Publication
	err := s.db.WithContext(ctx).
		Where("content_id = ? AND platform_id = ? AND status IN ?", content.ID, platform.ID,
			[]models.PublicationStatus{models.PublicationPending, models.PublicationFailed}).
		First(&publication).Error
	if err == nil {
		return &publication, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up publication: %w", err)
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.defaultMaxRetries
	}
	publication = models.Publication{
		ProjectID:   content.ProjectID,
		ContentID:   content.ID,
		PlatformID:  platform.ID,
		QueueItemID: opts.QueueItemID,
		Status:      models.PublicationPending,
		MaxRetries:  maxRetries,
	}
	if err := s.db.WithContext(ctx).Create(&publication).Error; err != nil {
		return nil, fmt.Errorf("failed to create publication: %w", err)
	}
	return &publication, nil
}
