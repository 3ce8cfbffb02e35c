package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaydist/relay/internal/models"
)

// StatsUpdater periodically materializes queue metric snapshots for every
// project so stats reads stay cheap.
type StatsUpdater struct {
	db     *gorm.DB
	queue  *QueueService
	logger *zap.Logger
	ticker *time.Ticker
	done   chan bool
}

func NewStatsUpdater(db *gorm.DB, queue *QueueService, logger *zap.Logger, interval time.Duration) *StatsUpdater {
	return &StatsUpdater{
		db:     db,
		queue:  queue,
		logger: logger.Named("stats"),
		ticker: time.NewTicker(interval),
		done:   make(chan bool),
	}
}

// Start begins the periodic snapshot process
func (s *StatsUpdater) Start(ctx context.Context) {
	go func() {
		s.logger.Info("Starting stats updater")
		for {
			select {
			case <-s.done:
				s.logger.Info("Stats updater stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Stats updater stopped due to context cancellation")
				return
			case <-s.ticker.C:
				s.updateStats(ctx)
			}
		}
	}()
}

// Stop stops the stats updater
func (s *StatsUpdater) Stop() {
	s.ticker.Stop()
	close(s.done)
}

func (s *StatsUpdater) updateStats(ctx context.Context) {
	s.logger.Debug("Materializing queue snapshots")

	var projects []models.Project
	if err := s.db.WithContext(ctx).Find(&projects).Error; err != nil {
		s.logger.Error("Failed to list projects", zap.Error(err))
		return
	}

	for _, project := range projects {
		if err := s.queue.MaterializeStats(ctx, project.ID); err != nil {
			s.logger.Error("Failed to materialize queue stats",
				zap.Uint("project_id", project.ID),
				zap.Error(err))
		}
	}

	// Keep 30 days of snapshots.
	cutoff := time.Now().AddDate(0, 0, -30)
	if err := s.db.WithContext(ctx).
		Where("captured_at < ?", cutoff).
		Delete(&models.QueueMetricsSnapshot{}).Error; err != nil {
		s.logger.Error("Failed to prune old snapshots", zap.Error(err))
	}
}
