package handler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/relaydist/relay/internal/models"
	"github.com/relaydist/relay/internal/service"
)

// PublishContentHandler turns a scheduled job into dispatch queue items.
// Re-delivery of the same firing is harmless: an item already active for
// the (content, platforms) pair makes the enqueue a no-op.
type PublishContentHandler struct {
	queue  *service.QueueService
	logger *zap.Logger
}

func NewPublishContentHandler(queue *service.QueueService, logger *zap.Logger) *PublishContentHandler {
	return &PublishContentHandler{queue: queue, logger: logger.Named("publish-content")}
}

func (h *PublishContentHandler) Name() string { return "publish_content" }

type publishContentConfig struct {
	ContentID    uint       `json:"content_id"`
	Platforms    []string   `json:"platforms"`
	Priority     int        `json:"priority"`
	ScheduledFor *time.Time `json:"scheduled_for"`
}

func (h *PublishContentHandler) Handle(ctx context.Context, job *models.CronJob) error {
	var cfg publishContentConfig
	if err := json.Unmarshal([]byte(job.JobConfig), &cfg); err != nil {
		return err
	}

	in := service.EnqueueInput{
		ContentID:  cfg.ContentID,
		Platforms:  cfg.Platforms,
		Priority:   cfg.Priority,
		MaxRetries: job.MaxRetries,
	}
	if cfg.ScheduledFor != nil {
		in.ScheduledFor = *cfg.ScheduledFor
	}

	item, err := h.queue.Enqueue(ctx, job.ProjectID, in)
	if err != nil {
		if service.IsKind(err, service.KindConflict) {
			h.logger.Debug("Content already queued, skipping",
				zap.Uint("job_id", job.ID),
				zap.Uint("content_id", cfg.ContentID))
			return nil
		}
		return err
	}

	h.logger.Info("Queued content from job",
		zap.Uint("job_id", job.ID),
		zap.Uint("item_id", item.ID))
	return nil
}
