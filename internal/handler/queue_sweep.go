package handler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/relaydist/relay/internal/models"
	"github.com/relaydist/relay/internal/service"
)

// QueueSweepHandler emits process events for due queue items. Safe to run
// from several workers at once: claiming happens at the consumer.
type QueueSweepHandler struct {
	queue  *service.QueueService
	logger *zap.Logger
}

func NewQueueSweepHandler(queue *service.QueueService, logger *zap.Logger) *QueueSweepHandler {
	return &QueueSweepHandler{queue: queue, logger: logger.Named("queue-sweep")}
}

func (h *QueueSweepHandler) Name() string { return "queue_sweep" }

type queueSweepConfig struct {
	Limit int `json:"limit"`
}

func (h *QueueSweepHandler) Handle(ctx context.Context, job *models.CronJob) error {
	cfg := queueSweepConfig{Limit: 50}
	if job.JobConfig != "" {
		if err := json.Unmarshal([]byte(job.JobConfig), &cfg); err != nil {
			return err
		}
	}
	return h.queue.Dispatch(ctx, cfg.Limit)
}
