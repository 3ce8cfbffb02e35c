package handler

import (
	"context"

	"go.uber.org/zap"

	"github.com/relaydist/relay/internal/models"
	"github.com/relaydist/relay/internal/service"
)

// StatsRollupHandler materializes the queue metrics snapshot for the
// job's project on demand, complementing the background updater.
type StatsRollupHandler struct {
	queue  *service.QueueService
	logger *zap.Logger
}

func NewStatsRollupHandler(queue *service.QueueService, logger *zap.Logger) *StatsRollupHandler {
	return &StatsRollupHandler{queue: queue, logger: logger.Named("stats-rollup")}
}

func (h *StatsRollupHandler) Name() string { return "stats_rollup" }

func (h *StatsRollupHandler) Handle(ctx context.Context, job *models.CronJob) error {
	return h.queue.MaterializeStats(ctx, job.ProjectID)
}
