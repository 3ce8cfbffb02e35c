package handler

import (
	"context"

	"go.uber.org/zap"

	"github.com/relaydist/relay/internal/models"
	"github.com/relaydist/relay/internal/service"
)

// DeadLetterSweepHandler raises operator alerts for publications stuck in
// the dead-letter state.
type DeadLetterSweepHandler struct {
	executor *service.ExecutorService
	logger   *zap.Logger
}

func NewDeadLetterSweepHandler(executor *service.ExecutorService, logger *zap.Logger) *DeadLetterSweepHandler {
	return &DeadLetterSweepHandler{executor: executor, logger: logger.Named("deadletter-sweep")}
}

func (h *DeadLetterSweepHandler) Name() string { return "deadletter_sweep" }

func (h *DeadLetterSweepHandler) Handle(ctx context.Context, job *models.CronJob) error {
	raised, err := h.executor.SweepDeadLetters(ctx)
	if err != nil {
		return err
	}
	if raised > 0 {
		h.logger.Info("Dead-letter sweep finished",
			zap.Uint("job_id", job.ID),
			zap.Int("alerts", raised))
	}
	return nil
}
