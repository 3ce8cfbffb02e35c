// Package handler holds the work that runs behind a cron job firing.
// Each handler is registered under a job type; the registry is what the
// scheduler invokes once it has claimed a firing.
package handler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/relaydist/relay/internal/models"
)

type Handler interface {
	Name() string
	Handle(ctx context.Context, job *models.CronJob) error
}

type Registry struct {
	handlers map[string]Handler
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.Named("handler"),
	}
}

func (r *Registry) Register(h Handler) error {
	name := h.Name()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %s already registered", name)
	}
	r.handlers[name] = h
	r.logger.Info("Handler registered", zap.String("job_type", name))
	return nil
}

// Run implements service.Runner.
func (r *Registry) Run(ctx context.Context, job *models.CronJob) error {
	h, ok := r.handlers[job.JobType]
	if !ok {
		return fmt.Errorf("no handler for job type %q", job.JobType)
	}
	return h.Handle(ctx, job)
}
