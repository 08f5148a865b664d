package referee

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/programme-lv/referee/internal/logger"
	"github.com/programme-lv/referee/internal/workerpool"
)

// Service is the entry point for surrounding layers: it builds a
// submission's pipeline, hands it to the worker pool and answers status
// queries by handle.
type Service struct {
	pipeline *Pipeline
	pool     *workerpool.Pool
}

func NewService(pipeline *Pipeline, pool *workerpool.Pool) *Service {
	return &Service{pipeline: pipeline, pool: pool}
}

// Submit starts evaluating the submission and returns without waiting for
// any element to run.
func (s *Service) Submit(ctx context.Context, submissionID uuid.UUID) (string, error) {
	ctx = logger.With(ctx, "submission_id", submissionID)
	g, err := s.pipeline.Build(ctx, submissionID)
	if err != nil {
		return "", fmt.Errorf("failed to build pipeline: %w", err)
	}
	handle, err := s.pool.Submit(ctx, g)
	if err != nil {
		return "", err
	}
	logger.FromContext(ctx).Info("submitted pipeline", "handle", handle, "nodes", g.Len())
	return handle, nil
}

// Resume restarts the unfinished work of an existing run.
func (s *Service) Resume(ctx context.Context, runID uuid.UUID) (string, error) {
	ctx = logger.With(ctx, "run_id", runID)
	g, err := s.pipeline.Rebuild(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("failed to rebuild run: %w", err)
	}
	return s.pool.Submit(ctx, g)
}

func (s *Service) Status(ctx context.Context, handle string) (workerpool.State, error) {
	return s.pool.Status(ctx, handle)
}
