package service

import (
	"context"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"proctoring-recorder/pkg/metrics"
	"proctoring-recorder/pkg/storage"
	"proctoring-recorder/repository"
)

type PurgeReport struct {
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// OrphanService deletes bytes that no segment or recording references any more.
type OrphanService interface {
	Purge(ctx context.Context, limit int) (PurgeReport, error)
}

type orphanService struct {
	repo     repository.ReportRepository
	backends *storage.Registry
	retry    RetryPolicy
	metrics  *metrics.Metrics
}

func NewOrphanService(repo repository.ReportRepository, backends *storage.Registry, retry RetryPolicy, m *metrics.Metrics) OrphanService {
	return &orphanService{
		repo:     repo,
		backends: backends,
		retry:    retry,
		metrics:  m,
	}
}

func (s *orphanService) Purge(ctx context.Context, limit int) (PurgeReport, error) {
	var report PurgeReport
	orphans, err := s.repo.ListOrphans(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("list orphans: %w", err)
	}

	for _, orphan := range orphans {
		logger := zerolog.Ctx(ctx).With().
			Str("orphan_id", orphan.ID.String()).
			Str("backend", orphan.StorageBackend.String()).
			Str("location", orphan.Location).
			Logger()

		backend, err := s.backends.Get(orphan.StorageBackend)
		if err != nil {
			report.Failed++
			logger.Warn().Err(err).Msg("skipping orphan on unconfigured backend")
			continue
		}

		_, err = retryBackend(ctx, s.retry, func() (struct{}, error) {
			return struct{}{}, backend.Delete(ctx, orphan.Location)
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			report.Failed++
			logger.Warn().Err(err).Msg("failed to delete orphaned bytes")
			continue
		}

		if err := s.repo.DeleteOrphan(ctx, orphan.ID); err != nil {
			return report, fmt.Errorf("delete orphan record: %w", err)
		}
		report.Deleted++
		s.metrics.RecordOrphanPurge()
		logger.Debug().Str("reason", orphan.Reason).Msg("orphan purged")
	}

	zerolog.Ctx(ctx).Info().Int("deleted", report.Deleted).Int("failed", report.Failed).Msg("orphan cleanup finished")
	return report, nil
}
