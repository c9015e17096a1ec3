package service

import (
	"context"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"proctoring-recorder/entities"
	"proctoring-recorder/pkg/metrics"
	"proctoring-recorder/pkg/storage"
	"proctoring-recorder/repository"
)

type SweepOptions struct {
	BatchSize int
	// VerifyBytes additionally checks that each authoritative location holds bytes.
	VerifyBytes bool
}

type SweepReport struct {
	SessionsScanned int `json:"sessionsScanned"`
	SegmentsScanned int `json:"segmentsScanned"`
	Repaired        int `json:"repaired"`
	Unrecoverable   int `json:"unrecoverable"`
	MissingBytes    int `json:"missingBytes"`
	Errors          int `json:"errors"`
}

// SweepService restores the single-location invariant of stored segments.
type SweepService interface {
	Run(ctx context.Context) SweepReport
}

type sweepService struct {
	repo     repository.ReportRepository
	backends *storage.Registry
	opts     SweepOptions
	metrics  *metrics.Metrics
}

func NewSweepService(repo repository.ReportRepository, backends *storage.Registry, opts SweepOptions, m *metrics.Metrics) SweepService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &sweepService{
		repo:     repo,
		backends: backends,
		opts:     opts,
		metrics:  m,
	}
}

// Run scans every session that holds segments. Problems are logged and
// counted, never returned; a cancelled context ends the pass early.
func (s *sweepService) Run(ctx context.Context) SweepReport {
	logger := zerolog.Ctx(ctx)
	var report SweepReport

	after := uuid.Nil
	for ctx.Err() == nil {
		ids, err := s.repo.ListSessionIdsWithSegments(ctx, after, s.opts.BatchSize)
		if err != nil {
			logger.Error().Err(err).Str("after", after.String()).Msg("sweep failed to list sessions")
			report.Errors++
			break
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			s.sweepSession(ctx, id, &report)
		}
		if len(ids) < s.opts.BatchSize {
			break
		}
		after = ids[len(ids)-1]
	}

	s.metrics.RecordSweep(report.Repaired, report.Unrecoverable)
	logger.Info().
		Int("sessions", report.SessionsScanned).
		Int("segments", report.SegmentsScanned).
		Int("repaired", report.Repaired).
		Int("unrecoverable", report.Unrecoverable).
		Int("missing_bytes", report.MissingBytes).
		Int("errors", report.Errors).
		Msg("consistency sweep finished")
	return report
}

func (s *sweepService) sweepSession(ctx context.Context, sessionId uuid.UUID, report *SweepReport) {
	segments, err := s.repo.ListSegments(ctx, sessionId)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("session_id", sessionId.String()).Msg("sweep failed to load segments")
		report.Errors++
		return
	}
	report.SessionsScanned++

	for _, segment := range segments {
		report.SegmentsScanned++
		s.sweepSegment(ctx, segment, report)
	}
}

func (s *sweepService) sweepSegment(ctx context.Context, segment *entities.ProctoringSegment, report *SweepReport) {
	logger := zerolog.Ctx(ctx).With().
		Str("session_id", segment.SessionId.String()).
		Str("segment_id", segment.ID.String()).
		Str("backend", segment.StorageBackend.String()).
		Logger()

	ref, ok := segment.Location()
	if !ok {
		report.Unrecoverable++
		logger.Error().Msg("segment has no location for its declared backend")
		return
	}

	if segment.StrayLocation() {
		cleared, err := s.repo.ClearStrayLocation(ctx, segment)
		switch {
		case err != nil:
			report.Errors++
			logger.Error().Err(err).Msg("failed to clear stray segment location")
		case cleared:
			report.Repaired++
			logger.Warn().Str("ref", ref).Msg("cleared stray location of segment")
		}
	}

	if !s.opts.VerifyBytes {
		return
	}
	backend, err := s.backends.Get(segment.StorageBackend)
	if err != nil {
		report.Errors++
		logger.Error().Err(err).Msg("segment backend is not configured")
		return
	}
	exists, err := backend.Exists(ctx, ref)
	switch {
	case err != nil:
		report.Errors++
		logger.Warn().Err(err).Str("ref", ref).Msg("failed to verify segment bytes")
	case !exists:
		report.MissingBytes++
		logger.Error().Str("ref", ref).Msg("segment location holds no bytes")
	}
}
