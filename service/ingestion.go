package service

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"io"
	"proctoring-recorder/constant"
	"proctoring-recorder/entities"
	"proctoring-recorder/pkg/metrics"
	"proctoring-recorder/pkg/storage"
	"proctoring-recorder/repository"
	"sort"
	"strings"
	"time"
)

const (
	orphanReasonReplaced     = "replaced"
	orphanReasonUnregistered = "unregistered"
)

type IngestRequest struct {
	SessionId   uuid.UUID
	Channel     constant.Channel
	Sequence    *int
	Body        io.Reader
	Size        int64
	ContentType string
	RecordedAt  *time.Time
	DurationMs  *int64
}

type IngestionService interface {
	BeginSession(ctx context.Context, sessionId uuid.UUID) (*entities.ProctoringSession, error)
	Ingest(ctx context.Context, req IngestRequest) (*entities.ProctoringSegment, error)
}

type ingestionService struct {
	repo     repository.ReportRepository
	backends *storage.Registry
	retry    RetryPolicy
	metrics  *metrics.Metrics
}

func NewIngestionService(repo repository.ReportRepository, backends *storage.Registry, retry RetryPolicy, m *metrics.Metrics) IngestionService {
	return &ingestionService{
		repo:     repo,
		backends: backends,
		retry:    retry,
		metrics:  m,
	}
}

func (s *ingestionService) BeginSession(ctx context.Context, sessionId uuid.UUID) (*entities.ProctoringSession, error) {
	if sessionId == uuid.Nil {
		return nil, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	return s.repo.EnsureSession(ctx, sessionId)
}

func validateIngest(req IngestRequest) error {
	switch {
	case req.SessionId == uuid.Nil:
		return fmt.Errorf("%w: session id is required", ErrValidation)
	case !req.Channel.Valid():
		return fmt.Errorf("%w: unrecognized channel %q", ErrValidation, req.Channel)
	case req.Sequence == nil:
		return fmt.Errorf("%w: sequence is required", ErrValidation)
	case *req.Sequence < 0:
		return fmt.Errorf("%w: sequence must not be negative", ErrValidation)
	case req.Body == nil || req.Size <= 0:
		return fmt.Errorf("%w: segment body is empty", ErrValidation)
	case req.DurationMs != nil && *req.DurationMs < 0:
		return fmt.Errorf("%w: duration must not be negative", ErrValidation)
	}
	return nil
}

// Ingest stores one uploaded chunk and registers it in the session's report.
// Metadata is written only after the bytes are durably stored.
func (s *ingestionService) Ingest(ctx context.Context, req IngestRequest) (*entities.ProctoringSegment, error) {
	if err := validateIngest(req); err != nil {
		return nil, err
	}

	logger := zerolog.Ctx(ctx).With().
		Str("session_id", req.SessionId.String()).
		Str("channel", req.Channel.String()).
		Int("sequence", *req.Sequence).
		Logger()

	if _, err := s.repo.EnsureSession(ctx, req.SessionId); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	backend := s.backends.Default()
	segmentId := uuid.New()
	key := segmentKey(req.SessionId, req.Channel, *req.Sequence, segmentId, req.ContentType)

	ref, err := s.put(ctx, backend, key, req)
	if err != nil {
		logger.Error().Err(err).Str("backend", backend.Kind().String()).Msg("failed to store segment bytes")
		return nil, fmt.Errorf("store segment: %w", err)
	}

	segment := &entities.ProctoringSegment{
		ID:         segmentId,
		SessionId:  req.SessionId,
		Channel:    req.Channel,
		Sequence:   req.Sequence,
		SizeBytes:  req.Size,
		DurationMs: req.DurationMs,
		MimeType:   req.ContentType,
		RecordedAt: req.RecordedAt,
		CreatedAt:  time.Now().UTC(),
	}
	segment.SetLocation(backend.Kind(), ref)

	var replaced *entities.ProctoringSegment
	err = s.repo.Transaction(ctx, func(ctx context.Context) error {
		var err error
		replaced, err = s.repo.AppendSegment(ctx, segment)
		if err != nil || replaced == nil {
			return err
		}
		return s.orphan(ctx, replaced, orphanReasonReplaced)
	})
	if err != nil {
		logger.Error().Err(err).Str("ref", ref).Msg("failed to register segment, removing stored bytes")
		if delErr := backend.Delete(context.WithoutCancel(ctx), ref); delErr != nil {
			logger.Warn().Err(delErr).Str("ref", ref).Msg("failed to remove unregistered segment bytes")
			s.recordUnregistered(ctx, req.SessionId, backend.Kind(), ref)
		}
		return nil, fmt.Errorf("register segment: %w", err)
	}

	if replaced != nil {
		s.metrics.RecordReplace()
		logger.Info().
			Str("replaced_segment_id", replaced.ID.String()).
			Msg("duplicate sequence replaced, previous bytes orphaned")
	}
	s.metrics.RecordIngest(req.Channel.String(), backend.Kind().String())

	logger.Debug().
		Str("segment_id", segment.ID.String()).
		Str("backend", backend.Kind().String()).
		Str("ref", ref).
		Int64("size_bytes", req.Size).
		Msg("segment ingested")

	return segment, nil
}

// put writes the body, retrying transient failures when the body can be rewound.
func (s *ingestionService) put(ctx context.Context, backend storage.Backend, key string, req IngestRequest) (string, error) {
	seeker, rewindable := req.Body.(io.Seeker)
	policy := s.retry
	if !rewindable {
		policy.MaxTries = 1
	}

	first := true
	return retryBackend(ctx, policy, func() (string, error) {
		if !first {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return "", err
			}
		}
		first = false
		return backend.Put(ctx, key, req.Body, req.Size, req.ContentType)
	})
}

func (s *ingestionService) orphan(ctx context.Context, segment *entities.ProctoringSegment, reason string) error {
	ref, ok := segment.Location()
	if !ok {
		return nil
	}
	return s.repo.CreateOrphan(ctx, &entities.OrphanedObject{
		SessionId:      segment.SessionId,
		StorageBackend: segment.StorageBackend,
		Location:       ref,
		Reason:         reason,
		CreatedAt:      time.Now().UTC(),
	})
}

func (s *ingestionService) recordUnregistered(ctx context.Context, sessionId uuid.UUID, kind constant.StorageBackend, ref string) {
	err := s.repo.CreateOrphan(context.WithoutCancel(ctx), &entities.OrphanedObject{
		SessionId:      sessionId,
		StorageBackend: kind,
		Location:       ref,
		Reason:         orphanReasonUnregistered,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("ref", ref).Msg("failed to record orphaned bytes")
	}
}

func segmentKey(sessionId uuid.UUID, channel constant.Channel, sequence int, segmentId uuid.UUID, contentType string) string {
	return fmt.Sprintf("sessions/%s/segments/%s/%06d-%s%s", sessionId, channel, sequence, segmentId, extensionFor(contentType))
}

func recordingKey(sessionId uuid.UUID, channel constant.Channel, stamp time.Time, contentType string) string {
	return fmt.Sprintf("sessions/%s/recordings/%s-%s%s", sessionId, channel, stamp.UTC().Format("20060102T150405.000000000Z"), extensionFor(contentType))
}

var extensions = map[string]string{
	"video/webm":       ".webm",
	"audio/webm":       ".webm",
	"video/mp4":        ".mp4",
	"audio/mp4":        ".m4a",
	"video/x-matroska": ".mkv",
	"video/mp2t":       ".ts",
	"audio/ogg":        ".ogg",
	"audio/wav":        ".wav",
	"audio/mpeg":       ".mp3",
}

// parseContentType splits a content type into its media type and its sorted,
// comma-joined codecs. MediaRecorder sends the codecs list unquoted
// ("video/webm;codecs=vp8,opus"), which mime.ParseMediaType rejects.
func parseContentType(contentType string) (mediaType, codecs string) {
	base, params, _ := strings.Cut(contentType, ";")
	mediaType = strings.ToLower(strings.TrimSpace(base))
	for _, param := range strings.Split(params, ";") {
		key, value, ok := strings.Cut(param, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "codecs") {
			continue
		}
		var list []string
		for _, codec := range strings.Split(strings.Trim(strings.TrimSpace(value), `"`), ",") {
			if codec = strings.ToLower(strings.TrimSpace(codec)); codec != "" {
				list = append(list, codec)
			}
		}
		sort.Strings(list)
		codecs = strings.Join(list, ",")
	}
	return mediaType, codecs
}

func extensionFor(contentType string) string {
	mediaType, _ := parseContentType(contentType)
	if ext, ok := extensions[mediaType]; ok {
		return ext
	}
	return ".bin"
}
