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
	"proctoring-recorder/pkg/storage"
	"proctoring-recorder/repository"
	"strconv"
	"strings"
)

// Media is an open, possibly partial, view of a stored segment or recording.
// Start and End are inclusive; End is -1 for an empty object.
type Media struct {
	Body        io.ReadCloser
	ContentType string
	TotalSize   int64
	Start       int64
	End         int64
	Partial     bool
}

func (m *Media) Length() int64 {
	if m.End < m.Start {
		return 0
	}
	return m.End - m.Start + 1
}

// RangeError reports a byte range outside an object of Size bytes.
type RangeError struct {
	Size int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range not satisfiable for %d bytes", e.Size)
}

func (e *RangeError) Unwrap() error {
	return ErrRangeNotSatisfiable
}

type MediaService interface {
	ListSegments(ctx context.Context, sessionId uuid.UUID) ([]*entities.ProctoringSegment, error)
	OpenSegment(ctx context.Context, sessionId, segmentId uuid.UUID, rangeHeader string) (*Media, error)
	OpenRecording(ctx context.Context, sessionId uuid.UUID, channel constant.Channel, rangeHeader string) (*Media, error)
}

type mediaService struct {
	repo     repository.ReportRepository
	backends *storage.Registry
	retry    RetryPolicy
}

func NewMediaService(repo repository.ReportRepository, backends *storage.Registry, retry RetryPolicy) MediaService {
	return &mediaService{
		repo:     repo,
		backends: backends,
		retry:    retry,
	}
}

func (s *mediaService) ListSegments(ctx context.Context, sessionId uuid.UUID) ([]*entities.ProctoringSegment, error) {
	if _, err := s.repo.FindSession(ctx, sessionId); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionId)
		}
		return nil, err
	}
	return s.repo.ListSegments(ctx, sessionId)
}

func (s *mediaService) OpenSegment(ctx context.Context, sessionId, segmentId uuid.UUID, rangeHeader string) (*Media, error) {
	segment, err := s.repo.FindSegment(ctx, sessionId, segmentId)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: segment %s", ErrNotFound, segmentId)
		}
		return nil, err
	}

	ref, ok := segment.Location()
	if !ok {
		return nil, fmt.Errorf("%w: segment %s has no %s location", ErrConsistency, segmentId, segment.StorageBackend)
	}
	media, err := s.open(ctx, segment.StorageBackend, ref, rangeHeader)
	if err != nil {
		return nil, err
	}
	if segment.MimeType != "" {
		media.ContentType = segment.MimeType
	}
	return media, nil
}

func (s *mediaService) OpenRecording(ctx context.Context, sessionId uuid.UUID, channel constant.Channel, rangeHeader string) (*Media, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: unrecognized channel %q", ErrValidation, channel)
	}
	state, err := s.repo.FindMergeState(ctx, sessionId, channel)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: no recording for %s/%s", ErrNotFound, sessionId, channel)
		}
		return nil, err
	}
	// A re-merge keeps serving the last published recording until it completes.
	if state.RecordingRef == nil || state.RecordingBackend == nil {
		return nil, fmt.Errorf("%w: %s recording of %s is %s", ErrNotFound, channel, sessionId, state.Status)
	}
	return s.open(ctx, *state.RecordingBackend, *state.RecordingRef, rangeHeader)
}

func (s *mediaService) open(ctx context.Context, kind constant.StorageBackend, ref, rangeHeader string) (*Media, error) {
	backend, err := s.backends.Get(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConsistency, err)
	}

	info, err := retryBackend(ctx, s.retry, func() (storage.ObjectInfo, error) {
		return backend.Stat(ctx, ref)
	})
	if err != nil {
		return nil, s.mapReadError(ctx, kind, ref, err)
	}

	start, end, partial, err := ParseRange(rangeHeader, info.Size)
	if err != nil {
		return nil, err
	}

	obj, err := retryBackend(ctx, s.retry, func() (*storage.Object, error) {
		return backend.GetRange(ctx, ref, start, end)
	})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidRange) {
			return nil, &RangeError{Size: info.Size}
		}
		return nil, s.mapReadError(ctx, kind, ref, err)
	}

	contentType := obj.ContentType
	if contentType == "" {
		contentType = info.ContentType
	}
	return &Media{
		Body:        obj.Body,
		ContentType: contentType,
		TotalSize:   obj.Size,
		Start:       obj.Start,
		End:         obj.End,
		Partial:     partial,
	}, nil
}

func (s *mediaService) mapReadError(ctx context.Context, kind constant.StorageBackend, ref string, err error) error {
	if errors.Is(err, ErrDataLoss) {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("backend", kind.String()).
			Str("ref", ref).
			Msg("registry points at missing bytes")
		return errors.Join(ErrConsistency, err)
	}
	return err
}

// ParseRange interprets a Range header against an object of size bytes. It
// supports one of "bytes=a-b", "bytes=a-" and "bytes=-n". A missing, malformed
// or multi-range header selects the whole object; a well-formed range outside
// the object returns a *RangeError. end is -1 for a whole empty object.
func ParseRange(header string, size int64) (start, end int64, partial bool, err error) {
	whole := func() (int64, int64, bool, error) {
		return 0, size - 1, false, nil
	}

	header = strings.TrimSpace(header)
	if header == "" {
		return whole()
	}
	const unit = "bytes="
	if len(header) < len(unit) || !strings.EqualFold(header[:len(unit)], unit) {
		return whole()
	}
	rangeSpec := strings.TrimSpace(header[len(unit):])
	if strings.Contains(rangeSpec, ",") {
		return whole()
	}
	first, last, ok := strings.Cut(rangeSpec, "-")
	if !ok {
		return whole()
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, convErr := strconv.ParseInt(last, 10, 64)
		if convErr != nil || n < 0 {
			return whole()
		}
		if n == 0 || size == 0 {
			return 0, 0, false, &RangeError{Size: size}
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true, nil
	}

	start, convErr := strconv.ParseInt(first, 10, 64)
	if convErr != nil || start < 0 {
		return whole()
	}
	end = size - 1
	if last != "" {
		end, convErr = strconv.ParseInt(last, 10, 64)
		if convErr != nil || end < start {
			return whole()
		}
		if end > size-1 {
			end = size - 1
		}
	}
	if start >= size {
		return 0, 0, false, &RangeError{Size: size}
	}
	return start, end, true, nil
}
