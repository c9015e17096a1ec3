package service

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"io"
	"os"
	"path/filepath"
	"proctoring-recorder/constant"
	"proctoring-recorder/dto"
	"proctoring-recorder/entities"
	"proctoring-recorder/pkg/metrics"
	"proctoring-recorder/pkg/storage"
	"proctoring-recorder/repository"
	"sort"
	"strings"
	"time"
)

const (
	reclaimReason = "reclaimed after processing timeout"
	reclaimBatch  = 100
)

var tracer = otel.Tracer("proctoring-recorder/service")

// MergeDispatcher hands a merge job to the worker pool.
type MergeDispatcher interface {
	DispatchMerge(ctx context.Context, message dto.MergeJobMessage) error
}

type MergeService interface {
	Trigger(ctx context.Context, sessionId uuid.UUID, channel constant.Channel) (constant.MergeStatus, error)
	Run(ctx context.Context, message dto.MergeJobMessage) error
	Status(ctx context.Context, sessionId uuid.UUID) (*dto.MergeStatusReport, error)
	FinishSession(ctx context.Context, sessionId uuid.UUID, status constant.SessionStatus) (map[constant.Channel]constant.MergeStatus, error)
	Reclaim(ctx context.Context, olderThan time.Duration) (int, error)
}

type MergeOptions struct {
	StagingDir string
	Retry      RetryPolicy
	// PublicBaseURL prefixes the recording URLs returned by Status.
	PublicBaseURL string
}

type mergeService struct {
	repo       repository.ReportRepository
	backends   *storage.Registry
	concat     Concatenator
	dispatcher MergeDispatcher
	opts       MergeOptions
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewMergeService(repo repository.ReportRepository, backends *storage.Registry, concat Concatenator, dispatcher MergeDispatcher, opts MergeOptions, m *metrics.Metrics) MergeService {
	if opts.StagingDir == "" {
		opts.StagingDir = os.TempDir()
	}
	return &mergeService{
		repo:       repo,
		backends:   backends,
		concat:     concat,
		dispatcher: dispatcher,
		opts:       opts,
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Trigger requests a merge of one channel and returns the resulting status
// without waiting for the merge. Repeated calls are safe.
func (s *mergeService) Trigger(ctx context.Context, sessionId uuid.UUID, channel constant.Channel) (constant.MergeStatus, error) {
	if !channel.Mergeable() {
		return "", fmt.Errorf("%w: channel %q is not merged", ErrValidation, channel)
	}
	if _, err := s.repo.FindSession(ctx, sessionId); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("%w: session %s", ErrNotFound, sessionId)
		}
		return "", err
	}

	logger := zerolog.Ctx(ctx).With().
		Str("session_id", sessionId.String()).
		Str("channel", channel.String()).
		Logger()

	state, err := s.repo.EnsureMergeState(ctx, sessionId, channel)
	if err != nil {
		return "", fmt.Errorf("load merge state: %w", err)
	}

	switch state.Status {
	case constant.MergeStatusProcessing:
		return state.Status, nil
	case constant.MergeStatusPending:
		// The earlier dispatch may have been lost; a second message loses the claim.
		return state.Status, s.dispatch(ctx, sessionId, channel)
	case constant.MergeStatusCompleted:
		unconsumed, err := s.repo.CountUnconsumedSegments(ctx, sessionId, channel)
		if err != nil {
			return "", err
		}
		if unconsumed == 0 {
			return state.Status, nil
		}
	}

	if !constant.CanTransition(state.Status, constant.MergeStatusPending) {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state.Status, constant.MergeStatusPending)
	}

	won, err := s.repo.TransitionMergeState(ctx, sessionId, channel,
		[]constant.MergeStatus{state.Status}, constant.MergeStatusPending,
		map[string]any{"failure_reason": gorm.Expr("NULL")})
	if err != nil {
		return "", fmt.Errorf("transition merge state: %w", err)
	}
	if !won {
		current, err := s.repo.FindMergeState(ctx, sessionId, channel)
		if err != nil {
			return "", err
		}
		return current.Status, nil
	}

	logger.Info().Str("from", state.Status.String()).Msg("merge requested")
	return constant.MergeStatusPending, s.dispatch(ctx, sessionId, channel)
}

func (s *mergeService) dispatch(ctx context.Context, sessionId uuid.UUID, channel constant.Channel) error {
	if s.dispatcher == nil {
		return nil
	}
	message := dto.MergeJobMessage{JobId: uuid.New(), SessionId: sessionId, Channel: channel}
	if err := s.dispatcher.DispatchMerge(ctx, message); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("session_id", sessionId.String()).
			Str("channel", channel.String()).
			Msg("failed to dispatch merge job")
		return errors.Join(ErrTransientBackend, fmt.Errorf("dispatch merge: %w", err))
	}
	return nil
}

type mergeResult struct {
	backend    constant.StorageBackend
	ref        string
	sizeBytes  int64
	durationMs *int64
	consumed   []uuid.UUID
	defects    int
}

// Run executes one merge job. Merge failures are recorded on the merge state
// and not returned; an error means the state itself could not be updated.
func (s *mergeService) Run(ctx context.Context, message dto.MergeJobMessage) error {
	logger := zerolog.Ctx(ctx).With().
		Str("job_id", message.JobId.String()).
		Str("session_id", message.SessionId.String()).
		Str("channel", message.Channel.String()).
		Logger()
	ctx = logger.WithContext(ctx)

	startedAt := s.now()
	won, err := s.repo.TransitionMergeState(ctx, message.SessionId, message.Channel,
		[]constant.MergeStatus{constant.MergeStatusPending}, constant.MergeStatusProcessing,
		map[string]any{
			"started_at":     startedAt,
			"finished_at":    gorm.Expr("NULL"),
			"failure_reason": gorm.Expr("NULL"),
			"attempts":       gorm.Expr("attempts + 1"),
		})
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim merge job")
		return fmt.Errorf("claim merge job: %w", err)
	}
	if !won {
		logger.Info().Msg("merge job is not pending, skipping")
		return nil
	}

	ctx, span := tracer.Start(ctx, "merge.run", trace.WithAttributes(
		attribute.String("session_id", message.SessionId.String()),
		attribute.String("channel", message.Channel.String()),
	))
	defer span.End()

	logger.Info().Msg("processing merge job")

	result, mergeErr := s.merge(ctx, message.SessionId, message.Channel)
	elapsed := time.Since(startedAt).Seconds()
	if mergeErr != nil {
		span.RecordError(mergeErr)
		span.SetStatus(codes.Error, mergeErr.Error())
		s.metrics.RecordMerge(message.Channel.String(), string(constant.MergeStatusFailed), elapsed)
		return s.fail(ctx, message, result, mergeErr)
	}

	err = s.repo.Transaction(ctx, func(ctx context.Context) error {
		previous, err := s.repo.FindMergeState(ctx, message.SessionId, message.Channel)
		if err != nil {
			return err
		}
		won, err := s.repo.TransitionMergeState(ctx, message.SessionId, message.Channel,
			[]constant.MergeStatus{constant.MergeStatusProcessing}, constant.MergeStatusCompleted,
			map[string]any{
				"recording_backend":     result.backend,
				"recording_ref":         result.ref,
				"recording_size_bytes":  result.sizeBytes,
				"recording_duration_ms": result.durationMs,
				"segment_count":         len(result.consumed),
				"defect_count":          result.defects,
				"finished_at":           s.now(),
			})
		if err != nil {
			return err
		}
		if !won {
			return errMergeSuperseded
		}
		if err := s.orphanPreviousRecording(ctx, previous, result); err != nil {
			return err
		}
		return s.repo.MarkSegmentsConsumed(ctx, result.consumed, s.now())
	})
	if err != nil {
		s.discardRecording(ctx, message.SessionId, result, orphanReasonSuperseded)
		if errors.Is(err, errMergeSuperseded) {
			logger.Warn().Msg("merge state changed while merging, recording discarded")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("failed to record merge completion")
		return fmt.Errorf("complete merge: %w", err)
	}

	s.metrics.RecordMerge(message.Channel.String(), string(constant.MergeStatusCompleted), elapsed)
	logger.Info().
		Str("recording_ref", result.ref).
		Int("segment_count", len(result.consumed)).
		Int("defect_count", result.defects).
		Int64("size_bytes", result.sizeBytes).
		Float64("elapsed_seconds", elapsed).
		Msg("merge completed")
	return nil
}

var errMergeSuperseded = errors.New("merge state no longer processing")

// orphanPreviousRecording records the recording being replaced by result so
// cleanup-orphans removes it once readers have moved to the new one.
func (s *mergeService) orphanPreviousRecording(ctx context.Context, previous *entities.MergeState, result *mergeResult) error {
	if previous.RecordingRef == nil || previous.RecordingBackend == nil {
		return nil
	}
	if *previous.RecordingBackend == result.backend && *previous.RecordingRef == result.ref {
		return nil
	}
	err := s.repo.CreateOrphan(ctx, &entities.OrphanedObject{
		SessionId:      previous.SessionId,
		StorageBackend: *previous.RecordingBackend,
		Location:       *previous.RecordingRef,
		Reason:         orphanReasonReplaced,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return fmt.Errorf("orphan previous recording: %w", err)
	}
	zerolog.Ctx(ctx).Info().Str("ref", *previous.RecordingRef).Msg("previous recording scheduled for cleanup")
	return nil
}

const orphanReasonSuperseded = "superseded"

func (s *mergeService) fail(ctx context.Context, message dto.MergeJobMessage, result *mergeResult, mergeErr error) error {
	updates := map[string]any{
		"failure_reason": mergeErr.Error(),
		"finished_at":    s.now(),
	}
	if result != nil {
		updates["defect_count"] = result.defects
	}
	won, err := s.repo.TransitionMergeState(ctx, message.SessionId, message.Channel,
		[]constant.MergeStatus{constant.MergeStatusProcessing}, constant.MergeStatusFailed, updates)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).AnErr("merge_error", mergeErr).Msg("failed to record merge failure")
		return fmt.Errorf("record merge failure: %w", err)
	}
	if !won {
		zerolog.Ctx(ctx).Warn().Err(mergeErr).Msg("merge failed after its state changed")
		return nil
	}
	zerolog.Ctx(ctx).Error().Err(mergeErr).Msg("merge failed")
	return nil
}

// merge produces and publishes the channel's recording. On error the returned
// result, when not nil, only carries the defect count.
func (s *mergeService) merge(ctx context.Context, sessionId uuid.UUID, channel constant.Channel) (*mergeResult, error) {
	logger := zerolog.Ctx(ctx)

	segments, err := s.repo.ListChannelSegments(ctx, sessionId, channel)
	if err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}

	inputs, defects := selectMergeInput(segments)
	result := &mergeResult{defects: defects}
	if defects > 0 {
		logger.Warn().Int("defect_count", defects).Msg("skipping segments without sequence or location")
	}
	if len(inputs) == 0 {
		return result, fmt.Errorf("%w: %d segments, %d defective", ErrNoValidInput, len(segments), defects)
	}

	contentType, err := commonContentType(inputs)
	if err != nil {
		return result, err
	}

	if err := os.MkdirAll(s.opts.StagingDir, 0o755); err != nil {
		return result, fmt.Errorf("create staging root: %w", err)
	}
	stagingDir, err := os.MkdirTemp(s.opts.StagingDir, fmt.Sprintf("merge-%s-%s-", sessionId, channel))
	if err != nil {
		return result, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	paths, err := s.stage(ctx, inputs, stagingDir)
	if err != nil {
		return result, err
	}

	output := filepath.Join(stagingDir, "merged"+extensionFor(contentType))
	concatCtx, concatSpan := tracer.Start(ctx, "merge.concat", trace.WithAttributes(attribute.Int("segment_count", len(paths))))
	err = s.concat.Concat(concatCtx, paths, output)
	concatSpan.End()
	if err != nil {
		return result, fmt.Errorf("concatenate: %w", err)
	}

	info, err := os.Stat(output)
	if err != nil {
		return result, fmt.Errorf("stat merged output: %w", err)
	}
	result.sizeBytes = info.Size()
	result.durationMs = s.recordingDuration(ctx, output, inputs)

	backend := s.backends.Default()
	key := recordingKey(sessionId, channel, s.now(), contentType)
	ref, err := s.publish(ctx, backend, key, output, info.Size(), contentType)
	if err != nil {
		return result, fmt.Errorf("publish recording: %w", err)
	}

	result.backend = backend.Kind()
	result.ref = ref
	result.consumed = make([]uuid.UUID, 0, len(inputs))
	for _, segment := range inputs {
		result.consumed = append(result.consumed, segment.ID)
	}
	return result, nil
}

// selectMergeInput drops invalid segments, keeps one segment per sequence and
// orders the rest by sequence.
func selectMergeInput(segments []*entities.ProctoringSegment) ([]*entities.ProctoringSegment, int) {
	defects := 0
	bySequence := make(map[int]*entities.ProctoringSegment, len(segments))
	for _, segment := range segments {
		if !segment.IsValid() {
			defects++
			continue
		}
		current, ok := bySequence[*segment.Sequence]
		if !ok || supersedes(segment, current) {
			bySequence[*segment.Sequence] = segment
		}
	}

	inputs := make([]*entities.ProctoringSegment, 0, len(bySequence))
	for _, segment := range bySequence {
		inputs = append(inputs, segment)
	}
	sort.Slice(inputs, func(i, j int) bool {
		return *inputs[i].Sequence < *inputs[j].Sequence
	})
	return inputs, defects
}

// supersedes reports whether a wins over b for the same sequence: the later
// recording time, then the greater segment id.
func supersedes(a, b *entities.ProctoringSegment) bool {
	switch {
	case a.RecordedAt != nil && b.RecordedAt == nil:
		return true
	case a.RecordedAt == nil && b.RecordedAt != nil:
		return false
	case a.RecordedAt != nil && !a.RecordedAt.Equal(*b.RecordedAt):
		return a.RecordedAt.After(*b.RecordedAt)
	}
	return a.ID.String() > b.ID.String()
}

// commonContentType requires every input to share a container type and, when
// declared, the same codecs.
func commonContentType(inputs []*entities.ProctoringSegment) (string, error) {
	var contentType, mediaType, codecs string
	for _, segment := range inputs {
		if segment.MimeType == "" {
			continue
		}
		segmentType, segmentCodecs := parseContentType(segment.MimeType)

		if mediaType == "" {
			contentType, mediaType, codecs = segment.MimeType, segmentType, segmentCodecs
			continue
		}
		if segmentType != mediaType {
			return "", fmt.Errorf("%w: sequence %d is %s, expected %s", ErrIncompatibleSegments, *segment.Sequence, segmentType, mediaType)
		}
		if segmentCodecs != "" && codecs != "" && segmentCodecs != codecs {
			return "", fmt.Errorf("%w: sequence %d uses codecs %s, expected %s", ErrIncompatibleSegments, *segment.Sequence, segmentCodecs, codecs)
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return contentType, nil
}

// stage makes every input available as a local file, in order. Local segments
// are referenced in place; remote ones are downloaded into dir.
func (s *mergeService) stage(ctx context.Context, inputs []*entities.ProctoringSegment, dir string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "merge.stage")
	defer span.End()

	paths := make([]string, 0, len(inputs))
	for i, segment := range inputs {
		ref, _ := segment.Location()
		backend, err := s.backends.Get(segment.StorageBackend)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", segment.ID, err)
		}

		if local, ok := backend.(storage.LocalPather); ok {
			path, err := local.Path(ref)
			if err != nil {
				return nil, fmt.Errorf("segment %s: %w", segment.ID, err)
			}
			if _, err := os.Stat(path); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil, errors.Join(ErrDataLoss, fmt.Errorf("segment %s (sequence %d) missing at %s", segment.ID, *segment.Sequence, ref))
				}
				return nil, fmt.Errorf("segment %s: %w", segment.ID, err)
			}
			paths = append(paths, path)
			continue
		}

		path := filepath.Join(dir, fmt.Sprintf("%06d-%s%s", i, segment.ID, extensionFor(segment.MimeType)))
		if _, err := retryBackend(ctx, s.opts.Retry, func() (struct{}, error) {
			return struct{}{}, download(ctx, backend, ref, path)
		}); err != nil {
			return nil, fmt.Errorf("stage segment %s (sequence %d): %w", segment.ID, *segment.Sequence, err)
		}
		paths = append(paths, path)
	}

	zerolog.Ctx(ctx).Debug().Int("segment_count", len(paths)).Msg("segments staged")
	return paths, nil
}

func download(ctx context.Context, backend storage.Backend, ref, path string) error {
	obj, err := backend.Get(ctx, ref)
	if err != nil {
		return err
	}
	defer obj.Body.Close()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	written, err := io.Copy(file, obj.Body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Join(storage.ErrUnavailable, fmt.Errorf("download %s: %w", ref, err))
	}
	if obj.Size >= 0 && written != obj.Size {
		return errors.Join(storage.ErrUnavailable, fmt.Errorf("download %s: got %d of %d bytes", ref, written, obj.Size))
	}
	return nil
}

func (s *mergeService) recordingDuration(ctx context.Context, output string, inputs []*entities.ProctoringSegment) *int64 {
	if d, ok := s.concat.Duration(ctx, output); ok {
		ms := d.Milliseconds()
		return &ms
	}
	var total int64
	for _, segment := range inputs {
		if segment.DurationMs == nil {
			return nil
		}
		total += *segment.DurationMs
	}
	return &total
}

func (s *mergeService) publish(ctx context.Context, backend storage.Backend, key, path string, size int64, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "merge.publish", trace.WithAttributes(
		attribute.String("backend", backend.Kind().String()),
		attribute.Int64("size_bytes", size),
	))
	defer span.End()

	return retryBackend(ctx, s.opts.Retry, func() (string, error) {
		file, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer file.Close()
		return backend.Put(ctx, key, file, size, contentType)
	})
}

// discardRecording removes a published recording that never became the
// channel's reference, recording it as an orphan when removal fails.
func (s *mergeService) discardRecording(ctx context.Context, sessionId uuid.UUID, result *mergeResult, reason string) {
	ctx = context.WithoutCancel(ctx)
	backend, err := s.backends.Get(result.backend)
	if err == nil {
		err = backend.Delete(ctx, result.ref)
	}
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return
	}
	zerolog.Ctx(ctx).Warn().Err(err).Str("ref", result.ref).Msg("failed to discard recording")
	orphanErr := s.repo.CreateOrphan(ctx, &entities.OrphanedObject{
		SessionId:      sessionId,
		StorageBackend: result.backend,
		Location:       result.ref,
		Reason:         reason,
		CreatedAt:      s.now(),
	})
	if orphanErr != nil {
		zerolog.Ctx(ctx).Error().Err(orphanErr).Str("ref", result.ref).Msg("failed to record orphaned recording")
	}
}

func (s *mergeService) Status(ctx context.Context, sessionId uuid.UUID) (*dto.MergeStatusReport, error) {
	session, err := s.repo.FindSession(ctx, sessionId)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionId)
		}
		return nil, err
	}

	report := &dto.MergeStatusReport{
		SessionId:     sessionId,
		MergeStatus:   make(map[constant.Channel]constant.MergeStatus, len(constant.MergeableChannels)),
		RecordingUrls: make(map[constant.Channel]string),
		Channels:      make([]dto.ChannelMerge, 0, len(constant.MergeableChannels)),
	}
	for _, channel := range constant.MergeableChannels {
		state := session.MergeStateFor(channel)
		report.MergeStatus[channel] = state.Status
		if state.RecordingRef != nil {
			report.RecordingUrls[channel] = s.recordingURL(sessionId, channel)
		}
		report.Channels = append(report.Channels, dto.ChannelMerge{
			Channel:             channel,
			Status:              state.Status,
			SegmentCount:        state.SegmentCount,
			DefectCount:         state.DefectCount,
			Attempts:            state.Attempts,
			RecordingDurationMs: state.RecordingDurationMs,
			RecordingSizeBytes:  state.RecordingSizeBytes,
			FailureReason:       state.FailureReason,
			StartedAt:           state.StartedAt,
			FinishedAt:          state.FinishedAt,
		})
	}
	return report, nil
}

func (s *mergeService) recordingURL(sessionId uuid.UUID, channel constant.Channel) string {
	return fmt.Sprintf("%s/api/v1/sessions/%s/recordings/%s", strings.TrimSuffix(s.opts.PublicBaseURL, "/"), sessionId, channel)
}

// FinishSession records the terminal session status and starts the first
// merge of every mergeable channel that received segments.
func (s *mergeService) FinishSession(ctx context.Context, sessionId uuid.UUID, status constant.SessionStatus) (map[constant.Channel]constant.MergeStatus, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %q is not a terminal session status", ErrValidation, status)
	}
	if err := s.repo.UpdateSessionStatus(ctx, sessionId, status); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionId)
		}
		return nil, fmt.Errorf("update session status: %w", err)
	}

	statuses := make(map[constant.Channel]constant.MergeStatus, len(constant.MergeableChannels))
	var errs []error
	for _, channel := range constant.MergeableChannels {
		count, err := s.repo.CountUnconsumedSegments(ctx, sessionId, channel)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			state, err := s.repo.FindMergeState(ctx, sessionId, channel)
			switch {
			case err == nil:
				statuses[channel] = state.Status
			case errors.Is(err, repository.ErrNotFound):
				statuses[channel] = constant.MergeStatusNotStarted
			default:
				return nil, err
			}
			continue
		}

		merged, err := s.Trigger(ctx, sessionId, channel)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", channel, err))
		}
		statuses[channel] = merged
	}

	zerolog.Ctx(ctx).Info().
		Str("session_id", sessionId.String()).
		Str("status", string(status)).
		Interface("merge_status", statuses).
		Msg("session finished")
	return statuses, errors.Join(errs...)
}

// Reclaim returns merge jobs stuck in processing for longer than olderThan to
// pending and dispatches them again.
func (s *mergeService) Reclaim(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	stale, err := s.repo.FindStaleMergeStates(ctx, cutoff, reclaimBatch)
	if err != nil {
		return 0, fmt.Errorf("find stale merges: %w", err)
	}

	reclaimed := 0
	for _, state := range stale {
		won, err := s.repo.ReclaimMergeState(ctx, state.SessionId, state.Channel, cutoff, reclaimReason)
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim merge: %w", err)
		}
		if !won {
			continue
		}
		reclaimed++
		s.metrics.RecordReclaim()
		zerolog.Ctx(ctx).Warn().
			Str("session_id", state.SessionId.String()).
			Str("channel", state.Channel.String()).
			Time("started_at", *state.StartedAt).
			Msg("reclaimed stale merge job")
		if err := s.dispatch(ctx, state.SessionId, state.Channel); err != nil {
			return reclaimed, err
		}
	}
	return reclaimed, nil
}
