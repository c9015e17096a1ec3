package service

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"proctoring-recorder/constant"
	"proctoring-recorder/dto"
	"proctoring-recorder/entities"
	"proctoring-recorder/pkg/metrics"
	"proctoring-recorder/pkg/storage"
	"proctoring-recorder/repository"
	"proctoring-recorder/testutil"
)

// recordingDispatcher records merge jobs and, when runInline is set, runs
// them before returning.
type recordingDispatcher struct {
	mu        sync.Mutex
	merge     MergeService
	runInline bool
	err       error
	messages  []dto.MergeJobMessage
}

func (d *recordingDispatcher) DispatchMerge(ctx context.Context, message dto.MergeJobMessage) error {
	d.mu.Lock()
	d.messages = append(d.messages, message)
	runInline, merge, err := d.runInline, d.merge, d.err
	d.mu.Unlock()

	if err != nil {
		return err
	}
	if runInline {
		return merge.Run(ctx, message)
	}
	return nil
}

func (d *recordingDispatcher) Messages() []dto.MergeJobMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dto.MergeJobMessage(nil), d.messages...)
}

type fixture struct {
	ctx        context.Context
	db         *gorm.DB
	repo       repository.ReportRepository
	local      *storage.Local
	remote     *testutil.MemoryBackend
	backends   *storage.Registry
	dispatcher *recordingDispatcher
	ingestion  IngestionService
	merge      MergeService
	media      MediaService
	metrics    *metrics.Metrics
	retry      RetryPolicy
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	defaultBackend constant.StorageBackend
	runInline      bool
}

func withDefaultBackend(kind constant.StorageBackend) fixtureOption {
	return func(c *fixtureConfig) { c.defaultBackend = kind }
}

func withQueuedMerges() fixtureOption {
	return func(c *fixtureConfig) { c.runInline = false }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{defaultBackend: constant.StorageBackendLocal, runInline: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	remote := testutil.NewMemoryBackend(constant.StorageBackendObjectStore)
	backends, err := storage.NewRegistry(cfg.defaultBackend, local, remote)
	require.NoError(t, err)

	db := testutil.NewDB(t)
	repo := repository.NewRepoWithDB(db)
	m := metrics.New(prometheus.NewRegistry())
	retry := RetryPolicy{MaxTries: 3, MaxInterval: 20 * time.Millisecond}
	dispatcher := &recordingDispatcher{runInline: cfg.runInline}

	merge := NewMergeService(repo, backends, ByteConcatenator{}, dispatcher, MergeOptions{
		StagingDir:    t.TempDir(),
		Retry:         retry,
		PublicBaseURL: "https://proctoring.test",
	}, m)
	dispatcher.merge = merge

	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.WarnLevel)
	return &fixture{
		ctx:        logger.WithContext(context.Background()),
		db:         db,
		repo:       repo,
		local:      local,
		remote:     remote,
		backends:   backends,
		dispatcher: dispatcher,
		ingestion:  NewIngestionService(repo, backends, retry, m),
		merge:      merge,
		media:      NewMediaService(repo, backends, retry),
		metrics:    m,
		retry:      retry,
	}
}

type segmentOption func(*IngestRequest)

func recordedAt(at time.Time) segmentOption {
	return func(r *IngestRequest) { r.RecordedAt = &at }
}

func durationMs(ms int64) segmentOption {
	return func(r *IngestRequest) { r.DurationMs = &ms }
}

func (f *fixture) ingest(t *testing.T, sessionId uuid.UUID, channel constant.Channel, sequence int, data []byte, opts ...segmentOption) *entities.ProctoringSegment {
	t.Helper()
	req := IngestRequest{
		SessionId:   sessionId,
		Channel:     channel,
		Sequence:    &sequence,
		Body:        bytes.NewReader(data),
		Size:        int64(len(data)),
		ContentType: "video/webm;codecs=vp8,opus",
	}
	for _, opt := range opts {
		opt(&req)
	}
	segment, err := f.ingestion.Ingest(f.ctx, req)
	require.NoError(t, err)
	return segment
}

func (f *fixture) mergeState(t *testing.T, sessionId uuid.UUID, channel constant.Channel) *entities.MergeState {
	t.Helper()
	state, err := f.repo.FindMergeState(f.ctx, sessionId, channel)
	require.NoError(t, err)
	return state
}

func (f *fixture) readRecording(t *testing.T, sessionId uuid.UUID, channel constant.Channel) []byte {
	t.Helper()
	media, err := f.media.OpenRecording(f.ctx, sessionId, channel, "")
	require.NoError(t, err)
	defer media.Body.Close()
	data, err := io.ReadAll(media.Body)
	require.NoError(t, err)
	return data
}

// localPath returns the file backing a locally stored segment.
func (f *fixture) localPath(t *testing.T, segment *entities.ProctoringSegment) string {
	t.Helper()
	ref, ok := segment.Location()
	require.True(t, ok)
	path, err := f.local.Path(ref)
	require.NoError(t, err)
	return path
}
