package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"proctoring-recorder/constant"
	"proctoring-recorder/dto"
	"proctoring-recorder/pkg/metrics"
	"proctoring-recorder/pkg/storage"
	"proctoring-recorder/repository"
	"proctoring-recorder/service"
	"proctoring-recorder/testutil"
)

// inlineDispatcher runs merge jobs synchronously instead of queueing them.
type inlineDispatcher struct {
	merge service.MergeService
}

func (d *inlineDispatcher) DispatchMerge(ctx context.Context, message dto.MergeJobMessage) error {
	return d.merge.Run(ctx, message)
}

type testServer struct {
	router *gin.Engine
	repo   repository.ReportRepository
	local  *storage.Local
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	backends, err := storage.NewRegistry(constant.StorageBackendLocal, local)
	require.NoError(t, err)
	repo := repository.NewRepoWithDB(testutil.NewDB(t))
	m := metrics.New(prometheus.NewRegistry())
	retry := service.RetryPolicy{MaxTries: 2, MaxInterval: 10 * time.Millisecond}

	dispatcher := &inlineDispatcher{}
	merge := service.NewMergeService(repo, backends, service.ByteConcatenator{}, dispatcher, service.MergeOptions{
		StagingDir:    t.TempDir(),
		Retry:         retry,
		PublicBaseURL: "http://recorder.test",
	}, m)
	dispatcher.merge = merge

	h := &HTTPHandler{
		Ingestion:      service.NewIngestionService(repo, backends, retry, m),
		Merge:          merge,
		Media:          service.NewMediaService(repo, backends, retry),
		Metrics:        m,
		BufferSize:     64,
		MaxUploadBytes: 1 << 20,
	}
	router := gin.New()
	router.Use(RequestLogger(zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.WarnLevel)))
	h.RegisterRoutes(router)
	return &testServer{router: router, repo: repo, local: local}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) upload(t *testing.T, sessionId uuid.UUID, fields map[string]string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	if data != nil {
		part, err := writer.CreateFormFile("file", "chunk.webm")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/segments", sessionId), &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return s.do(req)
}

func (s *testServer) ingest(t *testing.T, sessionId uuid.UUID, channel constant.Channel, sequence int, data []byte) dto.IngestResponse {
	t.Helper()
	w := s.upload(t, sessionId, map[string]string{
		"channel":    channel.String(),
		"sequence":   strconv.Itoa(sequence),
		"mimeType":   "video/webm",
		"durationMs": "1000",
	}, data)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp dto.IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestIngestSegmentEndpoint(t *testing.T) {
	s := newTestServer(t)
	sessionId := uuid.New()

	resp := s.ingest(t, sessionId, constant.ChannelWebcam, 0, []byte("chunk"))
	assert.Equal(t, sessionId, resp.SessionId)
	assert.Equal(t, constant.ChannelWebcam, resp.Channel)
	assert.Equal(t, int64(5), resp.SizeBytes)

	w := s.upload(t, sessionId, map[string]string{"channel": "webcam", "sequence": "abc"}, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decodeError(t, w).Code)

	w = s.upload(t, sessionId, map[string]string{"channel": "webcam", "sequence": "1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.upload(t, sessionId, map[string]string{"channel": "thermal", "sequence": "1"}, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/not-a-uuid/segments", nil)
	assert.Equal(t, http.StatusBadRequest, s.do(req).Code)
}

func TestTriggerMergeAndServeRecording(t *testing.T) {
	s := newTestServer(t)
	sessionId := uuid.New()
	s.ingest(t, sessionId, constant.ChannelScreen, 1, []byte("world"))
	s.ingest(t, sessionId, constant.ChannelScreen, 0, []byte("hello "))

	w := s.do(httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/merges/screen", sessionId), nil))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = s.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s/merges", sessionId), nil))
	require.Equal(t, http.StatusOK, w.Code)
	var report dto.MergeStatusReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, constant.MergeStatusCompleted, report.MergeStatus[constant.ChannelScreen])
	assert.Equal(t, constant.MergeStatusNotStarted, report.MergeStatus[constant.ChannelWebcam])
	assert.Equal(t,
		fmt.Sprintf("http://recorder.test/api/v1/sessions/%s/recordings/screen", sessionId),
		report.RecordingUrls[constant.ChannelScreen])

	w = s.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s/recordings/screen", sessionId), nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))

	w = s.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s/recordings/webcam", sessionId), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/merges/microphone", sessionId), nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSegmentMediaRanges(t *testing.T) {
	s := newTestServer(t)
	sessionId := uuid.New()
	data := bytes.Repeat([]byte("0123456789"), 100)
	resp := s.ingest(t, sessionId, constant.ChannelWebcam, 0, data)
	path := fmt.Sprintf("/api/v1/sessions/%s/segments/%s/media", sessionId, resp.SegmentId)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Range", "bytes=100-199")
	w := s.do(req)
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 100-199/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, "100", w.Header().Get("Content-Length"))
	assert.Equal(t, "video/webm", w.Header().Get("Content-Type"))
	assert.Equal(t, data[100:200], w.Body.Bytes())

	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Range", "bytes=5000-")
	w = s.do(req)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */1000", w.Header().Get("Content-Range"))
	assert.Equal(t, "range_not_satisfiable", decodeError(t, w).Code)

	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Range", "items=0-5")
	w = s.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Body.Bytes(), 1000)

	w = s.do(httptest.NewRequest(http.MethodHead, path, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1000", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Body.Bytes())

	w = s.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s/segments/%s/media", sessionId, uuid.New()), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).Code)
}

func TestSegmentMediaMissingBytesIsConsistencyError(t *testing.T) {
	s := newTestServer(t)
	sessionId := uuid.New()
	resp := s.ingest(t, sessionId, constant.ChannelWebcam, 0, []byte("gone soon"))

	segment, err := s.repo.FindSegment(context.Background(), sessionId, resp.SegmentId)
	require.NoError(t, err)
	ref, ok := segment.Location()
	require.True(t, ok)
	path, err := s.local.Path(ref)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	w := s.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s/segments/%s/media", sessionId, resp.SegmentId), nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "consistency_error", decodeError(t, w).Code)
}

func TestListSegmentsEndpoint(t *testing.T) {
	s := newTestServer(t)
	sessionId := uuid.New()
	s.ingest(t, sessionId, constant.ChannelWebcam, 0, []byte("a"))
	s.ingest(t, sessionId, constant.ChannelMicrophone, 0, []byte("b"))

	w := s.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s/segments", sessionId), nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Segments []dto.SegmentView `json:"segments"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Segments, 2)
	for _, segment := range body.Segments {
		assert.True(t, segment.Valid)
		assert.Equal(t, constant.StorageBackendLocal, segment.StorageBackend)
	}
}

func TestFinishSessionEndpoint(t *testing.T) {
	s := newTestServer(t)
	sessionId := uuid.New()
	s.ingest(t, sessionId, constant.ChannelWebcam, 0, []byte("only"))

	finish := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/finish", sessionId), bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		return s.do(req)
	}

	assert.Equal(t, http.StatusBadRequest, finish(`{}`).Code)
	assert.Equal(t, http.StatusBadRequest, finish(`{"status":"in_progress"}`).Code)

	w := finish(`{"status":"submitted"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var body struct {
		MergeStatus map[constant.Channel]constant.MergeStatus `json:"mergeStatus"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, constant.MergeStatusPending, body.MergeStatus[constant.ChannelWebcam], "finish reports the status at trigger time")
	assert.Equal(t, constant.MergeStatusNotStarted, body.MergeStatus[constant.ChannelScreen])

	w = s.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s/merges", sessionId), nil))
	require.Equal(t, http.StatusOK, w.Code)
	var report dto.MergeStatusReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, constant.MergeStatusCompleted, report.MergeStatus[constant.ChannelWebcam])
	assert.Contains(t, report.RecordingUrls, constant.ChannelWebcam)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/finish", uuid.New()), bytes.NewBufferString(`{"status":"submitted"}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusNotFound, s.do(req).Code)
}

func TestBeginSessionEndpoint(t *testing.T) {
	s := newTestServer(t)
	sessionId := uuid.New()

	w := s.do(httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s", sessionId), nil))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = s.do(httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s", sessionId), nil))
	assert.Equal(t, http.StatusCreated, w.Code, "beginning a session twice is idempotent")
}
