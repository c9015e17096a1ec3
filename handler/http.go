package handler

import (
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"io"
	"net/http"
	"proctoring-recorder/constant"
	"proctoring-recorder/dto"
	"proctoring-recorder/entities"
	"proctoring-recorder/pkg/metrics"
	"proctoring-recorder/service"
	"strconv"
	"time"
)

const (
	mediaKindSegment   = "segment"
	mediaKindRecording = "recording"
)

type HTTPHandler struct {
	Ingestion      service.IngestionService
	Merge          service.MergeService
	Media          service.MediaService
	Metrics        *metrics.Metrics
	BufferSize     int
	MaxUploadBytes int64
}

func (h *HTTPHandler) RegisterRoutes(r gin.IRouter) {
	sessions := r.Group("/api/v1/sessions/:sessionId")
	sessions.POST("", h.beginSession)
	sessions.POST("/segments", h.ingestSegment)
	sessions.GET("/segments", h.listSegments)
	sessions.GET("/segments/:segmentId/media", h.segmentMedia)
	sessions.HEAD("/segments/:segmentId/media", h.segmentMedia)
	sessions.POST("/merges/:channel", h.triggerMerge)
	sessions.GET("/merges", h.mergeStatus)
	sessions.GET("/recordings/:channel", h.recordingMedia)
	sessions.HEAD("/recordings/:channel", h.recordingMedia)
	sessions.POST("/finish", h.finishSession)
}

func sessionIdParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		writeError(c, fmt.Errorf("%w: invalid session id %q", service.ErrValidation, c.Param("sessionId")))
		return uuid.Nil, false
	}
	return id, true
}

func (h *HTTPHandler) beginSession(c *gin.Context) {
	sessionId, ok := sessionIdParam(c)
	if !ok {
		return
	}
	session, err := h.Ingestion.BeginSession(c.Request.Context(), sessionId)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": session.ID, "status": session.Status})
}

func (h *HTTPHandler) ingestSegment(c *gin.Context) {
	sessionId, ok := sessionIdParam(c)
	if !ok {
		return
	}
	if h.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes)
	}

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{Error: err.Error(), Code: "payload_too_large"})
			return
		}
		writeError(c, fmt.Errorf("%w: file is required", service.ErrValidation))
		return
	}

	req := service.IngestRequest{
		SessionId:   sessionId,
		Channel:     constant.Channel(c.PostForm("channel")),
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
	}
	if mimeType := c.PostForm("mimeType"); mimeType != "" {
		req.ContentType = mimeType
	}
	if raw, ok := c.GetPostForm("sequence"); ok && raw != "" {
		sequence, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, fmt.Errorf("%w: sequence must be an integer", service.ErrValidation))
			return
		}
		req.Sequence = &sequence
	}
	if raw := c.PostForm("recordedAt"); raw != "" {
		recordedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(c, fmt.Errorf("%w: recordedAt must be RFC 3339", service.ErrValidation))
			return
		}
		recordedAt = recordedAt.UTC()
		req.RecordedAt = &recordedAt
	}
	if raw := c.PostForm("durationMs"); raw != "" {
		durationMs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(c, fmt.Errorf("%w: durationMs must be an integer", service.ErrValidation))
			return
		}
		req.DurationMs = &durationMs
	}

	file, err := header.Open()
	if err != nil {
		writeError(c, fmt.Errorf("%w: unreadable upload: %v", service.ErrValidation, err))
		return
	}
	defer file.Close()
	req.Body = file

	segment, err := h.Ingestion.Ingest(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.IngestResponse{
		SegmentId: segment.ID,
		SessionId: segment.SessionId,
		Channel:   segment.Channel,
		Sequence:  *segment.Sequence,
		SizeBytes: segment.SizeBytes,
	})
}

func (h *HTTPHandler) listSegments(c *gin.Context) {
	sessionId, ok := sessionIdParam(c)
	if !ok {
		return
	}
	segments, err := h.Media.ListSegments(c.Request.Context(), sessionId)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]dto.SegmentView, 0, len(segments))
	for _, segment := range segments {
		views = append(views, segmentView(segment))
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionId, "segments": views})
}

func segmentView(segment *entities.ProctoringSegment) dto.SegmentView {
	return dto.SegmentView{
		SegmentId:      segment.ID,
		Channel:        segment.Channel,
		Sequence:       segment.Sequence,
		StorageBackend: segment.StorageBackend,
		SizeBytes:      segment.SizeBytes,
		DurationMs:     segment.DurationMs,
		MimeType:       segment.MimeType,
		RecordedAt:     segment.RecordedAt,
		Valid:          segment.IsValid(),
		Consumed:       segment.ConsumedAt != nil,
		MediaUrl:       fmt.Sprintf("/api/v1/sessions/%s/segments/%s/media", segment.SessionId, segment.ID),
	}
}

func (h *HTTPHandler) triggerMerge(c *gin.Context) {
	sessionId, ok := sessionIdParam(c)
	if !ok {
		return
	}
	channel := constant.Channel(c.Param("channel"))
	status, err := h.Merge.Trigger(c.Request.Context(), sessionId, channel)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.TriggerResponse{SessionId: sessionId, Channel: channel, Status: status})
}

func (h *HTTPHandler) mergeStatus(c *gin.Context) {
	sessionId, ok := sessionIdParam(c)
	if !ok {
		return
	}
	report, err := h.Merge.Status(c.Request.Context(), sessionId)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *HTTPHandler) finishSession(c *gin.Context) {
	sessionId, ok := sessionIdParam(c)
	if !ok {
		return
	}
	var req dto.FinishSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", service.ErrValidation, err))
		return
	}

	statuses, err := h.Merge.FinishSession(c.Request.Context(), sessionId, req.Status)
	if statuses == nil {
		writeError(c, err)
		return
	}
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Warn().Err(err).Str("session_id", sessionId.String()).Msg("session finished with merge dispatch errors")
	}
	c.JSON(http.StatusAccepted, gin.H{"sessionId": sessionId, "status": req.Status, "mergeStatus": statuses})
}

func (h *HTTPHandler) segmentMedia(c *gin.Context) {
	sessionId, ok := sessionIdParam(c)
	if !ok {
		return
	}
	segmentId, err := uuid.Parse(c.Param("segmentId"))
	if err != nil {
		writeError(c, fmt.Errorf("%w: invalid segment id", service.ErrValidation))
		return
	}
	media, err := h.Media.OpenSegment(c.Request.Context(), sessionId, segmentId, c.GetHeader("Range"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.serveMedia(c, mediaKindSegment, media)
}

func (h *HTTPHandler) recordingMedia(c *gin.Context) {
	sessionId, ok := sessionIdParam(c)
	if !ok {
		return
	}
	media, err := h.Media.OpenRecording(c.Request.Context(), sessionId, constant.Channel(c.Param("channel")), c.GetHeader("Range"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.serveMedia(c, mediaKindRecording, media)
}

// serveMedia streams media through a fixed-size buffer.
func (h *HTTPHandler) serveMedia(c *gin.Context, kind string, media *service.Media) {
	defer media.Body.Close()

	contentType := media.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Type", contentType)
	c.Header("Content-Length", strconv.FormatInt(media.Length(), 10))
	status := http.StatusOK
	if media.Partial {
		c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", media.Start, media.End, media.TotalSize))
		status = http.StatusPartialContent
	}
	c.Status(status)
	c.Writer.WriteHeaderNow()
	if c.Request.Method == http.MethodHead {
		return
	}

	size := h.BufferSize
	if size <= 0 {
		size = 32 * 1024
	}
	buf := make([]byte, size)
	var written int64
	for {
		n, readErr := media.Body.Read(buf)
		if n > 0 {
			if _, err := c.Writer.Write(buf[:n]); err != nil {
				zerolog.Ctx(c.Request.Context()).Debug().Err(err).Int64("written", written).Msg("client went away while streaming media")
				break
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			zerolog.Ctx(c.Request.Context()).Error().Err(readErr).Int64("written", written).Msg("failed to read media while streaming")
			break
		}
	}
	h.Metrics.RecordServed(kind, written)
}

// writeError maps service errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	var rangeErr *service.RangeError
	switch {
	case errors.As(err, &rangeErr):
		c.Header("Content-Range", fmt.Sprintf("bytes */%d", rangeErr.Size))
		status, code = http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable"
	case errors.Is(err, service.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, service.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, service.ErrConsistency):
		status, code = http.StatusInternalServerError, "consistency_error"
	case errors.Is(err, service.ErrTransientBackend):
		status, code = http.StatusServiceUnavailable, "backend_unavailable"
	}

	event := zerolog.Ctx(c.Request.Context()).Warn()
	if status >= http.StatusInternalServerError {
		event = zerolog.Ctx(c.Request.Context()).Error()
	}
	event.Err(err).Str("path", c.FullPath()).Int("status", status).Msg("request failed")

	c.AbortWithStatusJSON(status, dto.ErrorResponse{Error: err.Error(), Code: code})
}
