package dto

import (
	"github.com/google/uuid"
	"proctoring-recorder/constant"
	"time"
)

// MergeJobMessage asks a worker to merge one (session, channel).
type MergeJobMessage struct {
	JobId     uuid.UUID        `json:"jobId"`
	SessionId uuid.UUID        `json:"sessionId"`
	Channel   constant.Channel `json:"channel"`
}

type IngestResponse struct {
	SegmentId uuid.UUID        `json:"segmentId"`
	SessionId uuid.UUID        `json:"sessionId"`
	Channel   constant.Channel `json:"channel"`
	Sequence  int              `json:"sequence"`
	SizeBytes int64            `json:"sizeBytes"`
}

type TriggerResponse struct {
	SessionId uuid.UUID            `json:"sessionId"`
	Channel   constant.Channel     `json:"channel"`
	Status    constant.MergeStatus `json:"status"`
}

type FinishSessionRequest struct {
	Status constant.SessionStatus `json:"status" binding:"required"`
}

// MergeStatusReport is the review dashboard's view of a session's merges.
type MergeStatusReport struct {
	SessionId     uuid.UUID                                 `json:"sessionId"`
	MergeStatus   map[constant.Channel]constant.MergeStatus `json:"mergeStatus"`
	RecordingUrls map[constant.Channel]string               `json:"recordingUrls"`
	Channels      []ChannelMerge                            `json:"channels"`
}

type ChannelMerge struct {
	Channel             constant.Channel     `json:"channel"`
	Status              constant.MergeStatus `json:"status"`
	SegmentCount        int                  `json:"segmentCount"`
	DefectCount         int                  `json:"defectCount"`
	Attempts            int                  `json:"attempts"`
	RecordingDurationMs *int64               `json:"recordingDurationMs,omitempty"`
	RecordingSizeBytes  *int64               `json:"recordingSizeBytes,omitempty"`
	FailureReason       *string              `json:"failureReason,omitempty"`
	StartedAt           *time.Time           `json:"startedAt,omitempty"`
	FinishedAt          *time.Time           `json:"finishedAt,omitempty"`
}

type SegmentView struct {
	SegmentId      uuid.UUID               `json:"segmentId"`
	Channel        constant.Channel        `json:"channel"`
	Sequence       *int                    `json:"sequence"`
	StorageBackend constant.StorageBackend `json:"storageBackend"`
	SizeBytes      int64                   `json:"sizeBytes"`
	DurationMs     *int64                  `json:"durationMs,omitempty"`
	MimeType       string                  `json:"mimeType"`
	RecordedAt     *time.Time              `json:"recordedAt,omitempty"`
	Valid          bool                    `json:"valid"`
	Consumed       bool                    `json:"consumed"`
	MediaUrl       string                  `json:"mediaUrl"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
