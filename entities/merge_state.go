package entities

import (
	"github.com/google/uuid"
	"proctoring-recorder/constant"
	"time"
)

// MergeState is the merge status and recording reference of one (session, channel).
// A missing row means the channel has not started merging.
type MergeState struct {
	SessionId           uuid.UUID                `json:"session_id" gorm:"type:uuid;primaryKey"`
	Channel             constant.Channel         `json:"channel" gorm:"type:varchar(20);primaryKey"`
	Status              constant.MergeStatus     `json:"status" gorm:"type:varchar(20);not null;default:'not_started';index:idx_proctoring_merge_states_status"`
	RecordingBackend    *constant.StorageBackend `json:"recording_backend" gorm:"type:varchar(20)"`
	RecordingRef        *string                  `json:"recording_ref" gorm:"type:varchar(500)"`
	RecordingDurationMs *int64                   `json:"recording_duration_ms" gorm:"type:bigint"`
	RecordingSizeBytes  *int64                   `json:"recording_size_bytes" gorm:"type:bigint"`
	SegmentCount        int                      `json:"segment_count" gorm:"type:integer;not null;default:0"`
	DefectCount         int                      `json:"defect_count" gorm:"type:integer;not null;default:0"`
	FailureReason       *string                  `json:"failure_reason" gorm:"type:text"`
	Attempts            int                      `json:"attempts" gorm:"type:integer;not null;default:0"`
	StartedAt           *time.Time               `json:"started_at"`
	FinishedAt          *time.Time               `json:"finished_at"`
	CreatedAt           time.Time                `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time                `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (MergeState) TableName() string {
	return "proctoring_merge_states"
}
