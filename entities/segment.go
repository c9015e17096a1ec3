package entities

import (
	"github.com/google/uuid"
	"proctoring-recorder/constant"
	"time"
)

type ProctoringSegment struct {
	ID             uuid.UUID               `json:"segment_id" gorm:"type:uuid;primary_key"`
	SessionId      uuid.UUID               `json:"session_id" gorm:"type:uuid;not null;index:idx_proctoring_segments_session;uniqueIndex:uq_proctoring_segments_sequence,priority:1"`
	Channel        constant.Channel        `json:"channel" gorm:"type:varchar(20);not null;uniqueIndex:uq_proctoring_segments_sequence,priority:2"`
	Sequence       *int                    `json:"sequence" gorm:"type:integer;uniqueIndex:uq_proctoring_segments_sequence,priority:3"`
	StorageBackend constant.StorageBackend `json:"storage_backend" gorm:"type:varchar(20);not null"`
	LocalPath      *string                 `json:"local_path,omitempty" gorm:"type:varchar(500)"`
	RemoteKey      *string                 `json:"remote_key,omitempty" gorm:"type:varchar(500)"`
	SizeBytes      int64                   `json:"size_bytes" gorm:"type:bigint;not null;default:0"`
	DurationMs     *int64                  `json:"duration_ms" gorm:"type:bigint"`
	MimeType       string                  `json:"mime_type" gorm:"type:varchar(100)"`
	RecordedAt     *time.Time              `json:"recorded_at"`
	ConsumedAt     *time.Time              `json:"consumed_at,omitempty"`
	CreatedAt      time.Time               `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (ProctoringSegment) TableName() string {
	return "proctoring_segments"
}

// SetLocation points the segment at ref on backend and clears the other
// backend's field, so exactly one location is ever populated.
func (s *ProctoringSegment) SetLocation(backend constant.StorageBackend, ref string) {
	s.StorageBackend = backend
	s.LocalPath = nil
	s.RemoteKey = nil
	switch backend {
	case constant.StorageBackendLocal:
		s.LocalPath = &ref
	case constant.StorageBackendObjectStore:
		s.RemoteKey = &ref
	}
}

// Location returns the reference held in the field that matches StorageBackend.
func (s *ProctoringSegment) Location() (string, bool) {
	var field *string
	switch s.StorageBackend {
	case constant.StorageBackendLocal:
		field = s.LocalPath
	case constant.StorageBackendObjectStore:
		field = s.RemoteKey
	}
	if field == nil || *field == "" {
		return "", false
	}
	return *field, true
}

// StrayLocation reports whether the field belonging to the other backend is set.
func (s *ProctoringSegment) StrayLocation() bool {
	switch s.StorageBackend {
	case constant.StorageBackendLocal:
		return s.RemoteKey != nil
	case constant.StorageBackendObjectStore:
		return s.LocalPath != nil
	}
	return false
}

// HasSingleLocation checks the single-location invariant.
func (s *ProctoringSegment) HasSingleLocation() bool {
	_, ok := s.Location()
	return ok && !s.StrayLocation()
}

// IsValid reports whether the segment can be used as merge input.
func (s *ProctoringSegment) IsValid() bool {
	return s.Sequence != nil && s.HasSingleLocation()
}
