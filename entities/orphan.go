package entities

import (
	"github.com/google/uuid"
	"proctoring-recorder/constant"
	"time"
)

// OrphanedObject is stored media no segment points at any more, kept for cleanup.
type OrphanedObject struct {
	ID             uuid.UUID               `json:"id" gorm:"type:uuid;primary_key"`
	SessionId      uuid.UUID               `json:"session_id" gorm:"type:uuid;not null;index:idx_proctoring_orphans_session"`
	StorageBackend constant.StorageBackend `json:"storage_backend" gorm:"type:varchar(20);not null"`
	Location       string                  `json:"location" gorm:"type:varchar(500);not null"`
	Reason         string                  `json:"reason" gorm:"type:varchar(50);not null"`
	CreatedAt      time.Time               `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (OrphanedObject) TableName() string {
	return "proctoring_orphans"
}
