package entities

import (
	"github.com/google/uuid"
	"proctoring-recorder/constant"
	"time"
)

// ProctoringSession is one proctored assessment attempt. Its segments and merge
// states together form the session's proctoring report.
type ProctoringSession struct {
	ID        uuid.UUID              `json:"id" gorm:"type:uuid;primary_key"`
	Status    constant.SessionStatus `json:"status" gorm:"type:varchar(20);not null;default:'in_progress';index:idx_proctoring_sessions_status"`
	EndedAt   *time.Time             `json:"ended_at"`
	CreatedAt time.Time              `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time              `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`

	Segments    []ProctoringSegment `json:"segments" gorm:"foreignKey:SessionId"`
	MergeStates []MergeState        `json:"merge_states" gorm:"foreignKey:SessionId"`
}

func (ProctoringSession) TableName() string {
	return "proctoring_sessions"
}

// MergeStateFor returns the channel's merge state, or a not_started placeholder.
func (s *ProctoringSession) MergeStateFor(channel constant.Channel) MergeState {
	for _, state := range s.MergeStates {
		if state.Channel == channel {
			return state
		}
	}
	return MergeState{SessionId: s.ID, Channel: channel, Status: constant.MergeStatusNotStarted}
}

// Models lists every table owned by the recording pipeline, in migration order.
func Models() []any {
	return []any{
		&ProctoringSession{},
		&ProctoringSegment{},
		&MergeState{},
		&OrphanedObject{},
	}
}
