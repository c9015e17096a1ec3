package repository

import (
	"context"
	"database/sql"
	"errors"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"proctoring-recorder/constant"
	"proctoring-recorder/entities"
	"time"
)

var ErrNotFound = errors.New("record not found")

type ReportRepository interface {
	Transaction(ctx context.Context, callback func(ctx context.Context) error, opts ...*sql.TxOptions) error
	Migrate(ctx context.Context) error

	EnsureSession(ctx context.Context, id uuid.UUID) (*entities.ProctoringSession, error)
	FindSession(ctx context.Context, id uuid.UUID) (*entities.ProctoringSession, error)
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, status constant.SessionStatus) error

	AppendSegment(ctx context.Context, segment *entities.ProctoringSegment) (*entities.ProctoringSegment, error)
	FindSegment(ctx context.Context, sessionId, segmentId uuid.UUID) (*entities.ProctoringSegment, error)
	ListSegments(ctx context.Context, sessionId uuid.UUID) ([]*entities.ProctoringSegment, error)
	ListChannelSegments(ctx context.Context, sessionId uuid.UUID, channel constant.Channel) ([]*entities.ProctoringSegment, error)
	CountUnconsumedSegments(ctx context.Context, sessionId uuid.UUID, channel constant.Channel) (int64, error)
	MarkSegmentsConsumed(ctx context.Context, ids []uuid.UUID, at time.Time) error
	ClearStrayLocation(ctx context.Context, segment *entities.ProctoringSegment) (bool, error)
	ListSessionIdsWithSegments(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)

	EnsureMergeState(ctx context.Context, sessionId uuid.UUID, channel constant.Channel) (*entities.MergeState, error)
	FindMergeState(ctx context.Context, sessionId uuid.UUID, channel constant.Channel) (*entities.MergeState, error)
	TransitionMergeState(ctx context.Context, sessionId uuid.UUID, channel constant.Channel, from []constant.MergeStatus, to constant.MergeStatus, updates map[string]any) (bool, error)
	FindStaleMergeStates(ctx context.Context, before time.Time, limit int) ([]*entities.MergeState, error)
	ReclaimMergeState(ctx context.Context, sessionId uuid.UUID, channel constant.Channel, before time.Time, reason string) (bool, error)

	CreateOrphan(ctx context.Context, orphan *entities.OrphanedObject) error
	ListOrphans(ctx context.Context, limit int) ([]*entities.OrphanedObject, error)
	DeleteOrphan(ctx context.Context, id uuid.UUID) error
}

type repo struct {
	db *gorm.DB
}

type txKey struct{}

func NewRepo(db *sql.DB) (ReportRepository, error) {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		},
	)
	if err != nil {
		return nil, err
	}
	return NewRepoWithDB(gormDB), nil
}

// NewRepoWithDB wraps an already opened gorm connection of any dialect.
func NewRepoWithDB(db *gorm.DB) ReportRepository {
	return &repo{
		db: db,
	}
}

// conn returns the transaction carried by ctx, or the root connection.
func (r *repo) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db.WithContext(ctx)
}

// Transaction runs callback in a transaction. Repository calls made with the
// callback's context join it; nested calls reuse the outer transaction.
func (r *repo) Transaction(ctx context.Context, callback func(ctx context.Context) error, opts ...*sql.TxOptions) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return callback(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return callback(context.WithValue(ctx, txKey{}, tx))
	}, opts...)
}

func (r *repo) Migrate(ctx context.Context) error {
	return r.conn(ctx).AutoMigrate(entities.Models()...)
}

func (r *repo) EnsureSession(ctx context.Context, id uuid.UUID) (*entities.ProctoringSession, error) {
	session := &entities.ProctoringSession{ID: id, Status: constant.SessionStatusInProgress}
	err := r.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(session).Error
	if err != nil {
		return nil, err
	}

	session = &entities.ProctoringSession{}
	if err := r.conn(ctx).First(session, "id = ?", id).Error; err != nil {
		return nil, mapError(err)
	}
	return session, nil
}

func (r *repo) FindSession(ctx context.Context, id uuid.UUID) (*entities.ProctoringSession, error) {
	session := &entities.ProctoringSession{}
	err := r.conn(ctx).
		Preload("Segments", func(db *gorm.DB) *gorm.DB {
			return db.Order("channel ASC, sequence ASC, created_at ASC")
		}).
		Preload("MergeStates", func(db *gorm.DB) *gorm.DB {
			return db.Order("channel ASC")
		}).
		First(session, "id = ?", id).Error
	if err != nil {
		return nil, mapError(err)
	}
	return session, nil
}

func (r *repo) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status constant.SessionStatus) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if status.Terminal() {
		updates["ended_at"] = time.Now().UTC()
	}
	res := r.conn(ctx).Model(&entities.ProctoringSession{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendSegment adds segment to its session's report while holding the session
// row lock. A segment already registered for the same (channel, sequence) is
// removed from the report and returned so the caller can orphan its bytes.
func (r *repo) AppendSegment(ctx context.Context, segment *entities.ProctoringSegment) (*entities.ProctoringSegment, error) {
	var replaced *entities.ProctoringSegment
	err := r.Transaction(ctx, func(ctx context.Context) error {
		db := r.conn(ctx)

		locked := db
		if db.Dialector.Name() == "postgres" {
			locked = locked.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		session := &entities.ProctoringSession{}
		if err := locked.First(session, "id = ?", segment.SessionId).Error; err != nil {
			return mapError(err)
		}

		if segment.Sequence != nil {
			existing := &entities.ProctoringSegment{}
			err := db.Where("session_id = ? AND channel = ? AND sequence = ?",
				segment.SessionId, segment.Channel, *segment.Sequence).First(existing).Error
			switch {
			case err == nil:
				if err := db.Delete(existing).Error; err != nil {
					return err
				}
				replaced = existing
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}

		return db.Create(segment).Error
	})
	if err != nil {
		return nil, err
	}
	return replaced, nil
}

func (r *repo) FindSegment(ctx context.Context, sessionId, segmentId uuid.UUID) (*entities.ProctoringSegment, error) {
	segment := &entities.ProctoringSegment{}
	err := r.conn(ctx).First(segment, "id = ? AND session_id = ?", segmentId, sessionId).Error
	if err != nil {
		return nil, mapError(err)
	}
	return segment, nil
}

func (r *repo) ListSegments(ctx context.Context, sessionId uuid.UUID) ([]*entities.ProctoringSegment, error) {
	var segments []*entities.ProctoringSegment
	err := r.conn(ctx).Where("session_id = ?", sessionId).
		Order("channel ASC, sequence ASC, created_at ASC").
		Find(&segments).Error
	if err != nil {
		return nil, err
	}
	return segments, nil
}

func (r *repo) ListChannelSegments(ctx context.Context, sessionId uuid.UUID, channel constant.Channel) ([]*entities.ProctoringSegment, error) {
	var segments []*entities.ProctoringSegment
	err := r.conn(ctx).Where("session_id = ? AND channel = ?", sessionId, channel).
		Order("sequence ASC, created_at ASC").
		Find(&segments).Error
	if err != nil {
		return nil, err
	}
	return segments, nil
}

// CountUnconsumedSegments counts valid segments that no completed merge has
// used yet. Segments without a single usable location are left out until the
// sweep repairs them, so they cannot keep a completed merge re-running.
func (r *repo) CountUnconsumedSegments(ctx context.Context, sessionId uuid.UUID, channel constant.Channel) (int64, error) {
	singleLocation := r.db.
		Where("storage_backend = ? AND local_path IS NOT NULL AND local_path <> '' AND remote_key IS NULL", constant.StorageBackendLocal).
		Or("storage_backend = ? AND remote_key IS NOT NULL AND remote_key <> '' AND local_path IS NULL", constant.StorageBackendObjectStore)

	var count int64
	err := r.conn(ctx).Model(&entities.ProctoringSegment{}).
		Where("session_id = ? AND channel = ? AND sequence IS NOT NULL AND consumed_at IS NULL", sessionId, channel).
		Where(singleLocation).
		Count(&count).Error
	return count, err
}

func (r *repo) MarkSegmentsConsumed(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.conn(ctx).Model(&entities.ProctoringSegment{}).
		Where("id IN ?", ids).
		Update("consumed_at", at).Error
}

// ClearStrayLocation nulls the location field that does not belong to the
// segment's declared backend. The update is conditioned on the backend so a
// concurrent writer can never lose its authoritative field.
func (r *repo) ClearStrayLocation(ctx context.Context, segment *entities.ProctoringSegment) (bool, error) {
	var column string
	switch segment.StorageBackend {
	case constant.StorageBackendLocal:
		column = "remote_key"
	case constant.StorageBackendObjectStore:
		column = "local_path"
	default:
		return false, nil
	}

	res := r.conn(ctx).Model(&entities.ProctoringSegment{}).
		Where("id = ? AND storage_backend = ? AND "+column+" IS NOT NULL", segment.ID, segment.StorageBackend).
		Update(column, gorm.Expr("NULL"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListSessionIdsWithSegments(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.conn(ctx).Model(&entities.ProctoringSegment{}).
		Distinct("session_id").
		Where("session_id > ?", after).
		Order("session_id ASC").
		Limit(limit).
		Pluck("session_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) EnsureMergeState(ctx context.Context, sessionId uuid.UUID, channel constant.Channel) (*entities.MergeState, error) {
	state := &entities.MergeState{
		SessionId: sessionId,
		Channel:   channel,
		Status:    constant.MergeStatusNotStarted,
	}
	if err := r.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(state).Error; err != nil {
		return nil, err
	}
	return r.FindMergeState(ctx, sessionId, channel)
}

func (r *repo) FindMergeState(ctx context.Context, sessionId uuid.UUID, channel constant.Channel) (*entities.MergeState, error) {
	state := &entities.MergeState{}
	err := r.conn(ctx).First(state, "session_id = ? AND channel = ?", sessionId, channel).Error
	if err != nil {
		return nil, mapError(err)
	}
	return state, nil
}

// TransitionMergeState moves the state to `to` only if its current status is one
// of `from`, as a single conditional UPDATE. It reports whether this caller won.
func (r *repo) TransitionMergeState(ctx context.Context, sessionId uuid.UUID, channel constant.Channel, from []constant.MergeStatus, to constant.MergeStatus, updates map[string]any) (bool, error) {
	values := make(map[string]any, len(updates)+2)
	for k, v := range updates {
		values[k] = v
	}
	values["status"] = to
	values["updated_at"] = time.Now().UTC()

	res := r.conn(ctx).Model(&entities.MergeState{}).
		Where("session_id = ? AND channel = ? AND status IN ?", sessionId, channel, from).
		Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindStaleMergeStates(ctx context.Context, before time.Time, limit int) ([]*entities.MergeState, error) {
	var states []*entities.MergeState
	err := r.conn(ctx).
		Where("status = ? AND started_at < ?", constant.MergeStatusProcessing, before).
		Order("started_at ASC").
		Limit(limit).
		Find(&states).Error
	if err != nil {
		return nil, err
	}
	return states, nil
}

// ReclaimMergeState returns a job claimed before `before` to pending. The
// started_at condition keeps a fresh claim from being reclaimed.
func (r *repo) ReclaimMergeState(ctx context.Context, sessionId uuid.UUID, channel constant.Channel, before time.Time, reason string) (bool, error) {
	res := r.conn(ctx).Model(&entities.MergeState{}).
		Where("session_id = ? AND channel = ? AND status = ? AND started_at < ?",
			sessionId, channel, constant.MergeStatusProcessing, before).
		Updates(map[string]any{
			"status":         constant.MergeStatusPending,
			"failure_reason": reason,
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) CreateOrphan(ctx context.Context, orphan *entities.OrphanedObject) error {
	if orphan.ID == uuid.Nil {
		orphan.ID = uuid.New()
	}
	return r.conn(ctx).Create(orphan).Error
}

func (r *repo) ListOrphans(ctx context.Context, limit int) ([]*entities.OrphanedObject, error) {
	var orphans []*entities.OrphanedObject
	err := r.conn(ctx).Order("created_at ASC").Limit(limit).Find(&orphans).Error
	if err != nil {
		return nil, err
	}
	return orphans, nil
}

func (r *repo) DeleteOrphan(ctx context.Context, id uuid.UUID) error {
	return r.conn(ctx).Delete(&entities.OrphanedObject{}, "id = ?", id).Error
}

func mapError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
