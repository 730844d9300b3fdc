package repos

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// EpisodicRecordRepo stores the flattened child records in the document
// store; the vector and inverted indexes carry the same ids.
type EpisodicRecordRepo interface {
	Upsert(ctx context.Context, rec *memory.EpisodicRecord) error
	GetByIDs(ctx context.Context, ids []string) ([]memory.EpisodicRecord, error)
	ListByParent(ctx context.Context, parentEventID string) ([]memory.EpisodicRecord, error)
	SoftDeleteByParents(ctx context.Context, parentEventIDs []string) error
}

type episodicRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEpisodicRecordRepo(db *gorm.DB, log *logger.Logger) EpisodicRecordRepo {
	return &episodicRecordRepo{db: db, log: log.With("repo", "EpisodicRecordRepo")}
}

func (r *episodicRecordRepo) Upsert(ctx context.Context, rec *memory.EpisodicRecord) error {
	if rec == nil {
		return nil
	}
	now := time.Now().UTC()
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(rec).Error
}

func (r *episodicRecordRepo) GetByIDs(ctx context.Context, ids []string) ([]memory.EpisodicRecord, error) {
	if len(ids) == 0 {
		return []memory.EpisodicRecord{}, nil
	}
	var out []memory.EpisodicRecord
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *episodicRecordRepo) ListByParent(ctx context.Context, parentEventID string) ([]memory.EpisodicRecord, error) {
	var out []memory.EpisodicRecord
	err := r.db.WithContext(ctx).
		Where("parent_event_id = ?", parentEventID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *episodicRecordRepo) SoftDeleteByParents(ctx context.Context, parentEventIDs []string) error {
	if len(parentEventIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("parent_event_id IN ?", parentEventIDs).
		Delete(&memory.EpisodicRecord{}).Error
}
