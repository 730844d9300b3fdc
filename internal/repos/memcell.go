package repos

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// ListQuery shapes a paged document-store read.
type ListQuery struct {
	Filter    memory.Filter
	SortBy    string // timestamp|created_at
	SortOrder string // asc|desc
	Limit     int
	Offset    int
}

// MemCellRepo is the typed document-store surface for parent records.
type MemCellRepo interface {
	Upsert(ctx context.Context, cell *memory.MemCell) error
	GetByEventID(ctx context.Context, eventID string) (*memory.MemCell, error)
	GetByEventIDs(ctx context.Context, eventIDs []string) ([]memory.MemCell, error)
	FindPaged(ctx context.Context, q ListQuery) ([]memory.MemCell, int64, error)
	// SoftDelete marks matching cells deleted and returns the affected
	// event ids so the caller can cascade into the indexes.
	SoftDelete(ctx context.Context, eventID, userID, groupID string) ([]string, error)
}

type memCellRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMemCellRepo(db *gorm.DB, log *logger.Logger) MemCellRepo {
	return &memCellRepo{db: db, log: log.With("repo", "MemCellRepo")}
}

func (r *memCellRepo) Upsert(ctx context.Context, cell *memory.MemCell) error {
	if cell == nil {
		return nil
	}
	now := time.Now().UTC()
	cell.UpdatedAt = now
	if cell.CreatedAt.IsZero() {
		cell.CreatedAt = now
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			UpdateAll: true,
		}).
		Create(cell).Error
}

func (r *memCellRepo) GetByEventID(ctx context.Context, eventID string) (*memory.MemCell, error) {
	var cell memory.MemCell
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&cell).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &cell, nil
}

func (r *memCellRepo) GetByEventIDs(ctx context.Context, eventIDs []string) ([]memory.MemCell, error) {
	if len(eventIDs) == 0 {
		return []memory.MemCell{}, nil
	}
	var out []memory.MemCell
	if err := r.db.WithContext(ctx).Where("event_id IN ?", eventIDs).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *memCellRepo) FindPaged(ctx context.Context, q ListQuery) ([]memory.MemCell, int64, error) {
	base := r.db.WithContext(ctx).Model(&memory.MemCell{})
	base = r.applyCellFilter(base, q.Filter)

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	sortBy := strings.TrimSpace(q.SortBy)
	switch sortBy {
	case "", "timestamp":
		sortBy = "timestamp"
	case "created_at":
	default:
		sortBy = "timestamp"
	}
	order := sortBy + " DESC"
	if strings.EqualFold(q.SortOrder, "asc") {
		order = sortBy + " ASC"
	}

	var out []memory.MemCell
	err := base.Order(order).
		Limit(memory.ClampLimit(q.Limit)).
		Offset(q.Offset).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *memCellRepo) SoftDelete(ctx context.Context, eventID, userID, groupID string) ([]string, error) {
	q := r.db.WithContext(ctx).Model(&memory.MemCell{})
	applied := false
	if eventID != "" && eventID != memory.MatchAll {
		q = q.Where("event_id = ?", eventID)
		applied = true
	}
	if userID != "" && userID != memory.MatchAll {
		q = q.Where(r.db.Where("user_id = ?", userID).Or("user_id_list LIKE ?", "%\""+userID+"\"%"))
		applied = true
	}
	if groupID != "" && groupID != memory.MatchAll {
		q = q.Where("group_id = ?", groupID)
		applied = true
	}
	if !applied {
		return nil, gorm.ErrMissingWhereClause
	}

	var ids []string
	if err := q.Pluck("event_id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []string{}, nil
	}
	if err := r.db.WithContext(ctx).Where("event_id IN ?", ids).Delete(&memory.MemCell{}).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *memCellRepo) applyCellFilter(q *gorm.DB, f memory.Filter) *gorm.DB {
	if f.FiltersUser() {
		q = q.Where(r.db.Where("user_id = ?", f.UserID).Or("user_id_list LIKE ?", "%\""+f.UserID+"\"%"))
	}
	if f.FiltersGroup() {
		q = q.Where("group_id = ?", f.GroupID)
	}
	if f.StartTime != nil {
		q = q.Where("timestamp >= ?", *f.StartTime)
	}
	if f.EndTime != nil {
		q = q.Where("timestamp <= ?", *f.EndTime)
	}
	return q
}
