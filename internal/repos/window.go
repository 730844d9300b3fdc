package repos

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// WindowRepo is the per-group message log with the sync-status lifecycle.
type WindowRepo interface {
	// Append inserts with status LOG; idempotent on (group_id, message_id).
	Append(ctx context.Context, entry *memory.WindowEntry) error
	// Range returns entries with create_time in [start, end], ordered by
	// create_time then insertion order. Capped at memory.MaxFetchLimit.
	Range(ctx context.Context, groupID string, start, end time.Time, limit int) ([]memory.WindowEntry, error)
	// RangeUnconsumed is Range restricted to entries not yet CONSUMED.
	RangeUnconsumed(ctx context.Context, groupID string, start, end time.Time, limit int) ([]memory.WindowEntry, error)
	// SetStatus advances status for the given messages in one batch update.
	// Status only moves forward; the update skips rows already past it.
	SetStatus(ctx context.Context, groupID string, messageIDs []string, status memory.SyncStatus) error
	// Get fetches one entry by its natural key.
	Get(ctx context.Context, groupID, messageID string) (*memory.WindowEntry, error)
}

type windowRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWindowRepo(db *gorm.DB, log *logger.Logger) WindowRepo {
	return &windowRepo{db: db, log: log.With("repo", "WindowRepo")}
}

func (r *windowRepo) Append(ctx context.Context, entry *memory.WindowEntry) error {
	if entry == nil {
		return nil
	}
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if entry.SyncStatus != memory.StatusLog {
		entry.SyncStatus = memory.StatusLog
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}, {Name: "message_id"}},
			DoNothing: true,
		}).
		Create(entry).Error
}

func (r *windowRepo) Range(ctx context.Context, groupID string, start, end time.Time, limit int) ([]memory.WindowEntry, error) {
	return r.rangeWhere(ctx, groupID, start, end, limit, nil)
}

func (r *windowRepo) RangeUnconsumed(ctx context.Context, groupID string, start, end time.Time, limit int) ([]memory.WindowEntry, error) {
	consumed := memory.StatusConsumed
	return r.rangeWhere(ctx, groupID, start, end, limit, &consumed)
}

func (r *windowRepo) rangeWhere(ctx context.Context, groupID string, start, end time.Time, limit int, below *memory.SyncStatus) ([]memory.WindowEntry, error) {
	var out []memory.WindowEntry
	q := r.db.WithContext(ctx).
		Where("group_id = ? AND create_time >= ? AND create_time <= ?", groupID, start, end).
		Order("create_time ASC, seq ASC").
		Limit(memory.ClampLimit(limit))
	if below != nil {
		q = q.Where("sync_status < ?", *below)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *windowRepo) SetStatus(ctx context.Context, groupID string, messageIDs []string, status memory.SyncStatus) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&memory.WindowEntry{}).
		Where("group_id = ? AND message_id IN ? AND sync_status < ?", groupID, messageIDs, status).
		Updates(map[string]interface{}{
			"sync_status": status,
			"updated_at":  time.Now().UTC(),
		}).Error
}

func (r *windowRepo) Get(ctx context.Context, groupID, messageID string) (*memory.WindowEntry, error) {
	var entry memory.WindowEntry
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND message_id = ?", groupID, messageID).
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}
