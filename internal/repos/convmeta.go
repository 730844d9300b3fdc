package repos

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// DefaultMetaGroupID keys the default-fallback ConversationMeta record.
const DefaultMetaGroupID = ""

// ConversationMetaRepo is keyed by group_id; the empty group id holds the
// default record GETs fall back to.
type ConversationMetaRepo interface {
	Get(ctx context.Context, groupID string) (*memory.ConversationMeta, error)
	// GetWithDefault returns the group's record, or the default record with
	// isDefault=true when the group has none.
	GetWithDefault(ctx context.Context, groupID string) (meta *memory.ConversationMeta, isDefault bool, err error)
	Upsert(ctx context.Context, meta *memory.ConversationMeta) error
}

type conversationMetaRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversationMetaRepo(db *gorm.DB, log *logger.Logger) ConversationMetaRepo {
	return &conversationMetaRepo{db: db, log: log.With("repo", "ConversationMetaRepo")}
}

func (r *conversationMetaRepo) Get(ctx context.Context, groupID string) (*memory.ConversationMeta, error) {
	var meta memory.ConversationMeta
	err := r.db.WithContext(ctx).Where("group_id = ?", groupID).First(&meta).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &meta, nil
}

func (r *conversationMetaRepo) GetWithDefault(ctx context.Context, groupID string) (*memory.ConversationMeta, bool, error) {
	if groupID != DefaultMetaGroupID {
		meta, err := r.Get(ctx, groupID)
		if err != nil {
			return nil, false, err
		}
		if meta != nil {
			return meta, false, nil
		}
	}
	def, err := r.Get(ctx, DefaultMetaGroupID)
	if err != nil {
		return nil, false, err
	}
	if def == nil {
		return nil, false, nil
	}
	return def, groupID != DefaultMetaGroupID, nil
}

func (r *conversationMetaRepo) Upsert(ctx context.Context, meta *memory.ConversationMeta) error {
	if meta == nil {
		return nil
	}
	now := time.Now().UTC()
	meta.UpdatedAt = now
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}},
			UpdateAll: true,
		}).
		Create(meta).Error
}
