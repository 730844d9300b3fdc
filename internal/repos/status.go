package repos

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// ConversationStatusRepo persists the per-group state-machine cursor.
type ConversationStatusRepo interface {
	Get(ctx context.Context, groupID string) (*memory.ConversationStatus, error)
	Save(ctx context.Context, status *memory.ConversationStatus) error
}

type conversationStatusRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversationStatusRepo(db *gorm.DB, log *logger.Logger) ConversationStatusRepo {
	return &conversationStatusRepo{db: db, log: log.With("repo", "ConversationStatusRepo")}
}

func (r *conversationStatusRepo) Get(ctx context.Context, groupID string) (*memory.ConversationStatus, error) {
	var status memory.ConversationStatus
	err := r.db.WithContext(ctx).Where("group_id = ?", groupID).First(&status).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &status, nil
}

func (r *conversationStatusRepo) Save(ctx context.Context, status *memory.ConversationStatus) error {
	if status == nil {
		return nil
	}
	status.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}},
			UpdateAll: true,
		}).
		Create(status).Error
}
