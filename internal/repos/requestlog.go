package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// RequestLogRepo records every ingest request and its outcome.
type RequestLogRepo interface {
	Append(ctx context.Context, entry *memory.RequestLog) error
}

type requestLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRequestLogRepo(db *gorm.DB, log *logger.Logger) RequestLogRepo {
	return &requestLogRepo{db: db, log: log.With("repo", "RequestLogRepo")}
}

func (r *requestLogRepo) Append(ctx context.Context, entry *memory.RequestLog) error {
	if entry == nil {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}
