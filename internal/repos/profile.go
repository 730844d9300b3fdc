package repos

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// ProfileRepo stores the per-user running digest. Writes replace the whole
// value; the group lock serialises writers, no optimistic locking.
type ProfileRepo interface {
	Get(ctx context.Context, userID string) (*memory.Profile, error)
	Save(ctx context.Context, profile *memory.Profile) error
}

type profileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProfileRepo(db *gorm.DB, log *logger.Logger) ProfileRepo {
	return &profileRepo{db: db, log: log.With("repo", "ProfileRepo")}
}

func (r *profileRepo) Get(ctx context.Context, userID string) (*memory.Profile, error) {
	var p memory.Profile
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (r *profileRepo) Save(ctx context.Context, profile *memory.Profile) error {
	if profile == nil {
		return nil
	}
	now := time.Now().UTC()
	profile.UpdatedAt = now
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(profile).Error
}

// ClusterStateRepo persists the per-group clustering state as one row,
// written atomically under the group lock.
type ClusterStateRepo interface {
	Get(ctx context.Context, groupID string) (*memory.ClusterState, error)
	Save(ctx context.Context, state *memory.ClusterState) error
}

type clusterStateRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewClusterStateRepo(db *gorm.DB, log *logger.Logger) ClusterStateRepo {
	return &clusterStateRepo{db: db, log: log.With("repo", "ClusterStateRepo")}
}

func (r *clusterStateRepo) Get(ctx context.Context, groupID string) (*memory.ClusterState, error) {
	var s memory.ClusterState
	err := r.db.WithContext(ctx).Where("group_id = ?", groupID).First(&s).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *clusterStateRepo) Save(ctx context.Context, state *memory.ClusterState) error {
	if state == nil {
		return nil
	}
	state.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}},
			UpdateAll: true,
		}).
		Create(state).Error
}

// ImportanceStatRepo aggregates per-(user, group) activity used by retrieval
// grouping.
type ImportanceStatRepo interface {
	Bump(ctx context.Context, userID, groupID string, speak, refer, conversations int64) error
	GetForGroups(ctx context.Context, userID string, groupIDs []string) (map[string]memory.ImportanceStat, error)
}

type importanceStatRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewImportanceStatRepo(db *gorm.DB, log *logger.Logger) ImportanceStatRepo {
	return &importanceStatRepo{db: db, log: log.With("repo", "ImportanceStatRepo")}
}

func (r *importanceStatRepo) Bump(ctx context.Context, userID, groupID string, speak, refer, conversations int64) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "group_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"speak_count":        gorm.Expr("speak_count + ?", speak),
				"refer_count":        gorm.Expr("refer_count + ?", refer),
				"conversation_count": gorm.Expr("conversation_count + ?", conversations),
				"updated_at":         now,
			}),
		}).
		Create(&memory.ImportanceStat{
			UserID:            userID,
			GroupID:           groupID,
			SpeakCount:        speak,
			ReferCount:        refer,
			ConversationCount: conversations,
			UpdatedAt:         now,
		}).Error
}

func (r *importanceStatRepo) GetForGroups(ctx context.Context, userID string, groupIDs []string) (map[string]memory.ImportanceStat, error) {
	out := make(map[string]memory.ImportanceStat, len(groupIDs))
	if len(groupIDs) == 0 {
		return out, nil
	}
	var rows []memory.ImportanceStat
	q := r.db.WithContext(ctx).Where("group_id IN ?", groupIDs)
	if userID != "" && userID != memory.MatchAll {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		// One stat row per group is enough for ordering; merge users by sum.
		existing, ok := out[row.GroupID]
		if !ok {
			out[row.GroupID] = row
			continue
		}
		existing.SpeakCount += row.SpeakCount
		existing.ReferCount += row.ReferCount
		existing.ConversationCount += row.ConversationCount
		out[row.GroupID] = existing
	}
	return out, nil
}
