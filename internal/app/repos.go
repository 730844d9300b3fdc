package app

import (
	"gorm.io/gorm"

	"github.com/engramhq/engram-backend/internal/platform/logger"
	"github.com/engramhq/engram-backend/internal/repos"
)

type Repos struct {
	Window           repos.WindowRepo
	Status           repos.ConversationStatusRepo
	Cells            repos.MemCellRepo
	Episodic         repos.EpisodicRecordRepo
	Profiles         repos.ProfileRepo
	Clusters         repos.ClusterStateRepo
	Importance       repos.ImportanceStatRepo
	ConversationMeta repos.ConversationMetaRepo
	Requests         repos.RequestLogRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Window:           repos.NewWindowRepo(db, log),
		Status:           repos.NewConversationStatusRepo(db, log),
		Cells:            repos.NewMemCellRepo(db, log),
		Episodic:         repos.NewEpisodicRecordRepo(db, log),
		Profiles:         repos.NewProfileRepo(db, log),
		Clusters:         repos.NewClusterStateRepo(db, log),
		Importance:       repos.NewImportanceStatRepo(db, log),
		ConversationMeta: repos.NewConversationMetaRepo(db, log),
		Requests:         repos.NewRequestLogRepo(db, log),
	}
}
