package app

import (
	"gorm.io/gorm"

	"github.com/engramhq/engram-backend/internal/handlers"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

type Handlers struct {
	Memories         *handlers.MemoriesHandler
	ConversationMeta *handlers.ConversationMetaHandler
	Profile          *handlers.ProfileHandler
	Health           *handlers.HealthHandler
}

func wireHandlers(log *logger.Logger, db *gorm.DB, s Services, r Repos) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Memories:         handlers.NewMemoriesHandler(log, s.Memorize, s.Retrieval),
		ConversationMeta: handlers.NewConversationMetaHandler(log, r.ConversationMeta),
		Profile:          handlers.NewProfileHandler(log, s.Profiles),
		Health:           handlers.NewHealthHandler(log, db),
	}
}
