package app

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func wireRouter(cfg Config, h Handlers) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	api := router.Group("/api/v1")
	{
		api.GET("/health", h.Health.Check)

		memories := api.Group("/memories")
		{
			memories.POST("", h.Memories.Create)
			memories.GET("", h.Memories.List)
			memories.GET("/search", h.Memories.Search)
			memories.POST("/search", h.Memories.Search)
			memories.DELETE("", h.Memories.Delete)

			memories.GET("/conversation-meta", h.ConversationMeta.Get)
			memories.POST("/conversation-meta", h.ConversationMeta.Create)
			memories.PATCH("/conversation-meta", h.ConversationMeta.Patch)
		}

		profile := api.Group("/global-user-profile")
		{
			profile.GET("", h.Profile.Get)
			profile.POST("/custom", h.Profile.SetCustom)
		}
	}

	return router
}
