package handlers

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/engramhq/engram-backend/internal/platform/logger"
)

type HealthHandler struct {
	log *logger.Logger
	db  *gorm.DB
}

func NewHealthHandler(log *logger.Logger, db *gorm.DB) *HealthHandler {
	return &HealthHandler{log: log.With("handler", "HealthHandler"), db: db}
}

// Check reports liveness and database reachability: GET /api/v1/health.
func (h *HealthHandler) Check(c *gin.Context) {
	dbStatus := "ok"
	if sqlDB, err := h.db.DB(); err != nil {
		dbStatus = "unavailable"
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		dbStatus = "unavailable"
	}
	respondOK(c, gin.H{
		"service":  "engram-backend",
		"database": dbStatus,
	})
}
