package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/apierr"
	"github.com/engramhq/engram-backend/internal/platform/logger"
	"github.com/engramhq/engram-backend/internal/repos"
)

type ConversationMetaHandler struct {
	log  *logger.Logger
	meta repos.ConversationMetaRepo
}

func NewConversationMetaHandler(log *logger.Logger, meta repos.ConversationMetaRepo) *ConversationMetaHandler {
	return &ConversationMetaHandler{
		log:  log.With("handler", "ConversationMetaHandler"),
		meta: meta,
	}
}

type metaRequest struct {
	GroupID     string         `json:"group_id" form:"group_id"`
	Scene       string         `json:"scene" form:"scene"`
	DisplayName string         `json:"name" form:"name"`
	UserDetails map[string]any `json:"user_details"`
	Tags        []string       `json:"tags"`
	Timezone    string         `json:"timezone" form:"timezone"`
}

// Get returns the group's meta, falling back to the default record when the
// group has none: GET /api/v1/memories/conversation-meta.
func (h *ConversationMetaHandler) Get(c *gin.Context) {
	var req metaRequest
	if err := bindBodyOrQuery(c, &req); err != nil {
		respondInvalid(c, err)
		return
	}

	meta, isDefault, err := h.meta.GetWithDefault(c.Request.Context(), req.GroupID)
	if err != nil {
		respondError(c, err)
		return
	}
	if meta == nil {
		respondError(c, apierr.NotFound("meta_not_found",
			fmt.Errorf("no conversation meta for group %q and no default record", req.GroupID)))
		return
	}
	respondOK(c, gin.H{
		"meta":       meta,
		"is_default": isDefault,
	})
}

// Create writes a full meta record: POST /api/v1/memories/conversation-meta.
// An empty group_id targets the default record.
func (h *ConversationMetaHandler) Create(c *gin.Context) {
	var req metaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, fmt.Errorf("decode body: %w", err))
		return
	}

	scene := memory.Scene(req.Scene)
	if req.Scene == "" {
		scene = memory.SceneGroupChat
	}
	if !scene.Valid() {
		respondInvalid(c, fmt.Errorf("scene must be one of %q, %q", memory.SceneGroupChat, memory.SceneAssistant))
		return
	}

	meta := &memory.ConversationMeta{
		GroupID:     req.GroupID,
		Scene:       scene,
		DisplayName: req.DisplayName,
		UserDetails: datatypes.JSONMap(req.UserDetails),
		Tags:        req.Tags,
		Timezone:    req.Timezone,
		Version:     1,
	}
	if existing, err := h.meta.Get(c.Request.Context(), req.GroupID); err == nil && existing != nil {
		meta.Version = existing.Version + 1
		meta.CreatedAt = existing.CreatedAt
	}
	if err := h.meta.Upsert(c.Request.Context(), meta); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, meta)
}

// Patch merges the supplied fields into the existing record:
// PATCH /api/v1/memories/conversation-meta.
func (h *ConversationMetaHandler) Patch(c *gin.Context) {
	var req metaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, fmt.Errorf("decode body: %w", err))
		return
	}

	meta, err := h.meta.Get(c.Request.Context(), req.GroupID)
	if err != nil {
		respondError(c, err)
		return
	}
	if meta == nil {
		respondError(c, apierr.NotFound("meta_not_found",
			fmt.Errorf("no conversation meta for group %q", req.GroupID)))
		return
	}

	if req.Scene != "" {
		scene := memory.Scene(req.Scene)
		if !scene.Valid() {
			respondInvalid(c, fmt.Errorf("scene must be one of %q, %q", memory.SceneGroupChat, memory.SceneAssistant))
			return
		}
		meta.Scene = scene
	}
	if req.DisplayName != "" {
		meta.DisplayName = req.DisplayName
	}
	if req.Timezone != "" {
		meta.Timezone = req.Timezone
	}
	if req.Tags != nil {
		meta.Tags = req.Tags
	}
	if req.UserDetails != nil {
		if meta.UserDetails == nil {
			meta.UserDetails = datatypes.JSONMap{}
		}
		for k, v := range req.UserDetails {
			if v == nil {
				delete(meta.UserDetails, k)
				continue
			}
			meta.UserDetails[k] = v
		}
	}
	meta.Version++

	if err := h.meta.Upsert(c.Request.Context(), meta); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, meta)
}
