package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/engramhq/engram-backend/internal/platform/logger"
	"github.com/engramhq/engram-backend/internal/services"
)

type ProfileHandler struct {
	log      *logger.Logger
	profiles services.ProfileManager
}

func NewProfileHandler(log *logger.Logger, profiles services.ProfileManager) *ProfileHandler {
	return &ProfileHandler{
		log:      log.With("handler", "ProfileHandler"),
		profiles: profiles,
	}
}

type profileGetRequest struct {
	UserID string `json:"user_id" form:"user_id"`
}

// Get returns one user's profile: GET /api/v1/global-user-profile.
func (h *ProfileHandler) Get(c *gin.Context) {
	var req profileGetRequest
	if err := bindBodyOrQuery(c, &req); err != nil {
		respondInvalid(c, err)
		return
	}
	if req.UserID == "" {
		respondInvalid(c, fmt.Errorf("user_id is required"))
		return
	}

	profile, err := h.profiles.Get(c.Request.Context(), req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"profile": profile})
}

type customProfileRequest struct {
	UserID            string         `json:"user_id"`
	CustomProfileData map[string]any `json:"custom_profile_data"`
}

// SetCustom merges caller-supplied fields into the profile's custom section
// with top-level overwrite: POST /api/v1/global-user-profile/custom.
func (h *ProfileHandler) SetCustom(c *gin.Context) {
	var req customProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.UserID == "" {
		respondInvalid(c, fmt.Errorf("user_id is required"))
		return
	}
	if len(req.CustomProfileData) == 0 {
		respondInvalid(c, fmt.Errorf("custom_profile_data is required"))
		return
	}

	profile, err := h.profiles.SetCustom(c.Request.Context(), req.UserID, req.CustomProfileData)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"profile": profile})
}
