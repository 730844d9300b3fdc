package handlers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/logger"
	"github.com/engramhq/engram-backend/internal/repos"
	"github.com/engramhq/engram-backend/internal/services"
)

// Listing endpoints cap page size below the store-level fetch cap.
const maxListLimit = 100

type MemoriesHandler struct {
	log       *logger.Logger
	memorize  services.MemorizeService
	retrieval services.RetrievalService
}

func NewMemoriesHandler(log *logger.Logger, memorize services.MemorizeService, retrieval services.RetrievalService) *MemoriesHandler {
	return &MemoriesHandler{
		log:       log.With("handler", "MemoriesHandler"),
		memorize:  memorize,
		retrieval: retrieval,
	}
}

type ingestRequest struct {
	MessageID  string   `json:"message_id"`
	GroupID    string   `json:"group_id"`
	Sender     string   `json:"sender"`
	SenderName string   `json:"sender_name"`
	Role       string   `json:"role"`
	Content    string   `json:"content"`
	CreateTime flexTime `json:"create_time"`
	ReferList  []string `json:"refer_list"`
}

// Create ingests one raw message: POST /api/v1/memories.
func (h *MemoriesHandler) Create(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, fmt.Errorf("decode body: %w", err))
		return
	}

	res, err := h.memorize.Memorize(c.Request.Context(), memory.RawMessage{
		MessageID:  req.MessageID,
		GroupID:    req.GroupID,
		Sender:     req.Sender,
		SenderName: req.SenderName,
		Role:       memory.Role(req.Role),
		Content:    req.Content,
		CreateTime: req.CreateTime.Time,
		ReferList:  req.ReferList,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	saved := res.SavedIDs
	if saved == nil {
		saved = []string{}
	}
	respondOK(c, gin.H{
		"saved_memories": saved,
		"count":          res.Count,
		"status_info":    res.StatusInfo,
	})
}

type listRequest struct {
	UserID     string   `json:"user_id" form:"user_id"`
	GroupID    string   `json:"group_id" form:"group_id"`
	MemoryType string   `json:"memory_type" form:"memory_type"`
	Limit      int      `json:"limit" form:"limit"`
	Offset     int      `json:"offset" form:"offset"`
	SortBy     string   `json:"sort_by" form:"sort_by"`
	SortOrder  string   `json:"sort_order" form:"sort_order"`
	StartTime  flexTime `json:"start_time" form:"start_time"`
	EndTime    flexTime `json:"end_time" form:"end_time"`
}

// List pages MemCells: GET /api/v1/memories (query params or GET-with-body).
func (h *MemoriesHandler) List(c *gin.Context) {
	var req listRequest
	if err := bindBodyOrQuery(c, &req); err != nil {
		respondInvalid(c, err)
		return
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if req.Limit > maxListLimit {
		req.Limit = maxListLimit
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	cells, total, err := h.retrieval.List(c.Request.Context(), repos.ListQuery{
		Filter: memory.Filter{
			UserID:    req.UserID,
			GroupID:   req.GroupID,
			StartTime: req.StartTime.Ptr(),
			EndTime:   req.EndTime.Ptr(),
		},
		SortBy:    req.SortBy,
		SortOrder: req.SortOrder,
		Limit:     req.Limit,
		Offset:    req.Offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, gin.H{
		"memories":    cells,
		"total_count": total,
		"has_more":    int64(req.Offset+len(cells)) < total,
		"metadata": gin.H{
			"limit":       req.Limit,
			"offset":      req.Offset,
			"memory_type": req.MemoryType,
		},
	})
}

type searchRequest struct {
	UserID      string   `json:"user_id" form:"user_id"`
	GroupID     string   `json:"group_id" form:"group_id"`
	Query       string   `json:"query" form:"query"`
	Method      string   `json:"retrieve_method" form:"retrieve_method"`
	TopK        int      `json:"top_k" form:"top_k"`
	MemoryTypes []string `json:"memory_types" form:"memory_types"`
	StartTime   flexTime `json:"start_time" form:"start_time"`
	EndTime     flexTime `json:"end_time" form:"end_time"`
	Radius      float64  `json:"radius" form:"radius"`
}

// Search runs retrieval: GET /api/v1/memories/search.
func (h *MemoriesHandler) Search(c *gin.Context) {
	var req searchRequest
	if err := bindBodyOrQuery(c, &req); err != nil {
		respondInvalid(c, err)
		return
	}

	res, err := h.retrieval.Retrieve(c.Request.Context(), services.RetrieveRequest{
		UserID:      req.UserID,
		GroupID:     req.GroupID,
		Query:       req.Query,
		Method:      req.Method,
		TopK:        req.TopK,
		MemoryTypes: req.MemoryTypes,
		Filter: memory.Filter{
			StartTime: req.StartTime.Ptr(),
			EndTime:   req.EndTime.Ptr(),
		},
		Radius: req.Radius,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, res)
}

type deleteRequest struct {
	EventID string `json:"event_id" form:"event_id"`
	UserID  string `json:"user_id" form:"user_id"`
	GroupID string `json:"group_id" form:"group_id"`
}

// Delete cascades a soft delete: DELETE /api/v1/memories.
func (h *MemoriesHandler) Delete(c *gin.Context) {
	var req deleteRequest
	if err := bindBodyOrQuery(c, &req); err != nil {
		respondInvalid(c, err)
		return
	}

	res, err := h.retrieval.Delete(c.Request.Context(), req.EventID, req.UserID, req.GroupID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{
		"count":   res.DeletedEvents,
		"filters": res.Filters,
	})
}

// bindBodyOrQuery reads a JSON body when one is present, else query params.
// GET-with-body is part of the API contract.
func bindBodyOrQuery(c *gin.Context, into any) error {
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(into); err != nil {
			return fmt.Errorf("decode body: %w", err)
		}
		return nil
	}
	if err := c.ShouldBindQuery(into); err != nil {
		return fmt.Errorf("decode query: %w", err)
	}
	return nil
}

// flexTime accepts RFC3339 strings or epoch seconds, in both JSON bodies and
// query strings.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		return t.parse(str)
	}
	var epoch float64
	if err := json.Unmarshal(data, &epoch); err == nil {
		sec := int64(epoch)
		nsec := int64((epoch - float64(sec)) * float64(time.Second))
		t.Time = time.Unix(sec, nsec).UTC()
		return nil
	}
	return fmt.Errorf("unparseable time %s", s)
}

// UnmarshalParam lets gin bind the same formats from query strings.
func (t *flexTime) UnmarshalParam(param string) error {
	return t.parse(param)
}

func (t *flexTime) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339, s); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	if epoch, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(epoch)
		nsec := int64((epoch - float64(sec)) * float64(time.Second))
		t.Time = time.Unix(sec, nsec).UTC()
		return nil
	}
	return fmt.Errorf("unparseable time %q", s)
}

// Ptr returns nil for the zero value so optional filters stay optional.
func (t flexTime) Ptr() *time.Time {
	if t.Time.IsZero() {
		return nil
	}
	u := t.Time
	return &u
}
