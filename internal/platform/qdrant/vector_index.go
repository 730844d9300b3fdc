package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/ctxutil"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

const (
	payloadRecordIDKey = "record_id"
	maxErrorBodyBytes  = 1024
)

// Deterministic namespace for mapping structural record ids onto qdrant
// point UUIDs.
var pointIDNamespaceUUID = uuid.MustParse("7c9e4f02-88d1-4b6a-9f3e-1d2a64c0b5a7")

// Entity is one flattened memory record: a vector plus the scalar fields the
// retrieval filters run on. Timestamps are epoch seconds (0 = unset).
type Entity struct {
	ID            string
	Vector        []float32
	UserID        string
	GroupID       string
	Participants  []string
	Timestamp     int64
	MemorySubType string
	EventType     string
	ParentEventID string
	Metadata      string
	SearchContent []string
	StartTime     int64
	EndTime       int64
}

// Hit is one ANN-search result.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Index is the minimal vector-index surface the core needs.
type Index interface {
	EnsureCollection(ctx context.Context) error
	Insert(ctx context.Context, e Entity) error
	Search(ctx context.Context, vector []float32, filter memory.Filter, subTypes []memory.MemoryKind, topK int, radius float64) ([]Hit, error)
	DeleteByParent(ctx context.Context, parentEventID string) error
	Flush(ctx context.Context) error
}

type index struct {
	log     *logger.Logger
	cfg     Config
	baseURL string
	http    *http.Client
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type searchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func NewIndex(log *logger.Logger, cfg Config) (Index, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	idx := &index{
		log:     log.With("service", "QdrantIndex", "collection", cfg.Collection),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
	return idx, nil
}

// EnsureCollection creates the collection when missing. Safe to call at boot.
func (s *index) EnsureCollection(ctx context.Context) error {
	const op = "ensure_collection"
	err := s.doJSON(ctx, op, http.MethodGet, s.collectionPath(""), nil, nil)
	if err == nil {
		return nil
	}
	var oe *OperationError
	if !errors.As(err, &oe) || oe.StatusCode != http.StatusNotFound {
		return err
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.cfg.VectorDim,
			"distance": "Cosine",
		},
	}
	return s.doJSON(ctx, op, http.MethodPut, s.collectionPath(""), body, nil)
}

func (s *index) Insert(ctx context.Context, e Entity) error {
	const op = "insert"
	recordID := strings.TrimSpace(e.ID)
	if recordID == "" {
		return opErr(op, OperationErrorValidation, "record id is required", nil)
	}
	if len(e.Vector) == 0 {
		return opErr(op, OperationErrorValidation, fmt.Sprintf("record %q has empty vector", recordID), nil)
	}
	if s.cfg.VectorDim > 0 && len(e.Vector) != s.cfg.VectorDim {
		return opErr(op, OperationErrorValidation,
			fmt.Sprintf("record %q dimension mismatch: expected=%d got=%d", recordID, s.cfg.VectorDim, len(e.Vector)), nil)
	}

	payload := map[string]any{
		payloadRecordIDKey: recordID,
		"user_id":          e.UserID,
		"group_id":         e.GroupID,
		"participants":     e.Participants,
		"timestamp":        e.Timestamp,
		"memory_sub_type":  e.MemorySubType,
		"event_type":       e.EventType,
		"parent_event_id":  e.ParentEventID,
		"metadata":         e.Metadata,
		"search_content":   e.SearchContent,
		"start_time":       e.StartTime,
		"end_time":         e.EndTime,
	}
	req := map[string]any{
		"points": []map[string]any{{
			"id":      s.pointID(recordID),
			"vector":  e.Vector,
			"payload": payload,
		}},
	}
	return s.doJSON(ctx, op, http.MethodPut, s.collectionPath("/points?wait=true"), req, nil)
}

func (s *index) Search(ctx context.Context, vector []float32, filter memory.Filter, subTypes []memory.MemoryKind, topK int, radius float64) ([]Hit, error) {
	const op = "search"
	if len(vector) == 0 {
		return nil, opErr(op, OperationErrorValidation, "query vector required", nil)
	}
	if s.cfg.VectorDim > 0 && len(vector) != s.cfg.VectorDim {
		return nil, opErr(op, OperationErrorValidation,
			fmt.Sprintf("query vector dimension mismatch: expected=%d got=%d", s.cfg.VectorDim, len(vector)), nil)
	}
	if topK <= 0 {
		topK = 10
	}
	topK = memory.ClampLimit(topK)

	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"with_vector":  false,
		"filter":       translateFilter(filter, subTypes, ""),
	}
	if radius > 0 {
		req["score_threshold"] = radius
	}

	var rawResults []searchResultItem
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/search"), req, &rawResults); err != nil {
		return nil, err
	}

	out := make([]Hit, 0, len(rawResults))
	for _, item := range rawResults {
		id, _ := item.Payload[payloadRecordIDKey].(string)
		if strings.TrimSpace(id) == "" {
			continue
		}
		out = append(out, Hit{ID: id, Score: item.Score, Payload: item.Payload})
	}
	return out, nil
}

func (s *index) DeleteByParent(ctx context.Context, parentEventID string) error {
	const op = "delete_by_parent"
	parentEventID = strings.TrimSpace(parentEventID)
	if parentEventID == "" {
		return opErr(op, OperationErrorValidation, "parent event id required", nil)
	}
	req := map[string]any{
		"filter": map[string]any{
			"must": []any{matchCondition("parent_event_id", parentEventID)},
		},
	}
	return s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/delete?wait=true"), req, nil)
}

// Flush is part of the index contract; qdrant writes already wait for
// durability (wait=true), so there is nothing left to do.
func (s *index) Flush(ctx context.Context) error {
	return nil
}

func translateFilter(filter memory.Filter, subTypes []memory.MemoryKind, parentEventID string) map[string]any {
	must := make([]any, 0, 4)
	if filter.FiltersUser() {
		must = append(must, matchCondition("user_id", filter.UserID))
	}
	if filter.FiltersGroup() {
		must = append(must, matchCondition("group_id", filter.GroupID))
	}
	if parentEventID != "" {
		must = append(must, matchCondition("parent_event_id", parentEventID))
	}
	if filter.StartTime != nil || filter.EndTime != nil {
		rng := map[string]any{}
		if filter.StartTime != nil {
			rng["gte"] = filter.StartTime.Unix()
		}
		if filter.EndTime != nil {
			rng["lte"] = filter.EndTime.Unix()
		}
		must = append(must, map[string]any{"key": "timestamp", "range": rng})
	}
	if len(subTypes) > 0 {
		values := make([]string, 0, len(subTypes))
		for _, t := range subTypes {
			values = append(values, string(t))
		}
		must = append(must, map[string]any{
			"key":   "memory_sub_type",
			"match": map[string]any{"any": values},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

func matchCondition(key, value string) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"value": value}}
}

func (s *index) pointID(recordID string) string {
	return uuid.NewSHA1(pointIDNamespaceUUID, []byte(recordID)).String()
}

func (s *index) collectionPath(suffix string) string {
	path := "/collections/" + s.cfg.Collection
	if strings.TrimSpace(suffix) == "" {
		return path
	}
	return path + suffix
}

func (s *index) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, s.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*maxErrorBodyBytes))
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(env.Status); statusErr != "" {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    statusErr,
		}
	}

	if out == nil {
		return nil
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

func classifyHTTPCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}

	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}

	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil {
		if strings.TrimSpace(statusObject.Error) != "" {
			return strings.TrimSpace(statusObject.Error)
		}
	}
	return fmt.Sprintf("qdrant status=%s", status)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}
