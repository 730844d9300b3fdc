package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/ctxutil"
	"github.com/engramhq/engram-backend/internal/platform/envutil"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

const maxErrorBodyBytes = 1024

type Config struct {
	URL      string
	Username string
	Password string
	Index    string
	Timeout  time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		URL:      envutil.Str("ELASTIC_URL", "http://localhost:9200"),
		Username: envutil.Str("ELASTIC_USERNAME", ""),
		Password: envutil.Str("ELASTIC_PASSWORD", ""),
		Index:    envutil.Str("ELASTIC_INDEX", "engram_memories"),
		Timeout:  envutil.Seconds("ELASTIC_TIMEOUT_SECONDS", 10*time.Second),
	}
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return fmt.Errorf("elastic url required")
	}
	if strings.TrimSpace(cfg.Index) == "" {
		return fmt.Errorf("elastic index required")
	}
	return nil
}

// Doc is the inverted-index view of one memory record: the same scalars as
// the vector side, minus the vector.
type Doc struct {
	ID            string   `json:"-"`
	UserID        string   `json:"user_id"`
	GroupID       string   `json:"group_id"`
	Participants  []string `json:"participants,omitempty"`
	Timestamp     int64    `json:"timestamp"`
	Episode       string   `json:"episode"`
	SearchContent []string `json:"search_content,omitempty"`
	MemorySubType string   `json:"memory_sub_type"`
	EventType     string   `json:"event_type"`
	ParentEventID string   `json:"parent_event_id"`
	Metadata      string   `json:"metadata,omitempty"`
	StartTime     int64    `json:"start_time"`
	EndTime       int64    `json:"end_time"`
}

// Hit is one BM25 result.
type Hit struct {
	ID     string
	Score  float64
	Source Doc
}

// Index is the minimal inverted-index surface the core needs.
type Index interface {
	EnsureIndex(ctx context.Context) error
	Upsert(ctx context.Context, doc Doc) error
	MultiSearch(ctx context.Context, terms []string, filter memory.Filter, subTypes []memory.MemoryKind, size, from int) ([]Hit, error)
	DeleteByParent(ctx context.Context, parentEventID string) error
	Refresh(ctx context.Context) error
}

type index struct {
	log     *logger.Logger
	cfg     Config
	baseURL string
	http    *http.Client
}

func NewIndex(log *logger.Logger, cfg Config) (Index, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &index{
		log:     log.With("service", "ElasticIndex", "index", cfg.Index),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

var indexMapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"user_id":         map[string]any{"type": "keyword"},
			"group_id":        map[string]any{"type": "keyword"},
			"participants":    map[string]any{"type": "keyword"},
			"timestamp":       map[string]any{"type": "long"},
			"episode":         map[string]any{"type": "text"},
			"search_content":  map[string]any{"type": "text"},
			"memory_sub_type": map[string]any{"type": "keyword"},
			"event_type":      map[string]any{"type": "keyword"},
			"parent_event_id": map[string]any{"type": "keyword"},
			"metadata":        map[string]any{"type": "keyword", "index": false},
			"start_time":      map[string]any{"type": "long"},
			"end_time":        map[string]any{"type": "long"},
		},
	},
}

// EnsureIndex creates the index with its mapping when missing.
func (s *index) EnsureIndex(ctx context.Context) error {
	const op = "ensure_index"
	err := s.doJSON(ctx, op, http.MethodGet, "/"+s.indexPath(""), nil, nil)
	if err == nil {
		return nil
	}
	var oe *OperationError
	if !errors.As(err, &oe) || oe.StatusCode != http.StatusNotFound {
		return err
	}
	return s.doJSON(ctx, op, http.MethodPut, "/"+s.indexPath(""), indexMapping, nil)
}

func (s *index) Upsert(ctx context.Context, doc Doc) error {
	const op = "upsert"
	id := strings.TrimSpace(doc.ID)
	if id == "" {
		return opErr(op, OperationErrorValidation, "doc id is required", nil)
	}
	path := "/" + s.indexPath("/_doc/"+url.PathEscape(id))
	return s.doJSON(ctx, op, http.MethodPut, path, doc, nil)
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string          `json:"_id"`
			Score  float64         `json:"_score"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// MultiSearch runs the tokenised query terms as a bool/should of match
// clauses over episode and search_content, under the scalar filters.
func (s *index) MultiSearch(ctx context.Context, terms []string, filter memory.Filter, subTypes []memory.MemoryKind, size, from int) ([]Hit, error) {
	const op = "multi_search"
	if len(terms) == 0 {
		return []Hit{}, nil
	}
	if size <= 0 {
		size = 10
	}
	size = memory.ClampLimit(size)
	if from < 0 {
		from = 0
	}

	should := make([]any, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		should = append(should, map[string]any{
			"multi_match": map[string]any{
				"query":  term,
				"fields": []string{"episode", "search_content"},
			},
		})
	}
	if len(should) == 0 {
		return []Hit{}, nil
	}

	boolQuery := map[string]any{
		"should":               should,
		"minimum_should_match": 1,
	}
	if filters := translateFilter(filter, subTypes); len(filters) > 0 {
		boolQuery["filter"] = filters
	}

	body := map[string]any{
		"query": map[string]any{"bool": boolQuery},
		"size":  size,
		"from":  from,
	}

	var resp searchResponse
	if err := s.doJSON(ctx, op, http.MethodPost, "/"+s.indexPath("/_search"), body, &resp); err != nil {
		return nil, err
	}

	out := make([]Hit, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		var src Doc
		if len(h.Source) > 0 {
			if err := json.Unmarshal(h.Source, &src); err != nil {
				s.log.Warn("Dropping hit with undecodable source", "id", h.ID, "error", err)
				continue
			}
		}
		src.ID = h.ID
		out = append(out, Hit{ID: h.ID, Score: h.Score, Source: src})
	}
	return out, nil
}

func (s *index) DeleteByParent(ctx context.Context, parentEventID string) error {
	const op = "delete_by_parent"
	parentEventID = strings.TrimSpace(parentEventID)
	if parentEventID == "" {
		return opErr(op, OperationErrorValidation, "parent event id required", nil)
	}
	body := map[string]any{
		"query": map[string]any{
			"term": map[string]any{"parent_event_id": parentEventID},
		},
	}
	return s.doJSON(ctx, op, http.MethodPost, "/"+s.indexPath("/_delete_by_query"), body, nil)
}

func (s *index) Refresh(ctx context.Context) error {
	const op = "refresh"
	return s.doJSON(ctx, op, http.MethodPost, "/"+s.indexPath("/_refresh"), nil, nil)
}

func translateFilter(filter memory.Filter, subTypes []memory.MemoryKind) []any {
	filters := make([]any, 0, 4)
	if filter.FiltersUser() {
		filters = append(filters, map[string]any{"term": map[string]any{"user_id": filter.UserID}})
	}
	if filter.FiltersGroup() {
		filters = append(filters, map[string]any{"term": map[string]any{"group_id": filter.GroupID}})
	}
	if filter.StartTime != nil || filter.EndTime != nil {
		rng := map[string]any{}
		if filter.StartTime != nil {
			rng["gte"] = filter.StartTime.Unix()
		}
		if filter.EndTime != nil {
			rng["lte"] = filter.EndTime.Unix()
		}
		filters = append(filters, map[string]any{"range": map[string]any{"timestamp": rng}})
	}
	if len(subTypes) > 0 {
		values := make([]string, 0, len(subTypes))
		for _, t := range subTypes {
			values = append(values, string(t))
		}
		filters = append(filters, map[string]any{"terms": map[string]any{"memory_sub_type": values}})
	}
	return filters
}

func (s *index) indexPath(suffix string) string {
	return s.cfg.Index + suffix
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
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "elastic request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("elastic http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode elastic response failed", err)
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

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}
