package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/apierr"
	"github.com/engramhq/engram-backend/internal/platform/elastic"
	"github.com/engramhq/engram-backend/internal/platform/embedding"
	"github.com/engramhq/engram-backend/internal/platform/llm"
	"github.com/engramhq/engram-backend/internal/platform/logger"
	"github.com/engramhq/engram-backend/internal/platform/qdrant"
	"github.com/engramhq/engram-backend/internal/platform/rerank"
	"github.com/engramhq/engram-backend/internal/repos"
)

const (
	MethodKeyword = "keyword"
	MethodVector  = "vector"
	MethodHybrid  = "hybrid"
	MethodRRF     = "rrf"
	MethodAgentic = "agentic"
)

const (
	// Cosine floor applied to vector search when the caller does not set one.
	defaultRadius = 0.6
	defaultTopK   = 10
	// Rank-fusion constant; the usual value from the RRF literature.
	rrfK = 60
	// Agentic retrieval expands the query into at most this many variants.
	agenticMaxQueries = 3

	sourceKeyword = "keyword"
	sourceVector  = "vector"
)

// RetrieveRequest is one search call. UserID/GroupID accept the MatchAll
// sentinel on at most one side.
type RetrieveRequest struct {
	UserID      string
	GroupID     string
	Query       string
	Method      string
	TopK        int
	MemoryTypes []string
	Filter      memory.Filter
	Radius      float64
}

// RetrievedMemory is one scored child record in a response.
type RetrievedMemory struct {
	memory.EpisodicRecord
	Score        float64 `json:"score"`
	SearchSource string  `json:"_search_source,omitempty"`
}

// RetrieveResponse groups results by conversation, ordered by the caller's
// importance in each group. Parallel slices stay index-aligned: element i of
// Memories, Scores, ImportanceScores and OriginalData all describe the same
// group.
type RetrieveResponse struct {
	Memories         []map[string][]RetrievedMemory   `json:"memories"`
	Scores           []map[string][]float64           `json:"scores"`
	ImportanceScores []float64                        `json:"importance_scores"`
	OriginalData     []map[string][]memory.RawMessage `json:"original_data"`
	TotalCount       int                              `json:"total_count"`
	Metadata         map[string]any                   `json:"metadata,omitempty"`
}

// DeleteResult reports a cascade delete.
type DeleteResult struct {
	DeletedEvents int               `json:"deleted_events"`
	Filters       map[string]string `json:"filters"`
}

// RetrievalService is the read-side coordinator: search across the indexes,
// hydrate from the document store, group and rank. Delete cascades from the
// document store into both indexes.
type RetrievalService interface {
	Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResponse, error)
	List(ctx context.Context, q repos.ListQuery) ([]memory.MemCell, int64, error)
	Delete(ctx context.Context, eventID, userID, groupID string) (*DeleteResult, error)
}

type retrievalService struct {
	log        *logger.Logger
	cells      repos.MemCellRepo
	episodic   repos.EpisodicRecordRepo
	importance repos.ImportanceStatRepo
	vector     qdrant.Index
	inverted   elastic.Index
	embedder   embedding.Embedder
	reranker   rerank.Reranker
	llm        llm.Client
}

type RetrievalDeps struct {
	Cells      repos.MemCellRepo
	Episodic   repos.EpisodicRecordRepo
	Importance repos.ImportanceStatRepo
	Vector     qdrant.Index
	Inverted   elastic.Index
	Embedder   embedding.Embedder
	Reranker   rerank.Reranker
	LLM        llm.Client
}

func NewRetrievalService(log *logger.Logger, deps RetrievalDeps) RetrievalService {
	return &retrievalService{
		log:        log.With("service", "RetrievalService"),
		cells:      deps.Cells,
		episodic:   deps.Episodic,
		importance: deps.Importance,
		vector:     deps.Vector,
		inverted:   deps.Inverted,
		embedder:   deps.Embedder,
		reranker:   deps.Reranker,
		llm:        deps.LLM,
	}
}

// scoredHit is an index hit before hydration. Score is source-native until
// rerank or fusion replaces it.
type scoredHit struct {
	ID     string
	Score  float64
	Source string
}

func (s *retrievalService) Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, apierr.Invalid("invalid_request", fmt.Errorf("query is required"))
	}
	filter := req.Filter
	filter.UserID = req.UserID
	filter.GroupID = req.GroupID
	if err := filter.Validate(true); err != nil {
		return nil, apierr.Invalid("invalid_filter", err)
	}
	kinds, err := parseKinds(req.MemoryTypes)
	if err != nil {
		return nil, apierr.Invalid("invalid_memory_types", err)
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	req.TopK = memory.ClampLimit(req.TopK)
	if req.Radius <= 0 {
		req.Radius = defaultRadius
	}
	method := strings.ToLower(strings.TrimSpace(req.Method))
	if method == "" {
		method = MethodHybrid
	}

	var hits []scoredHit
	switch method {
	case MethodKeyword:
		hits, err = s.keywordSearch(ctx, req.Query, filter, kinds, req.TopK)
	case MethodVector:
		hits, err = s.vectorSearch(ctx, req.Query, filter, kinds, req.TopK, req.Radius)
	case MethodHybrid:
		hits, err = s.hybridSearch(ctx, req.Query, filter, kinds, req.TopK, req.Radius)
	case MethodRRF:
		hits, err = s.rrfSearch(ctx, req.Query, filter, kinds, req.TopK, req.Radius)
	case MethodAgentic:
		hits, err = s.agenticSearch(ctx, req.Query, filter, kinds, req.TopK, req.Radius)
	default:
		return nil, apierr.Invalid("invalid_method", fmt.Errorf("unknown retrieve method %q", method))
	}
	if err != nil {
		return nil, err
	}

	return s.assemble(ctx, req.UserID, method, hits)
}

func (s *retrievalService) keywordSearch(ctx context.Context, query string, filter memory.Filter, kinds []memory.MemoryKind, topK int) ([]scoredHit, error) {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return []scoredHit{}, nil
	}
	raw, err := s.inverted.MultiSearch(ctx, terms, filter, kinds, topK, 0)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	out := make([]scoredHit, 0, len(raw))
	for _, h := range raw {
		out = append(out, scoredHit{ID: h.ID, Score: h.Score, Source: sourceKeyword})
	}
	return out, nil
}

func (s *retrievalService) vectorSearch(ctx context.Context, query string, filter memory.Filter, kinds []memory.MemoryKind, topK int, radius float64) ([]scoredHit, error) {
	vec, err := s.embedder.Embed(ctx, query, embedding.Options{IsQuery: true})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	raw, err := s.vector.Search(ctx, vec, filter, kinds, topK, radius)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	out := make([]scoredHit, 0, len(raw))
	for _, h := range raw {
		out = append(out, scoredHit{ID: h.ID, Score: h.Score, Source: sourceVector})
	}
	return out, nil
}

// hybridSearch unions both channels and reorders the union with the
// reranker. When reranking is unavailable the union falls back to
// max-normalised native scores.
func (s *retrievalService) hybridSearch(ctx context.Context, query string, filter memory.Filter, kinds []memory.MemoryKind, topK int, radius float64) ([]scoredHit, error) {
	kw, vec, err := s.bothChannels(ctx, query, filter, kinds, topK, radius)
	if err != nil {
		return nil, err
	}
	union := unionHits(kw, vec)
	if len(union) == 0 {
		return union, nil
	}

	passages, keep, err := s.hydratePassages(ctx, union)
	if err != nil {
		return nil, err
	}
	if len(keep) == 0 {
		return []scoredHit{}, nil
	}

	results, err := s.reranker.Rerank(ctx, query, passages, rerank.Options{TopK: topK})
	if err != nil {
		s.log.Warn("Rerank unavailable, falling back to native scores", "error", err)
		sort.SliceStable(keep, func(i, j int) bool { return keep[i].Score > keep[j].Score })
		if len(keep) > topK {
			keep = keep[:topK]
		}
		return keep, nil
	}

	out := make([]scoredHit, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(keep) {
			continue
		}
		h := keep[r.Index]
		h.Score = r.Score
		out = append(out, h)
	}
	return out, nil
}

// rrfSearch fuses the two channels by reciprocal rank instead of reranking.
func (s *retrievalService) rrfSearch(ctx context.Context, query string, filter memory.Filter, kinds []memory.MemoryKind, topK int, radius float64) ([]scoredHit, error) {
	kw, vec, err := s.bothChannels(ctx, query, filter, kinds, topK, radius)
	if err != nil {
		return nil, err
	}

	fused := map[string]*scoredHit{}
	for _, list := range [][]scoredHit{kw, vec} {
		for rank, h := range list {
			contribution := 1.0 / float64(rrfK+rank+1)
			if existing, ok := fused[h.ID]; ok {
				existing.Score += contribution
				existing.Source = existing.Source + "+" + h.Source
			} else {
				fused[h.ID] = &scoredHit{ID: h.ID, Score: contribution, Source: h.Source}
			}
		}
	}

	out := make([]scoredHit, 0, len(fused))
	for _, h := range fused {
		out = append(out, *h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// agenticSearch asks the model to reformulate the query, runs hybrid search
// per variant and keeps the best score per record.
func (s *retrievalService) agenticSearch(ctx context.Context, query string, filter memory.Filter, kinds []memory.MemoryKind, topK int, radius float64) ([]scoredHit, error) {
	queries := s.expandQuery(ctx, query)

	best := map[string]scoredHit{}
	for _, q := range queries {
		hits, err := s.hybridSearch(ctx, q, filter, kinds, topK, radius)
		if err != nil {
			s.log.Warn("Agentic sub-query failed", "query", q, "error", err)
			continue
		}
		for _, h := range hits {
			if existing, ok := best[h.ID]; !ok || h.Score > existing.Score {
				best[h.ID] = h
			}
		}
	}

	out := make([]scoredHit, 0, len(best))
	for _, h := range best {
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

const queryExpansionPrompt = `You reformulate a memory search query into complementary search queries.
Given one query, produce up to %d short queries that together cover its intent: the original phrasing, a paraphrase, and a decomposition into sub-questions where useful.
Respond with a JSON object: {"queries": ["<query>", ...]}.`

func (s *retrievalService) expandQuery(ctx context.Context, query string) []string {
	raw, err := s.llm.GenerateJSON(ctx, fmt.Sprintf(queryExpansionPrompt, agenticMaxQueries), query)
	if err != nil {
		s.log.Warn("Query expansion failed, using the original query", "error", err)
		return []string{query}
	}
	var payload struct {
		Queries []string `json:"queries"`
	}
	if err := redecode(raw, &payload); err != nil || len(payload.Queries) == 0 {
		return []string{query}
	}
	out := make([]string, 0, agenticMaxQueries)
	seen := map[string]struct{}{}
	for _, q := range payload.Queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
		if len(out) == agenticMaxQueries {
			break
		}
	}
	if len(out) == 0 {
		return []string{query}
	}
	return out
}

func (s *retrievalService) bothChannels(ctx context.Context, query string, filter memory.Filter, kinds []memory.MemoryKind, topK int, radius float64) (kw, vec []scoredHit, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var kerr error
		kw, kerr = s.keywordSearch(gctx, query, filter, kinds, topK)
		return kerr
	})
	g.Go(func() error {
		var verr error
		vec, verr = s.vectorSearch(gctx, query, filter, kinds, topK, radius)
		return verr
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return kw, vec, nil
}

// unionHits merges two channels by id. Native scores live on different
// scales, so each channel is max-normalised before the merge; a record found
// by both keeps the larger normalised score and both source tags.
func unionHits(kw, vec []scoredHit) []scoredHit {
	normalise := func(hits []scoredHit) {
		var max float64
		for _, h := range hits {
			if h.Score > max {
				max = h.Score
			}
		}
		if max <= 0 {
			return
		}
		for i := range hits {
			hits[i].Score /= max
		}
	}
	normalise(kw)
	normalise(vec)

	merged := map[string]scoredHit{}
	order := make([]string, 0, len(kw)+len(vec))
	for _, list := range [][]scoredHit{kw, vec} {
		for _, h := range list {
			existing, ok := merged[h.ID]
			if !ok {
				merged[h.ID] = h
				order = append(order, h.ID)
				continue
			}
			if h.Score > existing.Score {
				existing.Score = h.Score
			}
			existing.Source = existing.Source + "+" + h.Source
			merged[h.ID] = existing
		}
	}

	out := make([]scoredHit, 0, len(order))
	for _, id := range order {
		out = append(out, merged[id])
	}
	return out
}

// hydratePassages loads the hit bodies from the document store for
// reranking. Hits the store no longer has (deleted since indexing) drop out.
func (s *retrievalService) hydratePassages(ctx context.Context, hits []scoredHit) ([]string, []scoredHit, error) {
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	records, err := s.episodic.GetByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("hydrate hits: %w", err)
	}
	byID := make(map[string]memory.EpisodicRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	passages := make([]string, 0, len(hits))
	keep := make([]scoredHit, 0, len(hits))
	for _, h := range hits {
		rec, ok := byID[h.ID]
		if !ok {
			continue
		}
		passages = append(passages, rec.Episode)
		keep = append(keep, h)
	}
	return passages, keep, nil
}

// assemble hydrates the final hit list, groups records by conversation and
// orders groups by the caller's importance in each.
func (s *retrievalService) assemble(ctx context.Context, userID, method string, hits []scoredHit) (*RetrieveResponse, error) {
	resp := &RetrieveResponse{
		Memories:         []map[string][]RetrievedMemory{},
		Scores:           []map[string][]float64{},
		ImportanceScores: []float64{},
		OriginalData:     []map[string][]memory.RawMessage{},
		Metadata:         map[string]any{"method": method},
	}
	if len(hits) == 0 {
		return resp, nil
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	records, err := s.episodic.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	byID := make(map[string]memory.EpisodicRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	grouped := map[string][]RetrievedMemory{}
	groupOrder := []string{}
	parentIDs := map[string]struct{}{}
	for _, h := range hits {
		rec, ok := byID[h.ID]
		if !ok {
			continue
		}
		if _, seen := grouped[rec.GroupID]; !seen {
			groupOrder = append(groupOrder, rec.GroupID)
		}
		grouped[rec.GroupID] = append(grouped[rec.GroupID], RetrievedMemory{
			EpisodicRecord: rec,
			Score:          h.Score,
			SearchSource:   h.Source,
		})
		parentIDs[rec.ParentEventID] = struct{}{}
	}

	parents, err := s.loadParents(ctx, parentIDs)
	if err != nil {
		return nil, err
	}

	stats, err := s.importance.GetForGroups(ctx, userID, groupOrder)
	if err != nil {
		s.log.Warn("Importance lookup failed, keeping hit order", "error", err)
		stats = map[string]memory.ImportanceStat{}
	}
	sort.SliceStable(groupOrder, func(i, j int) bool {
		a, b := stats[groupOrder[i]], stats[groupOrder[j]]
		if a.Importance() != b.Importance() {
			return a.Importance() > b.Importance()
		}
		return groupOrder[i] < groupOrder[j]
	})

	for _, gid := range groupOrder {
		mems := grouped[gid]
		// Within a group memories read chronologically.
		sort.SliceStable(mems, func(i, j int) bool {
			return mems[i].Timestamp.Before(mems[j].Timestamp)
		})
		scores := make([]float64, len(mems))
		for i, m := range mems {
			scores[i] = m.Score
		}
		raws := []memory.RawMessage{}
		seenParent := map[string]struct{}{}
		for _, m := range mems {
			if _, ok := seenParent[m.ParentEventID]; ok {
				continue
			}
			seenParent[m.ParentEventID] = struct{}{}
			if cell, ok := parents[m.ParentEventID]; ok {
				raws = append(raws, cell.OriginalData...)
			}
		}

		resp.Memories = append(resp.Memories, map[string][]RetrievedMemory{gid: mems})
		resp.Scores = append(resp.Scores, map[string][]float64{gid: scores})
		resp.ImportanceScores = append(resp.ImportanceScores, stats[gid].Importance())
		resp.OriginalData = append(resp.OriginalData, map[string][]memory.RawMessage{gid: raws})
		resp.TotalCount += len(mems)
	}
	return resp, nil
}

func (s *retrievalService) loadParents(ctx context.Context, parentIDs map[string]struct{}) (map[string]memory.MemCell, error) {
	ids := make([]string, 0, len(parentIDs))
	for id := range parentIDs {
		ids = append(ids, id)
	}
	cells, err := s.cells.GetByEventIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load parent cells: %w", err)
	}
	out := make(map[string]memory.MemCell, len(cells))
	for _, c := range cells {
		out[c.EventID] = c
	}
	return out, nil
}

func (s *retrievalService) List(ctx context.Context, q repos.ListQuery) ([]memory.MemCell, int64, error) {
	if err := q.Filter.Validate(true); err != nil {
		return nil, 0, apierr.Invalid("invalid_filter", err)
	}
	return s.cells.FindPaged(ctx, q)
}

// Delete soft-deletes matching cells in the document store, then cascades
// into both indexes by parent id. Index failures are logged; the document
// store remains the source of truth and retrieval drops orphaned index hits
// at hydration.
func (s *retrievalService) Delete(ctx context.Context, eventID, userID, groupID string) (*DeleteResult, error) {
	filter := memory.Filter{UserID: userID, GroupID: groupID}
	if err := filter.Validate(false); err != nil {
		return nil, apierr.Invalid("invalid_filter", err)
	}
	hasEvent := eventID != "" && eventID != memory.MatchAll
	if !hasEvent && !filter.FiltersUser() && !filter.FiltersGroup() {
		return nil, apierr.Invalid("invalid_filter", fmt.Errorf("at least one real filter is required"))
	}

	ids, err := s.cells.SoftDelete(ctx, eventID, userID, groupID)
	if err != nil {
		return nil, fmt.Errorf("soft delete cells: %w", err)
	}
	if err := s.episodic.SoftDeleteByParents(ctx, ids); err != nil {
		s.log.Error("Soft deleting child records failed", "error", err)
	}
	for _, id := range ids {
		if err := s.vector.DeleteByParent(ctx, id); err != nil {
			s.log.Error("Vector cascade delete failed", "parent_event_id", id, "error", err)
		}
		if err := s.inverted.DeleteByParent(ctx, id); err != nil {
			s.log.Error("Inverted cascade delete failed", "parent_event_id", id, "error", err)
		}
	}

	filters := map[string]string{}
	if hasEvent {
		filters["event_id"] = eventID
	}
	if userID != "" {
		filters["user_id"] = userID
	}
	if groupID != "" {
		filters["group_id"] = groupID
	}
	return &DeleteResult{DeletedEvents: len(ids), Filters: filters}, nil
}

func parseKinds(types []string) ([]memory.MemoryKind, error) {
	if len(types) == 0 {
		return nil, nil
	}
	out := make([]memory.MemoryKind, 0, len(types))
	for _, t := range types {
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "":
			continue
		case "episode", "episodic_memory":
			out = append(out, memory.KindEpisode)
		case "semantic", "semantic_memory":
			out = append(out, memory.KindSemantic)
		case "eventlog", "event_log":
			out = append(out, memory.KindEventLog)
		default:
			return nil, fmt.Errorf("unknown memory type %q", t)
		}
	}
	return out, nil
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "did": {}, "do": {}, "does": {}, "for": {}, "from": {},
	"had": {}, "has": {}, "have": {}, "he": {}, "her": {}, "his": {},
	"how": {}, "i": {}, "in": {}, "is": {}, "it": {}, "its": {}, "me": {},
	"my": {}, "of": {}, "on": {}, "or": {}, "she": {}, "that": {},
	"the": {}, "their": {}, "them": {}, "they": {}, "this": {}, "to": {},
	"was": {}, "we": {}, "were": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "who": {}, "why": {}, "will": {}, "with": {}, "you": {},
	"your": {},
}

// Tokenize splits a query into search terms: lowercased words without
// stopwords, plus adjacent-word bigrams so short phrases still match.
func Tokenize(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	kept := make([]string, 0, len(words))
	for _, w := range words {
		if len([]rune(w)) < 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		kept = append(kept, w)
	}

	terms := make([]string, 0, 2*len(kept))
	seen := map[string]struct{}{}
	add := func(t string) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	for _, w := range kept {
		add(w)
	}
	for i := 0; i+1 < len(kept); i++ {
		add(kept[i] + " " + kept[i+1])
	}
	return terms
}
