package services

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/elastic"
	"github.com/engramhq/engram-backend/internal/platform/logger"
	"github.com/engramhq/engram-backend/internal/platform/qdrant"
	"github.com/engramhq/engram-backend/internal/platform/rerank"
	"github.com/engramhq/engram-backend/internal/repos"
)

type rerankFunc func(ctx context.Context, query string, passages []string, opts rerank.Options) ([]rerank.Result, error)

func (f rerankFunc) Rerank(ctx context.Context, query string, passages []string, opts rerank.Options) ([]rerank.Result, error) {
	return f(ctx, query, passages, opts)
}

type retrievalEnv struct {
	db         *gorm.DB
	cells      repos.MemCellRepo
	episodic   repos.EpisodicRecordRepo
	importance repos.ImportanceStatRepo
	vec        *fakeVector
	inv        *fakeInverted
	llm        *stubLLM
	reranker   rerank.Reranker
}

func newRetrievalEnv(t *testing.T) *retrievalEnv {
	t.Helper()
	db := testDB(t)
	log := logger.NewNop()
	return &retrievalEnv{
		db:         db,
		cells:      repos.NewMemCellRepo(db, log),
		episodic:   repos.NewEpisodicRecordRepo(db, log),
		importance: repos.NewImportanceStatRepo(db, log),
		vec:        &fakeVector{},
		inv:        newFakeInverted(),
		llm:        &stubLLM{},
		reranker: rerankFunc(func(ctx context.Context, query string, passages []string, opts rerank.Options) ([]rerank.Result, error) {
			return nil, fmt.Errorf("reranker unavailable")
		}),
	}
}

func (e *retrievalEnv) service() RetrievalService {
	return NewRetrievalService(logger.NewNop(), RetrievalDeps{
		Cells:      e.cells,
		Episodic:   e.episodic,
		Importance: e.importance,
		Vector:     e.vec,
		Inverted:   e.inv,
		Embedder:   &stubEmbed{vec: []float32{0.1, 0.2}},
		Reranker:   e.reranker,
		LLM:        e.llm,
	})
}

func (e *retrievalEnv) seedRecord(t *testing.T, id, parent, user, group string, at time.Time) {
	t.Helper()
	err := e.episodic.Upsert(context.Background(), &memory.EpisodicRecord{
		ID:            id,
		ParentEventID: parent,
		UserID:        user,
		GroupID:       group,
		Timestamp:     at,
		Episode:       "body of " + id,
		MemorySubType: memory.KindEpisode,
		EventType:     memory.MemCellTypeConversation,
	})
	if err != nil {
		t.Fatalf("seed record %s: %v", id, err)
	}
}

func (e *retrievalEnv) seedParent(t *testing.T, eventID, user, group string, at time.Time) {
	t.Helper()
	err := e.cells.Upsert(context.Background(), &memory.MemCell{
		EventID:   eventID,
		Type:      memory.MemCellTypeConversation,
		UserID:    user,
		GroupID:   group,
		Timestamp: at,
		Summary:   "summary of " + eventID,
		OriginalData: []memory.RawMessage{
			{MessageID: eventID + "-m1", Sender: user, Role: memory.RoleUser, Content: "hello", CreateTime: at},
		},
	})
	if err != nil {
		t.Fatalf("seed parent %s: %v", eventID, err)
	}
}

func TestTokenize(t *testing.T) {
	cases := []struct {
		query string
		want  []string
	}{
		{"What did Alice say about the hike?", []string{"alice", "say", "about", "hike", "alice say", "say about", "about hike"}},
		{"the a of", nil},
		{"Go go GO", []string{"go", "go go"}},
		{"", nil},
	}
	for _, tc := range cases {
		got := Tokenize(tc.query)
		if len(got) != len(tc.want) {
			t.Fatalf("Tokenize(%q): want=%v got=%v", tc.query, tc.want, got)
		}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Fatalf("Tokenize(%q): want=%v got=%v", tc.query, tc.want, got)
			}
		}
	}
}

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds([]string{"episode", "semantic_memory", "event_log"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []memory.MemoryKind{memory.KindEpisode, memory.KindSemantic, memory.KindEventLog}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds: want=%v got=%v", want, kinds)
		}
	}
	if _, err := parseKinds([]string{"procedural"}); err == nil {
		t.Fatalf("unknown kind must be rejected")
	}
	if kinds, err := parseKinds(nil); err != nil || kinds != nil {
		t.Fatalf("empty kinds: want nil,nil got %v,%v", kinds, err)
	}
}

func TestUnionHitsMaxNormalised(t *testing.T) {
	kw := []scoredHit{{ID: "A", Score: 10, Source: sourceKeyword}, {ID: "B", Score: 5, Source: sourceKeyword}}
	vec := []scoredHit{{ID: "B", Score: 0.9, Source: sourceVector}, {ID: "C", Score: 0.45, Source: sourceVector}}

	got := unionHits(kw, vec)
	if len(got) != 3 {
		t.Fatalf("union size: want=3 got=%d", len(got))
	}
	byID := map[string]scoredHit{}
	for _, h := range got {
		byID[h.ID] = h
	}
	if byID["A"].Score != 1.0 {
		t.Fatalf("A: want normalised 1.0 got %v", byID["A"].Score)
	}
	if byID["B"].Score != 1.0 || byID["B"].Source != "keyword+vector" {
		t.Fatalf("B: want 1.0 keyword+vector got %+v", byID["B"])
	}
	if byID["C"].Score != 0.5 {
		t.Fatalf("C: want 0.5 got %v", byID["C"].Score)
	}
}

func TestRetrieveKeywordGroupsByImportance(t *testing.T) {
	env := newRetrievalEnv(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	env.seedParent(t, "E1", "alice", "g1", at)
	env.seedParent(t, "E2", "alice", "g2", at)
	env.seedRecord(t, "E1_episode", "E1", "alice", "g1", at)
	env.seedRecord(t, "E2_episode", "E2", "alice", "g2", at)
	env.inv.hits = []elastic.Hit{
		{ID: "E1_episode", Score: 3.0},
		{ID: "E2_episode", Score: 2.0},
	}
	// alice is far more active in g2.
	if err := env.importance.Bump(ctx, "alice", "g1", 1, 0, 1); err != nil {
		t.Fatalf("bump: %v", err)
	}
	if err := env.importance.Bump(ctx, "alice", "g2", 9, 0, 1); err != nil {
		t.Fatalf("bump: %v", err)
	}

	resp, err := env.service().Retrieve(ctx, RetrieveRequest{
		UserID: "alice", GroupID: memory.MatchAll,
		Query: "weekend hike", Method: MethodKeyword,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if resp.TotalCount != 2 || len(resp.Memories) != 2 {
		t.Fatalf("counts: want 2 groups got %+v", resp)
	}
	if _, ok := resp.Memories[0]["g2"]; !ok {
		t.Fatalf("group order: want g2 first got %v", resp.Memories[0])
	}
	if resp.ImportanceScores[0] <= resp.ImportanceScores[1] {
		t.Fatalf("importance order: got %v", resp.ImportanceScores)
	}
	raws := resp.OriginalData[0]["g2"]
	if len(raws) != 1 || raws[0].MessageID != "E2-m1" {
		t.Fatalf("original data: got %v", raws)
	}
}

func TestRetrieveHybridUsesRerankScores(t *testing.T) {
	env := newRetrievalEnv(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	env.seedParent(t, "E1", "alice", "g1", at)
	env.seedRecord(t, "E1_episode", "E1", "alice", "g1", at)
	env.seedRecord(t, "E1_semantic_0", "E1", "alice", "g1", at.Add(time.Second))
	env.inv.hits = []elastic.Hit{
		{ID: "E1_episode", Score: 4.0},
		{ID: "E1_semantic_0", Score: 2.0},
	}
	env.reranker = rerankFunc(func(ctx context.Context, query string, passages []string, opts rerank.Options) ([]rerank.Result, error) {
		if len(passages) != 2 {
			t.Fatalf("passages: want=2 got=%d", len(passages))
		}
		return []rerank.Result{{Index: 1, Score: 0.9}, {Index: 0, Score: 0.1}}, nil
	})

	resp, err := env.service().Retrieve(ctx, RetrieveRequest{
		UserID: "alice", Query: "hike", Method: MethodHybrid,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	scores := resp.Scores[0]["g1"]
	// Chronological order within the group: episode first, then semantic.
	if scores[0] != 0.1 || scores[1] != 0.9 {
		t.Fatalf("rerank scores: want [0.1 0.9] got %v", scores)
	}
}

func TestRetrieveHybridFallsBackToNativeScores(t *testing.T) {
	env := newRetrievalEnv(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	env.seedParent(t, "E1", "alice", "g1", at)
	env.seedRecord(t, "E1_episode", "E1", "alice", "g1", at)
	env.seedRecord(t, "E1_semantic_0", "E1", "alice", "g1", at.Add(time.Second))
	env.inv.hits = []elastic.Hit{
		{ID: "E1_episode", Score: 4.0},
		{ID: "E1_semantic_0", Score: 2.0},
	}
	// env.reranker stays the always-failing default.

	resp, err := env.service().Retrieve(ctx, RetrieveRequest{
		UserID: "alice", Query: "hike", Method: MethodHybrid,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	scores := resp.Scores[0]["g1"]
	if scores[0] != 1.0 || scores[1] != 0.5 {
		t.Fatalf("native fallback scores: want [1.0 0.5] got %v", scores)
	}
}

func TestRetrieveRRFFusesRanks(t *testing.T) {
	env := newRetrievalEnv(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	env.seedParent(t, "E1", "alice", "g1", at)
	for i, id := range []string{"E1_episode", "E1_semantic_0", "E1_semantic_1"} {
		env.seedRecord(t, id, "E1", "alice", "g1", at.Add(time.Duration(i)*time.Second))
	}
	env.inv.hits = []elastic.Hit{{ID: "E1_episode", Score: 9}, {ID: "E1_semantic_0", Score: 5}}
	env.vec.hits = []qdrant.Hit{{ID: "E1_semantic_0", Score: 0.9}, {ID: "E1_semantic_1", Score: 0.8}}

	resp, err := env.service().Retrieve(ctx, RetrieveRequest{
		UserID: "alice", Query: "hike", Method: MethodRRF,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	mems := resp.Memories[0]["g1"]
	if len(mems) != 3 {
		t.Fatalf("fused hits: want=3 got=%d", len(mems))
	}
	var both RetrievedMemory
	for _, m := range mems {
		if m.ID == "E1_semantic_0" {
			both = m
		}
	}
	wantScore := 1.0/62 + 1.0/61
	if math.Abs(both.Score-wantScore) > 1e-9 {
		t.Fatalf("fused score: want=%v got=%v", wantScore, both.Score)
	}
	if both.SearchSource != "keyword+vector" {
		t.Fatalf("fused source: got %q", both.SearchSource)
	}
}

func TestRetrieveAgenticDedupesQueryVariants(t *testing.T) {
	env := newRetrievalEnv(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	env.seedParent(t, "E1", "alice", "g1", at)
	env.seedRecord(t, "E1_episode", "E1", "alice", "g1", at)
	env.inv.hits = []elastic.Hit{{ID: "E1_episode", Score: 1.0}}
	env.llm.jsonOut = []map[string]any{
		{"queries": []any{"alice hike", "hiking plans", "Alice hike"}},
	}

	resp, err := env.service().Retrieve(ctx, RetrieveRequest{
		UserID: "alice", Query: "hike", Method: MethodAgentic,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if resp.TotalCount != 1 {
		t.Fatalf("total: want=1 got=%d", resp.TotalCount)
	}
	// Two distinct variants, each running both channels once.
	if env.inv.searchCalls != 2 || env.vec.searchCalls != 2 {
		t.Fatalf("channel calls: want (2,2) got (%d,%d)", env.inv.searchCalls, env.vec.searchCalls)
	}
}

func TestRetrieveValidation(t *testing.T) {
	env := newRetrievalEnv(t)
	svc := env.service()
	ctx := context.Background()

	if _, err := svc.Retrieve(ctx, RetrieveRequest{UserID: "alice", Query: "  "}); err == nil {
		t.Fatalf("empty query must be rejected")
	}
	if _, err := svc.Retrieve(ctx, RetrieveRequest{
		UserID: memory.MatchAll, GroupID: memory.MatchAll, Query: "q",
	}); err == nil {
		t.Fatalf("double sentinel must be rejected")
	}
	if _, err := svc.Retrieve(ctx, RetrieveRequest{
		UserID: "alice", Query: "q", Method: "semantic-web",
	}); err == nil {
		t.Fatalf("unknown method must be rejected")
	}
	if _, err := svc.Retrieve(ctx, RetrieveRequest{
		UserID: "alice", Query: "q", MemoryTypes: []string{"bogus"},
	}); err == nil {
		t.Fatalf("unknown memory type must be rejected")
	}
}

func TestDeleteCascadesIntoIndexes(t *testing.T) {
	env := newRetrievalEnv(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	env.seedParent(t, "E1", "alice", "g1", at)
	env.seedRecord(t, "E1_episode", "E1", "alice", "g1", at)

	res, err := env.service().Delete(ctx, "E1", "", "")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.DeletedEvents != 1 {
		t.Fatalf("deleted: want=1 got=%d", res.DeletedEvents)
	}
	if len(env.vec.deleteParents) != 1 || env.vec.deleteParents[0] != "E1" {
		t.Fatalf("vector cascade: got %v", env.vec.deleteParents)
	}
	if len(env.inv.deleteParents) != 1 || env.inv.deleteParents[0] != "E1" {
		t.Fatalf("inverted cascade: got %v", env.inv.deleteParents)
	}

	cell, err := env.cells.GetByEventID(ctx, "E1")
	if err != nil {
		t.Fatalf("get cell: %v", err)
	}
	if cell != nil {
		t.Fatalf("cell still visible after delete")
	}
	recs, err := env.episodic.GetByIDs(ctx, []string{"E1_episode"})
	if err != nil {
		t.Fatalf("get records: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("child record still visible after delete")
	}
}

func TestDeleteRequiresRealFilter(t *testing.T) {
	env := newRetrievalEnv(t)
	if _, err := env.service().Delete(context.Background(), "", "", ""); err == nil {
		t.Fatalf("unfiltered delete must be rejected")
	}
	if _, err := env.service().Delete(context.Background(), memory.MatchAll, memory.MatchAll, memory.MatchAll); err == nil {
		t.Fatalf("all-sentinel delete must be rejected")
	}
}
