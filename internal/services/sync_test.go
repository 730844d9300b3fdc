package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/elastic"
	"github.com/engramhq/engram-backend/internal/platform/logger"
	"github.com/engramhq/engram-backend/internal/platform/qdrant"
)

type fakeEpisodic struct {
	records map[string]memory.EpisodicRecord
	failIDs map[string]bool
	deleted []string
}

func newFakeEpisodic() *fakeEpisodic {
	return &fakeEpisodic{records: map[string]memory.EpisodicRecord{}, failIDs: map[string]bool{}}
}

func (f *fakeEpisodic) Upsert(ctx context.Context, rec *memory.EpisodicRecord) error {
	if f.failIDs[rec.ID] {
		return fmt.Errorf("document store down")
	}
	f.records[rec.ID] = *rec
	return nil
}

func (f *fakeEpisodic) GetByIDs(ctx context.Context, ids []string) ([]memory.EpisodicRecord, error) {
	out := []memory.EpisodicRecord{}
	for _, id := range ids {
		if rec, ok := f.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeEpisodic) ListByParent(ctx context.Context, parent string) ([]memory.EpisodicRecord, error) {
	out := []memory.EpisodicRecord{}
	for _, rec := range f.records {
		if rec.ParentEventID == parent {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeEpisodic) SoftDeleteByParents(ctx context.Context, parents []string) error {
	f.deleted = append(f.deleted, parents...)
	for id, rec := range f.records {
		for _, p := range parents {
			if rec.ParentEventID == p {
				delete(f.records, id)
			}
		}
	}
	return nil
}

type fakeVector struct {
	inserted      []qdrant.Entity
	hits          []qdrant.Hit
	failInsert    bool
	flushed       int
	searchCalls   int
	deleteParents []string
}

func (f *fakeVector) EnsureCollection(ctx context.Context) error { return nil }

func (f *fakeVector) Insert(ctx context.Context, e qdrant.Entity) error {
	if f.failInsert {
		return fmt.Errorf("vector store down")
	}
	f.inserted = append(f.inserted, e)
	return nil
}

func (f *fakeVector) Search(ctx context.Context, vector []float32, filter memory.Filter, subTypes []memory.MemoryKind, topK int, radius float64) ([]qdrant.Hit, error) {
	f.searchCalls++
	return f.hits, nil
}

func (f *fakeVector) DeleteByParent(ctx context.Context, parent string) error {
	f.deleteParents = append(f.deleteParents, parent)
	return nil
}

func (f *fakeVector) Flush(ctx context.Context) error {
	f.flushed++
	return nil
}

type fakeInverted struct {
	docs          map[string]elastic.Doc
	hits          []elastic.Hit
	failUpsert    bool
	refreshed     int
	searchCalls   int
	deleteParents []string
}

func newFakeInverted() *fakeInverted {
	return &fakeInverted{docs: map[string]elastic.Doc{}}
}

func (f *fakeInverted) EnsureIndex(ctx context.Context) error { return nil }

func (f *fakeInverted) Upsert(ctx context.Context, doc elastic.Doc) error {
	if f.failUpsert {
		return fmt.Errorf("inverted index down")
	}
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeInverted) MultiSearch(ctx context.Context, terms []string, filter memory.Filter, subTypes []memory.MemoryKind, size, from int) ([]elastic.Hit, error) {
	f.searchCalls++
	return f.hits, nil
}

func (f *fakeInverted) DeleteByParent(ctx context.Context, parent string) error {
	f.deleteParents = append(f.deleteParents, parent)
	return nil
}

func (f *fakeInverted) Refresh(ctx context.Context) error {
	f.refreshed++
	return nil
}

func fullCell() *memory.MemCell {
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	c := &memory.MemCell{
		EventID:      "E1",
		Type:         memory.MemCellTypeConversation,
		UserID:       "alice",
		GroupID:      "g1",
		Participants: []string{"alice", "bob"},
		Timestamp:    at,
		Subject:      "hike",
		Summary:      "planned a hike",
		Episode:      "Alice and Bob planned a Saturday hike.",
		SemanticMemories: []memory.SemanticMemory{
			{Content: "Alice likes hiking", Embedding: []float32{0.1, 0.2}},
			{Content: "Bob is free on Saturdays"},
		},
		EventLog: &memory.EventLog{
			Time:           at,
			AtomicFacts:    []string{"alice proposed a hike", "bob agreed"},
			FactEmbeddings: [][]float32{{0.3, 0.4}, {0.5, 0.6}},
		},
	}
	c.SetEpisodeEmbedding([]float32{0.7, 0.8})
	return c
}

func TestSyncFansOutStructuralIDs(t *testing.T) {
	docs := newFakeEpisodic()
	vec := &fakeVector{}
	inv := newFakeInverted()
	svc := NewSyncService(logger.NewNop(), docs, vec, inv)

	res, err := svc.Sync(context.Background(), fullCell())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Episode != 1 || res.SemanticMemory != 2 || res.EventLog != 2 {
		t.Fatalf("counts: want (1,2,2) got (%d,%d,%d)", res.Episode, res.SemanticMemory, res.EventLog)
	}
	if res.EsRecords != 5 {
		t.Fatalf("es records: want=5 got=%d", res.EsRecords)
	}

	for _, id := range []string{"E1_episode", "E1_semantic_0", "E1_semantic_1", "E1_eventlog_0", "E1_eventlog_1"} {
		if _, ok := docs.records[id]; !ok {
			t.Fatalf("document store missing %s", id)
		}
		if _, ok := inv.docs[id]; !ok {
			t.Fatalf("inverted index missing %s", id)
		}
	}

	// The unembedded semantic memory stays keyword-only.
	if len(vec.inserted) != 4 {
		t.Fatalf("vector inserts: want=4 got=%d", len(vec.inserted))
	}
	for _, e := range vec.inserted {
		if e.ID == "E1_semantic_1" {
			t.Fatalf("unembedded record must not reach the vector index")
		}
	}

	if vec.flushed != 1 || inv.refreshed != 1 {
		t.Fatalf("flush/refresh: want (1,1) got (%d,%d)", vec.flushed, inv.refreshed)
	}
}

func TestSyncSkipsRaggedEventLog(t *testing.T) {
	docs := newFakeEpisodic()
	vec := &fakeVector{}
	inv := newFakeInverted()
	svc := NewSyncService(logger.NewNop(), docs, vec, inv)

	cell := fullCell()
	cell.EventLog.FactEmbeddings = cell.EventLog.FactEmbeddings[:1]

	res, err := svc.Sync(context.Background(), cell)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.EventLog != 0 {
		t.Fatalf("ragged event log must be skipped whole, got %d", res.EventLog)
	}
	if _, ok := docs.records["E1_eventlog_0"]; ok {
		t.Fatalf("ragged event log record leaked into document store")
	}
	if res.Episode != 1 || res.SemanticMemory != 2 {
		t.Fatalf("other kinds must survive: got (%d,%d)", res.Episode, res.SemanticMemory)
	}
}

func TestSyncEpisodeDocFailureIsFatal(t *testing.T) {
	docs := newFakeEpisodic()
	docs.failIDs["E1_episode"] = true
	svc := NewSyncService(logger.NewNop(), docs, &fakeVector{}, newFakeInverted())

	res, err := svc.Sync(context.Background(), fullCell())
	if err == nil {
		t.Fatalf("episode doc failure must fail the sync")
	}
	if res == nil || res.Episode != 0 {
		t.Fatalf("episode count: want=0 got %+v", res)
	}
	// Children still write on their own.
	if res.SemanticMemory != 2 {
		t.Fatalf("children must still fan out: got %d", res.SemanticMemory)
	}
}

func TestSyncChildDocFailureIsSkipped(t *testing.T) {
	docs := newFakeEpisodic()
	docs.failIDs["E1_semantic_0"] = true
	svc := NewSyncService(logger.NewNop(), docs, &fakeVector{}, newFakeInverted())

	res, err := svc.Sync(context.Background(), fullCell())
	if err != nil {
		t.Fatalf("child failure must not fail the sync: %v", err)
	}
	if res.SemanticMemory != 1 {
		t.Fatalf("semantic count: want=1 got=%d", res.SemanticMemory)
	}
}

func TestSyncVectorFailureKeepsKeywordPath(t *testing.T) {
	docs := newFakeEpisodic()
	inv := newFakeInverted()
	svc := NewSyncService(logger.NewNop(), docs, &fakeVector{failInsert: true}, inv)

	res, err := svc.Sync(context.Background(), fullCell())
	if err != nil {
		t.Fatalf("vector failure must not fail the sync: %v", err)
	}
	if res.Episode != 1 {
		t.Fatalf("episode: want=1 got=%d", res.Episode)
	}
	if len(inv.docs) != 5 {
		t.Fatalf("inverted docs: want=5 got=%d", len(inv.docs))
	}
}

func TestSyncEpisodeFallsBackToSummaryBody(t *testing.T) {
	docs := newFakeEpisodic()
	svc := NewSyncService(logger.NewNop(), docs, &fakeVector{}, newFakeInverted())

	cell := fullCell()
	cell.Episode = ""
	if _, err := svc.Sync(context.Background(), cell); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := docs.records["E1_episode"].Episode; got != "planned a hike" {
		t.Fatalf("episode body fallback: got %q", got)
	}
}

func TestSyncRequiresPersistedCell(t *testing.T) {
	svc := NewSyncService(logger.NewNop(), newFakeEpisodic(), &fakeVector{}, newFakeInverted())
	if _, err := svc.Sync(context.Background(), &memory.MemCell{}); err == nil {
		t.Fatalf("cell without event id must be rejected")
	}
}
