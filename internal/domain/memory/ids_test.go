package memory

import (
	"encoding/json"
	"testing"
)

func TestChildRecordIDs(t *testing.T) {
	if got := EpisodeRecordID("E1"); got != "E1_episode" {
		t.Fatalf("episode id: want=%q got=%q", "E1_episode", got)
	}
	if got := SemanticRecordID("E1", 2); got != "E1_semantic_2" {
		t.Fatalf("semantic id: want=%q got=%q", "E1_semantic_2", got)
	}
	if got := EventLogRecordID("E1", 0); got != "E1_eventlog_0" {
		t.Fatalf("eventlog id: want=%q got=%q", "E1_eventlog_0", got)
	}
}

func TestParseRecordID(t *testing.T) {
	cases := []struct {
		id      string
		parent  string
		kind    MemoryKind
		ordinal int
		ok      bool
	}{
		{"E1_episode", "E1", KindEpisode, 0, true},
		{"E1_semantic_0", "E1", KindSemantic, 0, true},
		{"E1_eventlog_12", "E1", KindEventLog, 12, true},
		{"abc-def_episode", "abc-def", KindEpisode, 0, true},
		{"E1_semantic_x", "", "", 0, false},
		{"E1", "", "", 0, false},
		{"", "", "", 0, false},
	}
	for _, tc := range cases {
		parent, kind, ordinal, ok := ParseRecordID(tc.id)
		if ok != tc.ok {
			t.Fatalf("%q ok: want=%v got=%v", tc.id, tc.ok, ok)
		}
		if !ok {
			continue
		}
		if parent != tc.parent || kind != tc.kind || ordinal != tc.ordinal {
			t.Fatalf("%q: want=(%q,%q,%d) got=(%q,%q,%d)",
				tc.id, tc.parent, tc.kind, tc.ordinal, parent, kind, ordinal)
		}
	}
}

func TestParseRecordIDRoundTrip(t *testing.T) {
	parent := "550e8400-e29b-41d4-a716-446655440000"
	for _, id := range []string{
		EpisodeRecordID(parent),
		SemanticRecordID(parent, 3),
		EventLogRecordID(parent, 7),
	} {
		got, _, _, ok := ParseRecordID(id)
		if !ok || got != parent {
			t.Fatalf("round trip %q: want parent=%q got=%q ok=%v", id, parent, got, ok)
		}
	}
}

func TestFilterValidate(t *testing.T) {
	if err := (Filter{UserID: MatchAll, GroupID: MatchAll}).Validate(false); err == nil {
		t.Fatalf("double %q filter: want error got nil", MatchAll)
	}
	if err := (Filter{UserID: MatchAll, GroupID: "g1"}).Validate(true); err != nil {
		t.Fatalf("one real value: want nil got %v", err)
	}
	if err := (Filter{UserID: MatchAll}).Validate(true); err == nil {
		t.Fatalf("no real value with requireOne: want error got nil")
	}
	if err := (Filter{}).Validate(false); err != nil {
		t.Fatalf("empty filter without requireOne: want nil got %v", err)
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, MaxFetchLimit},
		{-1, MaxFetchLimit},
		{501, MaxFetchLimit},
		{500, 500},
		{10, 10},
	}
	for _, tc := range cases {
		if got := ClampLimit(tc.in); got != tc.want {
			t.Fatalf("ClampLimit(%d): want=%d got=%d", tc.in, tc.want, got)
		}
	}
}

func TestSyncStatusOrdering(t *testing.T) {
	if !(StatusLog < StatusAccumulating && StatusAccumulating < StatusConsumed) {
		t.Fatalf("status order broken: %d %d %d", StatusLog, StatusAccumulating, StatusConsumed)
	}
}

func TestEpisodeEmbeddingRoundTrip(t *testing.T) {
	cell := &MemCell{EventID: "E1"}
	cell.SetEpisodeEmbedding([]float32{0.1, 0.2, 0.3})
	got := cell.EpisodeEmbedding()
	if len(got) != 3 || got[1] != 0.2 {
		t.Fatalf("direct read: want 3 floats got %v", got)
	}

	// After a JSON round trip gorm hands back []any of float64.
	cell.Extend[ExtendKeyEmbedding] = []any{0.1, 0.2, 0.3}
	got = cell.EpisodeEmbedding()
	if len(got) != 3 || got[2] != float32(0.3) {
		t.Fatalf("json round trip read: want 3 floats got %v", got)
	}

	// The JSONMap scanner decodes with UseNumber, so elements can also be
	// json.Number after a database read.
	cell.Extend[ExtendKeyEmbedding] = []any{json.Number("0.1"), json.Number("0.2"), json.Number("0.3")}
	got = cell.EpisodeEmbedding()
	if len(got) != 3 || got[0] != float32(0.1) {
		t.Fatalf("scanned read: want 3 floats got %v", got)
	}

	cell.Extend[ExtendKeyEmbedding] = []any{json.Number("not-a-number")}
	if got := cell.EpisodeEmbedding(); got != nil {
		t.Fatalf("corrupt element: want nil got %v", got)
	}

	empty := &MemCell{EventID: "E2"}
	if empty.EpisodeEmbedding() != nil {
		t.Fatalf("missing embedding: want nil got %v", empty.EpisodeEmbedding())
	}
}

func TestEventLogConsistent(t *testing.T) {
	el := &EventLog{AtomicFacts: []string{"a", "b"}, FactEmbeddings: [][]float32{{1}, {2}}}
	if !el.Consistent() {
		t.Fatalf("aligned log: want consistent")
	}
	el.FactEmbeddings = el.FactEmbeddings[:1]
	if el.Consistent() {
		t.Fatalf("ragged log: want inconsistent")
	}
}

func TestImportance(t *testing.T) {
	s := &ImportanceStat{SpeakCount: 6, ReferCount: 2, ConversationCount: 4}
	if got := s.Importance(); got != 2 {
		t.Fatalf("importance: want=2 got=%v", got)
	}
	zero := &ImportanceStat{}
	if got := zero.Importance(); got != 0 {
		t.Fatalf("zero conversations: want=0 got=%v", got)
	}

	// Scoring straight off a map index must work; the method cannot require
	// an addressable receiver.
	byGroup := map[string]ImportanceStat{
		"g1": {SpeakCount: 3, ReferCount: 1, ConversationCount: 2},
	}
	if got := byGroup["g1"].Importance(); got != 2 {
		t.Fatalf("map index: want=2 got=%v", got)
	}
	if got := byGroup["missing"].Importance(); got != 0 {
		t.Fatalf("absent group: want=0 got=%v", got)
	}
}
